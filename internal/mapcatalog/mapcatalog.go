// Package mapcatalog is the upstream HTTP map catalog client: random
// map search, latest maps, single/multi map info, map-pack metadata
// and track list, and TOTD listing. All calls are best-effort; the
// caller degrades to the local catalog on failure. Grounded on the
// original's cgf/NadeoApi.py map-search and map-info endpoints.
package mapcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cgf/raceserver/internal/model"
)

// TOTDEntry is one daily track-of-the-day entry, along with the
// interval (seconds) the upstream service reports until the next poll
// should happen.
type TOTDEntry struct {
	Map                model.Map `json:"map"`
	RelativeNextRequest int      `json:"relativeNextRequest"`
}

// Client is the upstream map catalog.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a Client against baseURL (the mapsearch2-compatible
// upstream service).
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// RandomMaps fetches a random batch from the upstream catalog
// matching the search endpoint's contract:
// GET /mapsearch2/search?api=on&random=1&etags=...
func (c *Client) RandomMaps(ctx context.Context, count int, etags []string) ([]model.Map, error) {
	q := url.Values{
		"api":    {"on"},
		"random": {"1"},
		"etags":  {strings.Join(etags, ",")},
		"count":  {strconv.Itoa(count)},
	}
	var out struct {
		Results []model.Map `json:"results"`
	}
	if err := c.getJSON(ctx, "/mapsearch2/search?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetching random maps: %w", err)
	}
	return out.Results, nil
}

// LatestMaps fetches the most recently published tracks.
func (c *Client) LatestMaps(ctx context.Context, count int) ([]model.Map, error) {
	q := url.Values{"api": {"on"}, "order": {"latest"}, "count": {strconv.Itoa(count)}}
	var out struct {
		Results []model.Map `json:"results"`
	}
	if err := c.getJSON(ctx, "/mapsearch2/search?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("fetching latest maps: %w", err)
	}
	return out.Results, nil
}

// MapInfo fetches a single map by track id.
func (c *Client) MapInfo(ctx context.Context, trackID string) (model.Map, error) {
	var m model.Map
	if err := c.getJSON(ctx, "/api/maps/"+url.PathEscape(trackID), &m); err != nil {
		return model.Map{}, fmt.Errorf("fetching map info for %s: %w", trackID, err)
	}
	return m, nil
}

// MapsInfo fetches several maps in one round trip via a comma-joined
// id list.
func (c *Client) MapsInfo(ctx context.Context, trackIDs []string) ([]model.Map, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	var out []model.Map
	if err := c.getJSON(ctx, "/api/maps?ids="+strings.Join(trackIDs, ","), &out); err != nil {
		return nil, fmt.Errorf("fetching maps info for %d ids: %w", len(trackIDs), err)
	}
	return out, nil
}

// MapPack fetches a pack's metadata and its track list.
func (c *Client) MapPack(ctx context.Context, packID string) (model.MapPack, error) {
	var mp model.MapPack
	if err := c.getJSON(ctx, "/api/mappacks/"+url.PathEscape(packID), &mp); err != nil {
		return model.MapPack{}, fmt.Errorf("fetching map pack %s: %w", packID, err)
	}
	return mp, nil
}

// TOTD fetches the current track-of-the-day set.
func (c *Client) TOTD(ctx context.Context) ([]TOTDEntry, error) {
	var out []TOTDEntry
	if err := c.getJSON(ctx, "/api/totd", &out); err != nil {
		return nil, fmt.Errorf("fetching totd: %w", err)
	}
	return out, nil
}

// DownloadMapBinary streams the raw .Gbx bytes for a track from the
// upstream catalog's download endpoint. The caller must close the
// returned reader.
func (c *Client) DownloadMapBinary(ctx context.Context, trackID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/maps/download/"+url.PathEscape(trackID), nil)
	if err != nil {
		return nil, fmt.Errorf("building download request for %s: %w", trackID, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading map %s: %w", trackID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading map %s: unexpected status %d", trackID, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
