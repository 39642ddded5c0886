// Package mapprovider implements MapProvider: an asynchronous stream
// of maps filtered by length/difficulty, a background-maintained
// random pool, blob-cache-aware map binary retrieval, and map-pack /
// TOTD resolution. Grounded on the original's
// cgf/RandomMapCacher.py.
package mapprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cgf/raceserver/internal/blobstore"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/mapcatalog"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/store"
)

// Provider is the single process-wide MapProvider. Its random pool is
// a mutable aggregate with a single writer at a time, guarded by mu.
type Provider struct {
	cfg     config.MapProvider
	catalog *mapcatalog.Client
	blobs   blobstore.Client
	store   store.Store

	mu   sync.Mutex
	pool []model.Map

	totdMu sync.RWMutex
	totd   []model.Map
}

func New(cfg config.MapProvider, catalog *mapcatalog.Client, blobs blobstore.Client, st store.Store) *Provider {
	return &Provider{cfg: cfg, catalog: catalog, blobs: blobs, store: st}
}

const randomMapQueueID = "main"

type randomMapQueueDoc struct {
	Name    string   `json:"name"`
	Tracks  []string `json:"tracks"`
}

// LoadPoolFromStore restores the persisted random pool on startup so
// a restart doesn't redo catalog work.
func (p *Provider) LoadPoolFromStore(ctx context.Context) error {
	var q randomMapQueueDoc
	err := p.store.FindByID(ctx, store.CollectionRandomMapQueue, randomMapQueueID, &q)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("loading persisted map pool: %w", err)
	}
	maps := make([]model.Map, 0, len(q.Tracks))
	for _, tid := range q.Tracks {
		var m model.Map
		if err := p.store.FindByID(ctx, store.CollectionMap, tid, &m); err == nil {
			maps = append(maps, m)
		}
	}
	rand.Shuffle(len(maps), func(i, j int) { maps[i], maps[j] = maps[j], maps[i] })

	p.mu.Lock()
	p.pool = maps
	p.mu.Unlock()
	return nil
}

func (p *Provider) persistPool(ctx context.Context) error {
	p.mu.Lock()
	tracks := make([]string, len(p.pool))
	for i, m := range p.pool {
		tracks[i] = m.TrackID
	}
	p.mu.Unlock()

	return p.store.Upsert(ctx, store.CollectionRandomMapQueue, randomMapQueueID, randomMapQueueDoc{
		Name: randomMapQueueID, Tracks: tracks,
	})
}

// MaintainPool runs forever (until ctx is cancelled), topping up the
// random pool to MaintainNMaps. Intended to run under an errgroup
// alongside the other background tasks.
func (p *Provider) MaintainPool(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	persistTicker := time.NewTicker(p.persistInterval())
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-persistTicker.C:
			if err := p.persistPool(ctx); err != nil {
				slog.Error("persisting map pool failed", "err", err)
			}
		case <-ticker.C:
			p.mu.Lock()
			short := len(p.pool) < p.cfg.MaintainNMaps
			p.mu.Unlock()
			if !short {
				continue
			}
			if err := p.fetchRandomBatch(ctx, 10); err != nil {
				slog.Warn("fetching random map batch failed", "err", err)
			}
		}
	}
}

func (p *Provider) persistInterval() time.Duration {
	if p.cfg.PoolPersistInterval > 0 {
		return p.cfg.PoolPersistInterval
	}
	return 5 * time.Minute
}

func (p *Provider) fetchRandomBatch(ctx context.Context, n int) error {
	maps, err := p.catalog.RandomMaps(ctx, n, nil)
	if err != nil {
		return fmt.Errorf("fetching random maps from catalog: %w", err)
	}
	p.mu.Lock()
	p.pool = append(p.pool, maps...)
	p.mu.Unlock()

	for _, m := range maps {
		go p.cacheMapBestEffort(m.TrackID)
	}
	return nil
}

// cacheMapBestEffort runs EnsureCached in the background, matching
// the original's fire-and-forget asyncio.create_task(cache_map(...)).
func (p *Provider) cacheMapBestEffort(trackID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := p.EnsureCached(ctx, trackID); err != nil {
		slog.Warn("caching map failed", "track_id", trackID, "err", err)
	}
}

// EnsureCached HEAD-checks the blob store and, if missing, downloads
// from the upstream catalog and uploads, retrying per
// cfg.DownloadRetries with cfg.DownloadBackoff between attempts.
func (p *Provider) EnsureCached(ctx context.Context, trackID string) error {
	key := blobstore.MapObjectKey(trackID)
	cached, err := p.blobs.Head(ctx, key)
	if err != nil {
		return fmt.Errorf("checking cache for %s: %w", trackID, err)
	}
	if cached {
		return nil
	}

	var lastErr error
	retries := p.cfg.DownloadRetries
	if retries <= 0 {
		retries = 10
	}
	backoff := p.cfg.DownloadBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := p.downloadAndUpload(ctx, trackID, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("caching map %s after %d retries: %w", trackID, retries, lastErr)
}

func (p *Provider) downloadAndUpload(ctx context.Context, trackID, key string) error {
	body, err := p.catalog.DownloadMapBinary(ctx, trackID)
	if err != nil {
		return fmt.Errorf("downloading map %s: %w", trackID, err)
	}
	defer body.Close()

	buf, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading map binary %s: %w", trackID, err)
	}
	if err := p.blobs.Put(ctx, key, bytes.NewReader(buf), int64(len(buf))); err != nil {
		return fmt.Errorf("uploading map binary %s: %w", trackID, err)
	}
	return nil
}

// GetSomeMaps returns a channel yielding up to n distinct maps
// satisfying the filter, draining from the random pool first and
// falling back to a filtered local-catalog sample if the pool is
// exhausted. The channel is closed when done; the caller should drain
// it fully or cancel ctx.
func (p *Provider) GetSomeMaps(ctx context.Context, n, minSecs, maxSecs, maxDifficulty int) <-chan model.Map {
	minSecs = model.ClampSecs(minSecs)
	maxSecs = model.ClampSecs(maxSecs)
	if maxSecs < minSecs {
		maxSecs = minSecs
	}
	maxDifficulty = model.ClampDifficulty(maxDifficulty)

	out := make(chan model.Map)
	go func() {
		defer close(out)
		sent := 0
		checked := 0
		seen := make(map[string]bool)
		for sent < n && checked < 100 {
			m, ok := p.popFromPool()
			if !ok {
				break
			}
			checked++
			if m.MatchesFilter(minSecs, maxSecs, maxDifficulty) && !seen[m.TrackID] {
				select {
				case out <- m:
					sent++
					seen[m.TrackID] = true
				case <-ctx.Done():
					return
				}
			}
		}
		if sent >= n {
			return
		}
		fallback, err := p.fallbackFromCatalog(ctx, n-sent, minSecs, maxSecs, maxDifficulty)
		if err != nil {
			slog.Warn("map fallback sampling failed", "err", err)
			return
		}
		for _, m := range fallback {
			if seen[m.TrackID] {
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *Provider) popFromPool() (model.Map, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pool) == 0 {
		return model.Map{}, false
	}
	m := p.pool[len(p.pool)-1]
	p.pool = p.pool[:len(p.pool)-1]
	return m, true
}

func (p *Provider) fallbackFromCatalog(ctx context.Context, n, minSecs, maxSecs, maxDifficulty int) ([]model.Map, error) {
	var matched []model.Map
	err := p.store.Iterate(ctx, store.CollectionMap, func(id string, raw []byte) error {
		var m model.Map
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		if m.MatchesFilter(minSecs, maxSecs, maxDifficulty) {
			matched = append(matched, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterating local catalog: %w", err)
	}
	rand.Shuffle(len(matched), func(i, j int) { matched[i], matched[j] = matched[j], matched[i] })
	if len(matched) > n {
		matched = matched[:n]
	}
	return matched, nil
}

// PollTOTD polls the upstream catalog for the current track-of-the-day
// set on the interval it reports, retrying every 5s on transient
// errors, matching the original's maintain_totd_maps loop.
func (p *Provider) PollTOTD(ctx context.Context) error {
	for {
		entries, err := p.catalog.TOTD(ctx)
		if err != nil {
			slog.Warn("fetching totd failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		maps := make([]model.Map, 0, len(entries))
		wait := 5 * time.Second
		for _, e := range entries {
			maps = append(maps, e.Map)
			if e.RelativeNextRequest > 0 {
				wait = time.Duration(e.RelativeNextRequest) * time.Second
			}
		}
		p.totdMu.Lock()
		p.totd = maps
		p.totdMu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// TOTDMaps returns the currently known track-of-the-day set.
func (p *Provider) TOTDMaps() []model.Map {
	p.totdMu.RLock()
	defer p.totdMu.RUnlock()
	out := make([]model.Map, len(p.totd))
	copy(out, p.totd)
	return out
}

// MapsFromPack resolves maps_needed tracks from a map pack, falling
// back to get_some_maps semantics if the pack cannot be resolved.
func (p *Provider) MapsFromPack(ctx context.Context, mapsNeeded int, packID string) ([]model.Map, error) {
	pack, err := p.catalog.MapPack(ctx, packID)
	if err != nil {
		out := make([]model.Map, 0, mapsNeeded)
		for m := range p.GetSomeMaps(ctx, mapsNeeded, 0, 60, 2) {
			out = append(out, m)
		}
		return out, nil
	}
	maps, err := p.catalog.MapsInfo(ctx, pack.TrackIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving map pack %s tracks: %w", packID, err)
	}
	rand.Shuffle(len(maps), func(i, j int) { maps[i], maps[j] = maps[j], maps[i] })
	if len(maps) > mapsNeeded {
		maps = maps[:mapsNeeded]
	}
	return maps, nil
}
