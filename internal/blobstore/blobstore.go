// Package blobstore provides the map-binary object store client
// described in spec §6: put/get/head by key, used to cache downloaded
// map files keyed by "<track_id>.Map.Gbx". This is a thin net/http
// client over a generic S3-compatible HTTP object API, grounded on
// the original's boto3 S3 client configuration (cgf/db.py) translated
// to a stdlib HTTP client since no S3 SDK is present anywhere in the
// retrieved corpus.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned by Head/Get when the key is absent.
var ErrNotFound = errors.New("blobstore: key not found")

// Client puts, gets, and head-checks objects by key.
type Client interface {
	Head(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// HTTPClient talks to an S3-compatible endpoint with path-style keys
// under a single configured bucket.
type HTTPClient struct {
	AccessKey  string
	SecretKey  string
	ServiceURL string
	BucketName string
	HTTP       *http.Client
}

// New builds an HTTPClient from the credentials loaded out of the
// blob-store secret file.
func New(accessKey, secretKey, serviceURL, bucketName string) *HTTPClient {
	return &HTTPClient{
		AccessKey:  accessKey,
		SecretKey:  secretKey,
		ServiceURL: serviceURL,
		BucketName: bucketName,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) objectURL(key string) string {
	return fmt.Sprintf("https://%s/%s/%s", c.ServiceURL, c.BucketName, key)
}

func (c *HTTPClient) signedRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.objectURL(key), body)
	if err != nil {
		return nil, fmt.Errorf("building %s request for %s: %w", method, key, err)
	}
	req.SetBasicAuth(c.AccessKey, c.SecretKey)
	return req, nil
}

// Head checks object existence without transferring the body.
func (c *HTTPClient) Head(ctx context.Context, key string) (bool, error) {
	req, err := c.signedRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("head %s: unexpected status %d", key, resp.StatusCode)
	}
}

// Get downloads an object's body. The caller must close it.
func (c *HTTPClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := c.signedRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %d", key, resp.StatusCode)
	}
	return resp.Body, nil
}

// Put uploads an object with public-read semantics, matching the
// original's public-read ACL convention for cached map binaries.
func (c *HTTPClient) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	req, err := c.signedRequest(ctx, http.MethodPut, key, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("X-Amz-Acl", "public-read")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("put %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// MapObjectKey returns the blob-store key for a track's cached map
// binary, "<track_id>.Map.Gbx" per spec.
func MapObjectKey(trackID string) string {
	return trackID + ".Map.Gbx"
}
