// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package origin fetches HLS manifests from the channel origin with a
// short-TTL cache, bounded timeouts, retry with backoff, and a last-known-
// good fallback so transient origin trouble never becomes a playback
// failure.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// ErrOriginUnavailable: the origin could not be reached and no acceptable
// cached copy exists.
var ErrOriginUnavailable = errors.New("origin: unavailable")

// Fetch budget per the concurrency model.
const (
	softTimeout     = 1500 * time.Millisecond
	hardTimeout     = 3 * time.Second
	retryInitial    = 150 * time.Millisecond
	retryMax        = 600 * time.Millisecond
	maxRetries      = 2
	maxManifestSize = 4 << 20

	// DefaultManifestTTL is the cache TTL for variant manifests.
	DefaultManifestTTL = 2 * time.Second
	// lastGoodFactor: how many TTLs old a last-known-good copy may be.
	lastGoodFactor = 10
)

// Fetcher is a caching origin HTTP client. Safe for concurrent use;
// concurrent fetches of one URL collapse into a single request.
type Fetcher struct {
	client *http.Client
	sf     singleflight.Group
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	body      []byte
	fetchedAt time.Time
	ttl       time.Duration
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: hardTimeout},
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Fetch returns the manifest at url, served from cache within ttl. On origin
// failure the last-known-good copy is returned as long as it is no older
// than ten TTLs; past that, ErrOriginUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, url string, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		ttl = DefaultManifestTTL
	}
	now := f.now()
	f.mu.Lock()
	e, ok := f.cache[url]
	f.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) < ttl {
		return e.body, nil
	}

	v, err, _ := f.sf.Do(url, func() (any, error) {
		body, err := f.fetchWithRetry(ctx, url)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[url] = cacheEntry{body: body, fetchedAt: f.now(), ttl: ttl}
		f.mu.Unlock()
		return body, nil
	})
	if err == nil {
		return v.([]byte), nil
	}

	// Serve the stale copy while the origin recovers.
	if ok && now.Sub(e.fetchedAt) < ttl*lastGoodFactor {
		return e.body, nil
	}
	return nil, fmt.Errorf("%w: %s: %s", ErrOriginUnavailable, url, err)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.MaxInterval = retryMax
	bo.RandomizationFactor = 0.2

	var body []byte
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, softTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err // transient: timeouts, refused connections
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// LastGood returns the cached copy regardless of TTL, for the front-end's
// overall-deadline fallback. ok is false when nothing was ever fetched or
// the copy is older than ten TTLs.
func (f *Fetcher) LastGood(url string, ttl time.Duration) ([]byte, bool) {
	if ttl <= 0 {
		ttl = DefaultManifestTTL
	}
	f.mu.Lock()
	e, ok := f.cache[url]
	f.mu.Unlock()
	if !ok || f.now().Sub(e.fetchedAt) >= ttl*lastGoodFactor {
		return nil, false
	}
	return e.body, true
}
