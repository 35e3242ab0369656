// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/stitchd/stitchd/pkg/m3u8"
)

// ErrAdPlaylistFetch: the ad's media playlist could not be fetched within
// the retry budget. The caller falls back to slate.
var ErrAdPlaylistFetch = errors.New("decision: ad playlist fetch failed")

// Per-bitrate ad playlist fetch budget.
const (
	adFetchSoftTimeout  = 500 * time.Millisecond
	adFetchHardTimeout  = 1500 * time.Millisecond
	adFetchMaxRetries   = 3
	adFetchInitialDelay = 100 * time.Millisecond
	adFetchMaxDelay     = 400 * time.Millisecond
	adPlaylistCacheTTL  = 5 * time.Minute
)

// VariantURLFor builds the object-store media playlist URL for an ad
// rendition. The store's layout is kbps-named.
func VariantURLFor(adPodBaseURL, adID string, bitrateBPS uint32) string {
	return fmt.Sprintf("%s/%s/%dk/playlist.m3u8",
		strings.TrimSuffix(adPodBaseURL, "/"), adID, bitrateBPS/1000)
}

// PlaylistResolver lazily populates AdItem.Segments from the ad object
// store. Ads are immutable once transcoded, so parsed playlists are cached.
type PlaylistResolver struct {
	client *http.Client
	sf     singleflight.Group
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSegments
}

type cachedSegments struct {
	segments []Segment
	at       time.Time
}

func NewPlaylistResolver() *PlaylistResolver {
	return &PlaylistResolver{
		client: &http.Client{Timeout: adFetchHardTimeout},
		now:    time.Now,
		cache:  make(map[string]cachedSegments),
	}
}

// Resolve fills item.Segments from the ad's media playlist. The actual
// per-segment durations are used exactly as parsed; assuming uniform
// durations corrupts the spliced timeline.
func (r *PlaylistResolver) Resolve(ctx context.Context, item *AdItem) error {
	if len(item.Segments) > 0 {
		return nil
	}
	segs, err := r.segments(ctx, item.VariantURL)
	if err != nil {
		return err
	}
	item.Segments = segs
	return nil
}

func (r *PlaylistResolver) segments(ctx context.Context, url string) ([]Segment, error) {
	r.mu.Lock()
	if e, ok := r.cache[url]; ok && r.now().Sub(e.at) < adPlaylistCacheTTL {
		r.mu.Unlock()
		return e.segments, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(url, func() (any, error) {
		segs, err := r.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[url] = cachedSegments{segments: segs, at: r.now()}
		r.mu.Unlock()
		return segs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Segment), nil
}

func (r *PlaylistResolver) fetch(ctx context.Context, url string) ([]Segment, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = adFetchInitialDelay
	bo.MaxInterval = adFetchMaxDelay
	bo.RandomizationFactor = 0

	var body []byte
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, adFetchSoftTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, adFetchMaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrAdPlaylistFetch, url, err)
	}

	pl, err := m3u8.ParseMediaPlaylist(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrAdPlaylistFetch, url, err)
	}
	segs := make([]Segment, 0, len(pl.Segments))
	base := url[:strings.LastIndex(url, "/")+1]
	for _, s := range pl.Segments {
		u := s.URI
		if !strings.Contains(u, "://") {
			u = base + u
		}
		segs = append(segs, Segment{URL: u, DurationMS: s.DurationMS})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: %s: empty playlist", ErrAdPlaylistFetch, url)
	}
	return segs, nil
}
