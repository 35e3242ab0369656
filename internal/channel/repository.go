// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// cacheTTL is how long a resolved channel config is served without going
// back to the underlying repository. Admin updates publish invalidations
// that arrive through Invalidate.
const cacheTTL = 60 * time.Second

// FileRepository serves channels from a JSON file of the form
// {"channels": [...]}. It stands in for the admin relational store.
type FileRepository struct {
	mu       sync.RWMutex
	channels map[string]*Channel // key org/slug
}

// NewFileRepository loads the channels file once; Reload re-reads it.
func NewFileRepository(path string) (*FileRepository, error) {
	r := &FileRepository{}
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the channel set from the file.
func (r *FileRepository) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read channels file: %w", err)
	}
	var doc struct {
		Channels []*Channel `json:"channels"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse channels file: %w", err)
	}
	chans := make(map[string]*Channel, len(doc.Channels))
	for _, c := range doc.Channels {
		if c.Mode == "" {
			c.Mode = ModeAuto
		}
		chans[c.OrgSlug+"/"+c.Slug] = c
	}
	r.mu.Lock()
	r.channels = chans
	r.mu.Unlock()
	return nil
}

func (r *FileRepository) BySlug(_ context.Context, orgSlug, slug string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[orgSlug+"/"+slug]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *FileRepository) All(_ context.Context) ([]*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out, nil
}

// StaticRepository serves a fixed channel list. Test helper and single-channel
// deployments.
type StaticRepository struct {
	Channels []*Channel
}

func (r *StaticRepository) BySlug(_ context.Context, orgSlug, slug string) (*Channel, error) {
	for _, c := range r.Channels {
		if c.OrgSlug == orgSlug && c.Slug == slug {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *StaticRepository) All(_ context.Context) ([]*Channel, error) {
	return r.Channels, nil
}

// CachedRepository is the in-process read-through cache in front of the
// channel store.
type CachedRepository struct {
	next Repository
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedChannel
}

type cachedChannel struct {
	ch       *Channel
	err      error
	loadedAt time.Time
}

func NewCachedRepository(next Repository) *CachedRepository {
	return &CachedRepository{next: next, now: time.Now, cache: make(map[string]cachedChannel)}
}

func (r *CachedRepository) BySlug(ctx context.Context, orgSlug, slug string) (*Channel, error) {
	key := orgSlug + "/" + slug
	now := r.now()
	r.mu.Lock()
	if e, ok := r.cache[key]; ok && now.Sub(e.loadedAt) < cacheTTL {
		r.mu.Unlock()
		return e.ch, e.err
	}
	r.mu.Unlock()

	ch, err := r.next.BySlug(ctx, orgSlug, slug)
	r.mu.Lock()
	r.cache[key] = cachedChannel{ch: ch, err: err, loadedAt: now}
	r.mu.Unlock()
	return ch, err
}

func (r *CachedRepository) All(ctx context.Context) ([]*Channel, error) {
	return r.next.All(ctx)
}

// Invalidate drops one cached entry, typically on an admin pub/sub update.
func (r *CachedRepository) Invalidate(orgSlug, slug string) {
	r.mu.Lock()
	delete(r.cache, orgSlug+"/"+slug)
	r.mu.Unlock()
}
