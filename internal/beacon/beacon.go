// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package beacon converts served ads into tracker fire records and hands
// them to an external queue. Trackers are never called synchronously from
// the request path; downstream consumers dedupe by the deterministic
// event id.
package beacon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/stitchd/stitchd/internal/decision"
)

// Event is a tracker event kind.
type Event string

const (
	EventImpression Event = "IMPRESSION"
	EventQ0         Event = "Q0"
	EventQ25        Event = "Q25"
	EventQ50        Event = "Q50"
	EventQ75        Event = "Q75"
	EventQ100       Event = "Q100"
	EventClick      Event = "CLICK"
	EventError      Event = "ERROR"
)

// Queue message bounds per the wire contract.
const (
	MaxBatch       = 100
	MaxMessageSize = 4 << 10
)

// dedupeTTL bounds the in-process (viewer, ad, event) suppression window.
const dedupeTTL = 10 * time.Minute

// FireRequest is one queued tracker fire.
type FireRequest struct {
	EventID   string    `json:"event_id"`
	URL       string    `json:"url"`
	Method    string    `json:"method"` // GET or POST
	Event     Event     `json:"event"`
	AdID      string    `json:"ad_id"`
	BreakID   string    `json:"break_id"`
	FireAfter time.Time `json:"fire_after"`
}

// Queue is the external beacon queue.
type Queue interface {
	Enqueue(ctx context.Context, batch []FireRequest) error
}

// EventIDFor derives the idempotency key downstream consumers dedupe by.
func EventIDFor(viewerID, adID string, event Event, breakID string) string {
	h := sha256.Sum256([]byte(viewerID + "|" + adID + "|" + string(event) + "|" + breakID))
	return hex.EncodeToString(h[:])
}

// Enqueuer builds fire batches for served ads, suppressing duplicates per
// (viewer, ad, event) in-process; the event id remains the authoritative
// dedupe key across instances.
type Enqueuer struct {
	queue Queue
	now   func() time.Time
	log   *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	// OnEnqueue is wired to a prometheus counter by the server.
	OnEnqueue func(n int)
}

func NewEnqueuer(queue Queue) *Enqueuer {
	return &Enqueuer{
		queue: queue,
		now:   time.Now,
		log:   slog.Default(),
		seen:  make(map[string]time.Time),
	}
}

// FireForEvent enqueues the pod's trackers for one event kind. Zero
// trackers produce zero enqueues.
func (e *Enqueuer) FireForEvent(ctx context.Context, viewerID, breakID string, pod *decision.AdPod, event Event) {
	if pod.Empty() {
		return
	}
	urls := trackersFor(&pod.Trackers, event)
	if len(urls) == 0 {
		return
	}
	adID := pod.Items[0].AdID
	if !e.markSeen(viewerID, adID, event) {
		return
	}
	eventID := EventIDFor(viewerID, adID, event, breakID)
	batch := make([]FireRequest, 0, len(urls))
	for _, u := range urls {
		batch = append(batch, FireRequest{
			EventID:   eventID,
			URL:       u,
			Method:    "GET",
			Event:     event,
			AdID:      adID,
			BreakID:   breakID,
			FireAfter: e.now(),
		})
		if len(batch) == MaxBatch {
			e.flush(ctx, batch)
			batch = batch[:0]
		}
	}
	e.flush(ctx, batch)
}

func (e *Enqueuer) flush(ctx context.Context, batch []FireRequest) {
	if len(batch) == 0 {
		return
	}
	if err := e.queue.Enqueue(ctx, batch); err != nil {
		e.log.Warn("beacon enqueue failed", "count", len(batch), "err", err)
		return
	}
	if e.OnEnqueue != nil {
		e.OnEnqueue(len(batch))
	}
}

// markSeen returns true the first time a (viewer, ad, event) triple is seen
// within the dedupe window.
func (e *Enqueuer) markSeen(viewerID, adID string, event Event) bool {
	key := viewerID + "|" + adID + "|" + string(event)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if at, ok := e.seen[key]; ok && now.Sub(at) < dedupeTTL {
		return false
	}
	// Opportunistic sweep to keep the map bounded.
	if len(e.seen) > 65536 {
		for k, at := range e.seen {
			if now.Sub(at) >= dedupeTTL {
				delete(e.seen, k)
			}
		}
	}
	e.seen[key] = now
	return true
}

func trackersFor(t *decision.TrackerSet, event Event) []string {
	switch event {
	case EventImpression:
		return t.Impression
	case EventQ0:
		return t.Q0
	case EventQ25:
		return t.Q25
	case EventQ50:
		return t.Q50
	case EventQ75:
		return t.Q75
	case EventQ100:
		return t.Q100
	case EventClick:
		return t.Click
	case EventError:
		return t.Error
	}
	return nil
}

// QuartileForProgress maps a played fraction of the break to the quartile
// event fired at that mark.
func QuartileForProgress(fraction float64) (Event, bool) {
	switch {
	case fraction >= 1:
		return EventQ100, true
	case fraction >= 0.75:
		return EventQ75, true
	case fraction >= 0.5:
		return EventQ50, true
	case fraction >= 0.25:
		return EventQ25, true
	case fraction >= 0:
		return EventQ0, true
	}
	return "", false
}
