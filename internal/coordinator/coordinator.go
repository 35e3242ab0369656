// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package coordinator serializes all state mutations for a channel's ad
// breaks: break creation, decision pre-computation, and skip-count
// persistence. One logical writer exists per channel (a goroutine keyed by
// channel id); CAS on the record version at the store is the backstop
// against writers on other instances. Read paths never pass through here.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/internal/detect"
)

// casRetries is how often a conflicting write is retried before proceeding
// with the last successful read.
const casRetries = 3

// workerQueueDepth bounds pending mutations per channel.
const workerQueueDepth = 64

// Coordinator owns the per-channel single-writer workers.
type Coordinator struct {
	store    adbreak.Store
	resolver *decision.Resolver
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker

	// OnBreakCreated is wired to a prometheus counter by the server.
	OnBreakCreated func(source string)
}

type worker struct {
	ops chan op
}

type op struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

func New(store adbreak.Store, resolver *decision.Resolver) *Coordinator {
	return &Coordinator{
		store:    store,
		resolver: resolver,
		now:      time.Now,
		log:      slog.Default(),
		workers:  make(map[string]*worker),
	}
}

// run submits fn to the channel's writer goroutine and waits for it (bounded
// by ctx). Mutations for one channel execute strictly in submission order.
func (c *Coordinator) run(ctx context.Context, channelID string, fn func(ctx context.Context)) error {
	c.mu.Lock()
	w, ok := c.workers[channelID]
	if !ok {
		w = &worker{ops: make(chan op, workerQueueDepth)}
		c.workers[channelID] = w
		go w.loop()
	}
	c.mu.Unlock()

	o := op{fn: fn, done: make(chan struct{})}
	select {
	case w.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		// The op still completes on the worker; it is short and idempotent
		// under CAS.
		return ctx.Err()
	}
}

func (w *worker) loop() {
	for o := range w.ops {
		o.fn(context.Background())
		close(o.done)
	}
}

// Observe feeds freshly detected break candidates to the coordinator. New
// breaks are created and their decisions pre-computed; known unexpired
// breaks are reused untouched.
func (c *Coordinator) Observe(ctx context.Context, ch *channel.Channel, cands []detect.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	return c.run(ctx, ch.ID, func(opCtx context.Context) {
		for _, cand := range cands {
			c.ensureBreak(opCtx, ch, cand)
		}
	})
}

func (c *Coordinator) ensureBreak(ctx context.Context, ch *channel.Channel, cand detect.Candidate) {
	if _, err := c.store.Get(ctx, ch.ID, cand.BreakEventID); err == nil {
		return // reuse, never rewrite
	} else if !errors.Is(err, adbreak.ErrNotFound) {
		c.log.Warn("state store read failed", "channel", ch.ID, "err", err)
		return
	}
	b := adbreak.New(ch.ID, cand.BreakEventID, adbreak.SourceSCTE35, cand.PDTStart, cand.DurationMS)
	b.Version = 1
	if err := c.store.Put(ctx, b, 0); err != nil {
		if errors.Is(err, adbreak.ErrVersionConflict) {
			return // another instance created it first
		}
		c.log.Warn("break create failed", "channel", ch.ID, "break", b.BreakEventID, "err", err)
		return
	}
	c.log.Info("ad break created", "channel", ch.ID, "break", b.BreakEventID,
		"pdt_start", b.PDTStart, "duration_ms", b.DurationMS, "source", b.Source)
	if c.OnBreakCreated != nil {
		c.OnBreakCreated(string(b.Source))
	}
	c.precompute(ch, b.BreakEventID, b.DurationMS)
}

// precompute fires the decision with its soft deadline; the result is stored
// if it lands. Failures leave decision_at unset so later viewer requests can
// trigger the lazy path.
func (c *Coordinator) precompute(ch *channel.Channel, breakEventID string, durationMS uint32) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), decision.PrecomputeDeadline)
		defer cancel()
		pod, err := c.resolver.Decide(ctx, ch, breakEventID, durationMS)
		if err != nil {
			c.log.Warn("decision precompute failed", "channel", ch.ID, "break", breakEventID, "err", err)
			return
		}
		_ = c.run(context.Background(), ch.ID, func(opCtx context.Context) {
			c.storeDecision(opCtx, ch, breakEventID, pod)
		})
	}()
}

// LazyDecide resolves the decision for a break whose pre-computation never
// landed. Bounded by the lazy deadline; concurrent callers are serialized by
// the channel worker so decide still runs once.
func (c *Coordinator) LazyDecide(ctx context.Context, ch *channel.Channel, breakEventID string) (*decision.AdPod, error) {
	var pod *decision.AdPod
	var decideErr error
	err := c.run(ctx, ch.ID, func(opCtx context.Context) {
		b, err := c.store.Get(opCtx, ch.ID, breakEventID)
		if err != nil {
			decideErr = err
			return
		}
		if b.Decision != nil {
			pod = b.Decision
			return
		}
		dctx, cancel := context.WithTimeout(opCtx, decision.LazyDeadline)
		defer cancel()
		pod, decideErr = c.resolver.Decide(dctx, ch, breakEventID, b.DurationMS)
		if decideErr == nil {
			c.storeDecision(opCtx, ch, breakEventID, pod)
		}
	})
	if err != nil {
		return nil, err
	}
	return pod, decideErr
}

func (c *Coordinator) storeDecision(ctx context.Context, ch *channel.Channel, breakEventID string, pod *decision.AdPod) {
	c.mutate(ctx, ch.ID, breakEventID, func(b *adbreak.AdBreak) bool {
		if b.Decision != nil {
			return false // a decision, once set, never changes
		}
		now := c.now()
		b.Decision = pod
		b.DecisionAt = &now
		return true
	})
}

// PersistSkip stores a freshly computed skip count. First writer wins; the
// stored values are never overwritten, which keeps every later rewrite
// resuming at the same origin segment.
func (c *Coordinator) PersistSkip(ctx context.Context, ch *channel.Channel, breakEventID string, skipSegments, skipDurationMS uint32) error {
	if skipSegments == 0 {
		return nil
	}
	return c.run(ctx, ch.ID, func(opCtx context.Context) {
		c.mutate(opCtx, ch.ID, breakEventID, func(b *adbreak.AdBreak) bool {
			if b.SkipSegments != 0 {
				return false
			}
			b.SkipSegments = skipSegments
			b.SkipDurationMS = skipDurationMS
			return true
		})
	})
}

// ManualCueStart creates a MANUAL_CUE break rooted at the channel's current
// wall-clock PDT. Manual breaks outrank SCTE-35 and time-based ones when the
// front-end picks the break to serve.
func (c *Coordinator) ManualCueStart(ctx context.Context, ch *channel.Channel, pdtStart time.Time, durationMS uint32) (*adbreak.AdBreak, error) {
	id := fmt.Sprintf("manual-%d", pdtStart.UnixMilli())
	var created *adbreak.AdBreak
	err := c.run(ctx, ch.ID, func(opCtx context.Context) {
		if b, err := c.store.Get(opCtx, ch.ID, id); err == nil {
			created = b
			return
		}
		b := adbreak.New(ch.ID, id, adbreak.SourceManualCue, pdtStart, durationMS)
		b.Version = 1
		if err := c.store.Put(opCtx, b, 0); err != nil {
			c.log.Warn("manual cue create failed", "channel", ch.ID, "err", err)
			return
		}
		if c.OnBreakCreated != nil {
			c.OnBreakCreated(string(b.Source))
		}
		created = b
		c.precompute(ch, id, durationMS)
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("coordinator: manual cue not created")
	}
	return created, nil
}

// ManualCueStop ends the channel's active break now.
func (c *Coordinator) ManualCueStop(ctx context.Context, ch *channel.Channel) error {
	return c.run(ctx, ch.ID, func(opCtx context.Context) {
		breaks, err := c.store.List(opCtx, ch.ID)
		if err != nil {
			c.log.Warn("state store list failed", "channel", ch.ID, "err", err)
			return
		}
		now := c.now()
		active := adbreak.Pick(breaks, now)
		if active == nil {
			return
		}
		c.mutate(opCtx, ch.ID, active.BreakEventID, func(b *adbreak.AdBreak) bool {
			if !b.Active(now) {
				return false
			}
			b.Truncate(now)
			return true
		})
	})
}

// MaybeAutoInsert creates the channel's time-based break for the current
// cadence slot. SCTE-35 breaks take precedence: a time-based break whose
// interval overlaps any live SCTE-35 (or manual) break is dropped.
func (c *Coordinator) MaybeAutoInsert(ctx context.Context, ch *channel.Channel) error {
	if ch.AutoInsertPeriodS == 0 || ch.AutoInsertDurationS == 0 {
		return nil
	}
	return c.run(ctx, ch.ID, func(opCtx context.Context) {
		now := c.now()
		period := time.Duration(ch.AutoInsertPeriodS) * time.Second
		slot := now.Truncate(period)
		durationMS := ch.AutoInsertDurationS * 1000
		if now.Sub(slot) >= time.Duration(durationMS)*time.Millisecond {
			return // past this slot's break interval
		}
		id := fmt.Sprintf("auto-%d", slot.Unix())
		if _, err := c.store.Get(opCtx, ch.ID, id); err == nil {
			return
		}
		breaks, err := c.store.List(opCtx, ch.ID)
		if err != nil {
			return
		}
		end := slot.Add(time.Duration(durationMS) * time.Millisecond)
		for _, b := range breaks {
			if b.Source != adbreak.SourceTimeBased && b.Overlaps(slot, end) {
				return
			}
		}
		b := adbreak.New(ch.ID, id, adbreak.SourceTimeBased, slot, durationMS)
		b.Version = 1
		if err := c.store.Put(opCtx, b, 0); err != nil {
			return
		}
		if c.OnBreakCreated != nil {
			c.OnBreakCreated(string(b.Source))
		}
		c.precompute(ch, id, durationMS)
	})
}

// mutate is the CAS read-modify-write loop: up to casRetries attempts, then
// proceed with the last successful read and log. apply returns false to
// abort without writing.
func (c *Coordinator) mutate(ctx context.Context, channelID, breakEventID string, apply func(b *adbreak.AdBreak) bool) {
	for attempt := 0; attempt <= casRetries; attempt++ {
		b, err := c.store.Get(ctx, channelID, breakEventID)
		if err != nil {
			c.log.Warn("state store read failed", "channel", channelID, "break", breakEventID, "err", err)
			return
		}
		if !apply(b) {
			return
		}
		expected := b.Version
		b.Version++
		err = c.store.Put(ctx, b, expected)
		if err == nil {
			return
		}
		if !errors.Is(err, adbreak.ErrVersionConflict) {
			c.log.Warn("state store write failed", "channel", channelID, "break", breakEventID, "err", err)
			return
		}
	}
	c.log.Warn("persistent version conflict, keeping last read",
		"channel", channelID, "break", breakEventID)
}
