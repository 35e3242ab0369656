// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/internal/detect"
	"github.com/stitchd/stitchd/pkg/logging"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func init() {
	_ = logging.InitSlog("ERROR", logging.LogDiscard)
}

func testChannel() *channel.Channel {
	return &channel.Channel{ID: "ch1", Slug: "sports", OrgSlug: "acme",
		SCTE35Enabled: true, BitrateLadderKbps: []uint32{800}}
}

func newTestCoordinator(now func() time.Time) (*Coordinator, *adbreak.MemoryStore) {
	store := adbreak.NewMemoryStoreAt(now)
	inv := decision.NewMemoryInventory()
	inv.AddPod("acme", decision.CandidatePod{
		Pod: &decision.AdPod{PodID: "p1", Items: []decision.AdItem{
			{AdID: "ad1", BitrateBPS: 800_000, DurationMS: 30000},
		}},
		Priority: 1, Weight: 1,
	})
	c := New(store, decision.NewResolver(nil, inv))
	c.now = now
	return c, store
}

func candidate(id string, start time.Time) detect.Candidate {
	return detect.Candidate{BreakEventID: id, PDTStart: start, DurationMS: 30000}
}

func TestObserveCreatesBreakOnce(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(func() time.Time { return t0 })
	ch := testChannel()

	require.NoError(t, c.Observe(ctx, ch, []detect.Candidate{candidate("42", t0)}))
	b, err := store.Get(ctx, "ch1", "42")
	require.NoError(t, err)
	assert.Equal(t, adbreak.SourceSCTE35, b.Source)
	assert.Equal(t, uint64(1), b.Version)

	// Pre-computation lands asynchronously.
	require.Eventually(t, func() bool {
		b, err := store.Get(ctx, "ch1", "42")
		return err == nil && b.Decision != nil
	}, 2*time.Second, 10*time.Millisecond)
	b, _ = store.Get(ctx, "ch1", "42")
	assert.Equal(t, "p1", b.Decision.PodID)
	require.NotNil(t, b.DecisionAt)

	// The same candidate on every later poll must not rewrite anything.
	v := b.Version
	require.NoError(t, c.Observe(ctx, ch, []detect.Candidate{candidate("42", t0.Add(time.Second))}))
	b, _ = store.Get(ctx, "ch1", "42")
	assert.Equal(t, v, b.Version)
	assert.Equal(t, t0, b.PDTStart)
}

// Two concurrent viewers computing different skip counts: the first write
// wins and every later read observes it (scenario with viewers on
// different variants).
func TestPersistSkipFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(func() time.Time { return t0 })
	ch := testChannel()
	require.NoError(t, c.Observe(ctx, ch, []detect.Candidate{candidate("42", t0)}))

	var wg sync.WaitGroup
	for _, skip := range []uint32{16, 17} {
		wg.Add(1)
		go func(skip uint32) {
			defer wg.Done()
			_ = c.PersistSkip(ctx, ch, "42", skip, skip*1920)
		}(skip)
	}
	wg.Wait()

	b, err := store.Get(ctx, "ch1", "42")
	require.NoError(t, err)
	first := b.SkipSegments
	require.NotZero(t, first)

	// Later writers cannot change it.
	require.NoError(t, c.PersistSkip(ctx, ch, "42", first+5, 1))
	b, _ = store.Get(ctx, "ch1", "42")
	assert.Equal(t, first, b.SkipSegments)
}

func TestLazyDecideOnce(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(func() time.Time { return t0 })
	ch := testChannel()

	// Create a break without waiting for the precompute goroutine.
	b := adbreak.New("ch1", "42", adbreak.SourceSCTE35, t0, 30000)
	b.Version = 1
	require.NoError(t, store.Put(ctx, b, 0))

	pod, err := c.LazyDecide(ctx, ch, "42")
	require.NoError(t, err)
	assert.Equal(t, "p1", pod.PodID)

	stored, err := store.Get(ctx, "ch1", "42")
	require.NoError(t, err)
	require.NotNil(t, stored.Decision)
	assert.Equal(t, "p1", stored.Decision.PodID)

	again, err := c.LazyDecide(ctx, ch, "42")
	require.NoError(t, err)
	assert.Equal(t, pod.PodID, again.PodID)
}

func TestManualCueLifecycle(t *testing.T) {
	ctx := context.Background()
	now := t0.Add(5 * time.Second)
	c, store := newTestCoordinator(func() time.Time { return now })
	ch := testChannel()

	// A SCTE-35 break is live.
	require.NoError(t, c.Observe(ctx, ch, []detect.Candidate{candidate("42", t0)}))

	manual, err := c.ManualCueStart(ctx, ch, now, 15000)
	require.NoError(t, err)
	assert.Equal(t, adbreak.SourceManualCue, manual.Source)

	breaks, err := store.List(ctx, "ch1")
	require.NoError(t, err)
	picked := adbreak.Pick(breaks, now)
	require.NotNil(t, picked)
	assert.Equal(t, manual.BreakEventID, picked.BreakEventID, "manual cue must override SCTE-35")

	// Stop ends it now; the SCTE-35 break becomes current again.
	now = now.Add(2 * time.Second)
	require.NoError(t, c.ManualCueStop(ctx, ch))
	breaks, _ = store.List(ctx, "ch1")
	picked = adbreak.Pick(breaks, now)
	require.NotNil(t, picked)
	assert.Equal(t, "42", picked.BreakEventID)
}

func TestAutoInsertSuppressedBySCTE35(t *testing.T) {
	ctx := context.Background()
	now := t0.Add(2 * time.Second)
	c, store := newTestCoordinator(func() time.Time { return now })
	ch := testChannel()
	ch.AutoInsertPeriodS = 60
	ch.AutoInsertDurationS = 15

	// SCTE-35 break overlapping the auto slot suppresses it.
	require.NoError(t, c.Observe(ctx, ch, []detect.Candidate{candidate("42", t0)}))
	require.NoError(t, c.MaybeAutoInsert(ctx, ch))
	breaks, _ := store.List(ctx, "ch1")
	for _, b := range breaks {
		assert.NotEqual(t, adbreak.SourceTimeBased, b.Source)
	}

	// Without it the slot break is created at the period boundary.
	c2, store2 := newTestCoordinator(func() time.Time { return now })
	require.NoError(t, c2.MaybeAutoInsert(ctx, ch))
	breaks2, _ := store2.List(ctx, "ch1")
	require.Len(t, breaks2, 1)
	assert.Equal(t, adbreak.SourceTimeBased, breaks2[0].Source)
	assert.Equal(t, now.Truncate(time.Minute), breaks2[0].PDTStart)

	// Idempotent within the slot.
	require.NoError(t, c2.MaybeAutoInsert(ctx, ch))
	breaks2, _ = store2.List(ctx, "ch1")
	assert.Len(t, breaks2, 1)
}

// Concurrent observes across goroutines still yield exactly one version-1
// break per id.
func TestObserveConcurrent(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator(func() time.Time { return t0 })
	ch := testChannel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Observe(ctx, ch, []detect.Candidate{
				candidate("42", t0),
				candidate(fmt.Sprintf("extra-%d", i%4), t0.Add(time.Second)),
			})
		}(i)
	}
	wg.Wait()

	breaks, err := store.List(ctx, "ch1")
	require.NoError(t, err)
	assert.Len(t, breaks, 5) // "42" + extra-0..3
	b, err := store.Get(ctx, "ch1", "42")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.Version, uint64(1))
}
