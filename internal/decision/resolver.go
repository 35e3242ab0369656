// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/stitchd/stitchd/internal/channel"
)

// ErrNoInventory: the waterfall produced nothing; the caller renders the
// manifest without insertion or serves a synthetic slate.
var ErrNoInventory = errors.New("decision: no inventory for break")

// Deadlines for the two decision paths.
const (
	PrecomputeDeadline = 2000 * time.Millisecond
	LazyDeadline       = 500 * time.Millisecond
)

// Outcome labels for metrics.
const (
	OutcomeVAST  = "vast"
	OutcomePod   = "pod"
	OutcomeSlate = "slate"
	OutcomeEmpty = "empty"
)

// VASTClient is the external VAST parser service, which returns a normalized
// pod. XML handling is not the gateway's concern.
type VASTClient interface {
	Pod(ctx context.Context, vastURL string, durationMS uint32) (*AdPod, error)
}

// Inventory is the ad-pod database surface (admin-owned relational store).
type Inventory interface {
	// Candidates returns the pods eligible for the channel, tier-compatible
	// and scoped to its organization.
	Candidates(ctx context.Context, ch *channel.Channel) ([]CandidatePod, error)
	// Slate returns the channel's slate pod, or the organization default
	// when the channel has none configured.
	Slate(ctx context.Context, ch *channel.Channel) (*AdPod, error)
}

// Resolver runs the decision waterfall.
type Resolver struct {
	vast      VASTClient
	inventory Inventory

	// OnOutcome is invoked with the waterfall outcome label; wired to a
	// prometheus counter by the server.
	OnOutcome func(outcome string)
}

func NewResolver(vast VASTClient, inventory Inventory) *Resolver {
	return &Resolver{vast: vast, inventory: inventory}
}

// Decide resolves the pod for one break. Deterministic: the same
// (channel, breakEventID) yields the same pod id for the break's lifetime,
// because the weighted-random choice is seeded from those identifiers.
//
// Waterfall: VAST → inventory pods → slate → empty (ErrNoInventory).
func (r *Resolver) Decide(ctx context.Context, ch *channel.Channel, breakEventID string, durationMS uint32) (*AdPod, error) {
	log := slog.Default().With("channel", ch.ID, "break", breakEventID)

	if ch.VASTEnabled && ch.VASTURL != "" && r.vast != nil {
		pod, err := r.vast.Pod(ctx, ch.VASTURL, durationMS)
		if err != nil {
			log.Warn("vast decision failed, falling through", "err", err)
		} else if !pod.Empty() {
			r.outcome(OutcomeVAST)
			return pod, nil
		}
	}

	if r.inventory != nil {
		cands, err := r.inventory.Candidates(ctx, ch)
		if err != nil {
			log.Warn("inventory lookup failed, falling through", "err", err)
		} else if pod := pick(cands, ch.ID, breakEventID, ch.LadderBPS()); pod != nil {
			r.outcome(OutcomePod)
			return pod, nil
		}

		slate, err := r.inventory.Slate(ctx, ch)
		if err != nil {
			log.Warn("slate lookup failed", "err", err)
		} else if !slate.Empty() {
			r.outcome(OutcomeSlate)
			return slate, nil
		}
	}

	r.outcome(OutcomeEmpty)
	return &AdPod{}, ErrNoInventory
}

func (r *Resolver) outcome(o string) {
	if r.OnOutcome != nil {
		r.OnOutcome(o)
	}
}

// pick applies the explicit ordering: highest priority band, then
// weight-random within the band (seeded from channel and break ids), then
// recency.
func pick(cands []CandidatePod, channelID, breakEventID string, ladderBPS []uint32) *AdPod {
	eligible := cands[:0:0]
	for _, c := range cands {
		if !c.Pod.Empty() && c.Pod.CoversLadder(ladderBPS) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].AddedAt.After(eligible[j].AddedAt)
	})
	band := eligible[:1]
	for i := 1; i < len(eligible) && eligible[i].Priority == eligible[0].Priority; i++ {
		band = eligible[:i+1]
	}
	if len(band) == 1 {
		return band[0].Pod
	}

	total := 0
	for _, c := range band {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return band[0].Pod // all zero weight: recency order decides
	}
	// Deterministic weighted choice: the seed depends only on identifiers
	// that are stable for the break's lifetime.
	n := int(decisionSeed(channelID, breakEventID) % uint64(total))
	for _, c := range band {
		if c.Weight <= 0 {
			continue
		}
		if n < c.Weight {
			return c.Pod
		}
		n -= c.Weight
	}
	return band[len(band)-1].Pod
}

func decisionSeed(channelID, breakEventID string) uint64 {
	h := sha256.Sum256([]byte(channelID + "|" + breakEventID))
	return binary.BigEndian.Uint64(h[:8])
}
