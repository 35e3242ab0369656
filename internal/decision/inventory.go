// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import (
	"context"
	"fmt"
	"sync"

	"github.com/stitchd/stitchd/internal/channel"
)

// SyntheticSlateURL is the well-known black-segment slate used when neither
// the channel nor the organization configures one. Two-second segments,
// looped by the rewriter.
const SyntheticSlateURL = "https://static.stitchd.io/slate/black_2s.ts"

// SyntheticSlate builds the last-resort filler pod.
func SyntheticSlate(durationMS uint32) *AdPod {
	return &AdPod{
		PodID: "slate-synthetic",
		Items: []AdItem{{
			AdID:       "slate-synthetic",
			BitrateBPS: 300_000,
			DurationMS: durationMS,
			Segments:   []Segment{{URL: SyntheticSlateURL, DurationMS: 2000}},
		}},
	}
}

// MemoryInventory is an Inventory backed by in-process maps. It stands in
// for the admin relational store in tests and single-node deployments; the
// read-through queries of a SQL implementation land behind the same
// interface.
type MemoryInventory struct {
	mu sync.RWMutex
	// pods by organization slug
	pods map[string][]CandidatePod
	// tier compatibility per pod id; empty set means unrestricted
	tiers map[string]map[uint16]bool
	// slates by id
	slates map[string]*AdPod
	// default slate per organization
	orgSlates map[string]string
}

func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		pods:      make(map[string][]CandidatePod),
		tiers:     make(map[string]map[uint16]bool),
		slates:    make(map[string]*AdPod),
		orgSlates: make(map[string]string),
	}
}

// AddPod registers an inventory pod for an organization. tiers lists the
// channel tiers the pod may serve; empty means any.
func (m *MemoryInventory) AddPod(orgSlug string, c CandidatePod, tiers ...uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pods[orgSlug] = append(m.pods[orgSlug], c)
	if len(tiers) > 0 {
		set := make(map[uint16]bool, len(tiers))
		for _, t := range tiers {
			set[t] = true
		}
		m.tiers[c.Pod.PodID] = set
	}
}

// AddSlate registers a slate pod; defaultFor marks it as the organization
// default.
func (m *MemoryInventory) AddSlate(id string, pod *AdPod, defaultFor ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slates[id] = pod
	for _, org := range defaultFor {
		m.orgSlates[org] = id
	}
}

func (m *MemoryInventory) Candidates(_ context.Context, ch *channel.Channel) ([]CandidatePod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CandidatePod
	for _, c := range m.pods[ch.OrgSlug] {
		if set, restricted := m.tiers[c.Pod.PodID]; restricted && ch.Tier != 0 && !set[ch.Tier] {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryInventory) Slate(_ context.Context, ch *channel.Channel) (*AdPod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ch.SlateID != "" {
		if pod, ok := m.slates[ch.SlateID]; ok {
			return pod, nil
		}
		return nil, fmt.Errorf("decision: slate %q not found", ch.SlateID)
	}
	if id, ok := m.orgSlates[ch.OrgSlug]; ok {
		return m.slates[id], nil
	}
	return &AdPod{}, nil
}
