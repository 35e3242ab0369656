// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package decision resolves one AdPod per ad break through the
// VAST → inventory → slate → empty waterfall. For a given
// (channel, break_event_id) the result is deterministic for the break's
// lifetime.
package decision

import (
	"fmt"
	"time"
)

// TrackerSet carries the fire-out URLs of a pod.
type TrackerSet struct {
	Impression []string `json:"impression,omitempty"`
	Q0         []string `json:"q0,omitempty"`
	Q25        []string `json:"q25,omitempty"`
	Q50        []string `json:"q50,omitempty"`
	Q75        []string `json:"q75,omitempty"`
	Q100       []string `json:"q100,omitempty"`
	Click      []string `json:"click,omitempty"`
	Error      []string `json:"error,omitempty"`
}

// Segment is one ad media segment with its actual duration from the ad's
// media playlist.
type Segment struct {
	URL        string `json:"url"`
	DurationMS uint32 `json:"duration_ms"`
}

// AdItem is one bitrate rendition of an ad.
type AdItem struct {
	AdID       string `json:"ad_id"`
	BitrateBPS uint32 `json:"bitrate_bps"`
	DurationMS uint32 `json:"duration_ms"`
	VariantURL string `json:"variant_url"`
	// Segments is populated lazily from the ad's media playlist; never
	// assume uniform segment durations.
	Segments []Segment `json:"segments,omitempty"`
}

// AdPod is the decision for one break: one item per available bitrate.
type AdPod struct {
	PodID    string     `json:"pod_id"`
	Items    []AdItem   `json:"items"`
	Trackers TrackerSet `json:"trackers"`
}

// Empty reports whether the pod carries no playable items.
func (p *AdPod) Empty() bool {
	return p == nil || len(p.Items) == 0
}

// DurationMS is the pod's play time, taken from the first item (all
// renditions of an ad share one timeline).
func (p *AdPod) DurationMS() uint32 {
	if p.Empty() {
		return 0
	}
	return p.Items[0].DurationMS
}

// ItemForBitrate selects the rendition for a viewer bitrate: the item
// minimizing |item.bitrate - want|, ties broken toward the higher bitrate.
// Both sides MUST be bps; mixing kbps and bps here is a defect.
func (p *AdPod) ItemForBitrate(wantBPS uint32) *AdItem {
	if p.Empty() {
		return nil
	}
	best := &p.Items[0]
	for i := 1; i < len(p.Items); i++ {
		it := &p.Items[i]
		db, dc := absDiff(it.BitrateBPS, wantBPS), absDiff(best.BitrateBPS, wantBPS)
		if db < dc || (db == dc && it.BitrateBPS > best.BitrateBPS) {
			best = it
		}
	}
	return best
}

// CoversLadder reports whether every channel bitrate resolves to some item.
// With nearest-bitrate approximation any non-empty pod qualifies; empty
// ladders are treated as covered.
func (p *AdPod) CoversLadder(ladderBPS []uint32) bool {
	return !p.Empty() || len(ladderBPS) == 0
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// CandidatePod is one inventory pod with its ordering attributes.
type CandidatePod struct {
	Pod      *AdPod
	Priority int // higher wins
	Weight   int // weighted-random share within a priority band
	AddedAt  time.Time
}

func (c *CandidatePod) String() string {
	return fmt.Sprintf("pod %s (prio %d, weight %d)", c.Pod.PodID, c.Priority, c.Weight)
}
