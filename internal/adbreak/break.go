// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package adbreak holds the shared ad-break state: one record per logical
// ad opportunity per channel, stored with TTL and version-stamped
// compare-and-set writes so any stateless front-end renders the same
// manifest for the same playback time.
package adbreak

import (
	"fmt"
	"time"

	"github.com/stitchd/stitchd/internal/decision"
)

// Source identifies what created a break. Priority when breaks overlap:
// MANUAL_CUE > SCTE35 > TIME_BASED.
type Source string

const (
	SourceSCTE35    Source = "SCTE35"
	SourceManualCue Source = "MANUAL_CUE"
	SourceTimeBased Source = "TIME_BASED"
)

func (s Source) priority() int {
	switch s {
	case SourceManualCue:
		return 3
	case SourceSCTE35:
		return 2
	case SourceTimeBased:
		return 1
	}
	return 0
}

// TTL bounds.
const (
	expiryGrace = 60 * time.Second
	minTTL      = 5 * time.Second
	maxTTL      = time.Hour
)

// AdBreak is one logical ad opportunity on a channel timeline.
//
// Stability invariants, enforced by the coordinator and CAS writes:
// SkipSegments, once non-zero, never changes; Decision, once set, never
// changes until expiry; Version increases by exactly one per write.
type AdBreak struct {
	ChannelID    string `json:"channel_id"`
	BreakEventID string `json:"break_event_id"`
	Source       Source `json:"source"`

	PDTStart   time.Time `json:"pdt_start"`
	DurationMS uint32    `json:"duration_ms"`
	PDTEnd     time.Time `json:"pdt_end"`

	Decision   *decision.AdPod `json:"decision,omitempty"`
	DecisionAt *time.Time      `json:"decision_at,omitempty"`

	SkipSegments   uint32 `json:"skip_segments,omitempty"`
	SkipDurationMS uint32 `json:"skip_duration_ms,omitempty"`

	Version   uint64    `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Key is the state-store key for a break.
func Key(channelID, breakEventID string) string {
	return fmt.Sprintf("adbreak:%s:%s", channelID, breakEventID)
}

// New creates a break. PDTEnd and ExpiresAt derive from start + duration.
func New(channelID, breakEventID string, source Source, pdtStart time.Time, durationMS uint32) *AdBreak {
	end := pdtStart.Add(time.Duration(durationMS) * time.Millisecond)
	return &AdBreak{
		ChannelID:    channelID,
		BreakEventID: breakEventID,
		Source:       source,
		PDTStart:     pdtStart,
		DurationMS:   durationMS,
		PDTEnd:       end,
		ExpiresAt:    end.Add(expiryGrace),
	}
}

// Key returns the break's state-store key.
func (b *AdBreak) Key() string {
	return Key(b.ChannelID, b.BreakEventID)
}

// TTL is the store expiry: time to pdt_end plus grace, clamped to
// [5s, 1h].
func (b *AdBreak) TTL(now time.Time) time.Duration {
	ttl := b.PDTEnd.Sub(now) + expiryGrace
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// Active reports whether now falls inside [pdt_start, pdt_end).
func (b *AdBreak) Active(now time.Time) bool {
	return !now.Before(b.PDTStart) && now.Before(b.PDTEnd)
}

// Expired reports whether the break is past its store lifetime.
func (b *AdBreak) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// Truncate ends the break at now (manual cue stop).
func (b *AdBreak) Truncate(now time.Time) {
	if now.Before(b.PDTEnd) {
		b.PDTEnd = now
		b.DurationMS = uint32(now.Sub(b.PDTStart).Milliseconds())
		b.ExpiresAt = now.Add(expiryGrace)
	}
}

// Pick selects the break to serve at now from a channel's stored breaks:
// the active one with the highest source priority, latest start winning
// ties. nil when nothing applies.
func Pick(breaks []*AdBreak, now time.Time) *AdBreak {
	var best *AdBreak
	for _, b := range breaks {
		if !b.Active(now) || b.Expired(now) {
			continue
		}
		if best == nil ||
			b.Source.priority() > best.Source.priority() ||
			(b.Source.priority() == best.Source.priority() && b.PDTStart.After(best.PDTStart)) {
			best = b
		}
	}
	return best
}

// Overlaps reports whether the break's interval intersects [start, end).
func (b *AdBreak) Overlaps(start, end time.Time) bool {
	return b.PDTStart.Before(end) && start.Before(b.PDTEnd)
}
