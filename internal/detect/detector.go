// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package detect turns the SCTE-35 signals of an origin manifest into
// ad-break candidates. Rolling live manifests repeat the same signal across
// many polls; identity is derived so one logical break maps to one stable
// break_event_id regardless of how often it is seen.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/pkg/m3u8"
)

// Signal rejection reasons.
var (
	// ErrInvalidDuration: missing or out-of-range break duration.
	ErrInvalidDuration = errors.New("detect: invalid break duration")
	// ErrPDTOutOfWindow: signal PDT too far from the wall clock.
	ErrPDTOutOfWindow = errors.New("detect: signal PDT out of window")
)

// Duration sanity bounds.
const (
	minBreakDuration  = 100 * time.Millisecond
	maxBreakDuration  = 300 * time.Second
	warnShortDuration = 5 * time.Second
	warnLongDuration  = 180 * time.Second
)

// PDT sanity bounds relative to now.
const (
	maxPDTPast   = 10 * time.Minute
	maxPDTFuture = 5 * time.Minute
)

// Candidate is a validated ad-break-start ready for the coordinator.
type Candidate struct {
	BreakEventID string
	PDTStart     time.Time
	DurationMS   uint32
	AutoReturn   bool
}

// Detector validates and consolidates SCTE-35 signals for one channel.
type Detector struct {
	log *slog.Logger
}

func New() *Detector {
	return &Detector{log: slog.Default()}
}

// Detect extracts break candidates from a variant playlist. Invalid signals
// are dropped with a warning; a dropped signal never fails the manifest
// request.
func (d *Detector) Detect(ch *channel.Channel, pl *m3u8.MediaPlaylist, now time.Time) []Candidate {
	if !ch.SCTE35Enabled {
		return nil
	}
	signals, err := pl.ExtractSCTE35Signals()
	if err != nil {
		d.log.Warn("scte35 decode failure in manifest", "channel", ch.ID, "err", err)
	}

	// The same logical break repeats across polls and may appear several
	// times within one manifest; collapse by identity.
	seen := make(map[string]bool)
	var out []Candidate
	for i := range signals {
		sig := &signals[i]
		c, err := d.validate(ch, sig, now)
		if err != nil {
			d.log.Warn("scte35 signal dropped", "channel", ch.ID,
				"event_id", sig.EventID, "pdt", sig.PDT, "reason", err)
			continue
		}
		if c == nil || seen[c.BreakEventID] {
			continue
		}
		seen[c.BreakEventID] = true
		out = append(out, *c)
	}
	return out
}

// validate applies the tier filter and the duration and PDT sanity checks.
// A nil, nil return means "valid but not a break start" (e.g. a return-to-
// content signal, which the duration-based model does not need).
func (d *Detector) validate(ch *channel.Channel, sig *m3u8.SpliceSignal, now time.Time) (*Candidate, error) {
	if !sig.OutOfNetwork {
		return nil, nil
	}
	// Tier filter: a restricted channel only honors its own tier.
	if ch.Tier != 0 && sig.Tier != ch.Tier {
		return nil, nil
	}
	if sig.DurationMS == 0 {
		// An open-ended break needs a paired return signal; the rolling
		// manifest model requires the duration up front.
		return nil, ErrInvalidDuration
	}
	dur := time.Duration(sig.DurationMS) * time.Millisecond
	if dur < minBreakDuration || dur > maxBreakDuration {
		return nil, ErrInvalidDuration
	}
	if dur < warnShortDuration || dur > warnLongDuration {
		d.log.Warn("unusual break duration", "channel", ch.ID, "duration", dur)
	}
	if sig.PDT.IsZero() {
		return nil, ErrPDTOutOfWindow
	}
	if now.Sub(sig.PDT) > maxPDTPast || sig.PDT.Sub(now) > maxPDTFuture {
		return nil, ErrPDTOutOfWindow
	}
	return &Candidate{
		BreakEventID: BreakEventID(ch.ID, sig),
		PDTStart:     sig.PDT,
		DurationMS:   sig.DurationMS,
		AutoReturn:   sig.AutoReturn,
	}, nil
}

// BreakEventID derives the stable break identity: the splice_event_id when
// present and non-zero, else a hash of channel, PDT and duration. Two
// front-ends seeing the same signal always derive the same id.
func BreakEventID(channelID string, sig *m3u8.SpliceSignal) string {
	if sig.EventID != 0 {
		return fmt.Sprintf("%d", sig.EventID)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d",
		channelID, sig.PDT.UnixMilli(), sig.DurationMS)))
	return hex.EncodeToString(h[:8])
}
