// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"strings"
	"time"
)

// resumePDTSearchWindow is how many segment records (not lines) after the
// resume boundary are searched for an explicit EXT-X-PROGRAM-DATE-TIME.
const resumePDTSearchWindow = 15

// gapFillToleranceMS: pod shortfalls below this are not slate-padded.
const gapFillToleranceMS = 1000

// AdSegment is one ad or slate segment to splice in.
type AdSegment struct {
	URI        string
	DurationMS uint32
}

// SpliceParams drives an SSAI rewrite.
type SpliceParams struct {
	BreakStart      time.Time
	BreakDurationMS uint32

	// SkipSegments, when non-zero, is the stable previously persisted count
	// of content segments to replace. When zero the rewriter computes it
	// and reports it back for persistence by the first writer.
	SkipSegments uint32

	AdSegments []AdSegment
	// Slate is looped to fill the gap when the pod is shorter than the
	// break. Leaving the gap unfilled is an error.
	Slate []AdSegment

	// SignURI, when set, is applied to every injected ad and slate URI.
	SignURI func(uri string) string
}

// SpliceResult is a successful SSAI rewrite.
type SpliceResult struct {
	Playlist string

	// SkipSegments/SkipDurationMS echo the stable values, or the freshly
	// computed ones when Computed is true. Computed results MUST be
	// persisted by the caller before any concurrent rewrite can observe a
	// different window.
	SkipSegments   uint32
	SkipDurationMS uint32
	Computed       bool
}

// SpliceSSAI replaces the run of content segments covering the break with
// the ad segments, bracketed by discontinuities. The content resume boundary
// keeps the origin's own PROGRAM-DATE-TIME; the ad region carries none, so
// players derive the ad timeline from the discontinuity and the per-segment
// EXTINF durations.
//
// ErrWindowRollOut and ErrResumePDTNotFound mean the playlist was left
// untouched and the caller should fall back to SGAI for this request.
func SpliceSSAI(text string, p SpliceParams) (*SpliceResult, error) {
	pl, err := ParseMediaPlaylist(text)
	if err != nil {
		return nil, err
	}
	return pl.Splice(p)
}

// Splice is SpliceSSAI over an already-parsed playlist.
func (pl *MediaPlaylist) Splice(p SpliceParams) (*SpliceResult, error) {
	startIdx := pl.findSpliceStart(p.BreakStart)
	if startIdx < 0 {
		return nil, ErrWindowRollOut
	}

	res := &SpliceResult{SkipSegments: p.SkipSegments}
	if p.SkipSegments == 0 {
		skip, skipMS, ok := pl.computeSkip(startIdx, p.BreakDurationMS)
		if !ok {
			// The window does not yet contain the whole break; a count
			// computed now would be understated and must not be stored.
			return nil, ErrResumePDTNotFound
		}
		res.SkipSegments = skip
		res.SkipDurationMS = skipMS
		res.Computed = true
	} else {
		var skipMS uint32
		for i := startIdx; i < len(pl.Segments) && i < startIdx+int(p.SkipSegments); i++ {
			skipMS += pl.Segments[i].DurationMS
		}
		res.SkipDurationMS = skipMS
	}

	resumeIdx := startIdx + int(res.SkipSegments)
	if resumeIdx >= len(pl.Segments) {
		return nil, ErrResumePDTNotFound
	}
	boundaryPDT, synthesize, err := pl.resumePDT(resumeIdx)
	if err != nil {
		return nil, err
	}

	adSegs, err := padWithSlate(p.AdSegments, p.Slate, p.BreakDurationMS)
	if err != nil {
		return nil, err
	}

	breakEnd := p.BreakStart.Add(time.Duration(p.BreakDurationMS) * time.Millisecond)
	drop := pl.linesToDrop(p.BreakStart, breakEnd)

	sign := p.SignURI
	if sign == nil {
		sign = func(uri string) string { return uri }
	}

	var b strings.Builder
	emit := func(from, to int) {
		for i := from; i < to; i++ {
			if drop[i] {
				continue
			}
			b.WriteString(pl.lines[i])
			b.WriteByte('\n')
		}
	}
	// Prelude: header and content before the splice point.
	emit(0, pl.Segments[startIdx].startLine)
	b.WriteString("#EXT-X-DISCONTINUITY\n")
	for _, seg := range adSegs {
		b.WriteString(formatExtInf(seg.DurationMS))
		b.WriteByte('\n')
		b.WriteString(sign(seg.URI))
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-DISCONTINUITY\n")
	if synthesize {
		b.WriteString("#EXT-X-PROGRAM-DATE-TIME:")
		b.WriteString(FormatPDT(boundaryPDT))
		b.WriteByte('\n')
	}
	// Resume: the origin records from the resume segment onward, including
	// its own explicit PDT when it carries one.
	emit(pl.Segments[resumeIdx].startLine, len(pl.lines))

	res.Playlist = b.String()
	return res, nil
}

// findSpliceStart returns the index of the segment whose PDT is the largest
// not exceeding breakStart, or -1 when the window has rolled past it (or the
// playlist carries no PDT).
func (pl *MediaPlaylist) findSpliceStart(breakStart time.Time) int {
	idx := -1
	for i := range pl.Segments {
		if pl.Segments[i].PDT.IsZero() {
			continue
		}
		if !pl.Segments[i].PDT.After(breakStart) {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// computeSkip walks forward from startIdx accumulating durations until the
// sum reaches the break duration. ok is false when the window ends first.
func (pl *MediaPlaylist) computeSkip(startIdx int, breakDurationMS uint32) (skip, skipMS uint32, ok bool) {
	var sum uint32
	for i := startIdx; i < len(pl.Segments); i++ {
		sum += pl.Segments[i].DurationMS
		skip++
		if sum >= breakDurationMS {
			return skip, sum, true
		}
	}
	return 0, 0, false
}

// resumePDT locates the origin PDT for the resume boundary. When the resume
// segment itself carries an explicit tag it is emitted verbatim with the
// segment (synthesize=false). Otherwise the nearest explicit tag within the
// next resumePDTSearchWindow segments anchors the boundary, walked back by
// the origin's own EXTINF durations. Never calculated from the SCTE-35
// timeline.
func (pl *MediaPlaylist) resumePDT(resumeIdx int) (pdt time.Time, synthesize bool, err error) {
	limit := resumeIdx + resumePDTSearchWindow
	if limit > len(pl.Segments) {
		limit = len(pl.Segments)
	}
	for j := resumeIdx; j < limit; j++ {
		if !pl.Segments[j].HasExplicitPDT {
			continue
		}
		if j == resumeIdx {
			return pl.Segments[j].PDT, false, nil
		}
		t := pl.Segments[j].PDT
		for k := j - 1; k >= resumeIdx; k-- {
			t = t.Add(-time.Duration(pl.Segments[k].DurationMS) * time.Millisecond)
		}
		return t, true, nil
	}
	return time.Time{}, false, ErrResumePDTNotFound
}

// linesToDrop marks origin SCTE-35 DATERANGE lines and any DATERANGE whose
// start falls inside the break interval.
func (pl *MediaPlaylist) linesToDrop(breakStart, breakEnd time.Time) map[int]bool {
	drop := make(map[int]bool)
	for i := range pl.DateRanges {
		dr := &pl.DateRanges[i]
		inBreak := !dr.StartDate.Before(breakStart) && dr.StartDate.Before(breakEnd)
		if dr.isOriginSCTE35() || (inBreak && dr.Class != InterstitialClass) {
			drop[dr.line] = true
		}
	}
	return drop
}

// padWithSlate appends looped slate segments when the pod is shorter than
// the break. Shortfalls under one second are tolerated.
func padWithSlate(ads, slate []AdSegment, breakDurationMS uint32) ([]AdSegment, error) {
	var total uint32
	for _, s := range ads {
		total += s.DurationMS
	}
	if total+gapFillToleranceMS > breakDurationMS {
		return ads, nil
	}
	if len(slate) == 0 {
		return nil, ErrUnfilledGap
	}
	out := make([]AdSegment, len(ads), len(ads)+4)
	copy(out, ads)
	for i := 0; total+gapFillToleranceMS <= breakDurationMS; i++ {
		seg := slate[i%len(slate)]
		if remaining := breakDurationMS - total; seg.DurationMS > remaining {
			seg.DurationMS = remaining
		}
		out = append(out, seg)
		total += seg.DurationMS
	}
	return out, nil
}
