// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"strconv"
	"strings"
	"time"

	"github.com/stitchd/stitchd/pkg/scte35"
)

// InterstitialClass marks EXT-X-DATERANGE records added by this gateway.
const InterstitialClass = "com.apple.hls.interstitial"

// scte35InterstitialClass marks origin DATERANGE records carrying a binary
// splice_info_section in interstitial form.
const scte35InterstitialClass = "com.apple.hls.interstitial.scte35"

// segmentDurationSample is how many leading segments are averaged by
// AverageSegmentDurationMS.
const segmentDurationSample = 10

// SegmentRecord is one media segment of a variant playlist.
type SegmentRecord struct {
	URI        string
	DurationMS uint32

	// PDT is the wall clock of the segment start: the nearest preceding
	// explicit EXT-X-PROGRAM-DATE-TIME advanced by the EXTINF durations in
	// between. Zero when the playlist carries no PDT at all.
	PDT time.Time
	// HasExplicitPDT is true when an EXT-X-PROGRAM-DATE-TIME tag directly
	// precedes this segment.
	HasExplicitPDT bool
	Discontinuity  bool

	// Line span [startLine, uriLine] of all records belonging to this
	// segment within the playlist.
	startLine int
	uriLine   int
}

// DateRange is a parsed EXT-X-DATERANGE record.
type DateRange struct {
	ID               string
	Class            string
	StartDate        time.Time
	DurationS        *float64
	PlannedDurationS *float64
	SCTE35Out        string
	SCTE35In         string
	SCTE35Cmd        string
	EndOnNext        bool
	Attrs            []Attribute // full raw attribute list

	line int
}

// MediaPlaylist is a parsed variant (media) playlist.
type MediaPlaylist struct {
	TargetDurationMS      uint32
	MediaSequence         uint64
	DiscontinuitySequence uint64
	Endlist               bool
	Segments              []SegmentRecord
	DateRanges            []DateRange

	lines     []string
	headerEnd int // index of the first segment-owned line
}

// ParseMediaPlaylist parses a variant playlist, preserving all lines for
// later rendering.
func ParseMediaPlaylist(text string) (*MediaPlaylist, error) {
	lines := splitLines(text)
	if len(lines) == 0 || !isTag(lines[0], "#EXTM3U") {
		return nil, errNotMedia
	}
	p := &MediaPlaylist{lines: lines, headerEnd: -1}

	var (
		clock       time.Time
		haveClock   bool
		pending     SegmentRecord
		segStart    = -1
		pendingPDT  bool
		pendingDisc bool
	)
	markStart := func(i int) {
		if segStart < 0 {
			segStart = i
		}
	}
	for i, line := range lines {
		switch {
		case isTag(line, "#EXT-X-TARGETDURATION"):
			if n, err := strconv.ParseUint(tagValue(line, "#EXT-X-TARGETDURATION"), 10, 32); err == nil {
				p.TargetDurationMS = uint32(n) * 1000
			}
		case isTag(line, "#EXT-X-MEDIA-SEQUENCE"):
			p.MediaSequence, _ = strconv.ParseUint(tagValue(line, "#EXT-X-MEDIA-SEQUENCE"), 10, 64)
		case isTag(line, "#EXT-X-DISCONTINUITY-SEQUENCE"):
			p.DiscontinuitySequence, _ = strconv.ParseUint(tagValue(line, "#EXT-X-DISCONTINUITY-SEQUENCE"), 10, 64)
		case isTag(line, "#EXT-X-ENDLIST"):
			p.Endlist = true
		case isTag(line, "#EXTINF"):
			markStart(i)
			if ms, err := parseDurationMS(tagValue(line, "#EXTINF")); err == nil {
				pending.DurationMS = ms
			}
		case isTag(line, "#EXT-X-PROGRAM-DATE-TIME"):
			markStart(i)
			if t, err := time.Parse(DateTime, tagValue(line, "#EXT-X-PROGRAM-DATE-TIME")); err == nil {
				clock = t
				haveClock = true
				pendingPDT = true
			}
		case isTag(line, "#EXT-X-DISCONTINUITY"):
			markStart(i)
			pendingDisc = true
		case isTag(line, "#EXT-X-DATERANGE"):
			markStart(i)
			dr := parseDateRange(tagValue(line, "#EXT-X-DATERANGE"))
			dr.line = i
			p.DateRanges = append(p.DateRanges, dr)
		case isTag(line, "#EXT-X-KEY"), isTag(line, "#EXT-X-MAP"), isTag(line, "#EXT-X-BYTERANGE"):
			markStart(i)
		case isURILine(line):
			seg := pending
			seg.URI = line
			seg.HasExplicitPDT = pendingPDT
			seg.Discontinuity = pendingDisc
			seg.startLine = segStart
			if segStart < 0 {
				seg.startLine = i
			}
			seg.uriLine = i
			if haveClock {
				seg.PDT = clock
				clock = clock.Add(time.Duration(seg.DurationMS) * time.Millisecond)
			}
			if p.headerEnd < 0 {
				p.headerEnd = seg.startLine
			}
			p.Segments = append(p.Segments, seg)
			pending = SegmentRecord{}
			segStart = -1
			pendingPDT = false
			pendingDisc = false
		}
	}
	if p.headerEnd < 0 {
		p.headerEnd = len(lines)
	}
	return p, nil
}

func parseDateRange(attrList string) DateRange {
	dr := DateRange{Attrs: decodeAttributes(attrList)}
	for _, a := range dr.Attrs {
		switch a.Key {
		case "ID":
			dr.ID = deQuote(a.Val)
		case "CLASS":
			dr.Class = deQuote(a.Val)
		case "START-DATE":
			if t, err := time.Parse(DateTime, deQuote(a.Val)); err == nil {
				dr.StartDate = t
			}
		case "DURATION":
			if f, err := strconv.ParseFloat(a.Val, 64); err == nil {
				dr.DurationS = &f
			}
		case "PLANNED-DURATION":
			if f, err := strconv.ParseFloat(a.Val, 64); err == nil {
				dr.PlannedDurationS = &f
			}
		case "SCTE35-OUT":
			dr.SCTE35Out = a.Val
		case "SCTE35-IN":
			dr.SCTE35In = a.Val
		case "SCTE35-CMD":
			dr.SCTE35Cmd = a.Val
		case "END-ON-NEXT":
			dr.EndOnNext = a.Val == "YES"
		}
	}
	return dr
}

// isOriginSCTE35 reports whether the record is an origin SCTE-35 carrier.
// The check is key-aware; substring matching over the raw line is forbidden
// because quoted attribute values may embed the key names.
func (dr *DateRange) isOriginSCTE35() bool {
	if dr.Class == scte35InterstitialClass {
		return true
	}
	for _, a := range dr.Attrs {
		switch a.Key {
		case "SCTE35-CMD", "SCTE35-OUT", "SCTE35-IN":
			return true
		}
	}
	return false
}

// SpliceSignal is a normalized SCTE-35 signal paired with its playlist
// placement.
type SpliceSignal struct {
	Section *scte35.SpliceInfoSection
	PDT     time.Time

	EventID      uint32
	OutOfNetwork bool
	DurationMS   uint32 // 0 when open-ended
	AutoReturn   bool
	Tier         uint16
	DateRangeID  string
}

// ExtractSCTE35Signals decodes every SCTE-35-carrying EXT-X-DATERANGE of the
// playlist and pairs it with its START-DATE. Records whose payload fails to
// decode are skipped; the error of the last failure is returned alongside
// the successfully decoded signals so the caller can log it.
func (p *MediaPlaylist) ExtractSCTE35Signals() ([]SpliceSignal, error) {
	var (
		signals []SpliceSignal
		lastErr error
	)
	for i := range p.DateRanges {
		dr := &p.DateRanges[i]
		if !dr.isOriginSCTE35() {
			continue
		}
		payload, out := dr.payload()
		if payload == "" {
			continue
		}
		sec, err := decodePayload(payload)
		if err != nil {
			lastErr = err
			continue
		}
		sig := SpliceSignal{
			Section:      sec,
			PDT:          dr.StartDate,
			EventID:      sec.EventID(),
			OutOfNetwork: out || sec.OutOfNetwork(),
			Tier:         sec.Tier,
			DateRangeID:  dr.ID,
		}
		if ticks, ok := sec.Duration90k(); ok {
			sig.DurationMS = uint32(scte35.TicksToMS(ticks))
			sig.AutoReturn = sec.AutoReturn()
		} else if dr.DurationS != nil {
			// Hybrid form: DATERANGE DURATION overrides only when the
			// binary carries no duration.
			sig.DurationMS = uint32(*dr.DurationS*1000 + 0.5)
		} else if dr.PlannedDurationS != nil {
			sig.DurationMS = uint32(*dr.PlannedDurationS*1000 + 0.5)
		}
		signals = append(signals, sig)
	}
	return signals, lastErr
}

// payload returns the binary payload attribute and whether the carrying
// attribute marks an out-of-network signal.
func (dr *DateRange) payload() (payload string, out bool) {
	switch {
	case dr.SCTE35Out != "":
		return dr.SCTE35Out, true
	case dr.SCTE35Cmd != "":
		return dr.SCTE35Cmd, false
	case dr.SCTE35In != "":
		return dr.SCTE35In, false
	}
	if dr.Class == scte35InterstitialClass {
		for _, a := range dr.Attrs {
			if a.Key == "X-SCTE35" || a.Key == "X-SCTE35-CMD" {
				return deQuote(a.Val), false
			}
		}
	}
	return "", false
}

func decodePayload(v string) (*scte35.SpliceInfoSection, error) {
	v = deQuote(v)
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return scte35.DecodeHex(v)
	}
	return scte35.DecodeBase64(v)
}

// StripOriginSCTE35 renders the playlist with every origin SCTE-35
// EXT-X-DATERANGE removed. Interstitial records added by this gateway
// (CLASS="com.apple.hls.interstitial") are preserved.
func StripOriginSCTE35(text string) (string, error) {
	p, err := ParseMediaPlaylist(text)
	if err != nil {
		return "", err
	}
	drop := make(map[int]bool, len(p.DateRanges))
	for i := range p.DateRanges {
		if p.DateRanges[i].isOriginSCTE35() {
			drop[p.DateRanges[i].line] = true
		}
	}
	var b strings.Builder
	for i, line := range p.lines {
		if drop[i] {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// AverageSegmentDurationMS averages the first ten segment durations, falling
// back to the target duration when the playlist has no segments.
func (p *MediaPlaylist) AverageSegmentDurationMS() uint32 {
	n := len(p.Segments)
	if n == 0 {
		return p.TargetDurationMS
	}
	if n > segmentDurationSample {
		n = segmentDurationSample
	}
	var sum uint64
	for _, s := range p.Segments[:n] {
		sum += uint64(s.DurationMS)
	}
	return uint32(sum / uint64(n))
}

// Window returns the start and end of the wall-clock interval covered by
// the playlist's segments. ok is false when the playlist carries no PDT.
func (p *MediaPlaylist) Window() (start, end time.Time, ok bool) {
	if len(p.Segments) == 0 || p.Segments[0].PDT.IsZero() {
		return start, end, false
	}
	last := p.Segments[len(p.Segments)-1]
	return p.Segments[0].PDT, last.PDT.Add(time.Duration(last.DurationMS) * time.Millisecond), true
}

// Render reproduces the playlist verbatim.
func (p *MediaPlaylist) Render() string {
	var b strings.Builder
	for _, line := range p.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
