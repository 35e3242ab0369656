// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitchd/pkg/scte35"
)

// SCTE-35 sample 14.2 (splice_insert, out of network, ~60.29 s) in the hex
// attribute form used by SCTE35-OUT.
const scte35OutHex = "0xFC302F000000000000FFFFF014054800008F7FEFFE7369C02EFE0052CCF500000000000A0008435545490000013562DBA30A"

var windowStart = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

// buildVariant renders a live variant window of n segments of segDurMS each,
// starting at segment number first with wall clock start. pdtEvery controls
// explicit EXT-X-PROGRAM-DATE-TIME cadence: 1 = every segment, k = every
// k-th segment, 0 = only the first. extra lines are inserted after the
// header.
func buildVariant(first, n int, segDurMS uint32, start time.Time, pdtEvery int, extra ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:2\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for _, line := range extra {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for i := 0; i < n; i++ {
		if i == 0 || (pdtEvery > 0 && i%pdtEvery == 0) {
			b.WriteString("#EXT-X-PROGRAM-DATE-TIME:")
			b.WriteString(FormatPDT(start.Add(time.Duration(i) * time.Duration(segDurMS) * time.Millisecond)))
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nseg_%d.ts\n", float64(segDurMS)/1000, first+i)
	}
	return b.String()
}

func TestParseMediaPlaylist(t *testing.T) {
	text := buildVariant(100, 6, 1920, windowStart, 3)
	p, err := ParseMediaPlaylist(text)
	require.NoError(t, err)

	assert.Equal(t, uint32(2000), p.TargetDurationMS)
	assert.Equal(t, uint64(100), p.MediaSequence)
	require.Len(t, p.Segments, 6)
	assert.Equal(t, "seg_100.ts", p.Segments[0].URI)
	assert.Equal(t, uint32(1920), p.Segments[0].DurationMS)
	assert.True(t, p.Segments[0].HasExplicitPDT)
	assert.False(t, p.Segments[1].HasExplicitPDT)

	// Derived PDT advances by EXTINF durations between explicit tags.
	assert.Equal(t, windowStart.Add(1920*time.Millisecond), p.Segments[1].PDT)
	assert.Equal(t, windowStart.Add(3*1920*time.Millisecond), p.Segments[3].PDT)

	start, end, ok := p.Window()
	require.True(t, ok)
	assert.Equal(t, windowStart, start)
	assert.Equal(t, windowStart.Add(6*1920*time.Millisecond), end)

	// Round trip is verbatim.
	assert.Equal(t, text, p.Render())
}

func TestAverageSegmentDuration(t *testing.T) {
	p, err := ParseMediaPlaylist(buildVariant(0, 4, 1920, windowStart, 1))
	require.NoError(t, err)
	assert.Equal(t, uint32(1920), p.AverageSegmentDurationMS())

	empty, err := ParseMediaPlaylist("#EXTM3U\n#EXT-X-TARGETDURATION:6\n")
	require.NoError(t, err)
	assert.Equal(t, uint32(6000), empty.AverageSegmentDurationMS())
}

func TestExtractSCTE35Signals(t *testing.T) {
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="splice-42",START-DATE="2025-01-01T10:00:05.760Z",PLANNED-DURATION=60.294,SCTE35-OUT=%s`, scte35OutHex)
	text := buildVariant(0, 8, 1920, windowStart, 1, dr)
	p, err := ParseMediaPlaylist(text)
	require.NoError(t, err)

	sigs, err := p.ExtractSCTE35Signals()
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	s := sigs[0]
	assert.True(t, s.OutOfNetwork)
	assert.Equal(t, uint32(0x4800008f), s.EventID)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 5, 760e6, time.UTC), s.PDT)
	// Binary break_duration wins over PLANNED-DURATION: 0x52ccf5 / 90.
	assert.Equal(t, uint32(0x52ccf5/90), s.DurationMS)
	assert.Equal(t, uint16(0xFFF), s.Tier)
}

func TestExtractSCTE35DurationFallback(t *testing.T) {
	// A splice_insert with no break_duration: the DATERANGE DURATION
	// attribute supplies the break length (hybrid form).
	payload := scte35.BuildSpliceInsert(scte35.InsertParams{
		PTS:          518400,
		EventID:      99,
		Tier:         0xFFF,
		OutOfNetwork: true,
	})
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="hybrid",START-DATE="2025-01-01T10:00:05.760Z",DURATION=30.0,SCTE35-OUT=0x%s`,
		strings.ToUpper(hex.EncodeToString(payload)))
	text := buildVariant(0, 4, 1920, windowStart, 1, dr)
	p, err := ParseMediaPlaylist(text)
	require.NoError(t, err)

	sigs, _ := p.ExtractSCTE35Signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, uint32(30000), sigs[0].DurationMS)
}

func TestStripOriginSCTE35(t *testing.T) {
	keepMe := `#EXT-X-DATERANGE:ID="stitchd-x",CLASS="com.apple.hls.interstitial",START-DATE="2025-01-01T10:00:05.760Z",DURATION=30.000,X-ASSET-LIST="https://gw/assetlist.json"`
	// Key-aware stripping: this record only mentions SCTE35-OUT inside a
	// quoted value and must survive.
	decoy := `#EXT-X-DATERANGE:ID="decoy",START-DATE="2025-01-01T10:00:00.000Z",X-COMMENT="SCTE35-OUT=0xFC,looks like a key"`
	origin := fmt.Sprintf(`#EXT-X-DATERANGE:ID="splice-42",START-DATE="2025-01-01T10:00:05.760Z",SCTE35-OUT=%s`, scte35OutHex)
	originIn := `#EXT-X-DATERANGE:ID="splice-42-in",START-DATE="2025-01-01T10:00:35.760Z",SCTE35-IN=0xFC`

	text := buildVariant(0, 4, 1920, windowStart, 1, keepMe, decoy, origin, originIn)
	out, err := StripOriginSCTE35(text)
	require.NoError(t, err)

	assert.Contains(t, out, keepMe)
	assert.Contains(t, out, decoy)
	assert.NotContains(t, out, `ID="splice-42"`)
	assert.NotContains(t, out, `ID="splice-42-in"`)

	// Segment URIs and EXTINF records are an ordered, subset-preserving
	// sublist of the original.
	orig, err := ParseMediaPlaylist(text)
	require.NoError(t, err)
	stripped, err := ParseMediaPlaylist(out)
	require.NoError(t, err)
	type segKey struct {
		URI        string
		DurationMS uint32
	}
	keys := func(p *MediaPlaylist) []segKey {
		out := make([]segKey, 0, len(p.Segments))
		for _, s := range p.Segments {
			out = append(out, segKey{s.URI, s.DurationMS})
		}
		return out
	}
	if diff := cmp.Diff(keys(orig), keys(stripped)); diff != "" {
		t.Errorf("segments mutated by strip (-orig +stripped):\n%s", diff)
	}
}
