// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package detect

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/pkg/logging"
	"github.com/stitchd/stitchd/pkg/m3u8"
	"github.com/stitchd/stitchd/pkg/scte35"
)

var windowStart = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func init() {
	_ = logging.InitSlog("ERROR", logging.LogDiscard)
}

func testChannel() *channel.Channel {
	return &channel.Channel{ID: "ch1", Slug: "sports", OrgSlug: "acme", SCTE35Enabled: true}
}

// playlistWithSignal builds a live window carrying one SCTE-35 DATERANGE.
func playlistWithSignal(t *testing.T, pdt time.Time, durationTicks uint64, eventID uint32, tier uint16) *m3u8.MediaPlaylist {
	t.Helper()
	payload := scte35.BuildSpliceInsert(scte35.InsertParams{
		PTS:           900000,
		DurationTicks: durationTicks,
		EventID:       eventID,
		Tier:          tier,
		OutOfNetwork:  true,
		AutoReturn:    true,
	})
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	fmt.Fprintf(&b, "#EXT-X-DATERANGE:ID=\"sig\",START-DATE=%q,SCTE35-OUT=0x%s\n",
		pdt.UTC().Format(time.RFC3339Nano), strings.ToUpper(hex.EncodeToString(payload)))
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n#EXTINF:1.920,\nseg_%d.ts\n",
			windowStart.Add(time.Duration(i)*1920*time.Millisecond).UTC().Format("2006-01-02T15:04:05.000Z07:00"), i)
	}
	pl, err := m3u8.ParseMediaPlaylist(b.String())
	require.NoError(t, err)
	return pl
}

func TestDetectCreatesOneCandidate(t *testing.T) {
	now := windowStart.Add(10 * time.Second)
	pl := playlistWithSignal(t, windowStart.Add(5*time.Second), 30*90000, 4711, 0xFFF)

	cands := New().Detect(testChannel(), pl, now)
	require.Len(t, cands, 1)
	assert.Equal(t, "4711", cands[0].BreakEventID)
	assert.Equal(t, windowStart.Add(5*time.Second), cands[0].PDTStart)
	assert.Equal(t, uint32(30000), cands[0].DurationMS)
	assert.True(t, cands[0].AutoReturn)

	// The same signal on the next poll consolidates to the same id.
	again := New().Detect(testChannel(), pl, now.Add(2*time.Second))
	require.Len(t, again, 1)
	assert.Equal(t, cands[0].BreakEventID, again[0].BreakEventID)
}

func TestDetectDisabledChannel(t *testing.T) {
	ch := testChannel()
	ch.SCTE35Enabled = false
	pl := playlistWithSignal(t, windowStart.Add(5*time.Second), 30*90000, 4711, 0xFFF)
	assert.Empty(t, New().Detect(ch, pl, windowStart.Add(10*time.Second)))
}

// A restricted channel silently drops signals for any other tier, including
// the 0xFFF "tier not used" sentinel.
func TestDetectTierFilter(t *testing.T) {
	now := windowStart.Add(10 * time.Second)
	ch := testChannel()
	ch.Tier = 1

	wrongTier := playlistWithSignal(t, windowStart.Add(5*time.Second), 30*90000, 4711, 2)
	assert.Empty(t, New().Detect(ch, wrongTier, now))

	rightTier := playlistWithSignal(t, windowStart.Add(5*time.Second), 30*90000, 4711, 1)
	assert.Len(t, New().Detect(ch, rightTier, now), 1)

	unrestricted := playlistWithSignal(t, windowStart.Add(5*time.Second), 30*90000, 4711, 0xFFF)
	assert.Empty(t, New().Detect(ch, unrestricted, now))
}

func TestDetectDurationSanity(t *testing.T) {
	now := windowStart.Add(10 * time.Second)
	// No duration: rejected, the duration-based model needs it up front.
	open := playlistWithSignal(t, windowStart.Add(5*time.Second), 0, 4711, 0xFFF)
	assert.Empty(t, New().Detect(testChannel(), open, now))

	// 400 s: above the 300 s ceiling.
	tooLong := playlistWithSignal(t, windowStart.Add(5*time.Second), 400*90000, 4711, 0xFFF)
	assert.Empty(t, New().Detect(testChannel(), tooLong, now))

	// 50 ms: below the floor.
	tooShort := playlistWithSignal(t, windowStart.Add(5*time.Second), 4500, 4711, 0xFFF)
	assert.Empty(t, New().Detect(testChannel(), tooShort, now))
}

func TestDetectPDTSanity(t *testing.T) {
	pdt := windowStart.Add(5 * time.Second)
	pl := playlistWithSignal(t, pdt, 30*90000, 4711, 0xFFF)

	// More than 10 minutes in the past.
	assert.Empty(t, New().Detect(testChannel(), pl, pdt.Add(11*time.Minute)))
	// More than 5 minutes in the future.
	assert.Empty(t, New().Detect(testChannel(), pl, pdt.Add(-6*time.Minute)))
	// Inside the window.
	assert.Len(t, New().Detect(testChannel(), pl, pdt.Add(9*time.Minute)), 1)
}

// Without a splice_event_id the break identity hashes channel, PDT and
// duration, so independent front-ends derive the same id.
func TestBreakEventIDSynthesis(t *testing.T) {
	sig := &m3u8.SpliceSignal{PDT: windowStart, DurationMS: 30000}
	a := BreakEventID("ch1", sig)
	b := BreakEventID("ch1", sig)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, BreakEventID("ch2", sig))

	withID := &m3u8.SpliceSignal{EventID: 4711, PDT: windowStart, DurationMS: 30000}
	assert.Equal(t, "4711", BreakEventID("ch1", withID))
}
