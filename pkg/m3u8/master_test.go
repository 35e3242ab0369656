// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterFixture = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",DEFAULT=YES,URI="audio/en/playlist.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,AVERAGE-BANDWIDTH=750000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
v_800k/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"
v_2000k/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
v_800k_alt/playlist.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=120000,URI="iframe/playlist.m3u8"
`

func TestParseMaster(t *testing.T) {
	m, err := ParseMaster(masterFixture)
	require.NoError(t, err)
	require.Len(t, m.Variants, 3)
	assert.Equal(t, uint32(800000), m.Variants[0].BandwidthBPS)
	assert.Equal(t, uint32(750000), m.Variants[0].AverageBandwidthBPS)
	assert.Equal(t, "640x360", m.Variants[0].Resolution)
	assert.Equal(t, "avc1.4d401e,mp4a.40.2", m.Variants[0].Codecs)
	assert.Equal(t, "v_800k/playlist.m3u8", m.Variants[0].URI)
	assert.Equal(t, "v_2000k/playlist.m3u8", m.Variants[1].URI)

	require.Len(t, m.IFrameVariants, 1)
	assert.Equal(t, "iframe/playlist.m3u8", m.IFrameVariants[0].URI)
}

func TestParseMasterRejectsGarbage(t *testing.T) {
	_, err := ParseMaster("not a playlist")
	assert.Error(t, err)
	_, err = ParseMaster("#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nseg.ts\n")
	assert.Error(t, err)
}

func TestExtractBitrates(t *testing.T) {
	kbps, err := ExtractBitrates(masterFixture)
	require.NoError(t, err)
	// Deduplicated, increasing, kbps; i-frame entries excluded.
	assert.Equal(t, []uint32{800, 2000}, kbps)
}

func TestRewriteURIs(t *testing.T) {
	m, err := ParseMaster(masterFixture)
	require.NoError(t, err)
	out := m.RewriteURIs(func(uri string) string { return "/org/chan/" + uri })

	assert.Contains(t, out, "\n/org/chan/v_800k/playlist.m3u8\n")
	assert.Contains(t, out, "\n/org/chan/v_2000k/playlist.m3u8\n")
	assert.Contains(t, out, `URI="/org/chan/iframe/playlist.m3u8"`)
	assert.Contains(t, out, `URI="/org/chan/audio/en/playlist.m3u8"`)
	// Ladder untouched.
	assert.Contains(t, out, "BANDWIDTH=2000000")
	assert.Equal(t, strings.Count(masterFixture, "\n"), strings.Count(out, "\n"))
}
