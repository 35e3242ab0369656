// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertInterstitial(t *testing.T) {
	origin := fmt.Sprintf(`#EXT-X-DATERANGE:ID="splice-42",START-DATE="2025-01-01T10:00:05.760Z",SCTE35-OUT=%s`, scte35OutHex)
	text := buildVariant(0, 8, 1920, windowStart, 1, origin)

	out, err := InsertInterstitial(text, InterstitialParams{
		BreakID:         "brk-1",
		BreakStart:      breakStart,
		BreakDurationMS: 30000,
		AssetListURL:    "https://gw/org/chan/assetlist/brk-1.json",
	})
	require.NoError(t, err)

	assert.Contains(t, out, `ID="stitchd-brk-1"`)
	assert.Contains(t, out, `CLASS="com.apple.hls.interstitial"`)
	assert.Contains(t, out, `START-DATE="2025-01-01T10:00:05.760Z"`)
	assert.Contains(t, out, `DURATION=30.000`)
	assert.Contains(t, out, `X-ASSET-LIST="https://gw/org/chan/assetlist/brk-1.json"`)
	assert.Contains(t, out, `CUE="JOIN,PRE"`)
	assert.Contains(t, out, `X-RESTRICT="SKIP,JUMP"`)
	// Origin SCTE-35 stripped, content timeline intact.
	assert.NotContains(t, out, "SCTE35-OUT")
	for i := 0; i < 8; i++ {
		assert.Contains(t, out, fmt.Sprintf("seg_%d.ts", i))
	}

	// Rendering twice must not duplicate the interstitial.
	again, err := InsertInterstitial(out, InterstitialParams{
		BreakID:         "brk-1",
		BreakStart:      breakStart,
		BreakDurationMS: 30000,
		AssetListURL:    "https://gw/org/chan/assetlist/brk-1.json",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(again, `ID="stitchd-brk-1"`))
}
