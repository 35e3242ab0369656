// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"fmt"
	"strings"
	"time"
)

// InterstitialParams drives an SGAI rewrite.
type InterstitialParams struct {
	BreakID         string
	BreakStart      time.Time
	BreakDurationMS uint32
	// AssetListURL is the JSON asset list the player fetches for the ad pod.
	AssetListURL string
}

// InsertInterstitial emits the origin playlist unchanged except that origin
// SCTE-35 DATERANGE records are stripped and a single HLS-interstitials
// DATERANGE is inserted ahead of the first segment. Players that negotiated
// interstitial support leave the content timeline intact and fetch the ad
// pod from the asset list.
func InsertInterstitial(text string, p InterstitialParams) (string, error) {
	pl, err := ParseMediaPlaylist(text)
	if err != nil {
		return "", err
	}
	drop := make(map[int]bool)
	for i := range pl.DateRanges {
		dr := &pl.DateRanges[i]
		if dr.isOriginSCTE35() {
			drop[dr.line] = true
		}
		// An interstitial for this break may already be present from a
		// previous render; replace rather than duplicate.
		if dr.Class == InterstitialClass && dr.ID == interstitialID(p.BreakID) {
			drop[dr.line] = true
		}
	}

	tag := formatInterstitial(p)
	var b strings.Builder
	for i, line := range pl.lines {
		if i == pl.headerEnd {
			b.WriteString(tag)
			b.WriteByte('\n')
		}
		if drop[i] {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if pl.headerEnd == len(pl.lines) {
		b.WriteString(tag)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func interstitialID(breakID string) string {
	return "stitchd-" + breakID
}

func formatInterstitial(p InterstitialParams) string {
	return fmt.Sprintf(
		`#EXT-X-DATERANGE:ID=%q,CLASS=%q,START-DATE=%q,DURATION=%.3f,X-ASSET-LIST=%q,CUE="JOIN,PRE",X-RESTRICT="SKIP,JUMP"`,
		interstitialID(p.BreakID),
		InterstitialClass,
		FormatPDT(p.BreakStart),
		float64(p.BreakDurationMS)/1000,
		p.AssetListURL,
	)
}
