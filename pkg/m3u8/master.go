// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package m3u8

import (
	"sort"
	"strconv"
	"strings"
)

// VariantEntry is one playable EXT-X-STREAM-INF entry of a master playlist.
type VariantEntry struct {
	BandwidthBPS        uint32
	AverageBandwidthBPS uint32
	Resolution          string
	Codecs              string
	FrameRate           string
	URI                 string
}

// Master is a parsed master playlist.
type Master struct {
	Variants       []VariantEntry
	IFrameVariants []VariantEntry // EXT-X-I-FRAME-STREAM-INF, not playable

	lines []string
}

// ParseMaster parses a master playlist. Variant order follows the playlist.
func ParseMaster(text string) (*Master, error) {
	lines := splitLines(text)
	if len(lines) == 0 || !isTag(lines[0], "#EXTM3U") {
		return nil, errNotMaster
	}
	m := &Master{lines: lines}
	var pending *VariantEntry
	for _, line := range lines {
		switch {
		case isTag(line, "#EXT-X-STREAM-INF"):
			v := parseStreamInf(tagValue(line, "#EXT-X-STREAM-INF"))
			pending = &v
		case isTag(line, "#EXT-X-I-FRAME-STREAM-INF"):
			v := parseStreamInf(tagValue(line, "#EXT-X-I-FRAME-STREAM-INF"))
			m.IFrameVariants = append(m.IFrameVariants, v)
		case isURILine(line):
			if pending != nil {
				pending.URI = line
				m.Variants = append(m.Variants, *pending)
				pending = nil
			}
		}
	}
	if len(m.Variants) == 0 {
		return nil, errNotMaster
	}
	return m, nil
}

func parseStreamInf(attrList string) VariantEntry {
	var v VariantEntry
	for _, a := range decodeAttributes(attrList) {
		switch a.Key {
		case "BANDWIDTH":
			if n, err := strconv.ParseUint(a.Val, 10, 32); err == nil {
				v.BandwidthBPS = uint32(n)
			}
		case "AVERAGE-BANDWIDTH":
			if n, err := strconv.ParseUint(a.Val, 10, 32); err == nil {
				v.AverageBandwidthBPS = uint32(n)
			}
		case "RESOLUTION":
			v.Resolution = a.Val
		case "CODECS":
			v.Codecs = deQuote(a.Val)
		case "FRAME-RATE":
			v.FrameRate = a.Val
		case "URI":
			v.URI = deQuote(a.Val)
		}
	}
	return v
}

// ExtractBitrates returns the deduplicated, increasing list of playable
// variant bandwidths in kbps. Bitrates are taken from BANDWIDTH only.
// This is the admin-surface representation; everything internal is bps.
func ExtractBitrates(masterText string) ([]uint32, error) {
	m, err := ParseMaster(masterText)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint32]bool)
	var kbps []uint32
	for _, v := range m.Variants {
		k := v.BandwidthBPS / 1000
		if k > 0 && !seen[k] {
			seen[k] = true
			kbps = append(kbps, k)
		}
	}
	sort.Slice(kbps, func(i, j int) bool { return kbps[i] < kbps[j] })
	return kbps, nil
}

// RewriteURIs renders the master with every variant URI (stream entries and
// URI attributes of I-frame and media renditions) replaced by rewrite(uri).
// All other records pass through verbatim.
func (m *Master) RewriteURIs(rewrite func(uri string) string) string {
	var b strings.Builder
	afterStreamInf := false
	for _, line := range m.lines {
		switch {
		case isTag(line, "#EXT-X-STREAM-INF"):
			afterStreamInf = true
			b.WriteString(line)
		case isTag(line, "#EXT-X-I-FRAME-STREAM-INF"), isTag(line, "#EXT-X-MEDIA"):
			b.WriteString(rewriteURIAttr(line, rewrite))
		case isURILine(line) && afterStreamInf:
			afterStreamInf = false
			b.WriteString(rewrite(line))
		default:
			b.WriteString(line)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func rewriteURIAttr(line string, rewrite func(string) string) string {
	name := line
	attrList := ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		name, attrList = line[:i], line[i+1:]
	}
	attrs := decodeAttributes(attrList)
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == "URI" {
			a.Val = `"` + rewrite(deQuote(a.Val)) + `"`
		}
		parts = append(parts, a.Key+"="+a.Val)
	}
	return name + ":" + strings.Join(parts, ",")
}
