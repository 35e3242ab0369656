// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package m3u8 parses and rewrites HLS playlists (RFC 8216) for ad
// insertion. Parsing is non-destructive: playlists are tokenized into lines
// and unknown tags pass through verbatim, so a parse-then-render cycle of an
// untouched playlist is byte-identical apart from line-ending (CRLF to LF)
// and trailing newline normalization.
package m3u8

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateTime is the EXT-X-PROGRAM-DATE-TIME parse format ([ISO/IEC 8601]).
const DateTime = time.RFC3339Nano

// Rewrite failure modes. Each means "serve this request another way", never
// "fail playback".
var (
	// ErrWindowRollOut: the live window no longer contains a segment at or
	// before the break start.
	ErrWindowRollOut = errors.New("m3u8: break start rolled out of the live window")
	// ErrResumePDTNotFound: no explicit EXT-X-PROGRAM-DATE-TIME within the
	// search window after the resume boundary.
	ErrResumePDTNotFound = errors.New("m3u8: no origin PDT found for the resume boundary")
	// ErrUnfilledGap: the ad pod is shorter than the break and no slate is
	// available to pad it.
	ErrUnfilledGap = errors.New("m3u8: ad pod shorter than break and no slate to fill")

	errNotMaster = errors.New("m3u8: not a master playlist")
	errNotMedia  = errors.New("m3u8: not a media playlist")
)

// Attribute is one raw key-value pair of a tag's attribute list. Val keeps
// quotes and 0x prefixes verbatim.
type Attribute struct {
	Key string
	Val string
}

var reKeyValue = regexp.MustCompile(`([a-zA-Z0-9_-]+)=("[^"]*"|[^",]+)`)

// decodeAttributes scans a tag's attribute list into ordered key-value
// pairs, honoring quoted strings. Values keep quotes verbatim.
func decodeAttributes(list string) []Attribute {
	matches := reKeyValue.FindAllStringSubmatch(list, -1)
	attrs := make([]Attribute, 0, len(matches))
	for _, kv := range matches {
		attrs = append(attrs, Attribute{Key: kv[1], Val: kv[2]})
	}
	return attrs
}

func attrMap(list string) map[string]string {
	out := make(map[string]string)
	for _, a := range decodeAttributes(list) {
		out[a.Key] = deQuote(a.Val)
	}
	return out
}

func deQuote(s string) string {
	return strings.Trim(s, `"`)
}

// splitLines tokenizes a playlist into lines, normalizing CRLF to LF and
// dropping trailing empty lines but preserving interior blank lines.
func splitLines(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func isTag(line, name string) bool {
	return line == name || strings.HasPrefix(line, name+":")
}

// tagValue returns the part after "#NAME:".
func tagValue(line, name string) string {
	return strings.TrimPrefix(line, name+":")
}

// isURILine reports whether a playlist line is a URI record.
func isURILine(line string) bool {
	return line != "" && !strings.HasPrefix(line, "#")
}

// parseDurationMS parses an #EXTINF duration ("7.200" or "7.200,title")
// into milliseconds.
func parseDurationMS(extinf string) (uint32, error) {
	v := extinf
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	return uint32(f*1000 + 0.5), nil
}

// formatExtInf renders an #EXTINF line with millisecond precision.
func formatExtInf(durationMS uint32) string {
	return "#EXTINF:" + strconv.FormatFloat(float64(durationMS)/1000, 'f', 3, 64) + ","
}

// FormatPDT renders a time for an EXT-X-PROGRAM-DATE-TIME tag with
// millisecond precision.
func FormatPDT(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
