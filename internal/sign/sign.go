// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package sign implements segment-URL signing and viewer token
// verification.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignature: signature mismatch on a signed segment URL → HTTP 403.
	ErrSignature = errors.New("sign: invalid signature")
	// ErrExpired: the signed URL's exp is in the past → HTTP 403.
	ErrExpired = errors.New("sign: url expired")
)

// Signer signs segment URLs with HMAC-SHA256 over path + "?exp=" + exp.
// Only exp and sig enter the signed string. Two keys are live at once so a
// rotation never invalidates in-flight segment URLs.
type Signer struct {
	current  []byte
	previous []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewSigner creates a signer; previous may be empty before the first
// rotation.
func NewSigner(current, previous string, ttl time.Duration) *Signer {
	s := &Signer{current: []byte(current), ttl: ttl, now: time.Now}
	if previous != "" {
		s.previous = []byte(previous)
	}
	return s
}

// Sign appends exp and sig query parameters to rawURL.
func (s *Signer) Sign(rawURL string) string {
	exp := s.now().Add(s.ttl).Unix()
	sig := s.mac(s.current, signingString(rawURL), exp)
	sep := "?"
	if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return fmt.Sprintf("%s%sexp=%d&sig=%s", rawURL, sep, exp, sig)
}

// Verify checks exp and sig for a request path. The previous key is
// accepted to tolerate rotation.
func (s *Signer) Verify(path string, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	want := s.mac(s.current, path, exp)
	if hmac.Equal([]byte(want), []byte(sig)) {
		return nil
	}
	if len(s.previous) > 0 {
		want = s.mac(s.previous, path, exp)
		if hmac.Equal([]byte(want), []byte(sig)) {
			return nil
		}
	}
	return ErrSignature
}

func (s *Signer) mac(key []byte, path string, exp int64) string {
	h := hmac.New(sha256.New, key)
	fmt.Fprintf(h, "%s?exp=%d", path, exp)
	return hex.EncodeToString(h.Sum(nil))
}

// signingString strips any existing query so the signed string is the bare
// path (plus host for absolute URLs).
func signingString(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
