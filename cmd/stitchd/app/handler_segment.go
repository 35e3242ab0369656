// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchd/stitchd/internal/beacon"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/internal/sign"
	"github.com/stitchd/stitchd/pkg/logging"
)

// adSegmentHandlerFunc verifies the signed ad segment URL and redirects the
// player to the ad object store. Quartile beacons fire here: the playback
// fraction each segment completes rides along as the pr parameter.
func (s *Server) adSegmentHandlerFunc(w http.ResponseWriter, r *http.Request) {
	log := logging.SubLoggerWithRequestID(slog.Default(), r)
	ch, httpErr := s.resolveChannel(r, log)
	if httpErr != nil {
		writeHttpError(w, httpErr)
		return
	}

	q := r.URL.Query()
	if err := s.signer.Verify(r.URL.Path, q.Get("exp"), q.Get("sig")); err != nil {
		code := http.StatusForbidden
		if !errors.Is(err, sign.ErrExpired) && !errors.Is(err, sign.ErrSignature) {
			code = http.StatusBadRequest
		}
		writeHttpError(w, generateAndLogHttpError(log, "segment signature rejected", code))
		return
	}

	payload := strings.TrimSuffix(chi.URLParam(r, "payload"), ".ts")
	target, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		writeHttpError(w, generateAndLogHttpError(log, "bad segment payload", http.StatusBadRequest))
		return
	}

	s.fireQuartile(r, ch, q.Get("brk"), q.Get("ad"), q.Get("pr"))

	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(ch.SegmentCacheTTL().Seconds())))
	http.Redirect(w, r, string(target), http.StatusFound)
}

// fireQuartile enqueues the quartile beacon reached by this segment serve.
// The enqueuer dedupes per (viewer, ad, event), so every poll of the same
// mark fires once.
func (s *Server) fireQuartile(r *http.Request, ch *channel.Channel, breakID, adID, prStr string) {
	if breakID == "" || adID == "" {
		return
	}
	pr, err := strconv.Atoi(prStr)
	if err != nil {
		return
	}
	event, ok := beacon.QuartileForProgress(float64(pr) / 100)
	if !ok {
		return
	}
	brk, err := s.store.Get(r.Context(), ch.ID, breakID)
	var pod *decision.AdPod
	if err == nil {
		pod = brk.Decision
	}
	if pod == nil {
		return
	}
	viewerID := s.viewerID(nopResponseWriter{}, r)
	s.enqueuer.FireForEvent(r.Context(), viewerID, breakID, pod, event)
}

// nopResponseWriter satisfies http.ResponseWriter where a handler only
// needs the viewer id and must not set cookies on a redirect response.
type nopResponseWriter struct{}

func (nopResponseWriter) Header() http.Header        { return http.Header{} }
func (nopResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (nopResponseWriter) WriteHeader(int)            {}
