// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/pkg/logging"
)

// assetList is the HLS-interstitials X-ASSET-LIST document.
type assetList struct {
	Assets []assetListEntry `json:"ASSETS"`
}

type assetListEntry struct {
	URI      string  `json:"URI"`
	Duration float64 `json:"DURATION"`
}

// assetListHandlerFunc serves the SGAI asset list for a break: the ad pod's
// media playlists, bitrate-matched when the player forwarded a bw hint. An
// empty pod answers with the one-segment black slate so interstitial-capable
// players always have something to play.
func (s *Server) assetListHandlerFunc(w http.ResponseWriter, r *http.Request) {
	log := logging.SubLoggerWithRequestID(slog.Default(), r)
	ch, httpErr := s.resolveChannel(r, log)
	if httpErr != nil {
		writeHttpError(w, httpErr)
		return
	}
	breakID := strings.TrimSuffix(chi.URLParam(r, "breakID"), ".json")
	brk, err := s.store.Get(r.Context(), ch.ID, breakID)
	if err != nil {
		if errors.Is(err, adbreak.ErrNotFound) {
			writeHttpError(w, generateAndLogHttpError(log, "break not found", http.StatusNotFound))
			return
		}
		writeHttpError(w, generateAndLogHttpError(log, "state store read failed", http.StatusBadGateway))
		return
	}

	pod, err := s.podForBreak(r.Context(), ch, brk)
	if err != nil && !errors.Is(err, decision.ErrNoInventory) {
		log.Warn("asset list decision failed, serving slate", "channel", ch.ID, "break", breakID, "err", err)
	}
	if pod.Empty() {
		pod = decision.SyntheticSlate(brk.DurationMS)
	}

	list := assetList{}
	if bw := requestBandwidth(r); bw > 0 {
		if item := pod.ItemForBitrate(bw); item != nil {
			list.Assets = append(list.Assets, entryForItem(ch, item, brk))
		}
	} else {
		for i := range pod.Items {
			list.Assets = append(list.Assets, entryForItem(ch, &pod.Items[i], brk))
		}
	}
	s.jsonResponse(w, list, http.StatusOK)
}

func entryForItem(ch *channel.Channel, item *decision.AdItem, brk *adbreak.AdBreak) assetListEntry {
	uri := item.VariantURL
	if uri == "" {
		uri = decision.VariantURLFor(ch.AdPodBaseURL, item.AdID, item.BitrateBPS)
	}
	durMS := item.DurationMS
	if durMS == 0 {
		durMS = brk.DurationMS
	}
	return assetListEntry{URI: uri, Duration: float64(durMS) / 1000}
}
