// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/beacon"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/internal/origin"
	"github.com/stitchd/stitchd/pkg/logging"
	"github.com/stitchd/stitchd/pkg/m3u8"
)

const (
	contentTypeHLS = "application/vnd.apple.mpegurl"
	viewerCookie   = "stitchd_vid"
	absMarker      = "abs/"
)

// insertionMode is the per-request insertion strategy.
type insertionMode string

const (
	modeSSAI insertionMode = "ssai"
	modeSGAI insertionMode = "sgai"
)

// interstitialCapableUA marks players known to implement HLS Interstitials.
// Browser engines are excluded on purpose: "Safari" also appears in Chrome
// user agents.
var interstitialCapableUA = []string{
	"AppleCoreMedia",
	"com.apple.avfoundation",
	"ATVE/",
}

// masterHandlerFunc serves GET /{orgSlug}/{channelSlug}/master.m3u8: the
// origin master with every variant URI rewritten to pass back through the
// gateway and annotated with its bandwidth for bitrate-matched ad selection.
func (s *Server) masterHandlerFunc(w http.ResponseWriter, r *http.Request) {
	log := logging.SubLoggerWithRequestID(slog.Default(), r)
	ch, httpErr := s.resolveChannel(r, log)
	if httpErr != nil {
		writeHttpError(w, httpErr)
		return
	}

	body, err := s.fetcher.Fetch(r.Context(), ch.OriginURL, ch.ManifestCacheTTL())
	if err != nil {
		s.serveOriginFailure(w, log, ch, ch.OriginURL, err)
		return
	}
	master, err := m3u8.ParseMaster(string(body))
	if err != nil {
		writeHttpError(w, generateAndLogHttpError(log, "origin master parse failed", http.StatusBadGateway))
		return
	}

	// Annotate the channel with its detected ladder on first contact; the
	// admin store owns the persisted copy.
	if len(ch.BitrateLadderKbps) == 0 {
		if kbps, err := m3u8.ExtractBitrates(string(body)); err == nil {
			ch.BitrateLadderKbps = kbps
			log.Info("detected bitrate ladder", "channel", ch.ID, "kbps", kbps)
		}
	}

	passthrough := viewerParams(r)
	out := master.RewriteURIs(func(uri string) string {
		bw := uint32(0)
		for _, v := range master.Variants {
			if v.URI == uri {
				bw = v.BandwidthBPS
				break
			}
		}
		return s.selfURI(ch, uri, bw, passthrough)
	})

	s.writeManifest(w, ch, []byte(out))
}

// variantHandlerFunc serves variant playlists (rewritten for ad insertion)
// and passes content segment requests through to the origin.
func (s *Server) variantHandlerFunc(w http.ResponseWriter, r *http.Request) {
	log := logging.SubLoggerWithRequestID(slog.Default(), r)
	ch, httpErr := s.resolveChannel(r, log)
	if httpErr != nil {
		writeHttpError(w, httpErr)
		return
	}

	rest := chi.URLParam(r, "*")
	originURL, err := s.resolveOriginURL(ch, rest)
	if err != nil {
		writeHttpError(w, generateAndLogHttpError(log, "bad variant path", http.StatusBadRequest))
		return
	}

	if !strings.HasSuffix(strings.SplitN(originURL, "?", 2)[0], ".m3u8") {
		// Content segment: pass through to the origin object.
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(ch.SegmentCacheTTL().Seconds())))
		http.Redirect(w, r, originURL, http.StatusFound)
		return
	}

	body, err := s.fetcher.Fetch(r.Context(), originURL, ch.ManifestCacheTTL())
	if err != nil {
		s.serveOriginFailure(w, log, ch, originURL, err)
		return
	}
	pl, err := m3u8.ParseMediaPlaylist(string(body))
	if err != nil {
		writeHttpError(w, generateAndLogHttpError(log, "origin variant parse failed", http.StatusBadGateway))
		return
	}

	now := s.now()
	// Detection and consolidation; mutations go through the per-channel
	// coordinator, reads below hit the store directly.
	if cands := s.detector.Detect(ch, pl, now); len(cands) > 0 {
		if err := s.coord.Observe(r.Context(), ch, cands); err != nil {
			log.Warn("coordinator observe failed", "channel", ch.ID, "err", err)
		}
	}
	if err := s.coord.MaybeAutoInsert(r.Context(), ch); err != nil {
		log.Warn("auto insert failed", "channel", ch.ID, "err", err)
	}

	breaks, err := s.store.List(r.Context(), ch.ID)
	if err != nil {
		log.Warn("state store list failed", "channel", ch.ID, "err", err)
	}
	brk := adbreak.Pick(breaks, now)
	if brk == nil {
		s.serveContentOnly(w, log, ch, string(body))
		return
	}

	mode := s.chooseMode(r, ch)
	viewerID := s.viewerID(w, r)
	pod, err := s.podForBreak(r.Context(), ch, brk)
	if err != nil {
		if errors.Is(err, decision.ErrNoInventory) {
			s.serveContentOnly(w, log, ch, string(body))
			return
		}
		log.Warn("decision unavailable", "channel", ch.ID, "break", brk.BreakEventID, "err", err)
		s.serveContentOnly(w, log, ch, string(body))
		return
	}

	if mode == modeSSAI {
		out, ok := s.renderSSAI(r, log, ch, brk, pod, pl)
		if ok {
			s.enqueuer.FireForEvent(r.Context(), viewerID, brk.BreakEventID, pod, beacon.EventImpression)
			s.writeManifest(w, ch, []byte(out))
			return
		}
		// renderSSAI observed the fallback reason; fall through to SGAI.
	}

	out, err := m3u8.InsertInterstitial(string(body), m3u8.InterstitialParams{
		BreakID:         brk.BreakEventID,
		BreakStart:      brk.PDTStart,
		BreakDurationMS: brk.DurationMS,
		AssetListURL:    s.assetListURL(r, ch, brk.BreakEventID),
	})
	if err != nil {
		s.serveContentOnly(w, log, ch, string(body))
		return
	}
	s.enqueuer.FireForEvent(r.Context(), viewerID, brk.BreakEventID, pod, beacon.EventImpression)
	s.writeManifest(w, ch, []byte(out))
}

// renderSSAI attempts the SSAI rewrite. ok=false means the caller must fall
// back to SGAI for this request; the stored skip count is never touched on
// fallback.
func (s *Server) renderSSAI(r *http.Request, log *slog.Logger,
	ch *channel.Channel, brk *adbreak.AdBreak, pod *decision.AdPod,
	pl *m3u8.MediaPlaylist) (string, bool) {

	bw := requestBandwidth(r)
	item := pod.ItemForBitrate(bw)
	var adSegs []m3u8.AdSegment
	if item != nil {
		if item.VariantURL == "" && len(item.Segments) == 0 {
			item.VariantURL = decision.VariantURLFor(ch.AdPodBaseURL, item.AdID, item.BitrateBPS)
		}
		if err := s.adPlaylists.Resolve(r.Context(), item); err != nil {
			log.Warn("ad playlist fetch failed, serving slate", "channel", ch.ID, "err", err)
		}
		for _, seg := range item.Segments {
			adSegs = append(adSegs, m3u8.AdSegment{URI: seg.URL, DurationMS: seg.DurationMS})
		}
	}

	slate := decision.SyntheticSlate(brk.DurationMS)
	var slateSegs []m3u8.AdSegment
	for _, seg := range slate.Items[0].Segments {
		slateSegs = append(slateSegs, m3u8.AdSegment{URI: seg.URL, DurationMS: seg.DurationMS})
	}

	// Each signed segment carries the playback fraction reached at its end,
	// so the segment endpoint can fire the matching quartile beacon.
	var cumMS uint32
	segDur := make(map[string]uint32, len(adSegs)+len(slateSegs))
	for _, a := range append(append([]m3u8.AdSegment{}, adSegs...), slateSegs...) {
		segDur[a.URI] = a.DurationMS
	}
	res, err := pl.Splice(m3u8.SpliceParams{
		BreakStart:      brk.PDTStart,
		BreakDurationMS: brk.DurationMS,
		SkipSegments:    brk.SkipSegments,
		AdSegments:      adSegs,
		Slate:           slateSegs,
		SignURI: func(uri string) string {
			cumMS += segDur[uri]
			progress := float64(cumMS) / float64(brk.DurationMS)
			return s.signAdSegment(ch, brk, item, uri, progress)
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, m3u8.ErrWindowRollOut):
		observeSGAIFallback("window_roll_out")
		return "", false
	case errors.Is(err, m3u8.ErrResumePDTNotFound):
		observeSGAIFallback("resume_pdt_not_found")
		return "", false
	default:
		log.Warn("ssai splice failed", "channel", ch.ID, "break", brk.BreakEventID, "err", err)
		observeSGAIFallback("splice_error")
		return "", false
	}

	if res.Computed {
		if err := s.coord.PersistSkip(r.Context(), ch, brk.BreakEventID, res.SkipSegments, res.SkipDurationMS); err != nil {
			log.Warn("skip persist failed", "channel", ch.ID, "break", brk.BreakEventID, "err", err)
		}
	}
	return res.Playlist, true
}

// podForBreak reads the pre-computed decision, or runs the bounded lazy
// decide when pre-computation never landed.
func (s *Server) podForBreak(ctx context.Context, ch *channel.Channel, brk *adbreak.AdBreak) (*decision.AdPod, error) {
	if brk.Decision != nil {
		return brk.Decision, nil
	}
	return s.coord.LazyDecide(ctx, ch, brk.BreakEventID)
}

// chooseMode: per-request override, then channel mode, then client
// capability.
func (s *Server) chooseMode(r *http.Request, ch *channel.Channel) insertionMode {
	switch r.URL.Query().Get("mode") {
	case string(modeSGAI):
		return modeSGAI
	case string(modeSSAI):
		return modeSSAI
	}
	switch ch.Mode {
	case channel.ModeSGAIOnly:
		return modeSGAI
	case channel.ModeSSAIOnly:
		return modeSSAI
	}
	if clientSupportsInterstitials(r, ch) {
		return modeSGAI
	}
	return modeSSAI
}

func clientSupportsInterstitials(r *http.Request, ch *channel.Channel) bool {
	switch ch.ForceInterstitialCapable {
	case "on":
		return true
	case "off":
		return false
	}
	if r.Header.Get("X-HLS-Interstitials") == "1" {
		return true
	}
	ua := r.Header.Get("User-Agent")
	for _, marker := range interstitialCapableUA {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// resolveChannel authenticates the request and loads the channel config.
func (s *Server) resolveChannel(r *http.Request, log *slog.Logger) (*channel.Channel, *errorWithHttpType) {
	orgSlug := chi.URLParam(r, "orgSlug")
	chSlug := chi.URLParam(r, "channelSlug")
	ch, err := s.channels.BySlug(r.Context(), orgSlug, chSlug)
	if err != nil {
		return nil, generateAndLogHttpError(log, fmt.Sprintf("channel %s/%s not found", orgSlug, chSlug), http.StatusNotFound)
	}
	if ch.RequireAuth {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if _, err := s.verifier.Verify(token); err != nil {
			return nil, generateAndLogHttpError(log, "viewer auth failed", http.StatusUnauthorized)
		}
	}
	return ch, nil
}

// resolveOriginURL maps a gateway variant path back to the origin URL:
// either an absolute URL carried in an abs/<base64url> path element, or a
// path relative to the channel's origin master.
func (s *Server) resolveOriginURL(ch *channel.Channel, rest string) (string, error) {
	rest = strings.SplitN(rest, "?", 2)[0]
	if strings.HasPrefix(rest, absMarker) {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(rest, absMarker))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	base, err := url.Parse(ch.OriginURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(rest)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// selfURI rewrites an origin variant URI to route back through the gateway,
// carrying the variant's bandwidth and any viewer passthrough parameters.
func (s *Server) selfURI(ch *channel.Channel, uri string, bw uint32, passthrough url.Values) string {
	p := uri
	if strings.Contains(uri, "://") {
		p = absMarker + base64.RawURLEncoding.EncodeToString([]byte(uri))
	}
	q := url.Values{}
	for k, vs := range passthrough {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if bw > 0 {
		q.Set("bw", strconv.FormatUint(uint64(bw), 10))
	}
	out := fmt.Sprintf("/%s/%s/%s", ch.OrgSlug, ch.Slug, p)
	if enc := q.Encode(); enc != "" {
		out += "?" + enc
	}
	return out
}

// viewerParams extracts the query parameters that must survive the
// master → variant indirection.
func viewerParams(r *http.Request) url.Values {
	q := url.Values{}
	for _, k := range []string{"mode", "token", "vid"} {
		if v := r.URL.Query().Get(k); v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// requestBandwidth reads the bw annotation added by the master rewrite.
func requestBandwidth(r *http.Request) uint32 {
	if n, err := strconv.ParseUint(r.URL.Query().Get("bw"), 10, 32); err == nil {
		return uint32(n)
	}
	return 0
}

// viewerID identifies a viewer across polls: explicit vid parameter, the
// gateway cookie, or a stable hash of the client address as a last resort.
func (s *Server) viewerID(w http.ResponseWriter, r *http.Request) string {
	if vid := r.URL.Query().Get("vid"); vid != "" {
		return vid
	}
	if c, err := r.Cookie(viewerCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := sha256.Sum256([]byte(r.RemoteAddr + "|" + r.Header.Get("User-Agent")))
	vid := hex.EncodeToString(h[:8])
	http.SetCookie(w, &http.Cookie{Name: viewerCookie, Value: vid, Path: "/", MaxAge: 86400})
	return vid
}

// serveContentOnly strips origin SCTE-35 (when the channel consumes it) and
// serves the untouched content timeline.
func (s *Server) serveContentOnly(w http.ResponseWriter, log *slog.Logger, ch *channel.Channel, body string) {
	out := body
	if ch.SCTE35Enabled {
		stripped, err := m3u8.StripOriginSCTE35(body)
		if err == nil {
			out = stripped
		} else {
			log.Warn("scte35 strip failed, serving origin manifest", "channel", ch.ID, "err", err)
		}
	}
	s.writeManifest(w, ch, []byte(out))
}

// serveOriginFailure applies the last-known-good fallback; without one the
// viewer gets 504.
func (s *Server) serveOriginFailure(w http.ResponseWriter, log *slog.Logger, ch *channel.Channel, url string, err error) {
	if !errors.Is(err, origin.ErrOriginUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("origin fetch failed", "channel", ch.ID, "err", err)
	}
	if body, ok := s.fetcher.LastGood(url, ch.ManifestCacheTTL()); ok {
		log.Warn("serving last known good manifest", "channel", ch.ID, "url", url)
		s.writeManifest(w, ch, body)
		return
	}
	writeHttpError(w, generateAndLogHttpError(log, "origin unavailable", http.StatusGatewayTimeout))
}

func (s *Server) writeManifest(w http.ResponseWriter, ch *channel.Channel, body []byte) {
	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(ch.ManifestCacheTTL().Seconds())))
	_, _ = w.Write(body)
}

// assetListURL builds the absolute SGAI asset-list URL for a break.
func (s *Server) assetListURL(r *http.Request, ch *channel.Channel, breakID string) string {
	host := s.Cfg.Host
	if host == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		host = scheme + "://" + r.Host
	}
	if ch.SignHost != "" {
		host = ch.SignHost
	}
	return fmt.Sprintf("%s/%s/%s/assetlist/%s.json", strings.TrimSuffix(host, "/"), ch.OrgSlug, ch.Slug, breakID)
}

// signAdSegment rewrites an ad segment URL to the gateway's verifying
// redirect endpoint and signs it. Beacon context rides along unsigned; the
// signature covers the path (and thereby the target URL).
func (s *Server) signAdSegment(ch *channel.Channel, brk *adbreak.AdBreak, item *decision.AdItem, uri string, progress float64) string {
	p := fmt.Sprintf("/%s/%s/adseg/%s.ts", ch.OrgSlug, ch.Slug,
		base64.RawURLEncoding.EncodeToString([]byte(uri)))
	signed := s.signer.Sign(p)
	adID := ""
	if item != nil {
		adID = item.AdID
	}
	return fmt.Sprintf("%s&brk=%s&ad=%s&pr=%d", signed,
		url.QueryEscape(brk.BreakEventID), url.QueryEscape(adID), int(progress*100))
}
