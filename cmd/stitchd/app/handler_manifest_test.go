// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/beacon"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/pkg/logging"
	"github.com/stitchd/stitchd/pkg/scte35"
)

const segDurMS = 1920

func init() {
	_ = logging.InitSlog("ERROR", logging.LogDiscard)
}

// originFixture serves a master playlist and one variant per bitrate with a
// rolling live window.
type originFixture struct {
	srv         *httptest.Server
	windowStart time.Time
	numSegments int
	// breakStart is carried in a SCTE-35 DATERANGE when set.
	breakStart time.Time
	breakDurMS uint32
}

func (o *originFixture) master() string {
	return "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nv_800k.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720\nv_2000k.m3u8\n"
}

func (o *originFixture) variant() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	if !o.breakStart.IsZero() {
		payload := scte35.BuildSpliceInsert(scte35.InsertParams{
			PTS:           900000,
			DurationTicks: uint64(o.breakDurMS) * 90,
			EventID:       4711,
			Tier:          0xFFF,
			OutOfNetwork:  true,
			AutoReturn:    true,
		})
		fmt.Fprintf(&b, "#EXT-X-DATERANGE:ID=\"splice-4711\",START-DATE=%q,SCTE35-OUT=0x%s\n",
			o.breakStart.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			strings.ToUpper(hex.EncodeToString(payload)))
	}
	for i := 0; i < o.numSegments; i++ {
		pdt := o.windowStart.Add(time.Duration(i) * segDurMS * time.Millisecond)
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n#EXTINF:1.920,\nseg_%d.ts\n",
			pdt.UTC().Format("2006-01-02T15:04:05.000Z07:00"), i)
	}
	return b.String()
}

func (o *originFixture) start(t *testing.T) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(o.master()))
	})
	variant := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(o.variant()))
	}
	mux.HandleFunc("/v_800k.m3u8", variant)
	mux.HandleFunc("/v_2000k.m3u8", variant)
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
}

// adStoreFixture serves ad media playlists with the scenario's exact
// per-segment durations.
func adStoreFixture(t *testing.T) *httptest.Server {
	t.Helper()
	durations := []float64{7.2, 4.8, 7.2, 4.8, 6.0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "playlist.m3u8") {
			http.NotFound(w, r)
			return
		}
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:8\n#EXT-X-MEDIA-SEQUENCE:0\n")
		for i, d := range durations {
			fmt.Fprintf(&b, "#EXTINF:%.3f,\nsegment_%03d.ts\n", d, i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		_, _ = w.Write([]byte(b.String()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestServer wires a Server against the origin fixture with an inventory
// pod backed by the ad store.
func newTestServer(t *testing.T, o *originFixture, requireAuth bool) (*Server, *beacon.MemoryQueue) {
	t.Helper()
	o.start(t)
	adStore := adStoreFixture(t)

	dir := t.TempDir()
	channels := fmt.Sprintf(`{"channels": [{
		"id": "ch1", "slug": "sports", "org_slug": "acme",
		"origin_url": %q, "mode": "AUTO", "scte35_enabled": true,
		"require_auth": %t,
		"ad_pod_base_url": %q,
		"bitrate_ladder_kbps": [800, 2000]
	}]}`, o.srv.URL+"/master.m3u8", requireAuth, adStore.URL)
	chPath := path.Join(dir, "channels.json")
	require.NoError(t, os.WriteFile(chPath, []byte(channels), 0o644))

	cfg := DefaultConfig
	cfg.ChannelsFile = chPath
	cfg.SegmentSecret = "test-secret"
	cfg.JWTHSSecret = "jwt-secret"
	s, err := SetupServer(context.Background(), &cfg)
	require.NoError(t, err)

	// Replace the empty inventory with one pod served by the ad store, and
	// make the beacon queue observable.
	inv := decision.NewMemoryInventory()
	inv.AddPod("acme", decision.CandidatePod{
		Pod: &decision.AdPod{
			PodID: "pod-1",
			Items: []decision.AdItem{
				{AdID: "ad-1", BitrateBPS: 800_000, DurationMS: 30000,
					VariantURL: adStore.URL + "/ad-1/800k/playlist.m3u8"},
				{AdID: "ad-1", BitrateBPS: 2_000_000, DurationMS: 30000,
					VariantURL: adStore.URL + "/ad-1/2000k/playlist.m3u8"},
			},
			Trackers: decision.TrackerSet{Impression: []string{"https://trk/imp"}},
		},
		Priority: 1, Weight: 1,
	})
	s.resolver = decision.NewResolver(nil, inv)
	s.coord = coordinator.New(s.store, s.resolver)
	queue := beacon.NewMemoryQueue()
	s.enqueuer = beacon.NewEnqueuer(queue)
	return s, queue
}

func get(s *Server, target string, hdrs ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdrs); i += 2 {
		req.Header.Set(hdrs[i], hdrs[i+1])
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestMasterRewrite(t *testing.T) {
	now := time.Now()
	o := &originFixture{windowStart: now.Add(-20 * time.Second), numSegments: 20}
	s, _ := newTestServer(t, o, false)

	w := get(s, "/acme/sports/master.m3u8")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contentTypeHLS, w.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=2", w.Header().Get("Cache-Control"))
	body := w.Body.String()
	assert.Contains(t, body, "/acme/sports/v_800k.m3u8?bw=800000")
	assert.Contains(t, body, "/acme/sports/v_2000k.m3u8?bw=2000000")
	assert.Contains(t, body, "BANDWIDTH=2000000") // ladder untouched
}

// Clean SSAI: content before the break, the ad's exact segment durations
// between discontinuities, origin resume PDT, signed ad URIs.
func TestVariantSSAI(t *testing.T) {
	now := time.Now()
	windowStart := now.Add(-10 * time.Second)
	o := &originFixture{
		windowStart: windowStart,
		numSegments: 40,
		breakStart:  windowStart.Add(3 * segDurMS * time.Millisecond),
		breakDurMS:  30000,
	}
	s, queue := newTestServer(t, o, false)

	w := get(s, "/acme/sports/v_800k.m3u8?bw=800000&mode=ssai&vid=viewer-1")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Equal(t, 2, strings.Count(body, "#EXT-X-DISCONTINUITY\n"))
	for _, d := range []string{"#EXTINF:7.200,", "#EXTINF:4.800,", "#EXTINF:6.000,"} {
		assert.Contains(t, body, d)
	}
	// Ad URIs are signed gateway redirects.
	assert.Contains(t, body, "/acme/sports/adseg/")
	assert.Contains(t, body, "exp=")
	assert.Contains(t, body, "sig=")
	// The origin SCTE-35 DATERANGE is gone.
	assert.NotContains(t, body, "SCTE35-OUT")
	// Skipped content: segments 3..18 replaced, resume at 19.
	assert.NotContains(t, body, "\nseg_5.ts")
	assert.Contains(t, body, "\nseg_19.ts")
	resumePDT := windowStart.Add(19 * segDurMS * time.Millisecond).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	assert.Contains(t, body, "#EXT-X-PROGRAM-DATE-TIME:"+resumePDT)

	// Impression fired once for this viewer.
	fires := queue.Drain()
	require.Len(t, fires, 1)
	assert.Equal(t, beacon.EventImpression, fires[0].Event)
	assert.Equal(t, "4711", fires[0].BreakID)

	// The skip count is persisted; a second viewer on another bitrate
	// resumes at the same origin segment.
	w2 := get(s, "/acme/sports/v_2000k.m3u8?bw=2000000&mode=ssai&vid=viewer-2")
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), "\nseg_19.ts")
	assert.Contains(t, w2.Body.String(), "#EXT-X-PROGRAM-DATE-TIME:"+resumePDT)
}

// Window rolled past the break start: the request is served as an SGAI
// interstitial instead, with the content timeline intact.
func TestVariantSGAIFallbackOnRollOut(t *testing.T) {
	now := time.Now()
	o := &originFixture{
		windowStart: now.Add(-5 * time.Second),
		numSegments: 20,
		breakStart:  now.Add(-20 * time.Second),
		breakDurMS:  30000,
	}
	s, _ := newTestServer(t, o, false)

	w := get(s, "/acme/sports/v_800k.m3u8?bw=800000&mode=ssai&vid=viewer-1")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, `CLASS="com.apple.hls.interstitial"`)
	assert.Contains(t, body, "X-ASSET-LIST=")
	assert.Contains(t, body, "/acme/sports/assetlist/4711.json")
	assert.NotContains(t, body, "#EXT-X-DISCONTINUITY\n")
	assert.NotContains(t, body, "SCTE35-OUT")
	// All content segments survive.
	assert.Contains(t, body, "seg_0.ts")
	assert.Contains(t, body, "seg_19.ts")
}

func TestVariantModeOverrideSGAI(t *testing.T) {
	now := time.Now()
	windowStart := now.Add(-10 * time.Second)
	o := &originFixture{
		windowStart: windowStart,
		numSegments: 40,
		breakStart:  windowStart.Add(3 * segDurMS * time.Millisecond),
		breakDurMS:  30000,
	}
	s, _ := newTestServer(t, o, false)

	w := get(s, "/acme/sports/v_800k.m3u8?bw=800000&mode=sgai&vid=viewer-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `CLASS="com.apple.hls.interstitial"`)
	assert.NotContains(t, w.Body.String(), "#EXT-X-DISCONTINUITY\n")
}

func TestVariantNoBreakStripsSCTE35(t *testing.T) {
	now := time.Now()
	// Signal far in the past: rejected by PDT sanity, no break created.
	o := &originFixture{
		windowStart: now.Add(-10 * time.Second),
		numSegments: 10,
		breakStart:  now.Add(-20 * time.Minute),
		breakDurMS:  30000,
	}
	s, _ := newTestServer(t, o, false)

	w := get(s, "/acme/sports/v_800k.m3u8?bw=800000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "SCTE35-OUT")
	assert.Contains(t, w.Body.String(), "seg_0.ts")
}

func TestViewerAuth(t *testing.T) {
	now := time.Now()
	o := &originFixture{windowStart: now.Add(-10 * time.Second), numSegments: 10}
	s, _ := newTestServer(t, o, true)

	w := get(s, "/acme/sports/master.m3u8")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "viewer-1", "exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	w = get(s, "/acme/sports/master.m3u8?token="+url.QueryEscape(signed))
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(s, "/acme/sports/master.m3u8", "Authorization", "Bearer "+signed)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdSegmentRedirect(t *testing.T) {
	now := time.Now()
	o := &originFixture{windowStart: now.Add(-10 * time.Second), numSegments: 10}
	s, _ := newTestServer(t, o, false)

	target := "https://ads.example/ad-1/800k/segment_000.ts"
	brk := adbreakForTest(t, s)
	item := &decision.AdItem{AdID: "ad-1"}
	signed := s.signAdSegment(chForTest(t, s), brk, item, target, 0.5)

	w := get(s, signed)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, target, w.Header().Get("Location"))

	// Tampered signature: 403.
	w = get(s, strings.Replace(signed, "sig=", "sig=00", 1))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestChannelNotFound(t *testing.T) {
	now := time.Now()
	o := &originFixture{windowStart: now.Add(-10 * time.Second), numSegments: 10}
	s, _ := newTestServer(t, o, false)
	w := get(s, "/acme/nosuch/master.m3u8")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOriginDown504(t *testing.T) {
	o := &originFixture{windowStart: time.Now(), numSegments: 4}
	s, _ := newTestServer(t, o, false)
	o.srv.Close()

	w := get(s, "/acme/sports/master.m3u8")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func chForTest(t *testing.T, s *Server) *channel.Channel {
	t.Helper()
	ch, err := s.channels.BySlug(context.Background(), "acme", "sports")
	require.NoError(t, err)
	return ch
}

func adbreakForTest(t *testing.T, s *Server) *adbreak.AdBreak {
	t.Helper()
	ch := chForTest(t, s)
	b, err := s.coord.ManualCueStart(context.Background(), ch, time.Now(), 30000)
	require.NoError(t, err)
	return b
}
