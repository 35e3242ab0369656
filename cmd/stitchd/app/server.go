// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/beacon"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/internal/detect"
	"github.com/stitchd/stitchd/internal/origin"
	"github.com/stitchd/stitchd/internal/sign"
	"github.com/stitchd/stitchd/pkg/logging"

	_ "net/http/pprof"
)

type Server struct {
	Router *chi.Mux
	Cfg    *ServerConfig

	channels    channel.Repository
	store       adbreak.Store
	fetcher     *origin.Fetcher
	detector    *detect.Detector
	coord       *coordinator.Coordinator
	resolver    *decision.Resolver
	adPlaylists *decision.PlaylistResolver
	enqueuer    *beacon.Enqueuer
	signer      *sign.Signer
	verifier    *sign.Verifier
	reqLimiter  *IPRequestLimiter
	now         func() time.Time
}

// SetupServer wires the gateway: state store and beacon queue backends,
// decision waterfall, per-channel coordinator, and the HTTP surface.
func SetupServer(ctx context.Context, cfg *ServerConfig) (*Server, error) {
	logger := slog.Default()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.SlogMiddleWare(logger))
	r.Use(middleware.Recoverer)
	r.Use(NewPrometheusMiddleware())
	r.Use(addVersionAndCORSHeaders)
	if cfg.TimeoutS > 0 {
		r.Use(middleware.Timeout(time.Duration(cfg.TimeoutS) * time.Second))
	}
	r.Mount("/metrics", promhttp.Handler())

	var store adbreak.Store
	var queue beacon.Queue
	switch cfg.StateStore {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = adbreak.NewRedisStore(rdb)
		queue = beacon.NewRedisQueue(rdb)
	default:
		store = adbreak.NewMemoryStore()
		queue = beacon.NewMemoryQueue()
	}

	var repo channel.Repository
	fileRepo, err := channel.NewFileRepository(cfg.ChannelsFile)
	if err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}
	repo = channel.NewCachedRepository(fileRepo)

	var vast decision.VASTClient
	if cfg.VASTEndpoint != "" {
		vast = decision.NewHTTPVASTClient(cfg.VASTEndpoint)
	}
	resolver := decision.NewResolver(vast, decision.NewMemoryInventory())
	resolver.OnOutcome = observeDecisionOutcome

	coord := coordinator.New(store, resolver)
	coord.OnBreakCreated = observeBreakCreated

	enq := beacon.NewEnqueuer(queue)
	enq.OnEnqueue = observeBeaconEnqueues

	verifier, err := sign.NewVerifier(cfg.JWTHSSecret, cfg.JWTRSPublicKey)
	if err != nil {
		return nil, err
	}

	var reqLimiter *IPRequestLimiter
	if cfg.MaxRequests > 0 {
		reqLimiter, err = NewIPRequestLimiter(cfg.MaxRequests,
			time.Duration(cfg.ReqLimitIntS)*time.Second, time.Now(),
			cfg.WhiteListBlocks, cfg.ReqLimitLog)
		if err != nil {
			return nil, fmt.Errorf("newIPLimiter: %w", err)
		}
	}

	server := &Server{
		Router:       r,
		Cfg:          cfg,
		channels:     repo,
		store:        store,
		fetcher:      origin.NewFetcher(),
		detector:     detect.New(),
		coord:        coord,
		resolver:     resolver,
		adPlaylists:  decision.NewPlaylistResolver(),
		enqueuer:     enq,
		signer:       sign.NewSigner(cfg.SegmentSecret, cfg.SegmentSecretPrevious, time.Duration(cfg.SegmentSignTTLS)*time.Second),
		verifier:     verifier,
		reqLimiter:   reqLimiter,
		now:          time.Now,
	}

	r.Route("/api", createRouteAPI(server))
	if err := server.Routes(ctx); err != nil {
		return nil, err
	}
	return server, nil
}

func (s *Server) healthzHandlerFunc(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, true, http.StatusOK)
}

func (s *Server) configHandlerFunc(w http.ResponseWriter, r *http.Request) {
	// Secrets never leave the process.
	redacted := *s.Cfg
	redacted.SegmentSecret = ""
	redacted.SegmentSecretPrevious = ""
	redacted.JWTHSSecret = ""
	s.jsonResponse(w, redacted, http.StatusOK)
}

// jsonResponse marshals message and gives a response with code.
//
// Don't add any more content after this since Content-Length is set.
func (s *Server) jsonResponse(w http.ResponseWriter, message any, code int) {
	raw, err := json.Marshal(message)
	if err != nil {
		http.Error(w, fmt.Sprintf("{message: \"%s\"}", err), http.StatusInternalServerError)
		slog.Error(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(code)
	_, err = w.Write(raw)
	if err != nil {
		slog.Error("could not write HTTP response", "err", err)
	}
}
