// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stitchd/stitchd/pkg/logging"
)

// Routes defines dispatches for all routes.
func (s *Server) Routes(ctx context.Context) error {
	for _, route := range logging.LogRoutes {
		s.Router.MethodFunc(route.Method, route.Path, route.Handler)
	}
	s.Router.Mount("/debug", middleware.Profiler())
	s.Router.MethodFunc("GET", "/healthz", s.healthzHandlerFunc)
	s.Router.MethodFunc("GET", "/config", s.configHandlerFunc)
	s.Router.MethodFunc("OPTIONS", "/*", s.optionsHandlerFunc)
	// Short form of the control surface; 307 keeps the POST body.
	s.Router.MethodFunc("POST", "/cue", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/cue", http.StatusTemporaryRedirect)
	})

	// Viewer surface, behind the optional request limiter.
	s.Router.Group(func(r chi.Router) {
		if s.reqLimiter != nil {
			r.Use(NewLimiterMiddleware("Stitchd-Requests", s.reqLimiter))
		}
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/master.m3u8", s.masterHandlerFunc)
		r.MethodFunc("HEAD", "/{orgSlug}/{channelSlug}/master.m3u8", s.masterHandlerFunc)
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/assetlist/{breakID}.json", s.assetListHandlerFunc)
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/adseg/{payload}", s.adSegmentHandlerFunc)
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/*", s.variantHandlerFunc)
		r.MethodFunc("HEAD", "/{orgSlug}/{channelSlug}/*", s.variantHandlerFunc)
	})

	return nil
}
