// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/stitchd/stitchd/internal/adbreak"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/pkg/m3u8"
)

// CueRequestBody is the manual cue control message.
type CueRequestBody struct {
	Channel string `json:"channel" doc:"Channel id" example:"ch-sports"`
	Type    string `json:"type" enum:"start,stop" doc:"start creates a MANUAL_CUE break, stop ends the active break"`
	// Duration applies to start; stop ignores it.
	Duration *int `json:"duration,omitempty" doc:"Break duration in seconds" example:"30"`
}

type CueRequest struct {
	Body CueRequestBody `json:"body"`
}

type CueResponse struct {
	Body struct {
		Channel  string `json:"channel" doc:"Channel id"`
		BreakID  string `json:"break_id,omitempty" doc:"Created break id (start only)"`
		PDTStart string `json:"pdt_start,omitempty" doc:"Break start wall clock"`
	}
}

type breaksInput struct {
	Channel string `path:"channel" maxLength:"64" doc:"Channel id"`
}

type BreaksResponse struct {
	Body struct {
		Breaks []*adbreak.AdBreak `json:"breaks"`
	}
}

type breakDeleteInput struct {
	Channel string `path:"channel" maxLength:"64" doc:"Channel id"`
	BreakID string `path:"breakID" maxLength:"64" doc:"Break event id"`
}

type BreakDeleteResponse struct {
	Body struct {
		Deleted string `json:"deleted" doc:"Deleted break id"`
	}
}

const defaultManualCueDurationS = 30

func createCueHdlr(s *Server) func(ctx context.Context, req *CueRequest) (*CueResponse, error) {
	return func(ctx context.Context, req *CueRequest) (*CueResponse, error) {
		ch, err := s.channelByID(ctx, req.Body.Channel)
		if err != nil {
			return nil, huma.Error404NotFound(fmt.Sprintf("channel %s not found", req.Body.Channel))
		}
		resp := &CueResponse{}
		resp.Body.Channel = ch.ID
		switch req.Body.Type {
		case "start":
			durS := defaultManualCueDurationS
			if req.Body.Duration != nil && *req.Body.Duration > 0 {
				durS = *req.Body.Duration
			}
			pdt := s.currentPDT(ctx, ch)
			b, err := s.coord.ManualCueStart(ctx, ch, pdt, uint32(durS)*1000)
			if err != nil {
				return nil, huma.Error500InternalServerError(err.Error())
			}
			resp.Body.BreakID = b.BreakEventID
			resp.Body.PDTStart = b.PDTStart.UTC().Format(time.RFC3339Nano)
		case "stop":
			if err := s.coord.ManualCueStop(ctx, ch); err != nil {
				return nil, huma.Error500InternalServerError(err.Error())
			}
		default:
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("cue type %q not known", req.Body.Type))
		}
		return resp, nil
	}
}

func createListBreaksHdlr(s *Server) func(ctx context.Context, input *breaksInput) (*BreaksResponse, error) {
	return func(ctx context.Context, input *breaksInput) (*BreaksResponse, error) {
		breaks, err := s.store.List(ctx, input.Channel)
		if err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		resp := &BreaksResponse{}
		resp.Body.Breaks = breaks
		return resp, nil
	}
}

func createDeleteBreakHdlr(s *Server) func(ctx context.Context, input *breakDeleteInput) (*BreakDeleteResponse, error) {
	return func(ctx context.Context, input *breakDeleteInput) (*BreakDeleteResponse, error) {
		if err := s.store.Delete(ctx, input.Channel, input.BreakID); err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		resp := &BreakDeleteResponse{}
		resp.Body.Deleted = input.BreakID
		return resp, nil
	}
}

// createRouteAPI mounts the admin-scoped control API.
func createRouteAPI(s *Server) func(r chi.Router) {
	return func(r chi.Router) {
		config := huma.DefaultConfig("stitchd API", "1.0.0")
		config.Servers = []*huma.Server{{URL: "/api"}}
		api := humachi.New(r, config)
		huma.Register(api, huma.Operation{
			OperationID: "cue",
			Method:      http.MethodPost,
			Path:        "/cue",
			Summary:     "Start or stop a manual ad break",
		}, createCueHdlr(s))
		huma.Register(api, huma.Operation{
			OperationID: "list-breaks",
			Method:      http.MethodGet,
			Path:        "/breaks/{channel}",
			Summary:     "List the channel's stored ad breaks",
		}, createListBreaksHdlr(s))
		huma.Register(api, huma.Operation{
			OperationID: "delete-break",
			Method:      http.MethodDelete,
			Path:        "/breaks/{channel}/{breakID}",
			Summary:     "Delete a stored ad break",
		}, createDeleteBreakHdlr(s))
	}
}

// channelByID finds a channel by id; the viewer surface resolves by slug,
// the control surface by id.
func (s *Server) channelByID(ctx context.Context, id string) (*channel.Channel, error) {
	chans, err := s.channels.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range chans {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, channel.ErrNotFound
}

// currentPDT derives the channel's live-edge wall clock from the latest
// origin manifest; a manual cue is rooted there so every front-end renders
// the same splice point. Falls back to the local clock when the origin
// carries no usable PDT.
func (s *Server) currentPDT(ctx context.Context, ch *channel.Channel) time.Time {
	body, err := s.fetcher.Fetch(ctx, ch.OriginURL, ch.ManifestCacheTTL())
	if err != nil {
		return s.now()
	}
	variantURL := ch.OriginURL
	if master, err := m3u8.ParseMaster(string(body)); err == nil {
		if u, err := s.resolveOriginURL(ch, master.Variants[0].URI); err == nil {
			variantURL = u
			if vbody, err := s.fetcher.Fetch(ctx, variantURL, ch.ManifestCacheTTL()); err == nil {
				body = vbody
			}
		}
	}
	pl, err := m3u8.ParseMediaPlaylist(string(body))
	if err != nil {
		return s.now()
	}
	if _, end, ok := pl.Window(); ok {
		return end
	}
	return s.now()
}
