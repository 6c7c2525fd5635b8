// Copyright 2025, adgate authors. All rights reserved.
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
	"github.com/google/uuid"

	"github.com/adgate/adgate/pkg/scte35"
)

// CueBody is the manual cue request.
type CueBody struct {
	Channel  string  `json:"channel" doc:"Channel id" example:"ch-news-1"`
	Type     string  `json:"type" enum:"start,stop" doc:"start opens a break at the live edge, stop ends the active one"`
	Duration *int    `json:"duration,omitempty" doc:"Break duration in seconds (start only, default 30)" example:"60"`
	PodID    *string `json:"pod_id,omitempty" doc:"Force a specific catalog pod instead of running the decision waterfall"`
	PodURL   *string `json:"pod_url,omitempty" doc:"Force a single ad playlist URL instead of running the decision waterfall"`
}

type CueRequest struct {
	Body CueBody `json:"body"`
}

type CueResponse struct {
	Body struct {
		BreakID    string    `json:"break_id" doc:"Identity of the created or stopped break"`
		ChannelID  string    `json:"channel_id"`
		Source     string    `json:"source"`
		PDTStart   time.Time `json:"pdt_start"`
		PDTEnd     time.Time `json:"pdt_end"`
		DurationMS uint32    `json:"duration_ms"`
	}
}

func createCueHdlr(s *Server) func(ctx context.Context, req *CueRequest) (*CueResponse, error) {
	return func(ctx context.Context, req *CueRequest) (*CueResponse, error) {
		ch, err := s.catalog.ChannelByID(ctx, req.Body.Channel)
		if err == errNotFound {
			return nil, huma.Error404NotFound(fmt.Sprintf("channel %s not found", req.Body.Channel))
		}
		if err != nil {
			return nil, err
		}
		org, err := s.catalog.OrgByID(ctx, ch.OrgID)
		if err != nil {
			return nil, err
		}
		var brk *AdBreak
		switch req.Body.Type {
		case "start":
			brk, err = s.startCue(ctx, ch, org, req.Body)
		case "stop":
			brk, err = s.coord.StopActiveBreak(ctx, ch, time.Now())
			if err == errNotFound {
				return nil, huma.Error404NotFound(fmt.Sprintf("channel %s has no active break", ch.ID))
			}
		default:
			return nil, huma.Error400BadRequest(fmt.Sprintf("unknown cue type %q", req.Body.Type))
		}
		if err != nil {
			return nil, err
		}
		resp := &CueResponse{}
		resp.Body.BreakID = brk.BreakEventID
		resp.Body.ChannelID = brk.ChannelID
		resp.Body.Source = string(brk.Source)
		resp.Body.PDTStart = brk.PDTStart
		resp.Body.PDTEnd = brk.PDTEnd
		resp.Body.DurationMS = brk.DurationMS
		return resp, nil
	}
}

// startCue synthesizes a splice_insert at the live edge and pushes it
// through the same decode and identity path an origin-signaled break
// takes, so manual breaks behave exactly like SCTE-35 ones downstream.
func (s *Server) startCue(ctx context.Context, ch *Channel, org *Organization, body CueBody) (*AdBreak, error) {
	durS := 30
	if body.Duration != nil {
		durS = *body.Duration
	}
	if durS <= 0 || int64(durS)*1000 > breakDurationMaxMS {
		return nil, huma.Error400BadRequest(fmt.Sprintf("duration %ds out of range", durS))
	}
	pdt, err := liveEdgePDT(ctx, s.origin, ch)
	if err != nil {
		return nil, huma.Error502BadGateway(fmt.Sprintf("origin live edge: %s", err))
	}

	// 33-bit PTS wrap: 90 kHz ticks modulo 2^33.
	pts := (uint64(pdt.UnixMilli()) * 90) % (uint64(1) << 33)
	payload := scte35.EncodeBase64SpliceInsert(scte35.SpliceInsertParams{
		PTSTime:               pts,
		Duration:              uint64(durS) * 90000,
		SpliceEventID:         uint32(time.Now().UnixNano() & 0x7fffffff),
		Tier:                  ch.Tier,
		OutOfNetworkIndicator: true,
		AutoReturn:            true,
	})
	sis, err := scte35.DecodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("cue splice encode: %w", err)
	}
	signals := scte35.ExtractSignals(sis)
	if len(signals) == 0 || signals[0].Kind != scte35.SignalAdStart {
		return nil, fmt.Errorf("cue splice did not yield an ad start")
	}
	sig := signals[0]

	durMS := uint32(durS) * 1000
	brk := NewAdBreak(ch.ID, BreakEventID(sig.EventID, ch.ID, pdt, int64(durMS)), SourceManualCue, pdt, durMS)

	pod, err := s.cuePod(ctx, ch, body)
	if err != nil {
		return nil, err
	}
	return s.coord.StartManualCue(ctx, ch, org, brk, pod)
}

// cuePod resolves a forced pod from pod_id or pod_url. Nil means run
// the normal decision waterfall.
func (s *Server) cuePod(ctx context.Context, ch *Channel, body CueBody) (*AdPod, error) {
	switch {
	case body.PodID != nil && *body.PodID != "":
		row, err := s.catalog.PodByID(ctx, *body.PodID)
		if err == errNotFound {
			return nil, huma.Error404NotFound(fmt.Sprintf("pod %s not found", *body.PodID))
		}
		if err != nil {
			return nil, err
		}
		return buildPod(*row)
	case body.PodURL != nil && *body.PodURL != "":
		return &AdPod{
			PodID: "manual-" + uuid.NewString()[:8],
			Items: []AdItem{{AdID: "manual", VariantURL: *body.PodURL}},
		}, nil
	default:
		return nil, nil
	}
}

type channelIDInput struct {
	ChannelID string `path:"channelId" maxLength:"64" doc:"Channel id" example:"ch-news-1"`
}

type breakIDInput struct {
	ChannelID string `path:"channelId" maxLength:"64" doc:"Channel id" example:"ch-news-1"`
	BreakID   string `path:"breakId" maxLength:"64" doc:"Break event id"`
}

type ChannelsResponse struct {
	Body struct {
		Channels []Channel `json:"channels"`
	}
}

func createListChannelsHdlr(s *Server) func(ctx context.Context, _ *struct{}) (*ChannelsResponse, error) {
	return func(ctx context.Context, _ *struct{}) (*ChannelsResponse, error) {
		chs, err := s.catalog.Channels(ctx)
		if err != nil {
			return nil, err
		}
		resp := &ChannelsResponse{}
		resp.Body.Channels = chs
		return resp, nil
	}
}

type BreaksResponse struct {
	Body struct {
		ChannelID string     `json:"channel_id"`
		Breaks    []*AdBreak `json:"breaks"`
	}
}

func createListBreaksHdlr(s *Server) func(ctx context.Context, input *channelIDInput) (*BreaksResponse, error) {
	return func(ctx context.Context, input *channelIDInput) (*BreaksResponse, error) {
		breaks, err := s.store.ListChannel(ctx, input.ChannelID)
		if err != nil {
			return nil, err
		}
		resp := &BreaksResponse{}
		resp.Body.ChannelID = input.ChannelID
		resp.Body.Breaks = breaks
		return resp, nil
	}
}

type DeleteBreakResponse struct {
	Body struct {
		ChannelID string `json:"channel_id"`
		BreakID   string `json:"break_id"`
		Deleted   bool   `json:"deleted"`
	}
}

func createDeleteBreakHdlr(s *Server) func(ctx context.Context, input *breakIDInput) (*DeleteBreakResponse, error) {
	return func(ctx context.Context, input *breakIDInput) (*DeleteBreakResponse, error) {
		if _, err := s.store.Get(ctx, input.ChannelID, input.BreakID); err == errNotFound {
			return nil, huma.Error404NotFound(fmt.Sprintf("break %s not found", input.BreakID))
		}
		if err := s.store.Delete(ctx, input.ChannelID, input.BreakID); err != nil {
			return nil, err
		}
		resp := &DeleteBreakResponse{}
		resp.Body.ChannelID = input.ChannelID
		resp.Body.BreakID = input.BreakID
		resp.Body.Deleted = true
		return resp, nil
	}
}

func createRouteAPI(s *Server) func(r chi.Router) {
	return func(r chi.Router) {
		config := huma.DefaultConfig("adgate control API", "1.0.0")
		config.Servers = []*huma.Server{
			{URL: "/api"},
		}
		config.Info.Description = `Operator surface for the ad insertion gateway: manual cues,
		live break state, and channel visibility. Viewer traffic never passes through here.`

		api := humachi.New(r, config)

		huma.Register(api, huma.Operation{
			OperationID:   "cue",
			Method:        http.MethodPost,
			Path:          "/cue",
			Summary:       "Start or stop a manual ad break",
			Tags:          []string{"breaks"},
			DefaultStatus: http.StatusCreated,
			Errors:        []int{400, 404, 502},
		}, createCueHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID: "list-channels",
			Method:      http.MethodGet,
			Path:        "/channels",
			Summary:     "List configured channels",
			Tags:        []string{"channels"},
		}, createListChannelsHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID: "list-breaks",
			Method:      http.MethodGet,
			Path:        "/breaks/{channelId}",
			Summary:     "List live break state for a channel",
			Tags:        []string{"breaks"},
			Errors:      []int{404},
		}, createListBreaksHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID: "delete-break",
			Method:      http.MethodDelete,
			Path:        "/breaks/{channelId}/{breakId}",
			Summary:     "Force-expire a break",
			Description: "Removes the break from the state store. In-flight manifests keep whatever they already rendered.",
			Tags:        []string{"breaks"},
			Errors:      []int{404},
		}, createDeleteBreakHdlr(s))
	}
}
