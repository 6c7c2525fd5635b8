// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adgate/adgate/pkg/logging"
)

// Routes defines dispatches for all routes.
func (s *Server) Routes(ctx context.Context) error {
	for _, route := range logging.LogRoutes {
		s.Router.MethodFunc(route.Method, route.Path, route.Handler)
	}
	s.Router.Mount("/debug", middleware.Profiler())
	s.Router.MethodFunc("GET", "/healthz", s.healthzHandlerFunc)
	s.Router.MethodFunc("GET", "/reqcount", s.reqCountHandlerFunc)
	s.Router.MethodFunc("GET", "/", s.indexHandlerFunc)
	s.Router.MethodFunc("OPTIONS", "/*", s.optionsHandlerFunc)
	s.Router.Route("/api", createRouteAPI(s))

	// Viewer-facing routes. The request limiter only applies here, so that
	// control and monitoring endpoints stay reachable under playback load.
	s.Router.Group(func(r chi.Router) {
		if s.reqLimiter != nil {
			r.Use(NewLimiterMiddleware("Adgate-Requests", s.reqLimiter))
		}
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/master.m3u8", s.masterHandlerFunc)
		r.MethodFunc("HEAD", "/{orgSlug}/{channelSlug}/master.m3u8", s.masterHandlerFunc)
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/ad/{adID}/{kbps}/{seg}", s.adSegmentHandlerFunc)
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/interstitial/{breakID}/assets.json", s.assetListHandlerFunc)
		r.MethodFunc("GET", "/{orgSlug}/{channelSlug}/*", s.variantHandlerFunc)
		r.MethodFunc("HEAD", "/{orgSlug}/{channelSlug}/*", s.variantHandlerFunc)
	})

	return nil
}
