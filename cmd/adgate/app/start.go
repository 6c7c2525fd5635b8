// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/adgate/adgate/internal"
	"github.com/adgate/adgate/pkg/logging"
	"github.com/adgate/adgate/pkg/signing"
)

// SetupServer sets up router, middleware, and server, given koanf configuration.
func SetupServer(ctx context.Context, cfg *ServerConfig) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.SlogMiddleWare(slog.Default()))
	r.Use(middleware.Recoverer)
	r.Use(addVersionAndCORSHeaders)
	r.Use(NewPrometheusMiddleware())

	// Set a timeout value on the request context (ctx), that will signal
	// through ctx.Done() that the request has timed out and further
	// processing should be stopped.
	if cfg.TimeoutS > 0 {
		r.Use(middleware.Timeout(time.Duration(cfg.TimeoutS) * time.Second))
	}

	// Add prometheus counters
	r.Mount("/metrics", promhttp.Handler())

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redisaddr must be configured")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	db, err := OpenCatalogDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	catalog := NewCatalog(db)
	if cfg.DBDriver == "sqlite" || cfg.DBDriver == "" {
		if err := catalog.Migrate(); err != nil {
			return nil, fmt.Errorf("catalog migrate: %w", err)
		}
	}

	var vast *VASTClient
	if cfg.VASTServiceURL != "" {
		vast = NewVASTClient(cfg.VASTServiceURL)
	}

	var signer *signing.Signer
	if cfg.SegmentKeyFile != "" {
		signer, err = signing.NewFromFile(cfg.SegmentKeyFile)
		if err != nil {
			return nil, fmt.Errorf("segment key file: %w", err)
		}
		if err := signer.Watch(ctx, slog.Default(), cfg.SegmentKeyFile); err != nil {
			return nil, fmt.Errorf("watch segment key file: %w", err)
		}
	}

	jwt, err := jwtVerifierFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var reqLimiter *IPRequestLimiter
	if cfg.MaxRequests > 0 {
		reqLimiter = NewIPRequestLimiter(cfg.MaxRequests, time.Duration(cfg.ReqLimitInt)*time.Second, time.Now())
	}

	store := NewBreakStore(rdb)
	coord := NewCoordinator(ctx, store, NewResolver(catalog, vast))

	server := Server{
		Router:     r,
		Cfg:        cfg,
		catalog:    catalog,
		store:      store,
		coord:      coord,
		origin:     NewOriginClient(rdb),
		beacons:    NewBeaconQueue(rdb),
		signer:     signer,
		jwt:        jwt,
		rdb:        rdb,
		reqLimiter: reqLimiter,
	}

	if cfg.SchedulerOn {
		server.scheduler = NewBreakScheduler(catalog, coord, server.origin)
		if err := server.scheduler.Start(); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}

	if err := server.Routes(ctx); err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	slog.Info("adgate starting", "version", internal.GetVersion(), "port", cfg.Port)

	return &server, nil
}

// Shutdown stops the background workers. The HTTP listener is owned and
// stopped by main.
func (s *Server) Shutdown() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.coord != nil {
		s.coord.Shutdown()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

func jwtVerifierFromConfig(cfg *ServerConfig) (*signing.JWTVerifier, error) {
	if cfg.JWTSecret == "" && cfg.JWTPublicKeyFile == "" {
		return nil, nil
	}
	v := &signing.JWTVerifier{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}
	if cfg.JWTSecret != "" {
		v.Secret = []byte(cfg.JWTSecret)
	}
	if cfg.JWTPublicKeyFile != "" {
		b, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("JWT public key file: %w", err)
		}
		pub, err := signing.ParseRSAPublicKeyPEM(b)
		if err != nil {
			return nil, fmt.Errorf("JWT public key file: %w", err)
		}
		v.PublicKey = pub
	}
	return v, nil
}
