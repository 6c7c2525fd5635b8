// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adgate/adgate/pkg/hls"
)

const (
	schedulerSpec = "@every 30s"
	schedulerTick = 30 * time.Second

	defaultAutoBreakDurationS = 30
)

// BreakScheduler opens TIME_BASED breaks on channels configured with
// auto_break_interval_s. Break identity is derived from the interval
// boundary, so every gateway node offers the same logical break and
// the coordinator's consolidation keeps exactly one.
type BreakScheduler struct {
	catalog *Catalog
	coord   *Coordinator
	origin  *OriginClient
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewBreakScheduler(catalog *Catalog, coord *Coordinator, origin *OriginClient) *BreakScheduler {
	return &BreakScheduler{
		catalog: catalog,
		coord:   coord,
		origin:  origin,
		logger:  slog.Default(),
	}
}

// Start begins the tick loop.
func (s *BreakScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedulerSpec, s.tick); err != nil {
		return fmt.Errorf("scheduler spec: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("auto-break scheduler started", "cadence", schedulerSpec)
	return nil
}

// Stop halts the loop and waits for a running tick to finish.
func (s *BreakScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("auto-break scheduler stopped")
}

func (s *BreakScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerTick)
	defer cancel()
	channels, err := s.catalog.Channels(ctx)
	if err != nil {
		s.logger.Warn("scheduler channel list failed", "err", err)
		return
	}
	now := time.Now()
	for i := range channels {
		ch := &channels[i]
		if ch.AutoBreakIntervalS == 0 {
			continue
		}
		s.maybeOpenBreak(ctx, ch, now)
	}
}

// maybeOpenBreak offers a break when now sits on a fresh interval
// boundary. Each boundary is offered by exactly one tick per node;
// across nodes the deterministic break id collapses the duplicates.
func (s *BreakScheduler) maybeOpenBreak(ctx context.Context, ch *Channel, now time.Time) {
	interval := time.Duration(ch.AutoBreakIntervalS) * time.Second
	boundary := now.Truncate(interval)
	if now.Sub(boundary) >= schedulerTick {
		return
	}
	durS := ch.AutoBreakDurationS
	if durS == 0 {
		durS = defaultAutoBreakDurationS
	}
	durMS := uint32(durS) * 1000

	pdt, err := liveEdgePDT(ctx, s.origin, ch)
	if err != nil {
		s.logger.Warn("auto break skipped, live edge unknown", "channel", ch.ID, "err", err)
		return
	}
	id := BreakEventID(0, ch.ID, boundary, int64(durMS))
	brk := NewAdBreak(ch.ID, id, SourceTimeBased, pdt, durMS)
	org, err := s.catalog.OrgByID(ctx, ch.OrgID)
	if err != nil {
		s.logger.Warn("auto break skipped, org lookup failed", "channel", ch.ID, "err", err)
		return
	}
	if err := s.coord.OnTimeBased(ch, org, brk, now); err != nil {
		s.logger.Warn("auto break offer failed", "channel", ch.ID, "err", err)
		return
	}
	s.logger.Info("auto break offered", "channel", ch.ID, "breakId", id, "pdtStart", pdt, "durationMS", durMS)
}

// liveEdgePDT reads the channel's current live-edge wall-clock time
// from the first rendition of its master playlist.
func liveEdgePDT(ctx context.Context, origin *OriginClient, ch *Channel) (time.Time, error) {
	body, _, err := origin.FetchManifest(ctx, ch.OriginURL, manifestTTL(ch))
	if err != nil {
		return time.Time{}, err
	}
	master, err := hls.ParseMaster(string(body))
	if err != nil {
		return time.Time{}, fmt.Errorf("origin master: %w", err)
	}
	variantURL := ch.OriginURL
	if len(master.Variants) > 0 {
		variantURL = hls.AbsolutizeURL(ch.OriginURL, master.Variants[0].URI)
	}
	vbody, _, err := origin.FetchManifest(ctx, variantURL, manifestTTL(ch))
	if err != nil {
		return time.Time{}, err
	}
	m, err := hls.ParseMediaPlaylist(string(vbody))
	if err != nil {
		return time.Time{}, fmt.Errorf("origin variant: %w", err)
	}
	_, end, ok := m.PDTRange()
	if !ok {
		return time.Time{}, fmt.Errorf("variant carries no program date time")
	}
	return end, nil
}
