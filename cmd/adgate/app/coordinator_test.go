// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// setupCoordinator wires store, catalog and resolver with one seeded
// pod so precomputed decisions land on "catalogpod".
func setupCoordinator(t *testing.T) (*Coordinator, *BreakStore, *Organization, *Channel) {
	t.Helper()
	_, _, store := setupStore(t)
	cat := setupCatalog(t)
	org, ch := seedOrgChannel(t, cat, "https://origin.example.com/m.m3u8")
	seedAd(t, cat, "ad1", 15000, "https://ads.example.com", 800_000, 2_400_000)
	seedPod(t, cat, "catalogpod", 0, 1, "ad1")
	coord := NewCoordinator(context.Background(), store, NewResolver(cat, nil))
	t.Cleanup(coord.Shutdown)
	return coord, store, org, ch
}

func waitDecision(t *testing.T, store *BreakStore, channelID, breakID string) *AdBreak {
	t.Helper()
	var brk *AdBreak
	require.Eventually(t, func() bool {
		b, err := store.Get(context.Background(), channelID, breakID)
		if err != nil || b.Decision == nil {
			return false
		}
		brk = b
		return true
	}, 3*time.Second, 10*time.Millisecond, "decision for %s never stored", breakID)
	return brk
}

func waitSkip(t *testing.T, store *BreakStore, channelID, breakID string) *AdBreak {
	t.Helper()
	var brk *AdBreak
	require.Eventually(t, func() bool {
		b, err := store.Get(context.Background(), channelID, breakID)
		if err != nil || !b.HasSkip() {
			return false
		}
		brk = b
		return true
	}, 3*time.Second, 10*time.Millisecond, "skip for %s never stored", breakID)
	return brk
}

func TestCoordinatorConsolidatesOnce(t *testing.T) {
	coord, store, org, ch := setupCoordinator(t)
	ctx := context.Background()
	start := time.Now().UTC()

	brk := NewAdBreak(ch.ID, "4096", SourceSCTE35, start, 30000)
	require.NoError(t, coord.OnBreaks(ch, org, []*AdBreak{brk}, start))
	first := waitDecision(t, store, ch.ID, "4096")
	assert.Equal(t, "catalogpod", first.Decision.PodID)
	assert.Equal(t, DecisionPod, first.DecisionSource)

	// The same logical break re-detected on a later manifest poll must
	// not touch the stored record, whatever the poll reports.
	dup := NewAdBreak(ch.ID, "4096", SourceSCTE35, start.Add(time.Second), 99000)
	require.NoError(t, coord.OnBreaks(ch, org, []*AdBreak{dup}, start.Add(4*time.Second)))
	coord.EnsureSkip(ch, "4096", 3, 12000)
	waitSkip(t, store, ch.ID, "4096") // mailbox is FIFO, so the dup was handled first

	got, err := store.Get(ctx, ch.ID, "4096")
	require.NoError(t, err)
	assert.Equal(t, uint32(30000), got.DurationMS)
	assert.True(t, got.PDTStart.Equal(start))
	assert.Equal(t, "catalogpod", got.Decision.PodID)
}

func TestCoordinatorEnsureSkipFirstWriterWins(t *testing.T) {
	coord, store, _, ch := setupCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Put(ctx, NewAdBreak(ch.ID, "6001", SourceSCTE35, now, 30000), now))
	require.NoError(t, store.Put(ctx, NewAdBreak(ch.ID, "6002", SourceSCTE35, now, 30000), now))

	coord.EnsureSkip(ch, "6001", 0, 0) // nothing to persist
	coord.EnsureSkip(ch, "6001", 2, 8000)
	got := waitSkip(t, store, ch.ID, "6001")
	assert.Equal(t, uint32(2), got.SkipSegments)
	assert.Equal(t, uint32(8000), got.SkipDurationMS)

	// A later viewer computing a different count must not move the cut.
	coord.EnsureSkip(ch, "6001", 5, 20000)
	coord.EnsureSkip(ch, "6002", 1, 4000)
	waitSkip(t, store, ch.ID, "6002") // FIFO again: the conflicting write was handled
	again, err := store.Get(ctx, ch.ID, "6001")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), again.SkipSegments)
	assert.Equal(t, uint32(8000), again.SkipDurationMS)
}

func TestCoordinatorLazyDecide(t *testing.T) {
	coord, store, org, ch := setupCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()
	brk := NewAdBreak(ch.ID, "7777", SourceSCTE35, now, 30000)
	require.NoError(t, store.Put(ctx, brk, now))

	pod, err := coord.LazyDecide(ctx, ch, org, brk)
	require.NoError(t, err)
	assert.Equal(t, "catalogpod", pod.PodID)

	got, err := store.Get(ctx, ch.ID, "7777")
	require.NoError(t, err)
	require.NotNil(t, got.Decision)
	require.NotNil(t, got.DecisionAt)
	firstAt := *got.DecisionAt

	// A second lazy decide converges on the same pod and leaves the
	// stored decision alone.
	pod2, err := coord.LazyDecide(ctx, ch, org, got)
	require.NoError(t, err)
	assert.Equal(t, pod.PodID, pod2.PodID)
	again, err := store.Get(ctx, ch.ID, "7777")
	require.NoError(t, err)
	assert.True(t, again.DecisionAt.Equal(firstAt))
}

func TestCoordinatorLazyDecideNoInventory(t *testing.T) {
	_, _, store := setupStore(t)
	cat := setupCatalog(t)
	org, ch := seedOrgChannel(t, cat, "https://origin.example.com/m.m3u8")
	coord := NewCoordinator(context.Background(), store, NewResolver(cat, nil))
	t.Cleanup(coord.Shutdown)

	ctx := context.Background()
	now := time.Now().UTC()
	brk := NewAdBreak(ch.ID, "8888", SourceSCTE35, now, 30000)
	require.NoError(t, store.Put(ctx, brk, now))

	pod, err := coord.LazyDecide(ctx, ch, org, brk)
	assert.ErrorIs(t, err, errNoInventory)
	assert.True(t, pod.Empty())

	// The empty outcome is cached so later viewers skip the waterfall.
	got, err := store.Get(ctx, ch.ID, "8888")
	require.NoError(t, err)
	require.NotNil(t, got.Decision)
	assert.Equal(t, DecisionEmpty, got.DecisionSource)
	assert.Equal(t, "empty-8888", got.Decision.PodID)
}

func TestCoordinatorManualCue(t *testing.T) {
	coord, store, org, ch := setupCoordinator(t)
	ctx := context.Background()
	start := time.Now().UTC()

	forced := &AdPod{PodID: "forced", Items: []AdItem{{
		AdID: "ad1", BitrateBps: 800_000, DurationMS: 15000,
		VariantURL: "https://ads.example.com/ad1/800k/index.m3u8",
	}}}
	brk := NewAdBreak(ch.ID, "cue-1", SourceManualCue, start, 30000)
	created, err := coord.StartManualCue(ctx, ch, org, brk, forced)
	require.NoError(t, err)
	assert.Equal(t, SourceManualCue, created.Source)

	// The forced pod is stored before the cue call returns.
	got, err := store.Get(ctx, ch.ID, "cue-1")
	require.NoError(t, err)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "forced", got.Decision.PodID)
	assert.Equal(t, DecisionPod, got.DecisionSource)

	at := start.Add(10 * time.Second)
	stopped, err := coord.StopActiveBreak(ctx, ch, at)
	require.NoError(t, err)
	assert.True(t, stopped.PDTEnd.Equal(at))
	assert.Equal(t, uint32(10000), stopped.DurationMS)

	// Nothing active anymore.
	_, err = coord.StopActiveBreak(ctx, ch, at)
	assert.ErrorIs(t, err, errNotFound)
}

func TestCoordinatorManualCuePrecomputes(t *testing.T) {
	coord, store, org, ch := setupCoordinator(t)
	start := time.Now().UTC()

	brk := NewAdBreak(ch.ID, "cue-2", SourceManualCue, start, 20000)
	_, err := coord.StartManualCue(context.Background(), ch, org, brk, nil)
	require.NoError(t, err)

	got := waitDecision(t, store, ch.ID, "cue-2")
	assert.Equal(t, DecisionPod, got.DecisionSource)
	assert.Equal(t, "catalogpod", got.Decision.PodID)
}

func TestCoordinatorTimeBasedSuppression(t *testing.T) {
	coord, store, org, ch := setupCoordinator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	scte := NewAdBreak(ch.ID, "5000", SourceSCTE35, now, 30000)
	require.NoError(t, store.Put(ctx, scte, now))

	// Overlaps the live SCTE-35 break: dropped.
	overlapping := NewAdBreak(ch.ID, "auto-1", SourceTimeBased, now.Add(10*time.Second), 15000)
	require.NoError(t, coord.OnTimeBased(ch, org, overlapping, now))

	// Clear of it: created.
	apart := NewAdBreak(ch.ID, "auto-2", SourceTimeBased, now.Add(60*time.Second), 15000)
	require.NoError(t, coord.OnTimeBased(ch, org, apart, now))

	waitDecision(t, store, ch.ID, "auto-2")
	_, err := store.Get(ctx, ch.ID, "auto-1")
	assert.ErrorIs(t, err, errNotFound)

	// Once the SCTE-35 break is past its grace period it no longer
	// suppresses anything.
	lateNow := now.Add(2 * time.Minute)
	late := NewAdBreak(ch.ID, "auto-3", SourceTimeBased, now.Add(10*time.Second), 15000)
	require.NoError(t, coord.OnTimeBased(ch, org, late, lateNow))
	waitDecision(t, store, ch.ID, "auto-3")
}

func TestCoordinatorShutdownStopsWorkers(t *testing.T) {
	_, _, store := setupStore(t)
	cat := setupCatalog(t)
	org, ch := seedOrgChannel(t, cat, "https://origin.example.com/m.m3u8")
	seedAd(t, cat, "ad1", 15000, "https://ads.example.com", 800_000)
	seedPod(t, cat, "catalogpod", 0, 1, "ad1")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	coord := NewCoordinator(context.Background(), store, NewResolver(cat, nil))
	start := time.Now().UTC()
	brk := NewAdBreak(ch.ID, "9001", SourceSCTE35, start, 30000)
	require.NoError(t, coord.OnBreaks(ch, org, []*AdBreak{brk}, start))
	waitDecision(t, store, ch.ID, "9001")
	coord.Shutdown()
}
