// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decisionBreak(id string) *AdBreak {
	return &AdBreak{
		ChannelID:    "ch1",
		BreakEventID: id,
		Source:       SourceSCTE35,
		DurationMS:   30000,
	}
}

func TestDecideCatalogPriority(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	seedAd(t, c, "ad1", 15000, "https://ads.example.com", 800_000)
	seedAd(t, c, "ad2", 15000, "https://ads.example.com", 800_000)
	seedPod(t, c, "backfill", 5, 1, "ad2")
	seedPod(t, c, "premium", 1, 1, "ad1")

	r := NewResolver(c, nil)
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionPod, src)
	assert.Equal(t, "premium", pod.PodID)
	require.Len(t, pod.Items, 1)
	assert.Equal(t, "ad1", pod.Items[0].AdID)
}

func TestDecideDeterministicPerBreak(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	seedAd(t, c, "ad1", 15000, "https://ads.example.com", 800_000)
	seedAd(t, c, "ad2", 15000, "https://ads.example.com", 800_000)
	seedPod(t, c, "podA", 0, 1, "ad1")
	seedPod(t, c, "podB", 0, 1, "ad2")

	r := NewResolver(c, nil)
	ctx := context.Background()

	// Same break always resolves to the same pod.
	first, _, err := r.Decide(ctx, ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := r.Decide(ctx, ch, org, decisionBreak("brk1"))
		require.NoError(t, err)
		assert.Equal(t, first.PodID, again.PodID)
	}

	// Different breaks spread across the equal-priority group.
	seen := map[string]bool{}
	for i := 0; i < 40; i++ {
		pod, _, err := r.Decide(ctx, ch, org, decisionBreak(fmt.Sprintf("brk%d", i)))
		require.NoError(t, err)
		seen[pod.PodID] = true
	}
	assert.True(t, seen["podA"], "podA never picked")
	assert.True(t, seen["podB"], "podB never picked")
}

func TestDecideSkipsIneligiblePods(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	seedAd(t, c, "good", 15000, "https://ads.example.com", 800_000)
	noRend := &Ad{ID: "norend", OrgID: "org1", Name: "norend", DurationMS: 15000}
	require.NoError(t, c.db.Create(noRend).Error)

	// Highest priority pod has a member without renditions, the next
	// one has no members at all. Both must be passed over.
	seedPod(t, c, "broken", 0, 1, "norend")
	seedPod(t, c, "hollow", 1, 1)
	seedPod(t, c, "playable", 2, 1, "good")

	r := NewResolver(c, nil)
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionPod, src)
	assert.Equal(t, "playable", pod.PodID)
}

func TestWeightedPickFavorsHeavyPod(t *testing.T) {
	heavy := AdPodRow{ID: "heavy", Weight: 9}
	light := AdPodRow{ID: "light", Weight: 1}
	group := []AdPodRow{heavy, light}

	counts := map[string]int{}
	for seed := int64(0); seed < 200; seed++ {
		counts[weightedPick(group, seed).ID]++
	}
	assert.Greater(t, counts["heavy"], counts["light"])
	assert.Greater(t, counts["light"], 0, "light pod starved")

	// Zero and negative weights still count as one.
	zero := []AdPodRow{{ID: "z", Weight: 0}, {ID: "w", Weight: 0}}
	picked := map[string]bool{}
	for seed := int64(0); seed < 50; seed++ {
		picked[weightedPick(zero, seed).ID] = true
	}
	assert.Len(t, picked, 2)
}

func TestDecideSlateFallback(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	slateAd := seedAd(t, c, "filler", 10000, "https://ads.example.com", 800_000, 2_400_000)
	seedSlate(t, c, "slate1", slateAd.ID)
	slateID := "slate1"
	ch.SlateID = &slateID

	r := NewResolver(c, nil)
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionSlate, src)
	assert.Equal(t, "slate-filler", pod.PodID)
	assert.Len(t, pod.Items, 2)
}

func TestDecideEmptyNoInventory(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")

	r := NewResolver(c, nil)
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk7"))
	assert.ErrorIs(t, err, errNoInventory)
	assert.Equal(t, DecisionEmpty, src)
	assert.True(t, pod.Empty())
	assert.Equal(t, "empty-brk7", pod.PodID)
}

func TestDecideVAST(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	ch.VASTEnabled = true
	ch.VASTURL = "https://adserver.example.com/vast.xml"
	ch.BitrateLadder = "[800000,2400000]"

	var gotReq vastRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		pod := AdPod{
			PodID: "vast-pod",
			Items: []AdItem{{
				AdID:       "vast-ad",
				BitrateBps: 800_000,
				DurationMS: 30000,
				VariantURL: "https://cdn.example.com/vast-ad/800k/index.m3u8",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(pod))
	}))
	defer srv.Close()

	r := NewResolver(c, NewVASTClient(srv.URL))
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionVAST, src)
	assert.Equal(t, "vast-pod", pod.PodID)

	assert.Equal(t, "ch1", gotReq.ChannelID)
	assert.Equal(t, "https://adserver.example.com/vast.xml", gotReq.VASTURL)
	assert.Equal(t, uint32(30000), gotReq.DurationMS)
	assert.Equal(t, []uint32{800_000, 2_400_000}, gotReq.LadderBps)
}

func TestDecideVASTFailureFallsThrough(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	ch.VASTEnabled = true
	ch.VASTURL = "https://adserver.example.com/vast.xml"
	seedAd(t, c, "ad1", 15000, "https://ads.example.com", 800_000)
	seedPod(t, c, "catalogpod", 0, 1, "ad1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewResolver(c, NewVASTClient(srv.URL))
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionPod, src)
	assert.Equal(t, "catalogpod", pod.PodID)
}

func TestDecideVASTEmptyPodFallsThrough(t *testing.T) {
	c := setupCatalog(t)
	org, ch := seedOrgChannel(t, c, "https://origin.example.com/m.m3u8")
	ch.VASTEnabled = true
	ch.VASTURL = "https://adserver.example.com/vast.xml"
	seedAd(t, c, "ad1", 15000, "https://ads.example.com", 800_000)
	seedPod(t, c, "catalogpod", 0, 1, "ad1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pod_id":"vast-empty","items":[]}`))
	}))
	defer srv.Close()

	r := NewResolver(c, NewVASTClient(srv.URL))
	pod, src, err := r.Decide(context.Background(), ch, org, decisionBreak("brk1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionPod, src)
	assert.Equal(t, "catalogpod", pod.PodID)
}

func TestBuildPodMergesTrackers(t *testing.T) {
	podTrackers, err := json.Marshal(TrackerSet{Impression: []string{"https://t.example.com/pod-imp"}})
	require.NoError(t, err)
	adTrackers, err := json.Marshal(TrackerSet{
		Impression: []string{"https://t.example.com/ad-imp"},
		Complete:   []string{"https://t.example.com/ad-done"},
	})
	require.NoError(t, err)

	row := AdPodRow{
		ID:       "pod1",
		Trackers: string(podTrackers),
		Members: []AdPodMember{{
			AdID:     "ad1",
			Position: 0,
			Ad: &Ad{
				ID:         "ad1",
				DurationMS: 15000,
				Trackers:   string(adTrackers),
				Renditions: []AdRendition{
					{AdID: "ad1", BitrateBps: 800_000, PlaylistURL: "https://ads.example.com/ad1/800k/index.m3u8"},
					{AdID: "ad1", BitrateBps: 2_400_000, PlaylistURL: "https://ads.example.com/ad1/2400k/index.m3u8"},
				},
			},
		}},
	}
	pod, err := buildPod(row)
	require.NoError(t, err)
	assert.Equal(t, "pod1", pod.PodID)
	assert.Len(t, pod.Items, 2)
	assert.Equal(t, []string{"https://t.example.com/pod-imp", "https://t.example.com/ad-imp"}, pod.Trackers.Impression)
	assert.Equal(t, []string{"https://t.example.com/ad-done"}, pod.Trackers.Complete)
}

func TestItemsForBitrate(t *testing.T) {
	pod := &AdPod{
		PodID: "pod1",
		Items: []AdItem{
			{AdID: "ad1", BitrateBps: 800_000, VariantURL: "a-low"},
			{AdID: "ad1", BitrateBps: 2_400_000, VariantURL: "a-high"},
			{AdID: "ad2", BitrateBps: 1_200_000, VariantURL: "b-only"},
		},
	}

	items := pod.ItemsForBitrate(900_000)
	require.Len(t, items, 2)
	assert.Equal(t, "a-low", items[0].VariantURL)
	assert.Equal(t, "b-only", items[1].VariantURL)

	items = pod.ItemsForBitrate(3_000_000)
	assert.Equal(t, "a-high", items[0].VariantURL)

	// Equidistant renditions resolve to the higher bitrate.
	tiePod := &AdPod{Items: []AdItem{
		{AdID: "ad1", BitrateBps: 800_000, VariantURL: "low"},
		{AdID: "ad1", BitrateBps: 1_200_000, VariantURL: "high"},
	}}
	items = tiePod.ItemsForBitrate(1_000_000)
	require.Len(t, items, 1)
	assert.Equal(t, "high", items[0].VariantURL)

	var nilPod *AdPod
	assert.Nil(t, nilPod.ItemsForBitrate(800_000))
	assert.True(t, nilPod.Empty())
}
