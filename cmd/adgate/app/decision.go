// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// Decision sources, in waterfall order. Stored on the break and used
// as the metric label.
const (
	DecisionVAST  = "vast"
	DecisionPod   = "pod"
	DecisionSlate = "slate"
	DecisionEmpty = "empty"
)

// Deadlines for the decide waterfall per the concurrency contract.
const (
	decidePrecomputeBudget = 2000 * time.Millisecond
	decideLazySoftBudget   = 500 * time.Millisecond
	decideLazyHardBudget   = time.Second
)

// Resolver runs the ad decision waterfall: external VAST service,
// catalog pods, slate, empty. For a given (channel, break_event_id)
// the result is deterministic for the break's lifetime: the only
// random step is seeded from those two ids.
type Resolver struct {
	catalog *Catalog
	vast    *VASTClient
}

func NewResolver(catalog *Catalog, vast *VASTClient) *Resolver {
	return &Resolver{catalog: catalog, vast: vast}
}

// Decide returns the pod to play for a break and the waterfall stage
// that produced it. An empty pod is returned together with
// errNoInventory so callers can render content-only.
func (r *Resolver) Decide(ctx context.Context, ch *Channel, org *Organization, brk *AdBreak) (*AdPod, string, error) {
	if ch.VASTEnabled && r.vast != nil {
		pod, err := r.vast.Decide(ctx, ch, brk)
		if err != nil {
			slog.Warn("VAST decision failed, falling through", "channel", ch.ID, "breakId", brk.BreakEventID, "err", err)
		} else if !pod.Empty() {
			metrics.decisions.WithLabelValues(DecisionVAST).Inc()
			return pod, DecisionVAST, nil
		}
	}

	pod, err := r.decideFromCatalog(ctx, ch, brk)
	if err != nil {
		slog.Warn("catalog decision failed, falling through", "channel", ch.ID, "breakId", brk.BreakEventID, "err", err)
	} else if !pod.Empty() {
		metrics.decisions.WithLabelValues(DecisionPod).Inc()
		return pod, DecisionPod, nil
	}

	if slate, err := r.slatePod(ctx, ch, org); err == nil && !slate.Empty() {
		metrics.decisions.WithLabelValues(DecisionSlate).Inc()
		return slate, DecisionSlate, nil
	} else if err != nil && err != errNotFound {
		slog.Warn("slate decision failed", "channel", ch.ID, "err", err)
	}

	metrics.decisions.WithLabelValues(DecisionEmpty).Inc()
	return &AdPod{PodID: "empty-" + brk.BreakEventID}, DecisionEmpty, errNoInventory
}

// decideFromCatalog picks the first eligible pod by priority, breaking
// ties by weight-random (seeded from channel and break ids) and then
// recency, which the catalog query already orders by.
func (r *Resolver) decideFromCatalog(ctx context.Context, ch *Channel, brk *AdBreak) (*AdPod, error) {
	rows, err := r.catalog.PodsForChannel(ctx, ch)
	if err != nil {
		return nil, err
	}
	var eligible []AdPodRow
	for _, row := range rows {
		if podEligible(row) {
			eligible = append(eligible, row)
		}
	}
	if len(eligible) == 0 {
		return &AdPod{}, nil
	}

	// Rows arrive ordered by priority then recency; keep only the top
	// priority group for the weighted pick.
	top := eligible[0].Priority
	group := eligible[:1]
	for _, row := range eligible[1:] {
		if row.Priority != top {
			break
		}
		group = append(group, row)
	}
	row := weightedPick(group, decisionSeed(ch.ID, brk.BreakEventID))
	return buildPod(row)
}

// podEligible requires at least one member and a transcoded rendition
// for every member, so each advertised bitrate can be served directly
// or by nearest approximation.
func podEligible(row AdPodRow) bool {
	if len(row.Members) == 0 {
		return false
	}
	for _, m := range row.Members {
		if m.Ad == nil || len(m.Ad.Renditions) == 0 {
			return false
		}
	}
	return true
}

// decisionSeed makes weight-random reproducible per (channel, break).
func decisionSeed(channelID, breakEventID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(channelID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(breakEventID))
	return int64(h.Sum64())
}

// weightedPick chooses one pod from an equal-priority group. Weights
// below one count as one so a zero-weight pod can still be drawn.
func weightedPick(group []AdPodRow, seed int64) AdPodRow {
	if len(group) == 1 {
		return group[0]
	}
	total := 0
	for _, row := range group {
		total += max(row.Weight, 1)
	}
	rng := rand.New(rand.NewSource(seed))
	n := rng.Intn(total)
	for _, row := range group {
		n -= max(row.Weight, 1)
		if n < 0 {
			return row
		}
	}
	return group[len(group)-1]
}

// buildPod converts a catalog pod row into the decision record, one
// AdItem per (member ad, rendition).
func buildPod(row AdPodRow) (*AdPod, error) {
	pod := &AdPod{PodID: row.ID}
	if row.Trackers != "" {
		if err := json.Unmarshal([]byte(row.Trackers), &pod.Trackers); err != nil {
			return nil, fmt.Errorf("pod %s trackers: %w", row.ID, err)
		}
	}
	for _, m := range row.Members {
		for _, rend := range m.Ad.Renditions {
			pod.Items = append(pod.Items, AdItem{
				AdID:       m.Ad.ID,
				BitrateBps: rend.BitrateBps,
				DurationMS: m.Ad.DurationMS,
				VariantURL: rend.PlaylistURL,
			})
		}
		if m.Ad.Trackers != "" {
			var ts TrackerSet
			if err := json.Unmarshal([]byte(m.Ad.Trackers), &ts); err != nil {
				return nil, fmt.Errorf("ad %s trackers: %w", m.Ad.ID, err)
			}
			pod.Trackers = mergeTrackers(pod.Trackers, ts)
		}
	}
	return pod, nil
}

// slatePod wraps the channel (or org default) slate creative as a pod.
func (r *Resolver) slatePod(ctx context.Context, ch *Channel, org *Organization) (*AdPod, error) {
	ad, err := r.catalog.SlateAd(ctx, ch, org)
	if err != nil {
		return nil, err
	}
	pod := &AdPod{PodID: "slate-" + ad.ID}
	for _, rend := range ad.Renditions {
		pod.Items = append(pod.Items, AdItem{
			AdID:       ad.ID,
			BitrateBps: rend.BitrateBps,
			DurationMS: ad.DurationMS,
			VariantURL: rend.PlaylistURL,
		})
	}
	return pod, nil
}

func mergeTrackers(a, b TrackerSet) TrackerSet {
	a.Impression = append(a.Impression, b.Impression...)
	a.Start = append(a.Start, b.Start...)
	a.Q25 = append(a.Q25, b.Q25...)
	a.Q50 = append(a.Q50, b.Q50...)
	a.Q75 = append(a.Q75, b.Q75...)
	a.Complete = append(a.Complete, b.Complete...)
	a.Click = append(a.Click, b.Click...)
	a.Error = append(a.Error, b.Error...)
	return a
}

// VASTClient talks to the external VAST parser service, which fetches
// and normalizes VAST XML into a pod. XML handling lives entirely in
// that service; the gateway only sees the normalized JSON.
type VASTClient struct {
	serviceURL string
	client     *http.Client
}

func NewVASTClient(serviceURL string) *VASTClient {
	return &VASTClient{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: decidePrecomputeBudget},
	}
}

// vastRequest is the decide request sent to the VAST service.
type vastRequest struct {
	ChannelID  string   `json:"channel_id"`
	VASTURL    string   `json:"vast_url"`
	DurationMS uint32   `json:"duration_ms"`
	LadderBps  []uint32 `json:"ladder_bps,omitempty"`
}

// Decide asks the VAST service for a pod filling the break. The ctx
// deadline bounds the call (2 s on precompute, 500 ms on the lazy
// path).
func (v *VASTClient) Decide(ctx context.Context, ch *Channel, brk *AdBreak) (*AdPod, error) {
	reqBody, err := json.Marshal(vastRequest{
		ChannelID:  ch.ID,
		VASTURL:    ch.VASTURL,
		DurationMS: brk.DurationMS,
		LadderBps:  ch.LadderBps(),
	})
	if err != nil {
		return nil, fmt.Errorf("vast request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.serviceURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("vast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vast call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vast call: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vast response: %w", err)
	}
	var pod AdPod
	if err := json.Unmarshal(body, &pod); err != nil {
		return nil, fmt.Errorf("vast response: %w", err)
	}
	return &pod, nil
}
