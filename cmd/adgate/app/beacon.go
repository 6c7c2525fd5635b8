// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	beaconQueueKey   = "beacons:queue"
	beaconBudget     = 50 * time.Millisecond
	beaconMaxRecord  = 4 << 10
	beaconMaxBatch   = 100
	beaconDedupeTTL  = time.Hour
	beaconFiredKeyFm = "beacon:fired:"
)

// BeaconQueue enqueues tracking beacon fire requests onto a Redis list
// for an external fire-out worker. Enqueueing is strictly best effort:
// the 50 ms budget guarantees a slow or dead Redis never delays a
// manifest or segment response. Dropped beacons only bump a counter.
type BeaconQueue struct {
	rdb *redis.Client
}

func NewBeaconQueue(rdb *redis.Client) *BeaconQueue {
	return &BeaconQueue{rdb: rdb}
}

// Enqueue pushes the given fire requests in batches of at most
// beaconMaxBatch. Oversized records are dropped individually; a Redis
// failure drops the remainder of the batch.
func (q *BeaconQueue) Enqueue(ctx context.Context, reqs []BeaconFireRequest) {
	if q.rdb == nil || len(reqs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, beaconBudget)
	defer cancel()
	payloads := make([]any, 0, len(reqs))
	events := make([]BeaconEvent, 0, len(reqs))
	for _, req := range reqs {
		b, err := json.Marshal(req)
		if err != nil || len(b) > beaconMaxRecord {
			metrics.beaconDrops.Inc()
			slog.Warn("beacon record dropped", "eventId", req.EventID, "size", len(b))
			continue
		}
		payloads = append(payloads, b)
		events = append(events, req.Event)
	}
	for start := 0; start < len(payloads); start += beaconMaxBatch {
		end := min(start+beaconMaxBatch, len(payloads))
		if err := q.rdb.RPush(ctx, beaconQueueKey, payloads[start:end]...).Err(); err != nil {
			dropped := len(payloads) - start
			for i := 0; i < dropped; i++ {
				metrics.beaconDrops.Inc()
			}
			slog.Warn("beacon enqueue failed", "dropped", dropped, "err", err)
			return
		}
		for _, ev := range events[start:end] {
			metrics.beacons.WithLabelValues(string(ev)).Inc()
		}
	}
}

// EnqueueOnce enqueues a single beacon at most once per event id. The
// SETNX guard lives as long as the break plus grace, so replays of the
// same manifest or segment never double-fire.
func (q *BeaconQueue) EnqueueOnce(ctx context.Context, req BeaconFireRequest, ttl time.Duration) bool {
	if q.rdb == nil {
		return false
	}
	if ttl <= 0 {
		ttl = beaconDedupeTTL
	}
	ctx, cancel := context.WithTimeout(ctx, beaconBudget)
	defer cancel()
	fresh, err := q.rdb.SetNX(ctx, beaconFiredKeyFm+req.EventID, 1, ttl).Result()
	if err != nil {
		metrics.beaconDrops.Inc()
		slog.Warn("beacon dedupe check failed", "eventId", req.EventID, "err", err)
		return false
	}
	if !fresh {
		return false
	}
	q.Enqueue(ctx, []BeaconFireRequest{req})
	return true
}

// TrackersForBreak expands a pod's tracker set into fire requests for
// one event kind, keyed per viewer for dedupe.
func TrackersForBreak(viewerID string, pod *AdPod, breakID string, ev BeaconEvent, fireAfter time.Time) []BeaconFireRequest {
	if pod == nil {
		return nil
	}
	urls := pod.Trackers.ForEvent(ev)
	reqs := make([]BeaconFireRequest, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, BeaconFireRequest{
			EventID:   BeaconEventID(viewerID, pod.PodID, ev, breakID),
			URL:       u,
			Method:    "GET",
			Event:     ev,
			AdID:      pod.PodID,
			BreakID:   breakID,
			FireAfter: fireAfter,
		})
	}
	return reqs
}
