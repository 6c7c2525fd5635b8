// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/adgate/adgate/pkg/hls"
)

// BreakSource tells what triggered an ad break.
type BreakSource string

const (
	SourceSCTE35    BreakSource = "SCTE35"
	SourceManualCue BreakSource = "MANUAL_CUE"
	SourceTimeBased BreakSource = "TIME_BASED"
)

// priority orders sources when breaks overlap. A manual cue beats a
// SCTE-35 break, which beats a time-based one.
func (s BreakSource) priority() int {
	switch s {
	case SourceManualCue:
		return 3
	case SourceSCTE35:
		return 2
	case SourceTimeBased:
		return 1
	default:
		return 0
	}
}

// AdBreak is one logical ad opportunity on one channel. It is stored
// JSON-encoded in the state store and mutated only through version CAS.
type AdBreak struct {
	ChannelID      string      `json:"channel_id"`
	BreakEventID   string      `json:"break_event_id"`
	Source         BreakSource `json:"source"`
	PDTStart       time.Time   `json:"pdt_start"`
	DurationMS     uint32      `json:"duration_ms"`
	PDTEnd         time.Time   `json:"pdt_end"`
	Decision       *AdPod      `json:"decision,omitempty"`
	DecisionAt     *time.Time  `json:"decision_at,omitempty"`
	DecisionSource string      `json:"decision_source,omitempty"`
	SkipSegments   uint32      `json:"skip_segments,omitempty"`
	SkipDurationMS uint32      `json:"skip_duration_ms,omitempty"`
	Version        uint64      `json:"version"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// breakGracePeriod is how long a break outlives its pdt_end in the
// state store, so that late manifest polls can still resolve it.
const breakGracePeriod = 60 * time.Second

// NewAdBreak fills the derived fields (pdt_end, expires_at) from the
// start and duration. Version stays zero until the first store write.
func NewAdBreak(channelID, breakEventID string, source BreakSource, pdtStart time.Time, durationMS uint32) *AdBreak {
	pdtEnd := pdtStart.Add(time.Duration(durationMS) * time.Millisecond)
	return &AdBreak{
		ChannelID:    channelID,
		BreakEventID: breakEventID,
		Source:       source,
		PDTStart:     pdtStart,
		DurationMS:   durationMS,
		PDTEnd:       pdtEnd,
		ExpiresAt:    pdtEnd.Add(breakGracePeriod),
	}
}

// Active reports whether now falls inside [pdt_start, pdt_end).
func (b *AdBreak) Active(now time.Time) bool {
	return !now.Before(b.PDTStart) && now.Before(b.PDTEnd)
}

// Expired reports whether the break is past its store lifetime.
func (b *AdBreak) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// HasSkip reports whether a stable skip count has been persisted.
func (b *AdBreak) HasSkip() bool {
	return b.SkipSegments != 0
}

// BreakEventID derives the stable identity of a break. A non-zero
// splice_event_id is authoritative. Otherwise the id is a hash over
// channel, splice PDT and duration, so that every front-end node
// derives the same id from the same origin manifest.
func BreakEventID(spliceEventID uint32, channelID string, pdt time.Time, durationMS int64) string {
	if spliceEventID != 0 {
		return strconv.FormatUint(uint64(spliceEventID), 10)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", channelID, pdt.UnixMilli(), durationMS)))
	return hex.EncodeToString(h[:])[:16]
}

// AdPod is the decided fill for one break: one item per (ad, bitrate
// rendition) pair, plus tracking URLs.
type AdPod struct {
	PodID    string     `json:"pod_id"`
	Items    []AdItem   `json:"items"`
	Trackers TrackerSet `json:"trackers"`
}

// AdItem is one bitrate rendition of one ad.
type AdItem struct {
	AdID       string          `json:"ad_id"`
	BitrateBps uint32          `json:"bitrate_bps"`
	DurationMS uint32          `json:"duration_ms"`
	VariantURL string          `json:"variant_url"`
	Segments   []hls.AdSegment `json:"segments,omitempty"`
}

// Empty reports whether the pod carries no playable items, i.e. the
// decision waterfall ended in NoInventory.
func (p *AdPod) Empty() bool {
	return p == nil || len(p.Items) == 0
}

// ItemsForBitrate picks the rendition closest to bps for every
// distinct ad in the pod, preserving pod order. Distances are compared
// in bps; ties go to the higher bitrate.
func (p *AdPod) ItemsForBitrate(bps uint32) []AdItem {
	if p == nil {
		return nil
	}
	var order []string
	byAd := make(map[string]AdItem)
	for _, it := range p.Items {
		best, seen := byAd[it.AdID]
		if !seen {
			order = append(order, it.AdID)
			byAd[it.AdID] = it
			continue
		}
		if closerBitrate(it.BitrateBps, best.BitrateBps, bps) {
			byAd[it.AdID] = it
		}
	}
	items := make([]AdItem, 0, len(order))
	for _, adID := range order {
		items = append(items, byAd[adID])
	}
	return items
}

// closerBitrate reports whether candidate is a better match for target
// than current, with ties resolved towards the higher bitrate.
func closerBitrate(candidate, current, target uint32) bool {
	dc := bpsDistance(candidate, target)
	db := bpsDistance(current, target)
	if dc != db {
		return dc < db
	}
	return candidate > current
}

func bpsDistance(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// TrackerSet carries the beacon URLs of a pod. Quartile slices map to
// the 0/25/50/75/100% playback marks.
type TrackerSet struct {
	Impression []string `json:"impression,omitempty"`
	Start      []string `json:"start,omitempty"`
	Q25        []string `json:"q25,omitempty"`
	Q50        []string `json:"q50,omitempty"`
	Q75        []string `json:"q75,omitempty"`
	Complete   []string `json:"complete,omitempty"`
	Click      []string `json:"click,omitempty"`
	Error      []string `json:"error,omitempty"`
}

// ForEvent returns the URLs to fire for one beacon event kind.
func (t TrackerSet) ForEvent(ev BeaconEvent) []string {
	switch ev {
	case BeaconImpression:
		return t.Impression
	case BeaconQ0:
		return t.Start
	case BeaconQ25:
		return t.Q25
	case BeaconQ50:
		return t.Q50
	case BeaconQ75:
		return t.Q75
	case BeaconQ100:
		return t.Complete
	case BeaconClick:
		return t.Click
	case BeaconError:
		return t.Error
	default:
		return nil
	}
}

// BeaconEvent enumerates the tracker event kinds.
type BeaconEvent string

const (
	BeaconImpression BeaconEvent = "IMPRESSION"
	BeaconQ0         BeaconEvent = "Q0"
	BeaconQ25        BeaconEvent = "Q25"
	BeaconQ50        BeaconEvent = "Q50"
	BeaconQ75        BeaconEvent = "Q75"
	BeaconQ100       BeaconEvent = "Q100"
	BeaconClick      BeaconEvent = "CLICK"
	BeaconError      BeaconEvent = "ERROR"
)

// quartileEvents in playback order, used when mapping segment serves
// to the marks they cross.
var quartileEvents = [4]BeaconEvent{BeaconQ25, BeaconQ50, BeaconQ75, BeaconQ100}

// BeaconFireRequest is one record on the beacon queue. Downstream
// consumers dedupe on EventID.
type BeaconFireRequest struct {
	EventID   string      `json:"event_id"`
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Event     BeaconEvent `json:"event"`
	AdID      string      `json:"ad_id"`
	BreakID   string      `json:"break_id"`
	FireAfter time.Time   `json:"fire_after"`
}

// BeaconEventID derives the idempotency key for one beacon firing.
func BeaconEventID(viewerID, adID string, ev BeaconEvent, breakID string) string {
	h := sha256.Sum256([]byte(viewerID + "|" + adID + "|" + string(ev) + "|" + breakID))
	return hex.EncodeToString(h[:])[:32]
}

// selectBreak returns the break to apply to a manifest request. A
// break stays applicable after its pdt_end for as long as its region
// overlaps the manifest window, so that already-served splices stay
// stable across polls. Among applicable breaks the highest source
// priority wins, then the latest pdt_start. Returns nil when no break
// applies.
func selectBreak(breaks []*AdBreak, windowStart time.Time, now time.Time) *AdBreak {
	var best *AdBreak
	for _, b := range breaks {
		if b.Expired(now) {
			continue
		}
		if !windowStart.IsZero() && b.PDTEnd.Before(windowStart) {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		switch {
		case b.Source.priority() > best.Source.priority():
			best = b
		case b.Source.priority() == best.Source.priority() && b.PDTStart.After(best.PDTStart):
			best = b
		}
	}
	return best
}
