// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"log/slog"
	"time"

	"github.com/adgate/adgate/pkg/hls"
	"github.com/adgate/adgate/pkg/scte35"
)

// Break duration sanity bounds. Signals outside are rejected with
// InvalidDuration; the warn bounds only log.
const (
	breakDurationMinMS  = 100
	breakDurationMaxMS  = 300_000
	breakDurationWarnLo = 5_000
	breakDurationWarnHi = 180_000
)

// PDT sanity window relative to the request clock.
const (
	pdtMaxPast   = 10 * time.Minute
	pdtMaxFuture = 5 * time.Minute
)

// startCandidate is one ad-start signal found in a manifest window,
// before duration resolution.
type startCandidate struct {
	sig scte35.Signal
	pdt time.Time
	// attrDurMS is the DATERANGE DURATION attribute, -1 when absent.
	// In the hybrid form it stands in for a missing binary duration.
	attrDurMS int64
}

// endCandidate is an ad-end signal used to close an open-ended start.
type endCandidate struct {
	eventID uint32
	pdt     time.Time
}

// DetectBreaks extracts the SCTE-35 ad-start signals from a parsed
// variant manifest and converts each logical break into at most one
// AdBreak candidate. Rolling manifests repeat the same DATERANGE for
// many polls; dedup across polls is the coordinator's job, dedup
// within one window happens here by break_event_id.
//
// Per-signal failures never fail the manifest request: bad payloads,
// tier mismatches, insane durations and out-of-window PDTs are dropped
// with a log line and the remaining signals are still processed.
func DetectBreaks(ch *Channel, m *hls.MediaPlaylist, now time.Time, log *slog.Logger) []*AdBreak {
	if !ch.SCTE35Enabled {
		return nil
	}
	drSignals := m.ExtractSCTE35Signals(func(raw string, err error) {
		log.Warn("undecodable SCTE-35 DATERANGE dropped", "channel", ch.ID, "line", raw, "err", err)
	})
	if len(drSignals) == 0 {
		return nil
	}

	var starts []startCandidate
	var ends []endCandidate
	for _, dr := range drSignals {
		for _, sig := range dr.Signals {
			switch sig.Kind {
			case scte35.SignalAdStart:
				if dr.PDT.IsZero() {
					log.Warn("SCTE-35 start without START-DATE dropped", "channel", ch.ID, "eventId", sig.EventID)
					continue
				}
				starts = append(starts, startCandidate{sig: sig, pdt: dr.PDT, attrDurMS: dr.DurationMS})
			case scte35.SignalAdEnd:
				if !dr.PDT.IsZero() {
					ends = append(ends, endCandidate{eventID: sig.EventID, pdt: dr.PDT})
				}
			}
		}
	}

	var breaks []*AdBreak
	seen := make(map[string]bool)
	for _, cand := range starts {
		brk := resolveStart(ch, cand, ends, now, log)
		if brk == nil || seen[brk.BreakEventID] {
			continue
		}
		seen[brk.BreakEventID] = true
		breaks = append(breaks, brk)
	}
	return breaks
}

// resolveStart applies the tier filter, duration resolution and sanity
// checks to one start candidate. Returns nil when the signal is
// dropped.
func resolveStart(ch *Channel, cand startCandidate, ends []endCandidate, now time.Time, log *slog.Logger) *AdBreak {
	sig := cand.sig

	// Channel tier filter: silent drop per contract, debug only.
	if ch.Tier != 0 && sig.Tier != ch.Tier {
		log.Debug("SCTE-35 tier mismatch", "channel", ch.ID, "channelTier", ch.Tier, "signalTier", sig.Tier)
		return nil
	}

	durMS, ok := breakDuration(cand, ends)
	if !ok {
		log.Warn("SCTE-35 start without duration or paired return dropped",
			"channel", ch.ID, "eventId", sig.EventID, "err", errInvalidDuration{durationMS: 0})
		return nil
	}
	if durMS < breakDurationMinMS || durMS > breakDurationMaxMS {
		log.Warn("SCTE-35 break duration out of range",
			"channel", ch.ID, "eventId", sig.EventID, "err", errInvalidDuration{durationMS: durMS})
		return nil
	}
	if durMS < breakDurationWarnLo {
		log.Warn("unusually short ad break", "channel", ch.ID, "durationMS", durMS)
	}
	if durMS > breakDurationWarnHi {
		log.Warn("unusually long ad break", "channel", ch.ID, "durationMS", durMS)
	}

	if deltaMS, ok := pdtInWindow(cand.pdt, now); !ok {
		log.Warn("SCTE-35 PDT out of window",
			"channel", ch.ID, "eventId", sig.EventID, "pdt", cand.pdt, "err", errPDTOutOfWindow{deltaMS: deltaMS})
		return nil
	}

	id := BreakEventID(sig.EventID, ch.ID, cand.pdt, durMS)
	return NewAdBreak(ch.ID, id, SourceSCTE35, cand.pdt, uint32(durMS))
}

// breakDuration resolves the effective break length of a start signal.
// Preference order: binary break_duration, DATERANGE DURATION attribute
// (hybrid form), then a paired return signal in the same window. A
// start with none of the three cannot be scheduled.
func breakDuration(cand startCandidate, ends []endCandidate) (int64, bool) {
	if ms, ok := cand.sig.Duration(); ok {
		return ms, true
	}
	if cand.attrDurMS >= 0 {
		return cand.attrDurMS, true
	}
	// Paired return: prefer a matching event id, else the nearest
	// ad-end signal after the start.
	var nearest int64 = -1
	for _, end := range ends {
		if !end.pdt.After(cand.pdt) {
			continue
		}
		d := end.pdt.Sub(cand.pdt).Milliseconds()
		if end.eventID != 0 && end.eventID == cand.sig.EventID {
			return d, true
		}
		if nearest < 0 || d < nearest {
			nearest = d
		}
	}
	if nearest >= 0 {
		return nearest, true
	}
	return 0, false
}

// pdtInWindow checks that a signal PDT is no more than pdtMaxPast
// behind and pdtMaxFuture ahead of the request clock. The signed delta
// (positive = future) is returned for logging.
func pdtInWindow(pdt, now time.Time) (int64, bool) {
	delta := pdt.Sub(now)
	if delta < -pdtMaxPast || delta > pdtMaxFuture {
		return delta.Milliseconds(), false
	}
	return delta.Milliseconds(), true
}
