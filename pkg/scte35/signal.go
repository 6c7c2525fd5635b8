// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package scte35

import (
	"fmt"
	"strings"
)

// SignalKind classifies what a splice signal asks the packager to do.
type SignalKind int

const (
	// SignalAdStart opens an ad break (out-of-network).
	SignalAdStart SignalKind = iota
	// SignalAdEnd closes an ad break (back to network).
	SignalAdEnd
	// SignalCancel retracts a previously announced event.
	SignalCancel
)

func (k SignalKind) String() string {
	switch k {
	case SignalAdStart:
		return "adStart"
	case SignalAdEnd:
		return "adEnd"
	case SignalCancel:
		return "cancel"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Signal is a normalized view of one ad-relevant splice event. A
// splice_insert yields at most one Signal. A time_signal yields one
// Signal per ad-related segmentation descriptor, so a single section
// can produce several.
type Signal struct {
	Kind               SignalKind
	EventID            uint32
	PTS                *uint64 // pts_adjustment applied, mod 2^33
	DurationTicks      *uint64 // 90 kHz
	AutoReturn         bool
	Immediate          bool
	UniqueProgramID    uint16 // splice_insert only
	SegmentationTypeID uint8  // zero for splice_insert
	UPID               string
	Tier               uint16
}

// Duration returns the signaled break duration in milliseconds and
// whether one was signaled.
func (s Signal) Duration() (int64, bool) {
	if s.DurationTicks == nil {
		return 0, false
	}
	return int64(TicksToMilliseconds(*s.DurationTicks)), true
}

// IsAdStartType reports whether a segmentation_type_id opens an ad
// break: Break Start, the advertisement starts and the placement
// opportunity starts.
func IsAdStartType(typeID uint8) bool {
	switch typeID {
	case SegDescBreakStart,
		SegDescProviderAdStart, SegDescDistributorAdStart,
		SegDescProviderPOStart, SegDescDistributorPOStart:
		return true
	}
	return false
}

// IsAdEndType reports whether a segmentation_type_id closes an ad
// break.
func IsAdEndType(typeID uint8) bool {
	switch typeID {
	case SegDescBreakEnd,
		SegDescProviderAdEnd, SegDescDistributorAdEnd,
		SegDescProviderPOEnd, SegDescDistributorPOEnd:
		return true
	}
	return false
}

// ExtractSignals flattens a splice_info_section into ad signals.
// Sections whose command carries no ad semantics (splice_null,
// bandwidth_reservation, private_command, or a time_signal without
// ad-related segmentation descriptors) yield an empty slice.
func ExtractSignals(sis *SpliceInfoSection) []Signal {
	if sis == nil || sis.SpliceCommand == nil {
		return nil
	}
	switch cmd := sis.SpliceCommand.(type) {
	case *SpliceInsert:
		return spliceInsertSignals(sis, cmd)
	case *TimeSignal:
		return timeSignalSignals(sis, cmd)
	default:
		return nil
	}
}

func spliceInsertSignals(sis *SpliceInfoSection, cmd *SpliceInsert) []Signal {
	sig := Signal{
		EventID:         cmd.SpliceEventID,
		Tier:            sis.Tier,
		UniqueProgramID: cmd.UniqueProgramID,
		Immediate:       cmd.SpliceImmediateFlag,
	}
	switch {
	case cmd.SpliceEventCancelIndicator:
		sig.Kind = SignalCancel
	case cmd.OutOfNetworkIndicator:
		sig.Kind = SignalAdStart
	default:
		sig.Kind = SignalAdEnd
	}
	if cmd.SpliceTime != nil && cmd.SpliceTime.PTSTime != nil {
		pts := AdjustPTS(*cmd.SpliceTime.PTSTime, sis.PTSAdjustment)
		sig.PTS = &pts
	}
	if cmd.BreakDuration != nil {
		d := cmd.BreakDuration.Duration
		sig.DurationTicks = &d
		sig.AutoReturn = cmd.BreakDuration.AutoReturn
	}
	return []Signal{sig}
}

func timeSignalSignals(sis *SpliceInfoSection, cmd *TimeSignal) []Signal {
	var pts *uint64
	if cmd.SpliceTime.PTSTime != nil {
		p := AdjustPTS(*cmd.SpliceTime.PTSTime, sis.PTSAdjustment)
		pts = &p
	}
	var signals []Signal
	for _, d := range sis.Descriptors {
		sd, ok := d.(*SegmentationDescriptor)
		if !ok {
			continue
		}
		isStart := IsAdStartType(sd.SegmentationTypeID)
		isEnd := IsAdEndType(sd.SegmentationTypeID)
		if !isStart && !isEnd && !sd.SegmentationEventCancelIndicator {
			continue
		}
		sig := Signal{
			EventID:            sd.SegmentationEventID,
			Tier:               sis.Tier,
			PTS:                pts,
			SegmentationTypeID: sd.SegmentationTypeID,
			UPID:               formatUPIDs(sd.UPIDs),
		}
		switch {
		case sd.SegmentationEventCancelIndicator:
			sig.Kind = SignalCancel
		case isStart:
			sig.Kind = SignalAdStart
		default:
			sig.Kind = SignalAdEnd
		}
		if sd.SegmentationDuration != nil {
			dur := *sd.SegmentationDuration
			sig.DurationTicks = &dur
		}
		signals = append(signals, sig)
	}
	return signals
}

func formatUPIDs(upids []SegmentationUPID) string {
	if len(upids) == 0 {
		return ""
	}
	parts := make([]string, 0, len(upids))
	for _, u := range upids {
		parts = append(parts, u.Name()+":"+u.String())
	}
	return strings.Join(parts, ",")
}
