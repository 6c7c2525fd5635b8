// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"strconv"
	"strings"
	"time"

	"github.com/adgate/adgate/pkg/scte35"
)

// Interstitial DATERANGE classes. The scte35 variant is an origin signal
// form; the plain variant is what this service inserts for SGAI and must
// survive stripping.
const (
	ClassInterstitial       = "com.apple.hls.interstitial"
	ClassInterstitialSCTE35 = "com.apple.hls.interstitial.scte35"
)

// DateRange is a parsed EXT-X-DATERANGE tag.
type DateRange struct {
	ID           string
	Class        string
	StartDate    time.Time
	StartDateOK  bool
	DurationMS   int64 // -1 when absent
	PlannedDurMS int64 // -1 when absent
	EndOnNext    bool
	Attrs        AttrList
	LineIndex    int
}

// SCTE35DateRangeKind tells which SCTE-35 attribute carried the payload.
type SCTE35DateRangeKind int

const (
	SCTE35None SCTE35DateRangeKind = iota
	SCTE35Out
	SCTE35In
	SCTE35Cmd
)

// DateRangeSignal pairs a decoded splice_info_section with the wall-clock
// position and duration hints of the DATERANGE that carried it.
type DateRangeSignal struct {
	Section *scte35.SpliceInfoSection
	Signals []scte35.Signal
	Kind    SCTE35DateRangeKind
	PDT     time.Time
	// DurationMS is the DATERANGE DURATION (or PLANNED-DURATION)
	// attribute in milliseconds, -1 when absent. In the hybrid form it
	// overrides a missing binary break_duration.
	DurationMS int64
	ID         string
}

// parseDateRange interprets an EXT-X-DATERANGE attribute list.
func parseDateRange(attrs AttrList, lineIndex int) DateRange {
	dr := DateRange{Attrs: attrs, LineIndex: lineIndex, DurationMS: -1, PlannedDurMS: -1}
	dr.ID, _ = attrs.Get("ID")
	dr.Class, _ = attrs.Get("CLASS")
	if v, ok := attrs.Get("START-DATE"); ok {
		if t, err := ParsePDT(v); err == nil {
			dr.StartDate = t
			dr.StartDateOK = true
		}
	}
	if v, ok := attrs.Get("DURATION"); ok {
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			dr.DurationMS = int64(sec*1000 + 0.5)
		}
	}
	if v, ok := attrs.Get("PLANNED-DURATION"); ok {
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			dr.PlannedDurMS = int64(sec*1000 + 0.5)
		}
	}
	dr.EndOnNext = attrs.Has("END-ON-NEXT")
	return dr
}

// scte35Payload returns the binary payload attribute of an SCTE-35
// DATERANGE together with its kind. The standard keys are SCTE35-OUT,
// SCTE35-IN and SCTE35-CMD; the interstitial.scte35 class carries the
// section in X-SCTE35.
func (dr DateRange) scte35Payload() (string, SCTE35DateRangeKind) {
	if v, ok := dr.Attrs.Get("SCTE35-OUT"); ok {
		return v, SCTE35Out
	}
	if v, ok := dr.Attrs.Get("SCTE35-IN"); ok {
		return v, SCTE35In
	}
	if v, ok := dr.Attrs.Get("SCTE35-CMD"); ok {
		return v, SCTE35Cmd
	}
	if dr.Class == ClassInterstitialSCTE35 {
		if v, ok := dr.Attrs.Get("X-SCTE35"); ok {
			return v, SCTE35Cmd
		}
	}
	return "", SCTE35None
}

// isOriginSCTE35 reports whether the DATERANGE is an origin SCTE-35
// signal. Interstitial ranges inserted by this service are not.
func (dr DateRange) isOriginSCTE35() bool {
	if dr.Attrs.Has("SCTE35-OUT") || dr.Attrs.Has("SCTE35-IN") || dr.Attrs.Has("SCTE35-CMD") {
		return true
	}
	return dr.Class == ClassInterstitialSCTE35
}

// decodeSCTE35Attr decodes a DATERANGE SCTE-35 payload. Origins emit
// either hex (0x prefix, per RFC 8216) or base64.
func decodeSCTE35Attr(v string) (*scte35.SpliceInfoSection, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return scte35.DecodeHex(v)
	}
	return scte35.DecodeBase64(v)
}

// DateRanges returns all EXT-X-DATERANGE tags of the playlist in order.
func (m *MediaPlaylist) DateRanges() []DateRange {
	var drs []DateRange
	for i, ln := range m.Lines {
		if ln.Kind == LineTag && ln.Name == "EXT-X-DATERANGE" {
			drs = append(drs, parseDateRange(ParseAttributes(ln.Value), i))
		}
	}
	return drs
}

// ExtractSCTE35Signals decodes every origin SCTE-35 DATERANGE of the
// playlist. DATERANGEs whose payload fails to decode are skipped; the
// error is reported through onError so callers can log and move on
// without failing the manifest.
func (m *MediaPlaylist) ExtractSCTE35Signals(onError func(raw string, err error)) []DateRangeSignal {
	var out []DateRangeSignal
	for _, dr := range m.DateRanges() {
		payload, kind := dr.scte35Payload()
		if kind == SCTE35None {
			continue
		}
		sis, err := decodeSCTE35Attr(payload)
		if err != nil {
			if onError != nil {
				onError(m.Lines[dr.LineIndex].Raw, err)
			}
			continue
		}
		out = append(out, DateRangeSignal{
			Section:    sis,
			Signals:    scte35.ExtractSignals(sis),
			Kind:       kind,
			PDT:        dr.StartDate,
			DurationMS: dr.attrDurationMS(),
			ID:         dr.ID,
		})
	}
	return out
}

// attrDurationMS prefers DURATION over PLANNED-DURATION.
func (dr DateRange) attrDurationMS() int64 {
	if dr.DurationMS >= 0 {
		return dr.DurationMS
	}
	return dr.PlannedDurMS
}

// StripOriginSCTE35 removes origin SCTE-35 DATERANGE lines from a
// playlist. Matching is key-aware over the parsed attribute list, never
// a substring test, so segment URIs or unrelated ranges that merely
// mention SCTE35 survive. Interstitial DATERANGEs inserted by this
// service are preserved.
func StripOriginSCTE35(text string) string {
	lines := Tokenize(text)
	out := make([]Line, 0, len(lines))
	for _, ln := range lines {
		if ln.Kind == LineTag && ln.Name == "EXT-X-DATERANGE" {
			dr := parseDateRange(ParseAttributes(ln.Value), 0)
			if dr.isOriginSCTE35() {
				continue
			}
		}
		out = append(out, ln)
	}
	return Render(out)
}
