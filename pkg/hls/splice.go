// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rewrite errors. Both abort the SSAI splice without touching the
// manifest; callers fall back to SGAI for the request.
var (
	// ErrWindowRollOut means the break start PDT has rolled out of the
	// live window, so no splice point exists anymore.
	ErrWindowRollOut = errors.New("hls: break start rolled out of manifest window")
	// ErrResumePDTNotFound means no explicit origin PDT exists near the
	// resume boundary. Calculating one from the break timing corrupts
	// the player timeline, so the splice fails loud instead.
	ErrResumePDTNotFound = errors.New("hls: no origin PDT at resume boundary")
	// ErrUnfilledGap means the ad pod is shorter than the break and no
	// slate was available to pad the difference.
	ErrUnfilledGap = errors.New("hls: ad pod shorter than break and no slate")
)

// resumePDTLookahead is how many segment records past the resume boundary
// are searched for an explicit EXT-X-PROGRAM-DATE-TIME tag.
const resumePDTLookahead = 15

// AdSegment is one segment of ad or slate content with its real duration
// as parsed from the ad's media playlist.
type AdSegment struct {
	URI        string
	DurationMS int64
}

// SpliceParams drives one SSAI rewrite.
type SpliceParams struct {
	// PDTStart and DurationMS come from the consolidated break.
	PDTStart   time.Time
	DurationMS int64
	// SkipSegments, when > 0, is the stable stored count of content
	// segments to replace. When 0 the splice computes it and reports it
	// back in the result for first-write persistence.
	SkipSegments   int
	SkipDurationMS int64
	// AdSegments are the resolved ad segments for the current bitrate,
	// URIs already signed.
	AdSegments []AdSegment
	// Slate is the loopable padding source used when the pod is shorter
	// than the break. May be nil when the pod fills the break.
	Slate []AdSegment
}

// SpliceResult is the rewritten manifest plus the skip metadata the
// coordinator persists on the first write.
type SpliceResult struct {
	Text           string
	SkipSegments   int
	SkipDurationMS int64
	// SkipComputed is true when the skip count was computed during this
	// rewrite rather than taken from SpliceParams.
	SkipComputed bool
	// ResumeEmitted is false while the live window has not yet reached
	// the resume boundary; the manifest then ends inside the ad region
	// and later polls extend it.
	ResumeEmitted bool
	ResumePDT     time.Time
}

// SpliceSSAI replaces the run of content segments covered by the break
// with the ad segments, bracketed by EXT-X-DISCONTINUITY. No PDT is
// synthesized inside the ad region: the player derives the ad timeline
// from the discontinuity and the per-segment EXTINF durations. The
// resume boundary is stamped with the origin's own PDT for the resume
// segment, never one calculated from the break timing.
func SpliceSSAI(m *MediaPlaylist, p SpliceParams) (*SpliceResult, error) {
	startIdx, ok := m.FindStartSegment(p.PDTStart)
	if !ok {
		return nil, ErrWindowRollOut
	}

	res := &SpliceResult{SkipSegments: p.SkipSegments, SkipDurationMS: p.SkipDurationMS}
	if p.SkipSegments <= 0 {
		skip, skipDurMS := computeSkip(m, startIdx, p.DurationMS)
		res.SkipSegments = skip
		res.SkipDurationMS = skipDurMS
		res.SkipComputed = true
	}
	resumeIdx := startIdx + res.SkipSegments

	adRegion, err := buildAdRegion(p.AdSegments, p.Slate, p.DurationMS)
	if err != nil {
		return nil, err
	}

	var resumePDT time.Time
	resumeInWindow := resumeIdx < len(m.Segments)
	if resumeInWindow {
		resumePDT, err = originResumePDT(m, resumeIdx)
		if err != nil {
			return nil, err
		}
		res.ResumeEmitted = true
		res.ResumePDT = resumePDT
	}

	breakEnd := p.PDTStart.Add(time.Duration(p.DurationMS) * time.Millisecond)
	out := make([]Line, 0, len(m.Lines)+len(adRegion)+4)

	// Prelude: everything before the replaced segment's block, minus
	// DATERANGEs that start inside the break window.
	preludeEnd := m.Segments[startIdx].FirstLineIndex
	out = appendLinesSkippingBreakRanges(out, m.Lines[:preludeEnd], p.PDTStart, breakEnd)

	out = append(out, TagLine("#EXT-X-DISCONTINUITY"))
	out = append(out, adRegion...)

	if !resumeInWindow {
		// Live edge is still inside the break. Close the text without a
		// resume boundary; the next poll picks it up.
		return renderSplice(res, out, m), nil
	}

	out = append(out, TagLine("#EXT-X-DISCONTINUITY"))
	resume := m.Segments[resumeIdx]
	if !resume.HasExplicitPDT {
		out = append(out, TagLine("#EXT-X-PROGRAM-DATE-TIME:"+FormatPDT(resumePDT)))
	}
	out = appendLinesSkippingBreakRanges(out, m.Lines[resume.FirstLineIndex:], p.PDTStart, breakEnd)
	return renderSplice(res, out, m), nil
}

func renderSplice(res *SpliceResult, out []Line, m *MediaPlaylist) *SpliceResult {
	// Preserve a trailing newline if the origin had one.
	if n := len(m.Lines); n > 0 && m.Lines[n-1].Kind == LineBlank &&
		(len(out) == 0 || out[len(out)-1].Kind != LineBlank) {
		out = append(out, Line{Kind: LineBlank})
	}
	res.Text = Render(out)
	return res
}

// computeSkip walks forward from the start segment accumulating EXTINF
// durations until the break duration is covered. When the live window
// ends before that (the usual case early in a break), the remainder is
// extrapolated with the detected segment cadence so that the first
// write already fixes the final count.
func computeSkip(m *MediaPlaylist, startIdx int, breakDurMS int64) (int, int64) {
	skip := 0
	var sumMS int64
	for i := startIdx; i < len(m.Segments); i++ {
		if sumMS >= breakDurMS {
			break
		}
		sumMS += m.Segments[i].DurationMS
		skip++
	}
	if sumMS < breakDurMS {
		cadence := m.DetectSegmentDurationMS()
		if cadence <= 0 {
			cadence = 1000
		}
		missing := breakDurMS - sumMS
		n := (missing + cadence - 1) / cadence
		skip += int(n)
		sumMS += n * cadence
	}
	return skip, sumMS
}

// originResumePDT returns the origin wall-clock time of the resume
// segment. The nearest explicit PDT tag at or after the boundary (at
// most resumePDTLookahead segment records away) anchors the value;
// intervening EXTINF durations are subtracted so that the boundary
// stamp agrees exactly with the next explicit origin tag.
func originResumePDT(m *MediaPlaylist, resumeIdx int) (time.Time, error) {
	last := resumeIdx + resumePDTLookahead
	if last > len(m.Segments)-1 {
		last = len(m.Segments) - 1
	}
	for i := resumeIdx; i <= last; i++ {
		if !m.Segments[i].HasExplicitPDT {
			continue
		}
		pdt := m.Segments[i].PDT
		for j := i - 1; j >= resumeIdx; j-- {
			pdt = pdt.Add(-time.Duration(m.Segments[j].DurationMS) * time.Millisecond)
		}
		return pdt, nil
	}
	return time.Time{}, ErrResumePDTNotFound
}

// buildAdRegion renders the ad segments and, when they run short of the
// break duration, loops the slate to fill the rest. The final slate
// segment's EXTINF is trimmed to the remaining gap so the region never
// overshoots by more than the origin cadence.
func buildAdRegion(ads, slate []AdSegment, breakDurMS int64) ([]Line, error) {
	var out []Line
	var adsMS int64
	for _, seg := range ads {
		out = append(out, TagLine(FormatExtInf(seg.DurationMS)), TagLine(seg.URI))
		adsMS += seg.DurationMS
	}
	gapMS := breakDurMS - adsMS
	if gapMS <= 0 {
		return out, nil
	}
	if len(slate) == 0 {
		return nil, fmt.Errorf("%w: gap %dms", ErrUnfilledGap, gapMS)
	}
	for i := 0; gapMS > 0; i++ {
		seg := slate[i%len(slate)]
		durMS := seg.DurationMS
		if durMS > gapMS {
			durMS = gapMS
		}
		out = append(out, TagLine(FormatExtInf(durMS)), TagLine(seg.URI))
		gapMS -= durMS
	}
	return out, nil
}

// appendLinesSkippingBreakRanges copies lines, dropping DATERANGE tags
// whose START-DATE falls inside [breakStart, breakEnd).
func appendLinesSkippingBreakRanges(out, lines []Line, breakStart, breakEnd time.Time) []Line {
	for _, ln := range lines {
		if ln.Kind == LineTag && ln.Name == "EXT-X-DATERANGE" {
			dr := parseDateRange(ParseAttributes(ln.Value), 0)
			if dr.StartDateOK && !dr.StartDate.Before(breakStart) && dr.StartDate.Before(breakEnd) {
				continue
			}
		}
		out = append(out, ln)
	}
	return out
}

// InterstitialParams drives one SGAI insert.
type InterstitialParams struct {
	ID           string
	StartDate    time.Time
	DurationMS   int64
	AssetListURL string
}

// InsertSGAI leaves the content timeline intact and inserts an HLS
// Interstitials DATERANGE pointing the player at the asset list for the
// break. The tag is placed after the header, before the first segment
// block.
func InsertSGAI(m *MediaPlaylist, p InterstitialParams) string {
	tag := formatInterstitialTag(p)
	insertAt := len(m.Lines)
	if len(m.Segments) > 0 {
		insertAt = m.Segments[0].FirstLineIndex
	}
	out := make([]Line, 0, len(m.Lines)+1)
	out = append(out, m.Lines[:insertAt]...)
	out = append(out, TagLine(tag))
	out = append(out, m.Lines[insertAt:]...)
	return Render(out)
}

func formatInterstitialTag(p InterstitialParams) string {
	var sb strings.Builder
	sb.WriteString(`#EXT-X-DATERANGE:ID="`)
	sb.WriteString(p.ID)
	sb.WriteString(`",CLASS="`)
	sb.WriteString(ClassInterstitial)
	sb.WriteString(`",START-DATE="`)
	sb.WriteString(FormatPDT(p.StartDate))
	sb.WriteString(`",DURATION=`)
	sb.WriteString(strconv.FormatFloat(float64(p.DurationMS)/1000.0, 'f', 3, 64))
	sb.WriteString(`,X-ASSET-LIST="`)
	sb.WriteString(p.AssetListURL)
	sb.WriteString(`",CUE="JOIN,PRE",X-RESTRICT="SKIP,JUMP"`)
	return sb.String()
}
