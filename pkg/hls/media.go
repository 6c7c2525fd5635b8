// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// convAccErr accumulates the first conversion error so that playlist
// parsing code can convert many fields and check the error once.
type convAccErr struct {
	err error
}

// Int converts tag value to int.
func (c *convAccErr) Int(tag, val string) int {
	if c.err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		c.err = fmt.Errorf("tag=%s, err=%w", tag, err)
		return 0
	}
	return v
}

// Int64 converts tag value to int64.
func (c *convAccErr) Int64(tag, val string) int64 {
	if c.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		c.err = fmt.Errorf("tag=%s, err=%w", tag, err)
		return 0
	}
	return v
}

// Uint32 converts tag value to uint32.
func (c *convAccErr) Uint32(tag, val string) uint32 {
	if c.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 32)
	if err != nil {
		c.err = fmt.Errorf("tag=%s, err=%w", tag, err)
		return 0
	}
	return uint32(v)
}

// ExtInf converts an #EXTINF value to milliseconds.
func (c *convAccErr) ExtInf(val string) int64 {
	if c.err != nil {
		return 0
	}
	ms, err := ParseExtInf(val)
	if err != nil {
		c.err = fmt.Errorf("tag=EXTINF, err=%w", err)
		return 0
	}
	return ms
}

// PDT converts an EXT-X-PROGRAM-DATE-TIME value.
func (c *convAccErr) PDT(val string) time.Time {
	if c.err != nil {
		return time.Time{}
	}
	t, err := ParsePDT(val)
	if err != nil {
		c.err = fmt.Errorf("tag=EXT-X-PROGRAM-DATE-TIME, err=%w", err)
		return time.Time{}
	}
	return t
}

// SegmentRecord is one media segment together with the playlist lines that
// belong to it. PDT is derived for every segment: explicit tags set the
// clock and each segment advances it by its own duration, so lookups by
// wall-clock time work even when the origin stamps PDT sparsely.
type SegmentRecord struct {
	URI            string
	DurationMS     int64
	PDT            time.Time
	PDTKnown       bool
	HasExplicitPDT bool

	// Line indexes into MediaPlaylist.Lines. FirstLineIndex is the
	// earliest line of this segment's block (its PDT, EXTINF, or other
	// per-segment tag); PDTIndex is -1 without an explicit tag.
	FirstLineIndex int
	PDTIndex       int
	ExtInfIndex    int
	URIIndex       int
}

// MediaPlaylist is a parsed live media playlist.
type MediaPlaylist struct {
	Lines                 []Line
	Version               int
	TargetDuration        int
	MediaSequence         int64
	DiscontinuitySequence int64
	Segments              []SegmentRecord
	HasEndList            bool
}

// perSegmentTag reports whether a tag applies to the single following
// segment rather than to the playlist or to all subsequent segments.
func perSegmentTag(name string) bool {
	switch name {
	case "EXT-X-PROGRAM-DATE-TIME", "EXTINF", "EXT-X-BYTERANGE", "EXT-X-BITRATE", "EXT-X-GAP":
		return true
	}
	return false
}

// ParseMediaPlaylist parses a media playlist into segment records.
// Unknown tags are retained in Lines and pass through rewrites verbatim.
func ParseMediaPlaylist(text string) (*MediaPlaylist, error) {
	lines := Tokenize(text)
	m := &MediaPlaylist{Lines: lines}
	conv := convAccErr{}

	var clock time.Time
	clockValid := false
	pendingDur := int64(-1)
	blockFirst, pdtIdx, extInfIdx := -1, -1, -1
	explicitPDT := false

	for i, ln := range lines {
		switch ln.Kind {
		case LineTag:
			if perSegmentTag(ln.Name) && blockFirst < 0 {
				blockFirst = i
			}
			switch ln.Name {
			case "EXT-X-VERSION":
				m.Version = conv.Int(ln.Name, ln.Value)
			case "EXT-X-TARGETDURATION":
				m.TargetDuration = conv.Int(ln.Name, ln.Value)
			case "EXT-X-MEDIA-SEQUENCE":
				m.MediaSequence = conv.Int64(ln.Name, ln.Value)
			case "EXT-X-DISCONTINUITY-SEQUENCE":
				m.DiscontinuitySequence = conv.Int64(ln.Name, ln.Value)
			case "EXT-X-ENDLIST":
				m.HasEndList = true
			case "EXT-X-PROGRAM-DATE-TIME":
				clock = conv.PDT(ln.Value)
				clockValid = conv.err == nil
				pdtIdx = i
				explicitPDT = true
			case "EXTINF":
				pendingDur = conv.ExtInf(ln.Value)
				extInfIdx = i
			}
		case LineURI:
			if pendingDur < 0 {
				// URI without EXTINF, e.g. inside a master playlist.
				return nil, fmt.Errorf("media playlist: URI without EXTINF at line %d", i+1)
			}
			seg := SegmentRecord{
				URI:            strings.TrimSuffix(ln.Raw, "\r"),
				DurationMS:     pendingDur,
				PDT:            clock,
				PDTKnown:       clockValid,
				HasExplicitPDT: explicitPDT,
				FirstLineIndex: blockFirst,
				PDTIndex:       pdtIdx,
				ExtInfIndex:    extInfIdx,
				URIIndex:       i,
			}
			if seg.FirstLineIndex < 0 {
				seg.FirstLineIndex = i
			}
			m.Segments = append(m.Segments, seg)
			if clockValid {
				clock = clock.Add(time.Duration(pendingDur) * time.Millisecond)
			}
			pendingDur = -1
			blockFirst, pdtIdx, extInfIdx = -1, -1, -1
			explicitPDT = false
		}
		if conv.err != nil {
			return nil, fmt.Errorf("media playlist: %w", conv.err)
		}
	}
	return m, nil
}

// DetectSegmentDurationMS estimates the segment cadence from the first ten
// segments, falling back to the target duration for empty windows.
func (m *MediaPlaylist) DetectSegmentDurationMS() int64 {
	n := len(m.Segments)
	if n == 0 {
		return int64(m.TargetDuration) * 1000
	}
	if n > 10 {
		n = 10
	}
	var sum int64
	for _, s := range m.Segments[:n] {
		sum += s.DurationMS
	}
	return sum / int64(n)
}

// FindStartSegment returns the index of the last segment whose derived PDT
// is at or before pdtStart. The second result is false when every known
// PDT is after pdtStart, which means the break start has rolled out of the
// window (or the playlist carries no PDT at all).
func (m *MediaPlaylist) FindStartSegment(pdtStart time.Time) (int, bool) {
	best := -1
	for i, s := range m.Segments {
		if s.PDTKnown && !s.PDT.After(pdtStart) {
			best = i
		}
	}
	return best, best >= 0
}

// PDTRange returns the wall-clock span covered by the window, from the
// first known segment PDT to the end of the last one.
func (m *MediaPlaylist) PDTRange() (start, end time.Time, ok bool) {
	for _, s := range m.Segments {
		if !s.PDTKnown {
			continue
		}
		if !ok {
			start = s.PDT
			ok = true
		}
		end = s.PDT.Add(time.Duration(s.DurationMS) * time.Millisecond)
	}
	return start, end, ok
}

// AbsolutizeURIs resolves relative segment and URI-attribute references
// against baseURL, in place. A gateway that rewrites a playlist onto its
// own host needs this so segment fetches keep going to the origin.
func (m *MediaPlaylist) AbsolutizeURIs(baseURL string) {
	for i, ln := range m.Lines {
		switch ln.Kind {
		case LineURI:
			uri := strings.TrimSuffix(ln.Raw, "\r")
			abs := AbsolutizeURL(baseURL, uri)
			if abs != uri {
				m.Lines[i] = classify(strings.Replace(ln.Raw, uri, abs, 1))
			}
		case LineTag:
			uri, ok := ParseAttributes(ln.Value).Get("URI")
			if !ok || uri == "" {
				continue
			}
			abs := AbsolutizeURL(baseURL, uri)
			if abs != uri {
				m.Lines[i] = classify(strings.Replace(ln.Raw, `URI="`+uri+`"`, `URI="`+abs+`"`, 1))
			}
		}
	}
	for i := range m.Segments {
		m.Segments[i].URI = AbsolutizeURL(baseURL, m.Segments[i].URI)
	}
}
