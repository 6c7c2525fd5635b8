// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// windowSpec drives buildWindow, the live playlist generator shared by
// the parser and splice tests.
type windowSpec struct {
	start    time.Time
	segments int
	durMS    int64
	// pdtEvery stamps an explicit EXT-X-PROGRAM-DATE-TIME on segments
	// 0, n, 2n, ... A value of 1 stamps every segment, 0 stamps none.
	pdtEvery int
	mediaSeq int64
	// header lines are inserted after EXT-X-MEDIA-SEQUENCE, before the
	// first segment block.
	header []string
}

func buildWindow(w windowSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:%d\n", (w.durMS+999)/1000)
	fmt.Fprintf(&sb, "#EXT-X-MEDIA-SEQUENCE:%d\n", w.mediaSeq)
	for _, h := range w.header {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	for i := 0; i < w.segments; i++ {
		if w.pdtEvery > 0 && i%w.pdtEvery == 0 {
			pdt := w.start.Add(time.Duration(int64(i)*w.durMS) * time.Millisecond)
			sb.WriteString("#EXT-X-PROGRAM-DATE-TIME:" + FormatPDT(pdt) + "\n")
		}
		sb.WriteString(FormatExtInf(w.durMS) + "\n")
		fmt.Fprintf(&sb, "seg%d.ts\n", w.mediaSeq+int64(i))
	}
	return sb.String()
}

var windowStart = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func TestParseMediaPlaylist(t *testing.T) {
	text := buildWindow(windowSpec{
		start:    windowStart,
		segments: 5,
		durMS:    1920,
		pdtEvery: 2,
		mediaSeq: 100,
		header:   []string{"#EXT-X-DISCONTINUITY-SEQUENCE:7"},
	})
	m, err := ParseMediaPlaylist(text)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Version)
	assert.Equal(t, 2, m.TargetDuration)
	assert.Equal(t, int64(100), m.MediaSequence)
	assert.Equal(t, int64(7), m.DiscontinuitySequence)
	assert.False(t, m.HasEndList)
	require.Len(t, m.Segments, 5)

	for i, seg := range m.Segments {
		assert.Equal(t, fmt.Sprintf("seg%d.ts", 100+i), seg.URI)
		assert.Equal(t, int64(1920), seg.DurationMS)
		assert.True(t, seg.PDTKnown, "segment %d", i)
		want := windowStart.Add(time.Duration(int64(i)*1920) * time.Millisecond)
		assert.True(t, seg.PDT.Equal(want), "segment %d: got %s want %s", i, seg.PDT, want)
		assert.Equal(t, i%2 == 0, seg.HasExplicitPDT, "segment %d", i)
	}

	// Line bookkeeping: an explicit PDT opens the block, otherwise the
	// EXTINF does.
	s0 := m.Segments[0]
	assert.Equal(t, s0.PDTIndex, s0.FirstLineIndex)
	assert.Equal(t, s0.ExtInfIndex, s0.PDTIndex+1)
	assert.Equal(t, s0.URIIndex, s0.ExtInfIndex+1)
	s1 := m.Segments[1]
	assert.Equal(t, -1, s1.PDTIndex)
	assert.Equal(t, s1.ExtInfIndex, s1.FirstLineIndex)
}

func TestParseMediaPlaylistNoPDT(t *testing.T) {
	text := buildWindow(windowSpec{start: windowStart, segments: 3, durMS: 2000})
	m, err := ParseMediaPlaylist(text)
	require.NoError(t, err)
	require.Len(t, m.Segments, 3)
	for _, seg := range m.Segments {
		assert.False(t, seg.PDTKnown)
		assert.False(t, seg.HasExplicitPDT)
	}
	_, ok := m.FindStartSegment(windowStart)
	assert.False(t, ok)
	_, _, ok = m.PDTRange()
	assert.False(t, ok)
}

func TestParseMediaPlaylistEndList(t *testing.T) {
	text := buildWindow(windowSpec{start: windowStart, segments: 2, durMS: 2000, pdtEvery: 1}) + "#EXT-X-ENDLIST\n"
	m, err := ParseMediaPlaylist(text)
	require.NoError(t, err)
	assert.True(t, m.HasEndList)
}

func TestParseMediaPlaylistErrors(t *testing.T) {
	cases := []struct {
		desc string
		text string
	}{
		{"uri without extinf", "#EXTM3U\n#EXT-X-TARGETDURATION:6\nseg1.ts\n"},
		{"bad extinf", "#EXTM3U\n#EXTINF:abc,\nseg1.ts\n"},
		{"bad pdt", "#EXTM3U\n#EXT-X-PROGRAM-DATE-TIME:noon\n#EXTINF:6.0,\nseg1.ts\n"},
		{"bad media sequence", "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:one\n"},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			_, err := ParseMediaPlaylist(c.text)
			assert.Error(t, err)
		})
	}
}

func TestDetectSegmentDurationMS(t *testing.T) {
	t.Run("averages first ten", func(t *testing.T) {
		m := &MediaPlaylist{TargetDuration: 6}
		for i := 0; i < 12; i++ {
			dur := int64(1900)
			if i%2 == 1 {
				dur = 1940
			}
			if i >= 10 {
				dur = 9000 // beyond the sample, must not be counted
			}
			m.Segments = append(m.Segments, SegmentRecord{DurationMS: dur})
		}
		assert.Equal(t, int64(1920), m.DetectSegmentDurationMS())
	})
	t.Run("short window", func(t *testing.T) {
		m := &MediaPlaylist{Segments: []SegmentRecord{{DurationMS: 2000}, {DurationMS: 1000}}}
		assert.Equal(t, int64(1500), m.DetectSegmentDurationMS())
	})
	t.Run("empty window falls back to target duration", func(t *testing.T) {
		m := &MediaPlaylist{TargetDuration: 6}
		assert.Equal(t, int64(6000), m.DetectSegmentDurationMS())
	})
}

func TestFindStartSegment(t *testing.T) {
	text := buildWindow(windowSpec{start: windowStart, segments: 10, durMS: 1920, pdtEvery: 1})
	m, err := ParseMediaPlaylist(text)
	require.NoError(t, err)

	// Exact boundary.
	idx, ok := m.FindStartSegment(windowStart.Add(3 * 1920 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	// Mid-segment.
	idx, ok = m.FindStartSegment(windowStart.Add(3*1920*time.Millisecond + 500*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	// Before the window: rolled out.
	_, ok = m.FindStartSegment(windowStart.Add(-time.Second))
	assert.False(t, ok)

	// After the window end: the last segment still matches.
	idx, ok = m.FindStartSegment(windowStart.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, 9, idx)
}

func TestPDTRange(t *testing.T) {
	text := buildWindow(windowSpec{start: windowStart, segments: 10, durMS: 1920, pdtEvery: 4})
	m, err := ParseMediaPlaylist(text)
	require.NoError(t, err)
	start, end, ok := m.PDTRange()
	require.True(t, ok)
	assert.True(t, start.Equal(windowStart))
	assert.True(t, end.Equal(windowStart.Add(10*1920*time.Millisecond)))
}
