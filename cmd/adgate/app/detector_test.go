// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgate/adgate/pkg/hls"
	"github.com/adgate/adgate/pkg/scte35"
)

var detectorNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spliceOutHex builds a splice_insert section as origins put it into
// SCTE35-OUT: hex with 0x prefix.
func spliceOutHex(eventID uint32, durationTicks uint64, tier uint16) string {
	b := scte35.CreateSpliceInsertPayload(scte35.SpliceInsertParams{
		PTSTime:               900000,
		Duration:              durationTicks,
		SpliceEventID:         eventID,
		Tier:                  tier,
		OutOfNetworkIndicator: true,
		AutoReturn:            durationTicks != 0,
	})
	return "0x" + hex.EncodeToString(b)
}

// spliceInHex builds the matching return signal.
func spliceInHex(eventID uint32, tier uint16) string {
	b := scte35.CreateSpliceInsertPayload(scte35.SpliceInsertParams{
		PTSTime:               900000,
		SpliceEventID:         eventID,
		Tier:                  tier,
		OutOfNetworkIndicator: false,
	})
	return "0x" + hex.EncodeToString(b)
}

// livePlaylist renders a minimal live window ending at detectorNow with
// the given extra lines (DATERANGEs) appended after the first segment.
func livePlaylist(t *testing.T, extra ...string) *hls.MediaPlaylist {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:100\n")
	start := detectorNow.Add(-16 * time.Second)
	fmt.Fprintf(&sb, "#EXT-X-PROGRAM-DATE-TIME:%s\n", start.Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteString("#EXTINF:4.000,\nseg100.ts\n")
	for _, ln := range extra {
		sb.WriteString(ln + "\n")
	}
	for i := 101; i <= 103; i++ {
		fmt.Fprintf(&sb, "#EXTINF:4.000,\nseg%d.ts\n", i)
	}
	m, err := hls.ParseMediaPlaylist(sb.String())
	require.NoError(t, err)
	return m
}

func detectorChannel() *Channel {
	return &Channel{ID: "ch1", SCTE35Enabled: true}
}

func TestDetectBreaksSpliceInsert(t *testing.T) {
	pdt := detectorNow.Add(6 * time.Second)
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="splice-4096",START-DATE=%q,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(4096, 30*90000, 0))
	m := livePlaylist(t, dr)

	breaks := DetectBreaks(detectorChannel(), m, detectorNow, discardLogger())
	require.Len(t, breaks, 1)
	b := breaks[0]
	assert.Equal(t, "4096", b.BreakEventID, "binary splice_event_id is authoritative")
	assert.Equal(t, SourceSCTE35, b.Source)
	assert.Equal(t, uint32(30000), b.DurationMS)
	assert.True(t, b.PDTStart.Equal(pdt))
	assert.True(t, b.PDTEnd.Equal(pdt.Add(30*time.Second)))
}

func TestDetectBreaksDedupWithinWindow(t *testing.T) {
	pdt := detectorNow.Add(6 * time.Second)
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="splice-9",START-DATE=%q,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(9, 15*90000, 0))
	// Rolling windows repeat the DATERANGE on consecutive segments.
	m := livePlaylist(t, dr, "#EXTINF:4.000,", "seg100b.ts", dr)

	breaks := DetectBreaks(detectorChannel(), m, detectorNow, discardLogger())
	assert.Len(t, breaks, 1)
}

func TestDetectBreaksSCTE35Disabled(t *testing.T) {
	pdt := detectorNow.Add(6 * time.Second)
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="x",START-DATE=%q,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(5, 15*90000, 0))
	m := livePlaylist(t, dr)

	ch := detectorChannel()
	ch.SCTE35Enabled = false
	assert.Nil(t, DetectBreaks(ch, m, detectorNow, discardLogger()))
}

func TestDetectBreaksTierFilter(t *testing.T) {
	pdt := detectorNow.Add(6 * time.Second)
	mk := func(tier uint16) *hls.MediaPlaylist {
		dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="t",START-DATE=%q,SCTE35-OUT=%s`,
			pdt.Format(time.RFC3339), spliceOutHex(32, 15*90000, tier))
		return livePlaylist(t, dr)
	}

	ch := detectorChannel()
	ch.Tier = 1

	// Signal tier 0 does not match a tier-1 channel and is dropped.
	assert.Empty(t, DetectBreaks(ch, mk(0), detectorNow, discardLogger()))
	// Matching tier passes.
	assert.Len(t, DetectBreaks(ch, mk(1), detectorNow, discardLogger()), 1)
	// An unrestricted channel accepts any tier.
	ch.Tier = 0
	assert.Len(t, DetectBreaks(ch, mk(7), detectorNow, discardLogger()), 1)
}

func TestDetectBreaksDurationSanity(t *testing.T) {
	pdt := detectorNow.Add(6 * time.Second)
	mk := func(ticks uint64) []*AdBreak {
		dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="d",START-DATE=%q,SCTE35-OUT=%s`,
			pdt.Format(time.RFC3339), spliceOutHex(77, ticks, 0))
		return DetectBreaks(detectorChannel(), livePlaylist(t, dr), detectorNow, discardLogger())
	}

	assert.Empty(t, mk(350*90000), "above 300s rejected")
	assert.Empty(t, mk(5*90), "below 100ms rejected") // 5 ms
	assert.Len(t, mk(30*90000), 1)
}

func TestDetectBreaksHybridDurationAttr(t *testing.T) {
	// No binary break_duration; the DATERANGE DURATION attribute fills in.
	pdt := detectorNow.Add(6 * time.Second)
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="h",START-DATE=%q,DURATION=20.5,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(88, 0, 0))
	m := livePlaylist(t, dr)

	breaks := DetectBreaks(detectorChannel(), m, detectorNow, discardLogger())
	require.Len(t, breaks, 1)
	assert.Equal(t, uint32(20500), breaks[0].DurationMS)
}

func TestDetectBreaksPairedReturn(t *testing.T) {
	// Start without any duration, closed by a matching SCTE35-IN 24s later.
	pdt := detectorNow.Add(-8 * time.Second)
	out := fmt.Sprintf(`#EXT-X-DATERANGE:ID="o",START-DATE=%q,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(123, 0, 0))
	in := fmt.Sprintf(`#EXT-X-DATERANGE:ID="i",START-DATE=%q,SCTE35-IN=%s`,
		pdt.Add(24*time.Second).Format(time.RFC3339), spliceInHex(123, 0))
	m := livePlaylist(t, out, "#EXTINF:4.000,", "segx.ts", in)

	breaks := DetectBreaks(detectorChannel(), m, detectorNow, discardLogger())
	require.Len(t, breaks, 1)
	assert.Equal(t, uint32(24000), breaks[0].DurationMS)
}

func TestDetectBreaksOpenEndedDropped(t *testing.T) {
	// Start with no duration and no return in the window: cannot schedule.
	pdt := detectorNow.Add(6 * time.Second)
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="open",START-DATE=%q,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(55, 0, 0))
	m := livePlaylist(t, dr)

	assert.Empty(t, DetectBreaks(detectorChannel(), m, detectorNow, discardLogger()))
}

func TestDetectBreaksPDTWindow(t *testing.T) {
	mk := func(pdt time.Time) []*AdBreak {
		dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="w",START-DATE=%q,SCTE35-OUT=%s`,
			pdt.Format(time.RFC3339), spliceOutHex(66, 15*90000, 0))
		return DetectBreaks(detectorChannel(), livePlaylist(t, dr), detectorNow, discardLogger())
	}

	assert.Empty(t, mk(detectorNow.Add(-11*time.Minute)), "too far past")
	assert.Empty(t, mk(detectorNow.Add(6*time.Minute)), "too far future")
	assert.Len(t, mk(detectorNow.Add(-9*time.Minute)), 1)
	assert.Len(t, mk(detectorNow.Add(4*time.Minute)), 1)
}

func TestDetectBreaksUndecodablePayloadSkipped(t *testing.T) {
	pdt := detectorNow.Add(6 * time.Second)
	bad := fmt.Sprintf(`#EXT-X-DATERANGE:ID="bad",START-DATE=%q,SCTE35-OUT=0xDEADBEEF`, pdt.Format(time.RFC3339))
	good := fmt.Sprintf(`#EXT-X-DATERANGE:ID="good",START-DATE=%q,SCTE35-OUT=%s`,
		pdt.Format(time.RFC3339), spliceOutHex(99, 15*90000, 0))
	m := livePlaylist(t, bad, good)

	var reported int
	log := discardLogger()
	drs := m.ExtractSCTE35Signals(func(string, error) { reported++ })
	assert.Equal(t, 1, reported)
	assert.Len(t, drs, 1)

	breaks := DetectBreaks(detectorChannel(), m, detectorNow, log)
	require.Len(t, breaks, 1)
	assert.Equal(t, "99", breaks[0].BreakEventID)
}

func TestDetectBreaksStartWithoutDateDropped(t *testing.T) {
	dr := fmt.Sprintf(`#EXT-X-DATERANGE:ID="nodate",SCTE35-OUT=%s`, spliceOutHex(44, 15*90000, 0))
	m := livePlaylist(t, dr)
	assert.Empty(t, DetectBreaks(detectorChannel(), m, detectorNow, discardLogger()))
}

func TestBreakEventIDFallbackHash(t *testing.T) {
	pdt := detectorNow
	a := BreakEventID(0, "ch1", pdt, 30000)
	b := BreakEventID(0, "ch1", pdt, 30000)
	assert.Equal(t, a, b, "same inputs, same id on every node")
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, BreakEventID(0, "ch1", pdt, 31000))
	assert.NotEqual(t, a, BreakEventID(0, "ch2", pdt, 30000))
	assert.Equal(t, "4096", BreakEventID(4096, "ch1", pdt, 30000))
}
