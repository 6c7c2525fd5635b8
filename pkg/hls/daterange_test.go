// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgate/adgate/pkg/scte35"
)

// Sample sections 14.2 (splice_insert out) and 14.3 (time_signal
// provider placement opportunity end) from the SCTE-35 standard, in the
// two encodings origins emit.
const (
	outHex = "0xFC302F000000000000FFFFF014054800008F7FEFFE7369C02EFE0052CCF500000000000A0008435545490000013562DBA30A"
	inB64  = "/DAvAAAAAAAA///wBQb+dGKQoAAZAhdDVUVJSAAAjn+fCAgAAAAALKChijUCAKnMZ1g="
	cmdB64 = "/DAvAAAAAAAA///wFAVIAACPf+/+c2nALv4AUsz1AAAAAAAKAAhDVUVJAAABNWLbowo="
	// cmdB64 with one corrupted byte inside the descriptor loop; still
	// valid base64, fails the CRC check.
	badB64 = "/DAvAAAAAAAA///wFAVIAACPf+/+c2nALv4AUsz1AAAAAAAKAAhDVUVKAAABNWLbowo="
)

func signalFixture(outAttr, inAttr, cmdAttr string) string {
	return buildWindow(windowSpec{
		start:    windowStart,
		segments: 4,
		durMS:    1920,
		pdtEvery: 1,
		mediaSeq: 100,
		header: []string{
			`#EXT-X-DATERANGE:ID="out-1",START-DATE="2025-01-01T10:00:05.760Z",PLANNED-DURATION=30.000,SCTE35-OUT=` + outAttr,
			`#EXT-X-DATERANGE:ID="in-1",START-DATE="2025-01-01T10:00:35.760Z",SCTE35-IN=` + inAttr,
			`#EXT-X-DATERANGE:ID="cmd-1",CLASS="com.apple.hls.interstitial.scte35",START-DATE="2025-01-01T10:01:00.000Z",DURATION=15.000,X-SCTE35="` + cmdAttr + `"`,
			`#EXT-X-DATERANGE:ID="brk-7",CLASS="com.apple.hls.interstitial",START-DATE="2025-01-01T10:00:05.760Z",DURATION=30.000,X-ASSET-LIST="https://gw.example.com/assets.json"`,
			`#EXT-X-DATERANGE:ID="program-7",CLASS="com.example.program",START-DATE="2025-01-01T09:58:00.000Z",X-TITLE="SCTE35-OUT=trap"`,
		},
	})
}

func TestDateRanges(t *testing.T) {
	m, err := ParseMediaPlaylist(signalFixture(outHex, inB64, cmdB64))
	require.NoError(t, err)
	drs := m.DateRanges()
	require.Len(t, drs, 5)

	out := drs[0]
	assert.Equal(t, "out-1", out.ID)
	assert.True(t, out.StartDateOK)
	assert.True(t, out.StartDate.Equal(time.Date(2025, 1, 1, 10, 0, 5, 760_000_000, time.UTC)))
	assert.Equal(t, int64(-1), out.DurationMS)
	assert.Equal(t, int64(30000), out.PlannedDurMS)
	assert.Equal(t, int64(30000), out.attrDurationMS())

	cmd := drs[2]
	assert.Equal(t, ClassInterstitialSCTE35, cmd.Class)
	assert.Equal(t, int64(15000), cmd.DurationMS)

	assert.Equal(t, ClassInterstitial, drs[3].Class)
	assert.Equal(t, "com.example.program", drs[4].Class)
}

func TestExtractSCTE35Signals(t *testing.T) {
	m, err := ParseMediaPlaylist(signalFixture(outHex, inB64, cmdB64))
	require.NoError(t, err)

	sigs := m.ExtractSCTE35Signals(func(raw string, err error) {
		t.Fatalf("unexpected decode error for %q: %v", raw, err)
	})
	require.Len(t, sigs, 3)

	out := sigs[0]
	assert.Equal(t, SCTE35Out, out.Kind)
	assert.Equal(t, "out-1", out.ID)
	assert.Equal(t, int64(30000), out.DurationMS)
	require.NotNil(t, out.Section)
	require.Len(t, out.Signals, 1)
	assert.Equal(t, scte35.SignalAdStart, out.Signals[0].Kind)
	assert.Equal(t, uint32(0x4800008f), out.Signals[0].EventID)
	dur, ok := out.Signals[0].Duration()
	require.True(t, ok)
	assert.Equal(t, int64(60294), dur)

	in := sigs[1]
	assert.Equal(t, SCTE35In, in.Kind)
	assert.Equal(t, int64(-1), in.DurationMS)
	require.Len(t, in.Signals, 1)
	assert.Equal(t, scte35.SignalAdEnd, in.Signals[0].Kind)
	assert.Equal(t, uint32(0x4800008e), in.Signals[0].EventID)

	cmd := sigs[2]
	assert.Equal(t, SCTE35Cmd, cmd.Kind)
	assert.Equal(t, int64(15000), cmd.DurationMS)
	assert.True(t, cmd.PDT.Equal(time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)))
}

func TestExtractSCTE35SignalsBadPayload(t *testing.T) {
	m, err := ParseMediaPlaylist(signalFixture(badB64, inB64, cmdB64))
	require.NoError(t, err)

	var badRaw []string
	sigs := m.ExtractSCTE35Signals(func(raw string, err error) {
		badRaw = append(badRaw, raw)
		assert.ErrorIs(t, err, scte35.ErrBadCRC)
	})
	// The corrupt OUT is skipped, the two remaining signals survive.
	require.Len(t, sigs, 2)
	require.Len(t, badRaw, 1)
	assert.Contains(t, badRaw[0], `ID="out-1"`)
}

func TestStripOriginSCTE35(t *testing.T) {
	text := signalFixture(outHex, inB64, cmdB64)
	got := StripOriginSCTE35(text)

	assert.NotContains(t, got, "SCTE35-OUT=0x")
	assert.NotContains(t, got, "SCTE35-IN=")
	assert.NotContains(t, got, ClassInterstitialSCTE35)

	// The interstitial this service inserts and unrelated ranges pass
	// through, including the one whose title merely mentions SCTE35-OUT.
	assert.Contains(t, got, `ID="brk-7",CLASS="com.apple.hls.interstitial"`)
	assert.Contains(t, got, `X-TITLE="SCTE35-OUT=trap"`)

	// Segment lines and the header are untouched.
	m, err := ParseMediaPlaylist(got)
	require.NoError(t, err)
	assert.Len(t, m.Segments, 4)
	assert.Equal(t, int64(100), m.MediaSequence)

	// Stripping is idempotent.
	assert.Equal(t, got, StripOriginSCTE35(got))
}
