// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	uaAVPlayeriOS16  = "AppleCoreMedia/1.0.0.20A362 (iPhone; U; CPU OS 16_0 like Mac OS X; en_us)"
	uaAVPlayeriOS14  = "AppleCoreMedia/1.0.0.18A373 (iPhone; U; CPU OS 14_0 like Mac OS X; en_us)"
	uaSafari17       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"
	uaSafari15       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.6 Safari/605.1.15"
	uaChrome         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaExoPlayer      = "ExoPlayerLib/2.19.1 (Linux; Android 13)"
	uaRokuUltra      = "Roku/DVP-12.5 (12.5.5.4140-46)"
	uaAppleTVCapable = "AppleCoreMedia/1.0.0.21K69 (Apple TV; U; CPU OS 17_1 like Mac OS X; en_us)"
)

func TestUASupportsInterstitials(t *testing.T) {
	cases := []struct {
		desc string
		ua   string
		want bool
	}{
		{"empty", "", false},
		{"AVFoundation iOS 16", uaAVPlayeriOS16, true},
		{"AVFoundation iOS 14 too old", uaAVPlayeriOS14, false},
		{"tvOS 17", uaAppleTVCapable, true},
		{"Safari 17", uaSafari17, true},
		{"Safari 15 too old", uaSafari15, false},
		{"Chrome mimics Safari", uaChrome, false},
		{"ExoPlayer", uaExoPlayer, false},
		{"Roku", uaRokuUltra, false},
		{"AppleCoreMedia without OS token", "AppleCoreMedia/1.0.0 (unknown)", false},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			assert.Equal(t, c.want, uaSupportsInterstitials(c.ua))
		})
	}
}

func TestNegotiateMode(t *testing.T) {
	cases := []struct {
		desc      string
		url       string
		ua        string
		sessionID string
		ch        Channel
		want      InsertionMode
	}{
		{
			desc: "query override wins over channel mode",
			url:  "/acme/sports/master.m3u8?mode=ssai",
			ua:   uaSafari17,
			ch:   Channel{Mode: ModeSGAIOnly},
			want: InsertSSAI,
		},
		{
			desc: "query override to sgai on incapable client",
			url:  "/acme/sports/master.m3u8?mode=sgai",
			ua:   uaExoPlayer,
			ch:   Channel{Mode: ModeAuto},
			want: InsertSGAI,
		},
		{
			desc: "channel sgai_only",
			url:  "/acme/sports/master.m3u8",
			ua:   uaExoPlayer,
			ch:   Channel{Mode: ModeSGAIOnly},
			want: InsertSGAI,
		},
		{
			desc: "channel ssai_only beats capable client",
			url:  "/acme/sports/master.m3u8",
			ua:   uaAVPlayeriOS16,
			ch:   Channel{Mode: ModeSSAIOnly},
			want: InsertSSAI,
		},
		{
			desc: "auto with capable UA",
			url:  "/acme/sports/master.m3u8",
			ua:   uaAVPlayeriOS16,
			ch:   Channel{Mode: ModeAuto},
			want: InsertSGAI,
		},
		{
			desc: "auto with incapable UA",
			url:  "/acme/sports/master.m3u8",
			ua:   uaChrome,
			ch:   Channel{Mode: ModeAuto},
			want: InsertSSAI,
		},
		{
			desc:      "playback session header marks Apple pipeline",
			url:       "/acme/sports/master.m3u8",
			ua:        "",
			sessionID: "6F2E2A50-0F2A-4C2B-9A3C-111111111111",
			ch:        Channel{Mode: ModeAuto},
			want:      InsertSGAI,
		},
		{
			desc: "force_capability sgai overrides UA verdict",
			url:  "/acme/sports/master.m3u8",
			ua:   uaRokuUltra,
			ch:   Channel{Mode: ModeAuto, ForceCapability: "sgai"},
			want: InsertSGAI,
		},
		{
			desc: "force_capability ssai overrides capable UA",
			url:  "/acme/sports/master.m3u8",
			ua:   uaSafari17,
			ch:   Channel{Mode: ModeAuto, ForceCapability: "ssai"},
			want: InsertSSAI,
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			r := httptest.NewRequest("GET", c.url, nil)
			if c.ua != "" {
				r.Header.Set("User-Agent", c.ua)
			}
			if c.sessionID != "" {
				r.Header.Set("X-Playback-Session-Id", c.sessionID)
			}
			assert.Equal(t, c.want, NegotiateMode(r, &c.ch))
		})
	}
}
