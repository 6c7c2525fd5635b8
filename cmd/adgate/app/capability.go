// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"strings"
)

// InsertionMode is how ads reach the viewer: spliced into the media
// playlist (ssai) or referenced as an HLS interstitial (sgai).
type InsertionMode string

const (
	InsertSSAI InsertionMode = "ssai"
	InsertSGAI InsertionMode = "sgai"
)

// NegotiateMode picks the insertion mode for one request. Precedence:
// ?mode= override, then channel mode, then the client capability
// check. force_capability on the channel replaces the check's verdict
// for players that lie in their User-Agent.
func NegotiateMode(r *http.Request, ch *Channel) InsertionMode {
	switch r.URL.Query().Get("mode") {
	case string(InsertSGAI):
		return InsertSGAI
	case string(InsertSSAI):
		return InsertSSAI
	}
	switch ch.Mode {
	case ModeSGAIOnly:
		return InsertSGAI
	case ModeSSAIOnly:
		return InsertSSAI
	}
	switch ch.ForceCapability {
	case string(InsertSGAI):
		return InsertSGAI
	case string(InsertSSAI):
		return InsertSSAI
	}
	if supportsInterstitials(r) {
		return InsertSGAI
	}
	return InsertSSAI
}

// supportsInterstitials detects players that honor
// EXT-X-DATERANGE CLASS="com.apple.hls.interstitial". Apple players
// send X-Playback-Session-Id; everything else is judged by User-Agent.
func supportsInterstitials(r *http.Request) bool {
	if r.Header.Get("X-Playback-Session-Id") != "" {
		return true
	}
	return uaSupportsInterstitials(r.Header.Get("User-Agent"))
}

// uaSupportsInterstitials matches the known-good set: AVFoundation on
// iOS/tvOS 15+ and desktop Safari 16+. Chromium ships "Safari" in its
// UA, so its token must be absent.
func uaSupportsInterstitials(ua string) bool {
	if ua == "" {
		return false
	}
	if strings.Contains(ua, "AppleCoreMedia/") {
		if major, ok := appleOSMajor(ua); ok {
			return major >= 15
		}
		return false
	}
	if strings.Contains(ua, "Safari/") &&
		!strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Chromium/") {
		if major, ok := versionAfter(ua, "Version/"); ok {
			return major >= 16
		}
	}
	return false
}

// appleOSMajor extracts the OS major from UA fragments like
// "CPU OS 15_2 like Mac OS X" or "CPU iPhone OS 16_1 like Mac OS X".
func appleOSMajor(ua string) (int, bool) {
	idx := strings.Index(ua, " OS ")
	if idx < 0 {
		return 0, false
	}
	return leadingInt(ua[idx+4:])
}

func versionAfter(ua, marker string) (int, bool) {
	idx := strings.Index(ua, marker)
	if idx < 0 {
		return 0, false
	}
	return leadingInt(ua[idx+len(marker):])
}

func leadingInt(s string) (int, bool) {
	n := 0
	i := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
		if n > 1000 {
			return 0, false
		}
	}
	if i == 0 {
		return 0, false
	}
	return n, true
}
