// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// ParseAdPlaylist parses an ad (VOD) media playlist into the segment list
// spliced into content manifests. Ad creatives are transcoded in-house, so
// unlike origin playlists they do not need byte-preserving treatment and are
// parsed with gohlslib. Segment URIs are absolutized against playlistURL.
func ParseAdPlaylist(data []byte, playlistURL string) ([]AdSegment, error) {
	media, err := unmarshalAdMedia(data)
	if err != nil {
		return nil, err
	}

	segs := make([]AdSegment, 0, len(media.Segments))
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			return nil, fmt.Errorf("ad playlist %s: encrypted segments not supported", playlistURL)
		}
		segs = append(segs, AdSegment{
			URI:        AbsolutizeURL(playlistURL, seg.URI),
			DurationMS: seg.Duration.Milliseconds(),
		})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("ad playlist %s: no segments", playlistURL)
	}
	return segs, nil
}

// unmarshalAdMedia parses bytes into a Media playlist using gohlslib.
func unmarshalAdMedia(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}

	return media, nil
}

// AbsolutizeURL converts a relative URL to absolute based on the playlist URL.
func AbsolutizeURL(playlistURL, segmentURL string) string {
	if strings.HasPrefix(segmentURL, "http://") || strings.HasPrefix(segmentURL, "https://") {
		return segmentURL
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		// Fallback: simple string manipulation
		if idx := strings.LastIndex(playlistURL, "/"); idx >= 0 {
			return playlistURL[:idx+1] + segmentURL
		}
		return segmentURL
	}

	ref, err := url.Parse(segmentURL)
	if err != nil {
		return segmentURL
	}

	return base.ResolveReference(ref).String()
}
