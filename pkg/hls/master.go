// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package hls

import (
	"fmt"
	"sort"
	"strings"
)

// VariantEntry is one rendition referenced by a master playlist.
type VariantEntry struct {
	BandwidthBps        uint32
	AverageBandwidthBps uint32
	Resolution          string
	Codecs              string
	URI                 string
}

// MasterPlaylist is a parsed multivariant playlist. I-frame entries are
// kept apart from playable variants.
type MasterPlaylist struct {
	Lines    []Line
	Variants []VariantEntry
	IFrames  []VariantEntry
}

// ParseMaster parses a multivariant playlist. Bitrates are reported from
// BANDWIDTH only; AVERAGE-BANDWIDTH is carried along for inspection.
func ParseMaster(text string) (*MasterPlaylist, error) {
	lines := Tokenize(text)
	m := &MasterPlaylist{Lines: lines}
	conv := convAccErr{}
	var pending *VariantEntry
	for _, ln := range lines {
		switch {
		case ln.Kind == LineTag && ln.Name == "EXT-X-STREAM-INF":
			attrs := ParseAttributes(ln.Value)
			v := VariantEntry{}
			if bw, ok := attrs.Get("BANDWIDTH"); ok {
				v.BandwidthBps = conv.Uint32("BANDWIDTH", bw)
			}
			if abw, ok := attrs.Get("AVERAGE-BANDWIDTH"); ok {
				v.AverageBandwidthBps = conv.Uint32("AVERAGE-BANDWIDTH", abw)
			}
			v.Resolution, _ = attrs.Get("RESOLUTION")
			v.Codecs, _ = attrs.Get("CODECS")
			pending = &v
		case ln.Kind == LineTag && ln.Name == "EXT-X-I-FRAME-STREAM-INF":
			attrs := ParseAttributes(ln.Value)
			v := VariantEntry{}
			if bw, ok := attrs.Get("BANDWIDTH"); ok {
				v.BandwidthBps = conv.Uint32("BANDWIDTH", bw)
			}
			v.Resolution, _ = attrs.Get("RESOLUTION")
			v.Codecs, _ = attrs.Get("CODECS")
			v.URI, _ = attrs.Get("URI")
			m.IFrames = append(m.IFrames, v)
		case ln.Kind == LineURI:
			if pending != nil {
				pending.URI = strings.TrimSuffix(ln.Raw, "\r")
				m.Variants = append(m.Variants, *pending)
				pending = nil
			}
		}
	}
	if conv.err != nil {
		return nil, fmt.Errorf("master playlist: %w", conv.err)
	}
	if pending != nil {
		return nil, fmt.Errorf("master playlist: EXT-X-STREAM-INF without URI line")
	}
	return m, nil
}

// ExtractBitrates returns the deduplicated increasing list of playable
// variant bandwidths in kbps. I-frame entries are excluded.
func ExtractBitrates(text string) ([]uint32, error) {
	m, err := ParseMaster(text)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint32]bool, len(m.Variants))
	var ladder []uint32
	for _, v := range m.Variants {
		if v.BandwidthBps == 0 {
			continue
		}
		kbps := (v.BandwidthBps + 500) / 1000
		if !seen[kbps] {
			seen[kbps] = true
			ladder = append(ladder, kbps)
		}
	}
	sort.Slice(ladder, func(i, j int) bool { return ladder[i] < ladder[j] })
	return ladder, nil
}

// RewriteURIs returns the master text with every rendition reference
// passed through rewrite: variant URI lines, I-frame URI attributes, and
// EXT-X-MEDIA URI attributes. All other lines pass through verbatim.
func (m *MasterPlaylist) RewriteURIs(rewrite func(uri string) string) string {
	out := make([]Line, 0, len(m.Lines))
	pendingVariant := false
	for _, ln := range m.Lines {
		switch {
		case ln.Kind == LineTag && ln.Name == "EXT-X-STREAM-INF":
			pendingVariant = true
			out = append(out, ln)
		case ln.Kind == LineTag && (ln.Name == "EXT-X-I-FRAME-STREAM-INF" || ln.Name == "EXT-X-MEDIA"):
			out = append(out, rewriteURIAttr(ln, rewrite))
		case ln.Kind == LineURI && pendingVariant:
			pendingVariant = false
			uri := strings.TrimSuffix(ln.Raw, "\r")
			out = append(out, TagLine(rewrite(uri)))
		default:
			out = append(out, ln)
		}
	}
	return Render(out)
}

// rewriteURIAttr rebuilds an attribute-list tag with its URI attribute
// rewritten, preserving attribute order.
func rewriteURIAttr(ln Line, rewrite func(uri string) string) Line {
	attrs := ParseAttributes(ln.Value)
	if !attrs.Has("URI") {
		return ln
	}
	var sb strings.Builder
	sb.WriteByte('#')
	sb.WriteString(ln.Name)
	sb.WriteByte(':')
	for i, a := range attrs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		val := a.Value
		if a.Key == "URI" {
			val = rewrite(val)
		}
		if a.Quoted {
			sb.WriteByte('"')
			sb.WriteString(val)
			sb.WriteByte('"')
		} else {
			sb.WriteString(val)
		}
	}
	return TagLine(sb.String())
}
