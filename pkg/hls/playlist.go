// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package hls provides non-destructive parsing and targeted rewriting of
// live HLS playlists. A playlist is tokenized into lines that pass through
// verbatim unless a rewrite explicitly replaces them, so origin formatting,
// unknown tags, and line endings survive a round trip untouched.
package hls

import (
	"strconv"
	"strings"
	"time"
)

// LineKind classifies one playlist line.
type LineKind int

const (
	LineBlank LineKind = iota
	LineTag
	LineComment
	LineURI
)

// Line is one playlist line. Raw holds the original text without the
// trailing newline and is what Render emits, including any carriage return.
type Line struct {
	Raw   string
	Kind  LineKind
	Name  string // tag name without '#', e.g. "EXT-X-PROGRAM-DATE-TIME"
	Value string // text after the first ':', unparsed
}

// Tokenize splits playlist text into lines. The raw text of every line is
// preserved so that Render(Tokenize(text)) == text.
func Tokenize(text string) []Line {
	raws := strings.Split(text, "\n")
	lines := make([]Line, len(raws))
	for i, raw := range raws {
		lines[i] = classify(raw)
	}
	return lines
}

// Render joins lines back into playlist text.
func Render(lines []Line) string {
	var sb strings.Builder
	for i, ln := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(ln.Raw)
	}
	return sb.String()
}

// TagLine builds a line from tag text such as "#EXT-X-DISCONTINUITY".
func TagLine(raw string) Line {
	return classify(raw)
}

func classify(raw string) Line {
	ln := Line{Raw: raw}
	trimmed := strings.TrimSuffix(raw, "\r")
	switch {
	case trimmed == "":
		ln.Kind = LineBlank
	case strings.HasPrefix(trimmed, "#EXT"):
		ln.Kind = LineTag
		body := trimmed[1:]
		if idx := strings.IndexByte(body, ':'); idx >= 0 {
			ln.Name = body[:idx]
			ln.Value = body[idx+1:]
		} else {
			ln.Name = body
		}
	case strings.HasPrefix(trimmed, "#"):
		ln.Kind = LineComment
	default:
		ln.Kind = LineURI
	}
	return ln
}

// Attr is one attribute of an attribute-list tag.
type Attr struct {
	Key    string
	Value  string
	Quoted bool
}

// AttrList preserves attribute order.
type AttrList []Attr

// Get returns the value for key, unquoted.
func (l AttrList) Get(key string) (string, bool) {
	for _, a := range l {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (l AttrList) Has(key string) bool {
	_, ok := l.Get(key)
	return ok
}

// ParseAttributes scans an attribute list per RFC 8216 section 4.2. The
// scanner is key-aware and honors quoted strings, so SCTE-35 payloads
// containing commas or '=' padding never split an attribute. Malformed
// trailing bytes are dropped rather than failing the playlist.
func ParseAttributes(s string) AttrList {
	var attrs AttrList
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ',' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		keyStart := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			continue // bare token without '='
		}
		key := strings.TrimSpace(s[keyStart:i])
		i++
		var value string
		quoted := false
		if i < len(s) && s[i] == '"' {
			quoted = true
			i++
			valStart := i
			for i < len(s) && s[i] != '"' {
				i++
			}
			value = s[valStart:i]
			if i < len(s) {
				i++
			}
		} else {
			valStart := i
			for i < len(s) && s[i] != ',' {
				i++
			}
			value = s[valStart:i]
		}
		if key != "" {
			attrs = append(attrs, Attr{Key: key, Value: value, Quoted: quoted})
		}
	}
	return attrs
}

// pdtLayout formats wall-clock timestamps with millisecond precision, the
// resolution the break timeline operates at.
const pdtLayout = "2006-01-02T15:04:05.000Z07:00"

// ParsePDT parses an EXT-X-PROGRAM-DATE-TIME value.
func ParsePDT(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
}

// FormatPDT renders a wall-clock time the way origins conventionally do.
func FormatPDT(t time.Time) string {
	return t.UTC().Format(pdtLayout)
}

// ParseExtInf returns the duration of an #EXTINF value in milliseconds.
// The title after the comma is ignored.
func ParseExtInf(v string) (int64, error) {
	field := v
	if idx := strings.IndexByte(field, ','); idx >= 0 {
		field = field[:idx]
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, err
	}
	return int64(sec*1000 + 0.5), nil
}

// FormatExtInf renders an #EXTINF line with millisecond precision.
func FormatExtInf(durationMS int64) string {
	return "#EXTINF:" + strconv.FormatFloat(float64(durationMS)/1000.0, 'f', 3, 64) + ","
}
