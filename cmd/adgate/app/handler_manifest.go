// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adgate/adgate/pkg/hls"
	"github.com/adgate/adgate/pkg/logging"
)

const (
	contentTypeHLS   = "application/vnd.apple.mpegurl"
	viewerCookieName = "adgate_vid"

	// adURLLifetime bounds the exp of signed ad segment URLs. Long
	// enough to cover a full break plus player buffering, short enough
	// that a leaked URL goes dead quickly.
	adURLLifetime = 10 * time.Minute
)

// requestNow returns the request wall clock.
// ?nowMS=... can be used to set the current time for testing.
func requestNow(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("nowMS")
	if v == "" {
		return time.Now(), nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad nowMS query")
	}
	return time.UnixMilli(ms).UTC(), nil
}

// viewerID returns the stable per-viewer id, minting the cookie on
// first contact. Beacon dedupe and ordering guarantees key off it.
func viewerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(viewerCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	vid := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     viewerCookieName,
		Value:    vid,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	return vid
}

// channelFromRequest resolves org and channel slugs and enforces the
// channel's auth policy. On failure the response is already written.
func (s *Server) channelFromRequest(w http.ResponseWriter, r *http.Request, log *slog.Logger, now time.Time) (*Channel, *Organization, bool) {
	orgSlug := chi.URLParam(r, "orgSlug")
	channelSlug := chi.URLParam(r, "channelSlug")
	ch, org, err := s.catalog.ChannelBySlug(r.Context(), orgSlug, channelSlug)
	if err == errNotFound {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return nil, nil, false
	}
	if err != nil {
		log.Error("channel lookup failed", "org", orgSlug, "channel", channelSlug, "err", err)
		http.Error(w, "channel lookup", http.StatusInternalServerError)
		return nil, nil, false
	}
	if err := s.authorize(r, ch, now); err != nil {
		log.Info("viewer auth rejected", "channel", ch.ID, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, nil, false
	}
	return ch, org, true
}

func (s *Server) authorize(r *http.Request, ch *Channel, now time.Time) error {
	if !ch.RequireAuth {
		return nil
	}
	if s.jwt == nil {
		return fmt.Errorf("channel requires auth but no verifier is configured")
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return fmt.Errorf("missing bearer token")
	}
	_, err := s.jwt.Verify(token, now)
	return err
}

// masterHandlerFunc serves the multivariant playlist with rendition
// URIs rewritten onto this gateway, so variant polls flow back through
// the ad insertion path. The origin ladder itself is never altered.
func (s *Server) masterHandlerFunc(w http.ResponseWriter, r *http.Request) {
	log := logging.SubLoggerWithRequestID(slog.Default(), r)
	now, err := requestNow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch, org, ok := s.channelFromRequest(w, r, log, now)
	if !ok {
		return
	}
	body, stale, err := s.origin.FetchManifest(r.Context(), ch.OriginURL, manifestTTL(ch))
	if err != nil {
		log.Error("origin master fetch failed", "channel", ch.ID, "err", err)
		http.Error(w, "origin unavailable", http.StatusGatewayTimeout)
		return
	}
	master, err := hls.ParseMaster(string(body))
	if err != nil {
		// An unparsable master still plays if passed through untouched.
		log.Warn("master parse failed, passing through", "channel", ch.ID, "err", err)
		writeManifest(w, ch, body)
		return
	}
	if len(ch.LadderBps()) == 0 {
		s.persistLadder(r.Context(), log, ch, master)
	}

	bwByURI := make(map[string]uint32, len(master.Variants))
	for _, v := range master.Variants {
		bwByURI[v.URI] = v.BandwidthBps
	}
	extra := propagatedParams(r)
	text := master.RewriteURIs(func(uri string) string {
		return s.selfVariantURI(org, ch, uri, bwByURI[uri], extra)
	})
	if stale {
		log.Info("served stale master", "channel", ch.ID)
	}
	writeManifest(w, ch, []byte(text))
}

func (s *Server) persistLadder(ctx context.Context, log *slog.Logger, ch *Channel, master *hls.MasterPlaylist) {
	seen := make(map[uint32]bool, len(master.Variants))
	var ladder []uint32
	for _, v := range master.Variants {
		if v.BandwidthBps > 0 && !seen[v.BandwidthBps] {
			seen[v.BandwidthBps] = true
			ladder = append(ladder, v.BandwidthBps)
		}
	}
	if len(ladder) == 0 {
		return
	}
	if err := s.catalog.UpdateDetectedLadder(ctx, ch, ladder); err != nil {
		log.Warn("ladder persist failed", "channel", ch.ID, "err", err)
	}
}

// propagatedParams carries the per-request knobs from the master
// request into the rewritten variant URIs.
func propagatedParams(r *http.Request) url.Values {
	out := url.Values{}
	q := r.URL.Query()
	for _, k := range []string{"mode", "token", "nowMS"} {
		if v := q.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

// selfVariantURI maps one rendition reference onto this gateway.
// References to foreign hosts, or ones carrying their own query
// string, are left alone: the gateway cannot re-derive them.
func (s *Server) selfVariantURI(org *Organization, ch *Channel, uri string, bwBps uint32, extra url.Values) string {
	abs := hls.AbsolutizeURL(ch.OriginURL, uri)
	base := baseDir(ch.OriginURL)
	if !strings.HasPrefix(abs, base) || strings.Contains(abs, "?") {
		return abs
	}
	rel := strings.TrimPrefix(abs, base)
	self := "/" + org.Slug + "/" + ch.Slug + "/" + rel
	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	if bwBps > 0 {
		q.Set("bw", strconv.FormatUint(uint64(bwBps), 10))
	}
	if len(q) > 0 {
		self += "?" + q.Encode()
	}
	return self
}

func baseDir(u string) string {
	idx := strings.LastIndexByte(u, '/')
	if idx < 0 {
		return u
	}
	return u[:idx+1]
}

// variantHandlerFunc serves one rendition playlist: detect SCTE-35,
// consolidate through the coordinator, pick the applicable break, and
// rewrite in the negotiated mode. Every failure on the ad path
// degrades towards plain content; only a dead origin turns into 504.
func (s *Server) variantHandlerFunc(w http.ResponseWriter, r *http.Request) {
	log := logging.SubLoggerWithRequestID(slog.Default(), r)
	now, err := requestNow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch, org, ok := s.channelFromRequest(w, r, log, now)
	if !ok {
		return
	}
	variantPath := chi.URLParam(r, "*")
	if !strings.HasSuffix(variantPath, ".m3u8") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	vid := viewerID(w, r)

	variantURL := baseDir(ch.OriginURL) + variantPath
	body, stale, err := s.origin.FetchManifest(r.Context(), variantURL, manifestTTL(ch))
	if err != nil {
		log.Error("origin variant fetch failed", "channel", ch.ID, "variant", variantPath, "err", err)
		http.Error(w, "origin unavailable", http.StatusGatewayTimeout)
		return
	}
	m, err := hls.ParseMediaPlaylist(string(body))
	if err != nil {
		log.Warn("variant parse failed, passing through", "channel", ch.ID, "variant", variantPath, "err", err)
		writeManifest(w, ch, body)
		return
	}
	m.AbsolutizeURIs(variantURL)

	if breaks := DetectBreaks(ch, m, now, log); len(breaks) > 0 {
		_ = s.coord.OnBreaks(ch, org, breaks, now)
	}

	stored, err := s.store.ListChannel(r.Context(), ch.ID)
	if err != nil {
		log.Warn("state store unavailable, serving content only", "channel", ch.ID, "err", err)
	}
	windowStart, _, _ := m.PDTRange()
	brk := selectBreak(stored, windowStart, now)

	var out string
	if brk == nil {
		out = hls.Render(m.Lines)
	} else {
		out = s.renderWithBreak(r, log, org, ch, m, brk, vid, now)
	}
	out = hls.StripOriginSCTE35(out)
	if stale {
		log.Info("served stale variant", "channel", ch.ID, "variant", variantPath)
	}
	writeManifest(w, ch, []byte(out))
}

// renderWithBreak applies the selected break in the negotiated mode,
// walking the downgrade chain ssai -> sgai -> content-only. A break
// without inventory renders as untouched content.
func (s *Server) renderWithBreak(r *http.Request, log *slog.Logger, org *Organization, ch *Channel,
	m *hls.MediaPlaylist, brk *AdBreak, vid string, now time.Time) string {

	ctx := r.Context()
	pod := brk.Decision
	if pod == nil && brk.DecisionAt == nil {
		p, err := s.coord.LazyDecide(ctx, ch, org, brk)
		if err != nil && err != errNoInventory {
			log.Warn("lazy decision failed", "channel", ch.ID, "breakId", brk.BreakEventID, "err", err)
		}
		pod = p
	}
	if pod.Empty() {
		metrics.fallbacks.WithLabelValues("no_inventory").Inc()
		log.Info("break without inventory, serving content only", "channel", ch.ID, "breakId", brk.BreakEventID)
		return hls.Render(m.Lines)
	}

	mode := NegotiateMode(r, ch)
	if mode == InsertSSAI {
		text, err := s.spliceSSAI(ctx, r, org, ch, m, brk, pod, vid, now)
		if err == nil {
			metrics.rewrites.WithLabelValues(string(InsertSSAI)).Inc()
			s.enqueueImpression(ctx, vid, pod, brk, now)
			return text
		}
		reason := fallbackReason(err)
		metrics.fallbacks.WithLabelValues(reason).Inc()
		log.Info("ssai splice failed, falling back to sgai",
			"channel", ch.ID, "breakId", brk.BreakEventID, "reason", reason, "err", err)
	}

	text := hls.InsertSGAI(m, hls.InterstitialParams{
		ID:           brk.BreakEventID,
		StartDate:    brk.PDTStart,
		DurationMS:   int64(brk.DurationMS),
		AssetListURL: s.assetListURL(r, org, ch, brk),
	})
	metrics.rewrites.WithLabelValues(string(InsertSGAI)).Inc()
	s.enqueueImpression(ctx, vid, pod, brk, now)
	return text
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, hls.ErrWindowRollOut):
		return "window_rollout"
	case errors.Is(err, hls.ErrResumePDTNotFound):
		return "resume_pdt_not_found"
	case errors.Is(err, hls.ErrUnfilledGap):
		return "unfilled_gap"
	default:
		return "splice_error"
	}
}

// spliceSSAI resolves the pod to concrete signed segments for this
// rendition's bitrate and splices them into the window. A computed
// skip count is handed to the coordinator for first-write persistence.
func (s *Server) spliceSSAI(ctx context.Context, r *http.Request, org *Organization, ch *Channel,
	m *hls.MediaPlaylist, brk *AdBreak, pod *AdPod, vid string, now time.Time) (string, error) {

	bw := requestBitrate(r, ch)
	items := pod.ItemsForBitrate(bw)
	adSegs, err := s.adSegments(ctx, org, ch, brk, items, vid, now)
	if err != nil {
		return "", err
	}
	slate := s.slateSegments(ctx, org, ch, brk, bw, vid, now)

	res, err := hls.SpliceSSAI(m, hls.SpliceParams{
		PDTStart:       brk.PDTStart,
		DurationMS:     int64(brk.DurationMS),
		SkipSegments:   int(brk.SkipSegments),
		SkipDurationMS: int64(brk.SkipDurationMS),
		AdSegments:     adSegs,
		Slate:          slate,
	})
	if err != nil {
		return "", err
	}
	if res.SkipComputed {
		s.coord.EnsureSkip(ch, brk.BreakEventID, res.SkipSegments, res.SkipDurationMS)
	}
	return res.Text, nil
}

// requestBitrate is the rendition bandwidth propagated from the master
// rewrite. Unknown means the viewer hit the variant directly; the top
// of the channel ladder is the safest stand-in.
func requestBitrate(r *http.Request, ch *Channel) uint32 {
	if v := r.URL.Query().Get("bw"); v != "" {
		if bw, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(bw)
		}
	}
	var maxBps uint32
	for _, b := range ch.LadderBps() {
		if b > maxBps {
			maxBps = b
		}
	}
	return maxBps
}

// adSegments expands pod items into the segment list for the splice.
// Items carrying inline segments (VAST) keep their own URIs; catalog
// items are loaded from their rendition playlist and rewritten onto
// the signed redirect endpoint.
func (s *Server) adSegments(ctx context.Context, org *Organization, ch *Channel,
	brk *AdBreak, items []AdItem, vid string, now time.Time) ([]hls.AdSegment, error) {

	type itemRun struct {
		item AdItem
		segs []hls.AdSegment
		sign bool
	}
	var runs []itemRun
	var totalMS int64
	for _, it := range items {
		run := itemRun{item: it, segs: it.Segments}
		if len(run.segs) == 0 {
			body, err := s.origin.FetchAdPlaylist(ctx, it.VariantURL)
			if err != nil {
				return nil, fmt.Errorf("ad playlist %s: %w", it.AdID, err)
			}
			run.segs, err = hls.ParseAdPlaylist(body, it.VariantURL)
			if err != nil {
				return nil, fmt.Errorf("ad playlist %s: %w", it.AdID, err)
			}
			run.sign = s.signer != nil
		}
		for _, seg := range run.segs {
			totalMS += seg.DurationMS
		}
		runs = append(runs, run)
	}

	var out []hls.AdSegment
	var cumMS int64
	quartile := 0
	for _, run := range runs {
		for _, seg := range run.segs {
			cumMS += seg.DurationMS
			q := 0
			for quartile < len(quartileEvents) && cumMS*4 >= totalMS*int64(quartile+1) {
				quartile++
				q = quartile
			}
			uri := seg.URI
			if run.sign {
				uri = s.signedAdSegmentURI(org, ch, run.item, uri, brk.BreakEventID, vid, q, now)
			}
			out = append(out, hls.AdSegment{URI: uri, DurationMS: seg.DurationMS})
		}
	}
	return out, nil
}

// slateSegments loads the channel slate rendition nearest the request
// bitrate for gap padding. Failures return nil: a missing slate only
// means a short pod cannot be padded.
func (s *Server) slateSegments(ctx context.Context, org *Organization, ch *Channel,
	brk *AdBreak, bwBps uint32, vid string, now time.Time) []hls.AdSegment {

	ad, err := s.catalog.SlateAd(ctx, ch, org)
	if err != nil {
		return nil
	}
	var rend *AdRendition
	for i := range ad.Renditions {
		if rend == nil || closerBitrate(ad.Renditions[i].BitrateBps, rend.BitrateBps, bwBps) {
			rend = &ad.Renditions[i]
		}
	}
	if rend == nil {
		return nil
	}
	body, err := s.origin.FetchAdPlaylist(ctx, rend.PlaylistURL)
	if err != nil {
		slog.Debug("slate playlist fetch failed", "channel", ch.ID, "err", err)
		return nil
	}
	segs, err := hls.ParseAdPlaylist(body, rend.PlaylistURL)
	if err != nil {
		slog.Debug("slate playlist parse failed", "channel", ch.ID, "err", err)
		return nil
	}
	if s.signer == nil {
		return segs
	}
	item := AdItem{AdID: ad.ID, BitrateBps: rend.BitrateBps}
	signed := make([]hls.AdSegment, 0, len(segs))
	for _, seg := range segs {
		signed = append(signed, hls.AdSegment{
			URI:        s.signedAdSegmentURI(org, ch, item, seg.URI, brk.BreakEventID, vid, 0, now),
			DurationMS: seg.DurationMS,
		})
	}
	return signed
}

// signedAdSegmentURI maps one ad segment onto the redirect endpoint.
// The signature covers path and exp only; the beacon parameters ride
// along unsigned so the same signed path can be shared per viewer.
func (s *Server) signedAdSegmentURI(org *Organization, ch *Channel, item AdItem,
	segURI, breakID, vid string, quartile int, now time.Time) string {

	name := path.Base(segURI)
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	p := fmt.Sprintf("/%s/%s/ad/%s/%dk/%s", org.Slug, ch.Slug, item.AdID, item.BitrateBps/1000, name)
	signed := s.signer.SignedURL(p, now.Add(adURLLifetime))
	signed += "&br=" + url.QueryEscape(breakID) + "&vw=" + url.QueryEscape(vid)
	if quartile > 0 {
		signed += "&q=" + strconv.Itoa(quartile)
	}
	return signed
}

func (s *Server) enqueueImpression(ctx context.Context, vid string, pod *AdPod, brk *AdBreak, now time.Time) {
	reqs := TrackersForBreak(vid, pod, brk.BreakEventID, BeaconImpression, now)
	ttl := brk.ExpiresAt.Sub(now) + breakGracePeriod
	for _, req := range reqs {
		s.beacons.EnqueueOnce(ctx, req, ttl)
	}
}

// assetListURL builds the absolute X-ASSET-LIST target for a break.
func (s *Server) assetListURL(r *http.Request, org *Organization, ch *Channel, brk *AdBreak) string {
	p := fmt.Sprintf("/%s/%s/interstitial/%s/assets.json", org.Slug, ch.Slug, brk.BreakEventID)
	return s.absoluteURL(r, ch, p)
}

// absoluteURL prefixes a gateway path with the external scheme and
// host: the channel's sign host when set, then the configured host,
// then whatever the request carried.
func (s *Server) absoluteURL(r *http.Request, ch *Channel, p string) string {
	host := ch.SignHost
	if host == "" && s.Cfg != nil {
		host = s.Cfg.Host
	}
	if host == "" {
		host = r.Host
	}
	if strings.Contains(host, "://") {
		return host + p
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + host + p
}

func manifestTTL(ch *Channel) time.Duration {
	ttl := ch.ManifestCacheTTLS
	if ttl == 0 {
		ttl = 2
	}
	return time.Duration(ttl) * time.Second
}

func writeManifest(w http.ResponseWriter, ch *Channel, body []byte) {
	ttl := ch.ManifestCacheTTLS
	if ttl == 0 {
		ttl = 2
	}
	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", ttl))
	if _, err := w.Write(body); err != nil {
		slog.Error("could not write manifest response", "err", err)
	}
}
