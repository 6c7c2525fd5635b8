// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adgate/adgate/pkg/logging"
)

// adSegmentHandlerFunc verifies the URL signature and 302-redirects
// the player to the object store. The gateway never serves ad bytes.
// Quartile beacons ride in as the unsigned q parameter: serving the
// segment that crosses a mark is the playback evidence for it.
func (s *Server) adSegmentHandlerFunc(w http.ResponseWriter, r *http.Request) {
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
	adID := chi.URLParam(r, "adID")
	kbpsPart := chi.URLParam(r, "kbps")
	seg := chi.URLParam(r, "seg")

	q := r.URL.Query()
	if s.signer == nil {
		http.Error(w, "signing not configured", http.StatusForbidden)
		return
	}
	p := fmt.Sprintf("/%s/%s/ad/%s/%s/%s", org.Slug, ch.Slug, adID, kbpsPart, seg)
	if err := s.signer.Verify(p, q.Get("exp"), q.Get("sig"), now); err != nil {
		log.Info("ad segment signature rejected", "channel", ch.ID, "path", p, "err", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	kbps, err := strconv.ParseUint(strings.TrimSuffix(kbpsPart, "k"), 10, 32)
	if err != nil {
		http.Error(w, "bad bitrate", http.StatusBadRequest)
		return
	}
	target, err := s.resolveAdSegment(r, ch, adID, uint32(kbps)*1000, seg)
	if err != nil {
		log.Warn("ad segment unresolved", "channel", ch.ID, "ad", adID, "seg", seg, "err", err)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.fireQuartiles(r, ch, now)

	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", segmentTTL(ch)))
	http.Redirect(w, r, target, http.StatusFound)
}

// resolveAdSegment maps (ad, bitrate, segment) to its object-store
// URL: the matching rendition's playlist directory, else the channel's
// conventional pod layout.
func (s *Server) resolveAdSegment(r *http.Request, ch *Channel, adID string, bps uint32, seg string) (string, error) {
	ad, err := s.catalog.AdByID(r.Context(), adID)
	if err == nil {
		for _, rend := range ad.Renditions {
			if rend.BitrateBps == bps {
				return baseDir(rend.PlaylistURL) + seg, nil
			}
		}
	} else if err != errNotFound {
		return "", err
	}
	if ch.AdPodBaseURL != "" {
		return fmt.Sprintf("%s/%s/%dk/%s", strings.TrimSuffix(ch.AdPodBaseURL, "/"), adID, bps/1000, seg), nil
	}
	return "", errNotFound
}

// fireQuartiles enqueues every quartile mark up to q. Firing the run
// instead of only the tagged mark keeps the counts whole when a player
// skips segment fetches; the per-event dedupe makes replays free.
func (s *Server) fireQuartiles(r *http.Request, ch *Channel, now time.Time) {
	query := r.URL.Query()
	qv := query.Get("q")
	breakID := query.Get("br")
	vid := query.Get("vw")
	if qv == "" || breakID == "" || vid == "" {
		return
	}
	mark, err := strconv.Atoi(qv)
	if err != nil || mark < 1 || mark > len(quartileEvents) {
		return
	}
	brk, err := s.store.Get(r.Context(), ch.ID, breakID)
	if err != nil || brk.Decision.Empty() {
		return
	}
	ttl := brk.ExpiresAt.Sub(now) + breakGracePeriod
	for i := 1; i <= mark; i++ {
		for _, req := range TrackersForBreak(vid, brk.Decision, breakID, quartileEvents[i-1], now) {
			s.beacons.EnqueueOnce(r.Context(), req, ttl)
		}
	}
}

func segmentTTL(ch *Channel) uint32 {
	if ch.SegmentCacheTTLS == 0 {
		return 60
	}
	return ch.SegmentCacheTTLS
}

// interstitialAsset is one entry of the Apple asset-list response.
type interstitialAsset struct {
	URI      string  `json:"URI"`
	Duration float64 `json:"DURATION"`
}

type interstitialAssetList struct {
	Assets []interstitialAsset `json:"ASSETS"`
}

// assetListHandlerFunc renders the HLS Interstitials asset list for a
// break from its stored decision. Breaks without inventory fall back
// to the configured slate so the player never gets an empty list.
func (s *Server) assetListHandlerFunc(w http.ResponseWriter, r *http.Request) {
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
	breakID := chi.URLParam(r, "breakID")
	brk, err := s.store.Get(r.Context(), ch.ID, breakID)
	if err == errNotFound {
		http.Error(w, "unknown break", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("state store read failed", "channel", ch.ID, "breakId", breakID, "err", err)
		http.Error(w, "state store", http.StatusInternalServerError)
		return
	}

	pod := brk.Decision
	if pod == nil && brk.DecisionAt == nil {
		pod, err = s.coord.LazyDecide(r.Context(), ch, org, brk)
		if err != nil && err != errNoInventory {
			log.Warn("lazy decision failed", "channel", ch.ID, "breakId", breakID, "err", err)
		}
	}
	assets := s.assetsForPod(r.Context(), ch, org, pod, int64(brk.DurationMS))
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", ch.ManifestCacheTTLS))
	s.jsonResponse(w, interstitialAssetList{Assets: assets}, http.StatusOK)
}

// assetsForPod picks one rendition per ad, nearest the top of the
// channel ladder. Interstitial players fetch these directly, so URIs
// stay on the object store.
func (s *Server) assetsForPod(ctx context.Context, ch *Channel, org *Organization, pod *AdPod, breakDurMS int64) []interstitialAsset {
	var bw uint32
	for _, b := range ch.LadderBps() {
		if b > bw {
			bw = b
		}
	}
	var assets []interstitialAsset
	for _, it := range pod.ItemsForBitrate(bw) {
		assets = append(assets, interstitialAsset{
			URI:      it.VariantURL,
			Duration: float64(it.DurationMS) / 1000.0,
		})
	}
	if len(assets) > 0 {
		return assets
	}
	// No inventory: hold the break open with the slate creative, or
	// the configured fallback when the catalog has none.
	if ad, err := s.catalog.SlateAd(ctx, ch, org); err == nil {
		var rend *AdRendition
		for i := range ad.Renditions {
			if rend == nil || closerBitrate(ad.Renditions[i].BitrateBps, rend.BitrateBps, bw) {
				rend = &ad.Renditions[i]
			}
		}
		if rend != nil {
			return []interstitialAsset{{URI: rend.PlaylistURL, Duration: float64(breakDurMS) / 1000.0}}
		}
	}
	if s.Cfg != nil && s.Cfg.FallbackSlateURL != "" {
		return []interstitialAsset{{URI: s.Cfg.FallbackSlateURL, Duration: float64(breakDurMS) / 1000.0}}
	}
	return nil
}
