// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultBuckets = []float64{5, 10, 20, 50, 100, 200, 500, 1000}
	prometheusMW   prometheusMiddleware
	metrics        domainMetrics
)

const (
	manifestReqsName    = "manifest_requests_total"
	manifestLatencyName = "manifest_request_duration_milliseconds"
	segReqsName         = "segment_requests_total"
	segLatencyName      = "segment_request_duration_milliseconds"
	service             = "adgate"
)

// prometheusMiddleware provides a handler that exposes prometheus metrics for various requests
type prometheusMiddleware struct {
	manifestReqs    *prometheus.CounterVec
	manifestLatency *prometheus.HistogramVec
	segReqs         *prometheus.CounterVec
	segLatency      *prometheus.HistogramVec
}

// domainMetrics counts the ad-insertion pipeline itself rather than
// HTTP traffic: detected breaks, decision outcomes per source, rewrite
// modes, fallbacks taken, and beacon enqueue results.
type domainMetrics struct {
	breaksDetected prometheus.Counter
	decisions      *prometheus.CounterVec
	rewrites       *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	beacons        *prometheus.CounterVec
	beaconDrops    prometheus.Counter
	originRetries  prometheus.Counter
	staleManifests prometheus.Counter
}

func init() {
	prometheusMW.manifestReqs = newCounter(manifestReqsName,
		"Number of manifest requests processed, partitioned by status code.", service)
	prometheusMW.manifestLatency = newHistogram(manifestLatencyName,
		"Manifest response latency.", service, defaultBuckets)
	prometheusMW.segReqs = newCounter(segReqsName,
		"Number of ad segment redirect requests processed, partitioned by status code.", service)
	prometheusMW.segLatency = newHistogram(segLatencyName,
		"Ad segment redirect response latency.", service, defaultBuckets)

	metrics.breaksDetected = newPlainCounter("adbreaks_detected_total",
		"Number of ad breaks created in the state store.")
	metrics.decisions = newLabeledCounter("ad_decisions_total",
		"Number of ad decisions, partitioned by source (vast, pod, slate, empty).", "source")
	metrics.rewrites = newLabeledCounter("manifest_rewrites_total",
		"Number of media playlists rewritten with an ad break, partitioned by mode.", "mode")
	metrics.fallbacks = newLabeledCounter("insertion_fallbacks_total",
		"Number of insertion downgrades, partitioned by reason.", "reason")
	metrics.beacons = newLabeledCounter("beacons_enqueued_total",
		"Number of tracking beacons enqueued, partitioned by event.", "event")
	metrics.beaconDrops = newPlainCounter("beacons_dropped_total",
		"Number of tracking beacons dropped because the queue was unavailable.")
	metrics.originRetries = newPlainCounter("origin_retries_total",
		"Number of origin fetch attempts beyond the first.")
	metrics.staleManifests = newPlainCounter("stale_manifests_served_total",
		"Number of requests served from the last-known-good manifest cache.")
}

// NewPrometheusMiddleware returns a new prometheus Middleware handler.
func NewPrometheusMiddleware() func(next http.Handler) http.Handler {
	return prometheusMW.handler
}

func (mw prometheusMiddleware) handler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := strconv.Itoa(ww.Status())
		latencyMS := float64(time.Since(start).Nanoseconds()) * 1e-6
		switch {
		case strings.HasSuffix(path, ".m3u8"):
			mw.manifestReqs.WithLabelValues(status).Inc()
			mw.manifestLatency.WithLabelValues(status).Observe(latencyMS)
		case strings.Contains(path, "/ad/"):
			mw.segReqs.WithLabelValues(status).Inc()
			mw.segLatency.WithLabelValues(status).Observe(latencyMS)
		}
	}
	return http.HandlerFunc(fn)
}

func newCounter(counterName, help, serviceName string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        counterName,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"code"},
	)
	prometheus.MustRegister(cv)
	return cv
}

func newHistogram(histogramName, help, serviceName string, buckets []float64) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        histogramName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
		Buckets:     buckets,
	},
		[]string{"code"},
	)
	prometheus.MustRegister(h)
	return h
}

func newPlainCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": service},
	})
	prometheus.MustRegister(c)
	return c
}

func newLabeledCounter(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": service},
	}, labels)
	prometheus.MustRegister(cv)
	return cv
}
