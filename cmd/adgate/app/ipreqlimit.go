// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// IPRequestLimiter limits the number of requests per IP address and interval.
type IPRequestLimiter struct {
	MaxNrRequests int
	Interval      time.Duration
	resetTime     time.Time
	counters      map[string]int
	mux           sync.Mutex
}

// NewIPRequestLimiter returns a limiter with counters starting at start.
func NewIPRequestLimiter(maxNrRequests int, interval time.Duration, start time.Time) *IPRequestLimiter {
	return &IPRequestLimiter{
		MaxNrRequests: maxNrRequests,
		Interval:      interval,
		resetTime:     start,
		counters:      make(map[string]int),
	}
}

// NewLimiterMiddleware returns a middleware that responds 429 Too Many Requests
// once an IP address exceeds the limiter's budget for the current interval.
// The request count is reported in the hdrName header.
func NewLimiterMiddleware(hdrName string, ltr *IPRequestLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ip, err := ipFromRequest(r)
			if err != nil {
				http.Error(w, "could not read client IP", http.StatusBadRequest)
				return
			}
			count, ok := ltr.Inc(time.Now(), ip)
			if hdrName != "" {
				w.Header().Set(hdrName, fmt.Sprintf("%d (max %d)", count, ltr.MaxNrRequests))
			}
			if !ok {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// Inc increments the number of requests for key and reports if within budget.
func (il *IPRequestLimiter) Inc(now time.Time, key string) (int, bool) {
	il.mux.Lock()
	defer il.mux.Unlock()
	if now.Sub(il.resetTime) > il.Interval {
		il.counters = make(map[string]int)
		il.resetTime = now
	}
	il.counters[key]++
	val := il.counters[key]
	return val, val <= il.MaxNrRequests
}

// Count returns the number of requests made by key in the current interval.
func (il *IPRequestLimiter) Count(key string) int {
	il.mux.Lock()
	defer il.mux.Unlock()
	return il.counters[key]
}

// EndTime returns when the current interval ends.
func (il *IPRequestLimiter) EndTime() time.Time {
	il.mux.Lock()
	defer il.mux.Unlock()
	return il.resetTime.Add(il.Interval)
}

func ipFromRequest(req *http.Request) (string, error) {
	forwardIP := req.Header.Get("X-Forwarded-For")
	if forwardIP != "" {
		return forwardIP, nil
	}
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return "", err
	}
	userIP := net.ParseIP(ip)
	if userIP == nil {
		return "", fmt.Errorf("no IP found")
	}
	return userIP.String(), nil
}
