// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestLimiter(t *testing.T) {

	endpointCalledCount := int64(0)

	maxNrRequests := 5
	maxTime := 100 * time.Millisecond
	ltr := NewIPRequestLimiter(maxNrRequests, maxTime, time.Now())
	mw := NewLimiterMiddleware("Adgate-Requests", ltr)

	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&endpointCalledCount, 1)
	}

	mux := http.NewServeMux()

	finalHandler := http.HandlerFunc(handler)
	mux.Handle("/", mw(finalHandler))

	ts := httptest.NewServer(mux)
	defer ts.Close()

	for i := 0; i < maxNrRequests; i++ {
		doRequestAndCheckResponse(t, ts, i+1, maxNrRequests, http.StatusOK)
	}
	for i := maxNrRequests; i <= maxNrRequests+2; i++ {
		doRequestAndCheckResponse(t, ts, i+1, maxNrRequests, http.StatusTooManyRequests)
	}
	time.Sleep(maxTime + 10*time.Millisecond)
	for i := 0; i < maxNrRequests; i++ {
		doRequestAndCheckResponse(t, ts, i+1, maxNrRequests, http.StatusOK)
	}
	if got := atomic.LoadInt64(&endpointCalledCount); got != int64(2*maxNrRequests) {
		t.Errorf("endpoint called %d times instead of %d", got, 2*maxNrRequests)
	}
}

func doRequestAndCheckResponse(t *testing.T, ts *httptest.Server, reqNr, maxNrRequests int, wantedStatus int) {
	t.Helper()
	res, err := http.Get(ts.URL)
	if err != nil {
		t.Error(err)
	}
	limitHeader := res.Header.Get("Adgate-Requests")
	wantedHeader := fmt.Sprintf("%d (max %d)", reqNr, maxNrRequests)
	if limitHeader != wantedHeader {
		t.Errorf("wanted %q, but got %q", wantedHeader, limitHeader)
	}
	if res.StatusCode != wantedStatus {
		t.Errorf("got status %d instead of %d", res.StatusCode, wantedStatus)
	}
}

func TestRequestLimiterForwardedFor(t *testing.T) {
	ltr := NewIPRequestLimiter(1, time.Minute, time.Now())
	mw := NewLimiterMiddleware("Adgate-Requests", ltr)
	srv := httptest.NewServer(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	defer srv.Close()

	for i, wantStatus := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusOK} {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		// Third request comes from another client behind the proxy.
		if i == 2 {
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
		} else {
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != wantStatus {
			t.Errorf("request %d: got status %d instead of %d", i+1, res.StatusCode, wantStatus)
		}
	}
}
