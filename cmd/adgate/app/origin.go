// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	originAttemptTimeout = 1500 * time.Millisecond
	originTotalTimeout   = 3 * time.Second
	adAttemptTimeout     = 500 * time.Millisecond
	adTotalTimeout       = 1500 * time.Millisecond
	originMaxAttempts    = 3
	originBackoffBase    = 100 * time.Millisecond
	originBackoffCap     = 400 * time.Millisecond
	originBodyLimit      = 4 << 20

	// Ad renditions are static VOD assets; their playlists rarely change.
	adPlaylistCacheTTL = 5 * time.Minute

	// lastGoodFactor scales the manifest cache TTL into the lifetime
	// of the last-known-good copy kept in Redis.
	lastGoodFactor = 10
)

func lastGoodKey(url string) string {
	return fmt.Sprintf("lkg:%s", url)
}

type cachedManifest struct {
	body    []byte
	fetched time.Time
}

// OriginClient fetches upstream playlists with bounded retries, a
// short in-process cache, and a Redis last-known-good fallback. All
// concurrent requests for the same URL collapse into one origin fetch.
type OriginClient struct {
	client *http.Client
	rdb    *redis.Client
	group  singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedManifest
}

func NewOriginClient(rdb *redis.Client) *OriginClient {
	return &OriginClient{
		client: &http.Client{},
		rdb:    rdb,
		cache:  make(map[string]cachedManifest),
	}
}

// FetchManifest returns the live playlist at url. ttl bounds the
// in-process cache; a live playlist should use roughly half its target
// duration so the edge keeps moving. The stale return is true when the
// body came from the last-known-good copy after origin failure.
func (o *OriginClient) FetchManifest(ctx context.Context, url string, ttl time.Duration) (body []byte, stale bool, err error) {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return o.fetch(ctx, url, ttl, originAttemptTimeout, originTotalTimeout, true)
}

// FetchAdPlaylist loads an ad rendition playlist under the tighter ad
// budget. No last-known-good: a missing ad playlist downgrades the
// insertion, it never has to keep a stream alive.
func (o *OriginClient) FetchAdPlaylist(ctx context.Context, url string) ([]byte, error) {
	body, _, err := o.fetch(ctx, url, adPlaylistCacheTTL, adAttemptTimeout, adTotalTimeout, false)
	return body, err
}

func (o *OriginClient) fetch(ctx context.Context, url string, ttl, attemptTimeout, totalTimeout time.Duration, lastGood bool) ([]byte, bool, error) {
	o.mu.Lock()
	if c, ok := o.cache[url]; ok && time.Since(c.fetched) < ttl {
		o.mu.Unlock()
		return c.body, false, nil
	}
	o.mu.Unlock()

	type fetchOut struct {
		body  []byte
		stale bool
	}
	v, err, _ := o.group.Do(url, func() (any, error) {
		b, fetchErr := o.fetchWithRetry(ctx, url, attemptTimeout, totalTimeout)
		if fetchErr == nil {
			o.mu.Lock()
			o.cache[url] = cachedManifest{body: b, fetched: time.Now()}
			o.mu.Unlock()
			if lastGood {
				o.storeLastGood(ctx, url, b, ttl)
			}
			return fetchOut{body: b}, nil
		}
		if lastGood {
			if lg := o.lastGood(ctx, url); lg != nil {
				metrics.staleManifests.Inc()
				slog.Warn("origin unavailable, serving last-known-good manifest", "url", url, "err", fetchErr)
				return fetchOut{body: lg, stale: true}, nil
			}
		}
		return nil, fmt.Errorf("%w: %v", errOriginUnavailable, fetchErr)
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(fetchOut)
	return out.body, out.stale, nil
}

// fetchWithRetry makes up to originMaxAttempts GETs with exponential
// backoff, all inside the total budget. 4xx responses are not retried:
// the origin answered, the answer is final.
func (o *OriginClient) fetchWithRetry(ctx context.Context, url string, attemptTimeout, totalTimeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()
	backoff := originBackoffBase
	var lastErr error
	for attempt := 1; attempt <= originMaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.originRetries.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if backoff *= 2; backoff > originBackoffCap {
				backoff = originBackoffCap
			}
		}
		body, retriable, err := o.fetchOnce(ctx, url, attemptTimeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retriable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (o *OriginClient) fetchOnce(ctx context.Context, url string, attemptTimeout time.Duration) (body []byte, retriable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		b, err := io.ReadAll(io.LimitReader(resp.Body, originBodyLimit))
		if err != nil {
			return nil, true, err
		}
		return b, false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("origin status %d for %s", resp.StatusCode, url)
	default:
		return nil, false, fmt.Errorf("origin status %d for %s", resp.StatusCode, url)
	}
}

func (o *OriginClient) storeLastGood(ctx context.Context, url string, body []byte, ttl time.Duration) {
	if o.rdb == nil {
		return
	}
	err := o.rdb.Set(ctx, lastGoodKey(url), body, ttl*lastGoodFactor).Err()
	if err != nil {
		slog.Debug("last-known-good store failed", "url", url, "err", err)
	}
}

func (o *OriginClient) lastGood(ctx context.Context, url string) []byte {
	if o.rdb == nil {
		return nil
	}
	b, err := o.rdb.Get(ctx, lastGoodKey(url)).Bytes()
	if err != nil {
		return nil
	}
	return b
}
