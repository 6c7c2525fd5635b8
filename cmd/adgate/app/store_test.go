// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*miniredis.Miniredis, *redis.Client, *BreakStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb, NewBreakStore(rdb)
}

func testBreak(id string, start time.Time, durationMS uint32) *AdBreak {
	return NewAdBreak("ch1", id, SourceSCTE35, start, durationMS)
}

func TestBreakStorePutGet(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	b := testBreak("1207959695", storeNow.Add(5*time.Second), 30000)
	require.NoError(t, store.Put(ctx, b, storeNow))
	assert.Equal(t, uint64(1), b.Version)

	got, err := store.Get(ctx, "ch1", "1207959695")
	require.NoError(t, err)
	assert.Equal(t, b.BreakEventID, got.BreakEventID)
	assert.Equal(t, b.PDTStart.UTC(), got.PDTStart.UTC())
	assert.Equal(t, uint32(30000), got.DurationMS)
	assert.Equal(t, uint64(1), got.Version)

	_, err = store.Get(ctx, "ch1", "no-such-break")
	assert.ErrorIs(t, err, errNotFound)
}

func TestBreakStoreVersionCAS(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	b := testBreak("77", storeNow, 15000)
	require.NoError(t, store.Put(ctx, b, storeNow))

	// A writer holding a stale version must not clobber the record.
	stale := testBreak("77", storeNow, 15000)
	stale.SkipSegments = 99
	err := store.Put(ctx, stale, storeNow)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, uint64(0), stale.Version, "version rolled back on conflict")

	got, err := store.Get(ctx, "ch1", "77")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.SkipSegments)

	// Read-modify-write with the current version succeeds.
	got.SkipSegments = 16
	got.SkipDurationMS = 30720
	require.NoError(t, store.Put(ctx, got, storeNow))
	assert.Equal(t, uint64(2), got.Version)

	again, err := store.Get(ctx, "ch1", "77")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), again.SkipSegments)
	assert.Equal(t, uint64(2), again.Version)
}

func TestBreakStoreListChannel(t *testing.T) {
	mr, rdb, store := setupStore(t)
	ctx := context.Background()

	early := testBreak("a1", storeNow.Add(2*time.Second), 10000)
	late := testBreak("b2", storeNow.Add(10*time.Minute), 20000)
	require.NoError(t, store.Put(ctx, early, storeNow))
	require.NoError(t, store.Put(ctx, late, storeNow))

	breaks, err := store.ListChannel(ctx, "ch1")
	require.NoError(t, err)
	require.Len(t, breaks, 2)

	breaksOther, err := store.ListChannel(ctx, "ch2")
	require.NoError(t, err)
	assert.Empty(t, breaksOther)

	// Roll past the early break's TTL: it disappears from the list and
	// its index member is pruned.
	mr.FastForward(3 * time.Minute)
	breaks, err = store.ListChannel(ctx, "ch1")
	require.NoError(t, err)
	require.Len(t, breaks, 1)
	assert.Equal(t, "b2", breaks[0].BreakEventID)
	pruned, err := rdb.SIsMember(ctx, channelIndexKey("ch1"), "a1").Result()
	require.NoError(t, err)
	assert.False(t, pruned)
}

func TestBreakStoreDelete(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	b := testBreak("gone", storeNow, 5000)
	require.NoError(t, store.Put(ctx, b, storeNow))
	require.NoError(t, store.Delete(ctx, "ch1", "gone"))

	_, err := store.Get(ctx, "ch1", "gone")
	assert.ErrorIs(t, err, errNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "ch1", "gone"), errNotFound)

	breaks, err := store.ListChannel(ctx, "ch1")
	require.NoError(t, err)
	assert.Empty(t, breaks)
}

func TestBreakStoreIndexTTLOnlyExtended(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	long := testBreak("long", storeNow.Add(30*time.Minute), 30000)
	require.NoError(t, store.Put(ctx, long, storeNow))
	indexTTL := mr.TTL(channelIndexKey("ch1"))

	short := testBreak("short", storeNow, 1000)
	require.NoError(t, store.Put(ctx, short, storeNow))
	assert.GreaterOrEqual(t, mr.TTL(channelIndexKey("ch1")), indexTTL,
		"a short-lived break must not shorten the index expiry")
}

func TestBreakTTLClamping(t *testing.T) {
	cases := []struct {
		desc string
		end  time.Time
		want time.Duration
	}{
		{"normal", storeNow.Add(30 * time.Second), 90 * time.Second},
		{"already ended", storeNow.Add(-10 * time.Minute), breakTTLMin},
		{"far future", storeNow.Add(3 * time.Hour), breakTTLMax},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			b := &AdBreak{PDTEnd: c.end}
			assert.Equal(t, c.want, breakTTL(b, storeNow))
		})
	}
}
