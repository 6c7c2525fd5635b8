// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	storeSoftTimeout = 50 * time.Millisecond
	storeHardTimeout = 300 * time.Millisecond

	breakTTLMin = 5 * time.Second
	breakTTLMax = time.Hour
)

// breakPutScript writes a break if and only if the stored version
// matches the caller's expectation. The version lives in a hash field
// next to the JSON payload so the comparison never parses JSON in Lua.
// The per-channel index set expiry is only ever extended, so a
// short-lived break cannot cut the index from under a longer one.
var breakPutScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if v == false then
  v = '0'
end
if v ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
local cur = redis.call('PTTL', KEYS[2])
if cur < tonumber(ARGV[4]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

// BreakStore holds AdBreak records in Redis, keyed
// adbreak:<channel_id>:<break_event_id> with a per-channel index set.
type BreakStore struct {
	rdb *redis.Client
}

func NewBreakStore(rdb *redis.Client) *BreakStore {
	return &BreakStore{rdb: rdb}
}

func breakKey(channelID, breakEventID string) string {
	return fmt.Sprintf("adbreak:%s:%s", channelID, breakEventID)
}

func channelIndexKey(channelID string) string {
	return fmt.Sprintf("adbreaks:%s", channelID)
}

// breakTTL returns the store lifetime of a break record.
func breakTTL(b *AdBreak, now time.Time) time.Duration {
	ttl := b.PDTEnd.Sub(now) + breakGracePeriod
	if ttl < breakTTLMin {
		ttl = breakTTLMin
	}
	if ttl > breakTTLMax {
		ttl = breakTTLMax
	}
	return ttl
}

// Put writes b with a compare-and-set on its version. b.Version must
// hold the version the caller last read (zero for a new break); on
// success it is incremented in place. Returns ErrVersionConflict when
// another writer got there first.
func (s *BreakStore) Put(ctx context.Context, b *AdBreak, now time.Time) error {
	expected := b.Version
	b.Version = expected + 1
	data, err := json.Marshal(b)
	if err != nil {
		b.Version = expected
		return fmt.Errorf("marshal break: %w", err)
	}
	ttl := breakTTL(b, now)

	ctx, cancel := context.WithTimeout(ctx, storeHardTimeout)
	defer cancel()
	start := time.Now()
	res, err := breakPutScript.Run(ctx, s.rdb,
		[]string{breakKey(b.ChannelID, b.BreakEventID), channelIndexKey(b.ChannelID)},
		expected, b.Version, data, ttl.Milliseconds(), b.BreakEventID).Result()
	warnIfSlow(start, "store put", breakKey(b.ChannelID, b.BreakEventID))
	if err != nil {
		b.Version = expected
		return fmt.Errorf("store put: %w", err)
	}
	if ok, isInt := res.(int64); !isInt || ok != 1 {
		b.Version = expected
		return ErrVersionConflict
	}
	return nil
}

// Get returns the stored break or errNotFound.
func (s *BreakStore) Get(ctx context.Context, channelID, breakEventID string) (*AdBreak, error) {
	ctx, cancel := context.WithTimeout(ctx, storeHardTimeout)
	defer cancel()
	start := time.Now()
	data, err := s.rdb.HGet(ctx, breakKey(channelID, breakEventID), "data").Bytes()
	warnIfSlow(start, "store get", breakKey(channelID, breakEventID))
	if err == redis.Nil {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	var b AdBreak
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal break: %w", err)
	}
	return &b, nil
}

// ListChannel returns all live breaks of a channel. Index members
// whose record has expired are pruned as a side effect.
func (s *BreakStore) ListChannel(ctx context.Context, channelID string) ([]*AdBreak, error) {
	ctx, cancel := context.WithTimeout(ctx, storeHardTimeout)
	defer cancel()
	start := time.Now()
	ids, err := s.rdb.SMembers(ctx, channelIndexKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store list: %w", err)
	}
	if len(ids) == 0 {
		warnIfSlow(start, "store list", channelID)
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, breakKey(channelID, id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("store list exec: %w", err)
	}
	var breaks []*AdBreak
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store list get: %w", err)
		}
		var b AdBreak
		if err := json.Unmarshal(data, &b); err != nil {
			slog.Warn("dropping undecodable break record", "channel", channelID, "breakId", ids[i], "err", err)
			stale = append(stale, ids[i])
			continue
		}
		breaks = append(breaks, &b)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, channelIndexKey(channelID), stale...).Err()
	}
	warnIfSlow(start, "store list", channelID)
	return breaks, nil
}

// Delete force-expires a break record.
func (s *BreakStore) Delete(ctx context.Context, channelID, breakEventID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeHardTimeout)
	defer cancel()
	n, err := s.rdb.Del(ctx, breakKey(channelID, breakEventID)).Result()
	if err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	_ = s.rdb.SRem(ctx, channelIndexKey(channelID), breakEventID).Err()
	if n == 0 {
		return errNotFound
	}
	return nil
}

func warnIfSlow(start time.Time, op, key string) {
	if elapsed := time.Since(start); elapsed > storeSoftTimeout {
		slog.Warn("slow state store call", "op", op, "key", key, "elapsed", elapsed)
	}
}
