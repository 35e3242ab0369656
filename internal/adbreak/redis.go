// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package adbreak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store operation budget (soft/hard per the concurrency model).
const storeOpTimeout = 300 * time.Millisecond

// casPutScript compares the stored record's version against the caller's
// expectation before replacing it, atomically with the TTL update. A missing
// key always accepts the write: the prior record may simply have expired.
var casPutScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local v = cjson.decode(cur)['version']
  if tostring(v) ~= ARGV[2] then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisStore is the distributed Store. Keys expire server-side; values are
// the JSON wire format of AdBreak.
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Put(ctx context.Context, b *AdBreak, expectedVersion uint64) error {
	if b.Version != expectedVersion+1 {
		return ErrVersionConflict
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	ttl := b.TTL(s.now())
	ok, err := casPutScript.Run(ctx, s.rdb, []string{b.Key()},
		string(raw), fmt.Sprintf("%d", expectedVersion), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("adbreak: redis put: %w", err)
	}
	if ok != 1 {
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, channelID, breakEventID string) (*AdBreak, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	raw, err := s.rdb.Get(ctx, Key(channelID, breakEventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("adbreak: redis get: %w", err)
	}
	var b AdBreak
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *RedisStore) List(ctx context.Context, channelID string) ([]*AdBreak, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	var out []*AdBreak
	iter := s.rdb.Scan(ctx, 0, Key(channelID, "*"), 64).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("adbreak: redis list: %w", err)
		}
		var b AdBreak
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("adbreak: redis scan: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, channelID, breakEventID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	return s.rdb.Del(ctx, Key(channelID, breakEventID)).Err()
}
