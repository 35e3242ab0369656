// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisQueueKey is the list the fire-out workers consume from.
const redisQueueKey = "beacon:fires"

const enqueueTimeout = 300 * time.Millisecond

// RedisQueue pushes fire records onto a redis list as JSON, one message per
// record. Ordering is not required by the consumers.
type RedisQueue struct {
	rdb redis.UniversalClient
}

func NewRedisQueue(rdb redis.UniversalClient) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, batch []FireRequest) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > MaxBatch {
		return fmt.Errorf("beacon: batch %d exceeds max %d", len(batch), MaxBatch)
	}
	msgs := make([]any, 0, len(batch))
	for _, fr := range batch {
		raw, err := json.Marshal(fr)
		if err != nil {
			return err
		}
		if len(raw) > MaxMessageSize {
			return fmt.Errorf("beacon: message %d bytes exceeds max %d", len(raw), MaxMessageSize)
		}
		msgs = append(msgs, raw)
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	return q.rdb.LPush(ctx, redisQueueKey, msgs...).Err()
}

// MemoryQueue collects fire records in-process; tests and single-node runs.
type MemoryQueue struct {
	mu    sync.Mutex
	fires []FireRequest
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, batch []FireRequest) error {
	q.mu.Lock()
	q.fires = append(q.fires, batch...)
	q.mu.Unlock()
	return nil
}

// Drain returns and clears the collected records.
func (q *MemoryQueue) Drain() []FireRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.fires
	q.fires = nil
	return out
}
