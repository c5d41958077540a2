package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a durable FIFO work queue over a broker list. Unlike pub/sub,
// queued items survive consumer restarts and are delivered at-least-once to
// exactly one consumer per pop.
type Queue struct {
	rdb *redis.Client
}

// NewQueue builds a queue facade over an existing broker client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Push appends an item to the named queue.
func (q *Queue) Push(ctx context.Context, name string, item any) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := q.rdb.RPush(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("push %s: %w", name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next item on the named queue. The bounded
// timeout exists so callers can check for shutdown between waits; on timeout
// with no item it returns (nil, nil).
func (q *Queue) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BLPop(ctx, timeout, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop %s: %w", name, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("pop %s: unexpected reply length %d", name, len(res))
	}
	return []byte(res[1]), nil
}

// Len returns the number of items waiting on the named queue.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.rdb.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", name, err)
	}
	return n, nil
}
