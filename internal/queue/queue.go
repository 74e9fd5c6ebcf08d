// Package queue implements the Redis-backed FIFO of pending lifecycle
// jobs. Producers LPUSH, the single worker BRPOPs, so insertion order is
// preserved end to end.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devdock/devdock/internal/models"
)

// DefaultKey is the Redis list the queue lives in.
const DefaultKey = "devdock:queue"

// Queue pushes and pops encoded tasks on a single named Redis list.
type Queue struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

// New builds a queue over the given Redis address.
func New(addr, key string) (*Queue, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Queue{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		key: key,
		now: time.Now,
	}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{rdb: rdb, key: key, now: time.Now}
}

// Close releases the Redis connection pool.
func (q *Queue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}

// Ping verifies the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue appends a job and returns its advisory task id. It never waits
// for the worker; the only failure mode is the transport to Redis.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) (string, error) {
	taskID := q.newTaskID()
	payload, err := json.Marshal(models.EnqueuedTask{TaskID: taskID, Job: job})
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return "", fmt.Errorf("push task %s: %w", taskID, err)
	}
	return taskID, nil
}

// PopBlocking waits up to timeout for the oldest pending payload. A
// timeout returns ok=false with no error so the caller can re-check
// liveness and loop.
func (q *Queue) PopBlocking(ctx context.Context, timeout time.Duration) (string, bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pop %s: %w", q.key, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("pop %s: unexpected reply of %d elements", q.key, len(res))
	}
	return res[1], true, nil
}

// newTaskID derives an id from the high-resolution clock, unique with
// overwhelming probability for a single producer host.
func (q *Queue) newTaskID() string {
	return strconv.FormatInt(q.now().UnixNano(), 16)
}
