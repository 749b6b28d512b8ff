package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// heartbeatScript extends the lock's lifetime only while the caller still
// holds it, so a worker whose lock lapsed cannot resurrect a claim another
// worker may have taken.
var heartbeatScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return -1
`)

// releaseScript drops the lock only while the caller holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Queue is the Redis task queue shared by the API (producer) and the asset
// workers (consumers).
type Queue struct {
	rdb redis.UniversalClient
}

// NewQueue returns a queue over the given Redis client.
func NewQueue(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue stores the task and indexes it as pending. The id and created
// timestamp are filled in when empty.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID(t.Type)
	}
	if t.Created == 0 {
		t.Created = float64(time.Now().UnixNano()) / 1e9
	}
	fields, err := t.toHash()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, t.ID, fields)
	pipe.SAdd(ctx, pendingKey, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Pending returns the queued task ids in random order. The shuffle spreads
// concurrent workers across the pool instead of having them all fight over
// the same task.
func (q *Queue) Pending(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids, nil
}

// Load reads and validates the task record. A missing record returns
// ErrNotFound; a record that fails validation returns ErrMalformed.
func (q *Queue) Load(ctx context.Context, id string) (*Task, error) {
	fields, err := q.rdb.HGetAll(ctx, id).Result()
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(id, fields)
}

// Claim takes the task's lock for the worker. Exactly one concurrent caller
// wins; the rest get ErrClaimed.
func (q *Queue) Claim(ctx context.Context, id, workerID string, lifespan time.Duration) error {
	ok, err := q.rdb.SetNX(ctx, lockPrefix+id, workerID, lifespan).Result()
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		return ErrClaimed
	}
	if err := q.rdb.HSet(ctx, id, "assigned_to", workerID).Err(); err != nil {
		return fmt.Errorf("record task assignment: %w", err)
	}
	return nil
}

// Heartbeat extends the worker's claim. ErrClaimLost means the lock expired
// or was taken over; the worker must abandon the task without writing
// results.
func (q *Queue) Heartbeat(ctx context.Context, id, workerID string, lifespan time.Duration) error {
	res, err := heartbeatScript.Run(ctx, q.rdb,
		[]string{lockPrefix + id}, workerID, lifespan.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("heartbeat task: %w", err)
	}
	if res < 0 {
		return ErrClaimLost
	}
	return nil
}

// Claimed reports whether any worker currently holds the task's lock.
func (q *Queue) Claimed(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.Exists(ctx, lockPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check task lock: %w", err)
	}
	return n > 0, nil
}

// Release puts the task back in the pool, dropping the worker's lock and the
// assignment. Used when a worker shuts down mid-claim without finishing.
func (q *Queue) Release(ctx context.Context, id, workerID string) error {
	if err := releaseScript.Run(ctx, q.rdb,
		[]string{lockPrefix + id}, workerID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release task lock: %w", err)
	}
	if err := q.rdb.HDel(ctx, id, "assigned_to").Err(); err != nil {
		return fmt.Errorf("clear task assignment: %w", err)
	}
	return nil
}

// Complete removes the finished task, its pending index entry and its lock.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, pendingKey, id)
	pipe.Del(ctx, id)
	pipe.Del(ctx, lockPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Drop removes the task without a claim check. Operator tooling uses force
// to also discard tasks workers currently hold.
func (q *Queue) Drop(ctx context.Context, id string, force bool) (bool, error) {
	if !force {
		claimed, err := q.Claimed(ctx, id)
		if err != nil {
			return false, err
		}
		if claimed {
			return false, nil
		}
	}
	if err := q.Complete(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot summarizes the queue for monitoring.
type Snapshot struct {
	// Total counts queued tasks, Claimed those currently locked.
	Total   int
	Claimed int
	// OldestAge is the age of the oldest queued task.
	OldestAge time.Duration
}

// Stats reads the queue's monitoring snapshot.
func (q *Queue) Stats(ctx context.Context, now time.Time) (Snapshot, error) {
	ids, err := q.rdb.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list pending tasks: %w", err)
	}
	snap := Snapshot{Total: len(ids)}
	for _, id := range ids {
		t, err := q.Load(ctx, id)
		if err != nil {
			continue
		}
		age := now.Sub(time.Unix(0, int64(t.Created*1e9)))
		if age > snap.OldestAge {
			snap.OldestAge = age
		}
		claimed, err := q.Claimed(ctx, id)
		if err == nil && claimed {
			snap.Claimed++
		}
	}
	return snap, nil
}
