// Package event is the Redis pub/sub bus connecting workers, the API and
// operator tooling.
//
// Workers publish an event when a task finishes; API handlers that want to
// wait for a result register a future for the task id before enqueueing it,
// so the completion can never slip between enqueue and subscribe. One
// background reader per process fans events out to the registered futures.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

// Channel is the pub/sub channel every h51 process shares.
const Channel = "h51_events"

// Event types.
const (
	TypeTaskComplete = "task_complete"
	TypeTaskError    = "task_error"
	// TypeShutdown asks every listening worker to exit after its current
	// task.
	TypeShutdown = "shutdown"
)

// Task error reasons.
const (
	ReasonClaimLost      = "claim_lost"
	ReasonMalformedTask  = "malformed_task"
	ReasonExecutionError = "execution_error"
)

// Event is one bus message.
type Event struct {
	TaskID string `json:"task_id,omitempty"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Future resolves to the event published for one task.
type Future struct {
	ch chan Event
}

// Wait blocks until the task's event arrives or the context ends.
func (f *Future) Wait(ctx context.Context) (Event, error) {
	select {
	case e := <-f.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Bus multiplexes the shared event channel.
type Bus struct {
	rdb redis.UniversalClient

	mu       sync.Mutex
	waiters  map[string][]*Future
	shutdown []chan struct{}
}

// NewBus returns a bus over the given Redis client. Run must be started for
// futures and shutdown notifications to resolve.
func NewBus(rdb redis.UniversalClient) *Bus {
	return &Bus{
		rdb:     rdb,
		waiters: map[string][]*Future{},
	}
}

// Publish sends an event on the shared channel.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Await registers a future for the task id. Call before enqueueing the task.
func (b *Bus) Await(taskID string) *Future {
	f := &Future{ch: make(chan Event, 1)}
	b.mu.Lock()
	b.waiters[taskID] = append(b.waiters[taskID], f)
	b.mu.Unlock()
	return f
}

// Forget drops a future whose caller stopped waiting.
func (b *Bus) Forget(taskID string, f *Future) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.waiters[taskID]
	for i, w := range list {
		if w == f {
			b.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}

// NotifyShutdown registers a channel closed when a shutdown event arrives.
func (b *Bus) NotifyShutdown() <-chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.shutdown = append(b.shutdown, ch)
	b.mu.Unlock()
	return ch
}

// Run subscribes to the shared channel and dispatches events until the
// context ends. It is the single background reader for the process.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	// Force the subscription before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to event channel: %w", err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Errorf(ctx, err, "dropping undecodable event")
				continue
			}
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Type == TypeShutdown {
		for _, ch := range b.shutdown {
			close(ch)
		}
		b.shutdown = nil
		return
	}

	for _, f := range b.waiters[e.TaskID] {
		// Futures are buffered so dispatch never blocks.
		select {
		case f.ch <- e:
		default:
		}
	}
	delete(b.waiters, e.TaskID)
}
