package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewBus(rdb)
}

func runBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()
	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)
}

func TestFutureResolvesOnEvent(t *testing.T) {
	b := newBus(t)
	runBus(t, b)

	f := b.Await("h51_analyze_task:abc")
	require.NoError(t, b.Publish(context.Background(), Event{
		TaskID: "h51_analyze_task:abc",
		Type:   TypeTaskComplete,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeTaskComplete, e.Type)
}

func TestFutureCarriesErrorReason(t *testing.T) {
	b := newBus(t)
	runBus(t, b)

	f := b.Await("h51_generate_variation_task:xyz")
	require.NoError(t, b.Publish(context.Background(), Event{
		TaskID: "h51_generate_variation_task:xyz",
		Type:   TypeTaskError,
		Reason: ReasonExecutionError,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeTaskError, e.Type)
	assert.Equal(t, ReasonExecutionError, e.Reason)
}

func TestSubscribeBeforeEnqueueNeverMisses(t *testing.T) {
	b := newBus(t)
	runBus(t, b)

	// The future is registered before the event fires, the publish can race
	// the wait and the result still arrives.
	f := b.Await("task-1")
	require.NoError(t, b.Publish(context.Background(), Event{TaskID: "task-1", Type: TypeTaskComplete}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.NoError(t, err)
}

func TestWaitHonorsContext(t *testing.T) {
	b := newBus(t)
	runBus(t, b)

	f := b.Await("never-resolved")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForget(t *testing.T) {
	b := newBus(t)
	f := b.Await("task-1")
	b.Forget("task-1", f)

	b.dispatch(Event{TaskID: "task-1", Type: TypeTaskComplete})
	select {
	case <-f.ch:
		t.Fatal("forgotten future should not resolve")
	default:
	}
}

func TestMultipleWaitersResolve(t *testing.T) {
	b := newBus(t)
	f1 := b.Await("task-1")
	f2 := b.Await("task-1")

	b.dispatch(Event{TaskID: "task-1", Type: TypeTaskComplete})

	for _, f := range []*Future{f1, f2} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := f.Wait(ctx)
		cancel()
		assert.NoError(t, err)
	}
}

func TestShutdownBroadcast(t *testing.T) {
	b := newBus(t)
	runBus(t, b)

	ch := b.NotifyShutdown()
	require.NoError(t, b.Publish(context.Background(), Event{Type: TypeShutdown}))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown notification never arrived")
	}
}
