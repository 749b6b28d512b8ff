package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, defaultLimit int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return New(rdb, defaultLimit), srv
}

func TestAllowUnderLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, 3)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "acct", nil)
		require.NoError(t, err)
		assert.True(t, res.Allowed, i)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "acct", nil)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestAccountLimitOverridesDefault(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, 100)

	one := 1
	res, err := l.Allow(ctx, "acct", &one)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Limit)

	res, err = l.Allow(ctx, "acct", &one)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestWindowResets(t *testing.T) {
	ctx := context.Background()
	l, srv := newLimiter(t, 1)

	res, err := l.Allow(ctx, "acct", nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "acct", nil)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	srv.FastForward(2 * time.Second)

	res, err = l.Allow(ctx, "acct", nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAccountsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, 1)

	res, err := l.Allow(ctx, "a", nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "b", nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestExactHeadroomUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(ctx, "acct", nil)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
