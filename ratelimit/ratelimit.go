// Package ratelimit enforces per-account request limits.
//
// Each account gets an atomic Redis counter covering the last second. The
// counter's INCR return value decides the outcome, so concurrent requests
// never over-admit: with a limit of N, exactly the first N increments within
// the window pass.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// window is the measurement period.
const window = time.Second

// Result reports one admission decision plus the header values the API
// returns with it.
type Result struct {
	// Allowed is false once the account exceeded its limit this window.
	Allowed bool
	// Limit is the account's requests-per-second cap.
	Limit int
	// Remaining is the headroom left in the window.
	Remaining int
	// Reset is the unix time the window rolls over.
	Reset float64
}

// Limiter admits or rejects requests per account.
type Limiter struct {
	rdb          redis.UniversalClient
	defaultLimit int
}

// New returns a limiter applying defaultLimit to accounts without a limit of
// their own.
func New(rdb redis.UniversalClient, defaultLimit int) *Limiter {
	return &Limiter{rdb: rdb, defaultLimit: defaultLimit}
}

func rateKey(accountID string) string {
	return fmt.Sprintf("h51_rate:%s:requests_in_last_second", accountID)
}

// Allow counts one request for the account. A nil limit applies the default;
// a zero or negative limit rejects everything.
func (l *Limiter) Allow(ctx context.Context, accountID string, limit *int) (Result, error) {
	max := l.defaultLimit
	if limit != nil {
		max = *limit
	}

	key := rateKey(accountID)
	ttl, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("read rate window: %w", err)
	}

	var count int64
	if ttl > 0 {
		count, err = l.rdb.Incr(ctx, key).Result()
		if err != nil {
			return Result{}, fmt.Errorf("count request: %w", err)
		}
	} else {
		// Fresh window: set the expiry alongside the first increment so a
		// crash between the two cannot leave an immortal counter.
		pipe := l.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return Result{}, fmt.Errorf("open rate window: %w", err)
		}
		count = incr.Val()
		ttl = window
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   int(count) <= max,
		Limit:     max,
		Remaining: remaining,
		Reset:     float64(time.Now().Add(ttl).UnixNano()) / 1e9,
	}, nil
}
