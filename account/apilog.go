package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// API log outcomes. Each account keeps two rings, one per outcome.
const (
	LogSucceeded = "succeeded"
	LogFailed    = "failed"
)

// LogEntry records one API call against an account.
type LogEntry struct {
	ID         string  `json:"id"`
	CallTime   float64 `json:"call_time"`
	Called     string  `json:"called"`
	IPAddress  string  `json:"ip_address"`
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	Response   string  `json:"response"`
	StatusCode int     `json:"status_code"`
}

// APILog keeps per-account rings of recent API calls in Redis. Entries are
// pushed with LPUSH and the ring trimmed to maxEntries, so each key holds the
// newest calls first.
type APILog struct {
	rdb        redis.UniversalClient
	maxEntries int64
}

// NewAPILog returns an APILog capping each ring at maxEntries.
func NewAPILog(rdb redis.UniversalClient, maxEntries int) *APILog {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &APILog{rdb: rdb, maxEntries: int64(maxEntries)}
}

func logKey(account bson.ObjectID, outcome string) string {
	return fmt.Sprintf("h51_api_log:%s:%s", account.Hex(), outcome)
}

// Record appends an entry to the account's ring for the call's outcome.
// Status codes below 400 count as succeeded.
func (l *APILog) Record(ctx context.Context, account bson.ObjectID, e LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	outcome := LogSucceeded
	if e.StatusCode >= 400 {
		outcome = LogFailed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	key := logKey(account, outcome)
	pipe := l.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, l.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record log entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries in the account's ring for the outcome.
func (l *APILog) Recent(ctx context.Context, account bson.ObjectID, outcome string, limit int64) ([]LogEntry, error) {
	if limit <= 0 || limit > l.maxEntries {
		limit = l.maxEntries
	}
	raw, err := l.rdb.LRange(ctx, logKey(account, outcome), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log entries: %w", err)
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Expire drops entries older than the retention period from both of the
// account's rings. The daily maintenance pass calls this for every account.
func (l *APILog) Expire(ctx context.Context, account bson.ObjectID, retention time.Duration, now time.Time) error {
	cutoff := float64(now.Add(-retention).UnixNano()) / 1e9
	for _, outcome := range []string{LogSucceeded, LogFailed} {
		key := logKey(account, outcome)
		raw, err := l.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("read log entries: %w", err)
		}
		// Rings are newest first so the first stale entry marks the tail.
		keep := len(raw)
		for i, item := range raw {
			var e LogEntry
			if err := json.Unmarshal([]byte(item), &e); err != nil {
				continue
			}
			if e.CallTime < cutoff {
				keep = i
				break
			}
		}
		if keep == len(raw) {
			continue
		}
		if keep == 0 {
			if err := l.rdb.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("trim log entries: %w", err)
			}
			continue
		}
		if err := l.rdb.LTrim(ctx, key, 0, int64(keep)-1).Err(); err != nil {
			return fmt.Errorf("trim log entries: %w", err)
		}
	}
	return nil
}
