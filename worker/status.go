package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

// statusPrefix keys the per-worker status records in Redis.
const statusPrefix = "h51_asset_worker:"

// Status is a worker's published liveness record.
type Status struct {
	ID          string  `json:"id"`
	Started     float64 `json:"started"`
	LastSeen    float64 `json:"last_seen"`
	CurrentTask string  `json:"current_task,omitempty"`
}

var workerStart = float64(time.Now().UnixNano()) / 1e9

// refreshStatus publishes the worker's status key with a TTL a few intervals
// long, so crashed workers disappear from the roster on their own.
func (w *Worker) refreshStatus(ctx context.Context, currentTask string) {
	s := Status{
		ID:          w.cfg.ID,
		Started:     workerStart,
		LastSeen:    float64(time.Now().UnixNano()) / 1e9,
		CurrentTask: currentTask,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	ttl := 3 * w.cfg.MaxStatusInterval
	if err := w.rdb.Set(ctx, statusPrefix+w.cfg.ID, data, ttl).Err(); err != nil {
		log.Errorf(ctx, err, "refresh worker status")
	}
}

func (w *Worker) clearStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = w.rdb.Del(ctx, statusPrefix+w.cfg.ID).Err()
}

// ListStatuses returns the live worker roster, sorted by id.
func ListStatuses(ctx context.Context, rdb redis.UniversalClient) ([]Status, error) {
	var statuses []Status
	iter := rdb.Scan(ctx, 0, statusPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var s Status
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		statuses = append(statuses, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan worker statuses: %w", err)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses, nil
}
