package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Stat names tracked per account and service-wide.
const (
	StatAPICalls   = "api_calls"
	StatAssets     = "assets"
	StatVariations = "variations"
	StatLength     = "length"
)

// ScopeAll is the service-wide stats scope; per-account scopes use the
// account id hex.
const ScopeAll = "all"

// Stats accumulates usage counters in the stats collection. Each scope holds
// one row with counters bucketed under all, year, year-month and
// year-month-day keys. Counters are plain $inc deltas so deletes can push
// time-bucketed values negative; the all bucket stays the source of truth.
type Stats struct {
	col *mongo.Collection
	loc *time.Location
}

// NewStats returns a Stats accumulator bucketing dates in the given location.
func NewStats(db *mongo.Database, loc *time.Location) *Stats {
	if loc == nil {
		loc = time.UTC
	}
	return &Stats{col: db.Collection("stats"), loc: loc}
}

// EnsureIndexes creates the unique scope index.
func (s *Stats) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "scope", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create stats index: %w", err)
	}
	return nil
}

// Inc applies the deltas to the account scope and the service-wide scope,
// bucketed by now in the configured timezone. Rows are upserted on first use.
func (s *Stats) Inc(ctx context.Context, account bson.ObjectID, now time.Time, deltas map[string]int64) error {
	local := now.In(s.loc)
	buckets := []string{
		"all",
		local.Format("2006"),
		local.Format("2006-01"),
		local.Format("2006-01-02"),
	}

	inc := bson.M{}
	for _, bucket := range buckets {
		for stat, delta := range deltas {
			inc[fmt.Sprintf("values.%s.%s", bucket, stat)] = delta
		}
	}

	for _, scope := range []string{ScopeAll, account.Hex()} {
		_, err := s.col.UpdateOne(ctx,
			bson.M{"scope": scope},
			bson.M{"$inc": inc},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("increment stats scope %s: %w", scope, err)
		}
	}
	return nil
}

// Values returns a scope's counter buckets, or an empty map when the scope
// has never been written.
func (s *Stats) Values(ctx context.Context, scope string) (map[string]map[string]int64, error) {
	var row struct {
		Values map[string]map[string]int64 `bson:"values"`
	}
	err := s.col.FindOne(ctx, bson.M{"scope": scope}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stats scope %s: %w", scope, err)
	}
	if row.Values == nil {
		row.Values = map[string]map[string]int64{}
	}
	return row.Values, nil
}
