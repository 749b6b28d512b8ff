package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// ErrNotFound is returned when no asset matches a lookup.
var ErrNotFound = errors.New("asset not found")

// Store persists assets in the assets collection.
type Store struct {
	col *mongo.Collection
	// primary reads the same collection with primary read preference. Workers
	// use it to re-read an asset after completing a task so they never see a
	// stale secondary.
	primary *mongo.Collection
}

// NewStore returns a Store over the given database's assets collection.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		col: db.Collection("assets"),
		primary: db.Collection("assets",
			options.Collection().SetReadPreference(readpref.Primary())),
	}
}

// EnsureIndexes creates the indexes the store relies on: a unique account+uid
// pair and a sparse expires index for purge scans.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account", Value: 1}, {Key: "uid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create asset indexes: %w", err)
	}
	return nil
}

// Insert stores a new asset and fills in its id.
func (s *Store) Insert(ctx context.Context, a *Asset) error {
	res, err := s.col.InsertOne(ctx, a)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	if id, ok := res.InsertedID.(bson.ObjectID); ok {
		a.ID = id
	}
	return nil
}

// liveFilter matches a single live (non-expired) asset for the account.
func liveFilter(account bson.ObjectID, uid string, now time.Time) bson.M {
	return bson.M{
		"account": account,
		"uid":     uid,
		"$or": []bson.M{
			{"expires": bson.M{"$exists": false}},
			{"expires": nil},
			{"expires": bson.M{"$gt": unix(now)}},
		},
	}
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ByUID returns the account's live asset with the given uid.
func (s *Store) ByUID(ctx context.Context, account bson.ObjectID, uid string) (*Asset, error) {
	return s.findOne(ctx, s.col, liveFilter(account, uid, time.Now()))
}

// ByUIDPrimary is ByUID against the primary. Workers call it after a task
// writes the asset so the follow-up read reflects the write.
func (s *Store) ByUIDPrimary(ctx context.Context, account bson.ObjectID, uid string) (*Asset, error) {
	return s.findOne(ctx, s.primary, liveFilter(account, uid, time.Now()))
}

func (s *Store) findOne(ctx context.Context, col *mongo.Collection, filter bson.M) (*Asset, error) {
	var a Asset
	err := col.FindOne(ctx, filter).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find asset: %w", err)
	}
	return &a, nil
}

// ManyByUIDs returns the account's live assets among the given uids, in no
// particular order. Unknown and expired uids are simply absent.
func (s *Store) ManyByUIDs(ctx context.Context, account bson.ObjectID, uids []string) ([]*Asset, error) {
	return s.findMany(ctx, s.col, account, uids)
}

// ManyByUIDsPrimary is ManyByUIDs against the primary. Bulk task handlers use
// it to re-read assets after the workers settled their tasks.
func (s *Store) ManyByUIDsPrimary(ctx context.Context, account bson.ObjectID, uids []string) ([]*Asset, error) {
	return s.findMany(ctx, s.primary, account, uids)
}

func (s *Store) findMany(ctx context.Context, col *mongo.Collection, account bson.ObjectID, uids []string) ([]*Asset, error) {
	filter := bson.M{
		"account": account,
		"uid":     bson.M{"$in": uids},
		"$or": []bson.M{
			{"expires": bson.M{"$exists": false}},
			{"expires": nil},
			{"expires": bson.M{"$gt": unix(time.Now())}},
		},
	}
	cur, err := col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find assets: %w", err)
	}
	var assets []*Asset
	if err := cur.All(ctx, &assets); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	return assets, nil
}

// ListQuery selects and pages an account's assets.
type ListQuery struct {
	// Q matches against name and uid (prefix on name, exact on uid).
	Q string
	// Type restricts to one asset type when set.
	Type string
	// Secure restricts to secure or public assets when set.
	Secure *bool
	// Before/After page by creation time.
	Before *time.Time
	After  *time.Time
	// Limit caps the page size.
	Limit int64
}

// List returns the account's live assets matching the query, newest first.
func (s *Store) List(ctx context.Context, account bson.ObjectID, q ListQuery) ([]*Asset, error) {
	filter := bson.M{
		"account": account,
		"$or": []bson.M{
			{"expires": bson.M{"$exists": false}},
			{"expires": nil},
			{"expires": bson.M{"$gt": unix(time.Now())}},
		},
	}
	if q.Q != "" {
		filter["$and"] = []bson.M{{"$or": []bson.M{
			{"name": bson.M{"$regex": "^" + regexQuote(q.Q)}},
			{"uid": q.Q},
		}}}
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	if q.Secure != nil {
		filter["secure"] = *q.Secure
	}
	created := bson.M{}
	if q.Before != nil {
		created["$lt"] = *q.Before
	}
	if q.After != nil {
		created["$gt"] = *q.After
	}
	if len(created) > 0 {
		filter["created"] = created
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created", Value: -1}}).
		SetLimit(limit)
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	var assets []*Asset
	if err := cur.All(ctx, &assets); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	return assets, nil
}

func regexQuote(s string) string {
	special := `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(special); j++ {
			if s[i] == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}

// SetExpires sets the asset's expiry timestamp and bumps modified.
func (s *Store) SetExpires(ctx context.Context, id bson.ObjectID, expires float64, now time.Time) error {
	return s.update(ctx, id, bson.M{"$set": bson.M{"expires": expires, "modified": now}})
}

// ClearExpires makes the asset permanent again and bumps modified.
func (s *Store) ClearExpires(ctx context.Context, id bson.ObjectID, now time.Time) error {
	return s.update(ctx, id, bson.M{
		"$unset": bson.M{"expires": ""},
		"$set":   bson.M{"modified": now},
	})
}

// SetMeta writes one analyzer's output under meta.{assetType}.{analyzer}. The
// field-level $set keeps concurrent analyzers of other fields intact.
func (s *Store) SetMeta(ctx context.Context, id bson.ObjectID, assetType, analyzer string, value any, now time.Time) error {
	field := fmt.Sprintf("meta.%s.%s", assetType, analyzer)
	return s.update(ctx, id, bson.M{"$set": bson.M{field: value, "modified": now}})
}

// SetVariation writes one variation record under variations.{name}.
func (s *Store) SetVariation(ctx context.Context, id bson.ObjectID, name string, v Variation, now time.Time) error {
	field := "variations." + name
	return s.update(ctx, id, bson.M{"$set": bson.M{field: v, "modified": now}})
}

// RemoveVariation unsets the named variation entry.
func (s *Store) RemoveVariation(ctx context.Context, id bson.ObjectID, name string, now time.Time) error {
	return s.update(ctx, id, bson.M{
		"$unset": bson.M{"variations." + name: ""},
		"$set":   bson.M{"modified": now},
	})
}

func (s *Store) update(ctx context.Context, id bson.ObjectID, update bson.M) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Expired returns assets whose expiry falls inside (since, now]. The purge
// pass uses the window so repeatedly missed runs do not rescan all history.
func (s *Store) Expired(ctx context.Context, since, now time.Time) ([]*Asset, error) {
	filter := bson.M{"expires": bson.M{
		"$gt":  unix(since),
		"$lte": unix(now),
	}}
	cur, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find expired assets: %w", err)
	}
	var assets []*Asset
	if err := cur.All(ctx, &assets); err != nil {
		return nil, fmt.Errorf("decode expired assets: %w", err)
	}
	return assets, nil
}

// Delete removes the asset row.
func (s *Store) Delete(ctx context.Context, id bson.ObjectID) error {
	if _, err := s.col.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}
