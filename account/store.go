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

// ErrNotFound is returned when no account matches a lookup.
var ErrNotFound = errors.New("account not found")

// Store persists accounts in the accounts collection.
type Store struct {
	col *mongo.Collection
}

// NewStore returns a Store over the given database's accounts collection.
func NewStore(db *mongo.Database) *Store {
	return &Store{col: db.Collection("accounts")}
}

// EnsureIndexes creates unique indexes on name and api_key.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "api_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}
	return nil
}

// Insert stores a new account and fills in its id.
func (s *Store) Insert(ctx context.Context, a *Account) error {
	res, err := s.col.InsertOne(ctx, a)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if id, ok := res.InsertedID.(bson.ObjectID); ok {
		a.ID = id
	}
	return nil
}

// ByAPIKey returns the account holding the given API key.
func (s *Store) ByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	return s.findOne(ctx, bson.M{"api_key": apiKey})
}

// ByName returns the account with the given name.
func (s *Store) ByName(ctx context.Context, name string) (*Account, error) {
	return s.findOne(ctx, bson.M{"name": name})
}

// ByID returns the account with the given id.
func (s *Store) ByID(ctx context.Context, id bson.ObjectID) (*Account, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*Account, error) {
	var a Account
	err := s.col.FindOne(ctx, filter).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &a, nil
}

// All returns every account, sorted by name.
func (s *Store) All(ctx context.Context) ([]*Account, error) {
	cur, err := s.col.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var accounts []*Account
	if err := cur.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// SetBackend writes one visibility's backend config and bumps modified.
func (s *Store) SetBackend(ctx context.Context, id bson.ObjectID, secure bool, cfg *BackendConfig, now time.Time) error {
	field := "public_backend"
	if secure {
		field = "secure_backend"
	}
	var update bson.M
	if cfg == nil {
		update = bson.M{
			"$unset": bson.M{field: ""},
			"$set":   bson.M{"modified": now},
		}
	} else {
		update = bson.M{"$set": bson.M{field: cfg, "modified": now}}
	}
	return s.update(ctx, id, update)
}

// RotateAPIKey replaces the account's API key and returns the new key.
func (s *Store) RotateAPIKey(ctx context.Context, id bson.ObjectID, now time.Time) (string, error) {
	key := GenerateAPIKey()
	err := s.update(ctx, id, bson.M{"$set": bson.M{"api_key": key, "modified": now}})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) update(ctx context.Context, id bson.ObjectID, update bson.M) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
