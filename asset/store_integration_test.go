package asset

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	mongoOnce      sync.Once
	mongoClient    *mongo.Client
	mongoContainer testcontainers.Container
	skipMongoTests bool
)

func setupMongo() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		mongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := mongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := mongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	mongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil || mongoClient.Ping(ctx, nil) != nil {
		skipMongoTests = true
	}
}

func storeForTest(t *testing.T) *Store {
	t.Helper()
	mongoOnce.Do(setupMongo)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := mongoClient.Database("h51_test_" + t.Name())
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	s := NewStore(db)
	require.NoError(t, s.EnsureIndexes(context.Background()))
	return s
}

func liveAsset(account bson.ObjectID, uid string) *Asset {
	now := time.Now()
	return &Asset{
		Created:     now,
		Modified:    now,
		Account:     account,
		Name:        "cover",
		UID:         uid,
		Ext:         "png",
		Type:        TypeImage,
		ContentType: "image/png",
		Meta:        map[string]any{"filename": "cover.png", "length": 100},
	}
}

func TestStoreInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := storeForTest(t)
	acct := bson.NewObjectID()

	a := liveAsset(acct, "a1b2c3")
	require.NoError(t, s.Insert(ctx, a))
	assert.False(t, a.ID.IsZero())

	got, err := s.ByUID(ctx, acct, "a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, a.UID, got.UID)
	assert.Equal(t, "image/png", got.ContentType)

	// Another account cannot see it.
	_, err = s.ByUID(ctx, bson.NewObjectID(), "a1b2c3")
	assert.ErrorIs(t, err, ErrNotFound)

	// The account+uid index is unique.
	dup := liveAsset(acct, "a1b2c3")
	assert.Error(t, s.Insert(ctx, dup))
}

func TestStoreExpiryFiltering(t *testing.T) {
	ctx := context.Background()
	s := storeForTest(t)
	acct := bson.NewObjectID()

	a := liveAsset(acct, "a1b2c3")
	require.NoError(t, s.Insert(ctx, a))

	past := float64(time.Now().Add(-time.Hour).Unix())
	require.NoError(t, s.SetExpires(ctx, a.ID, past, time.Now()))

	// Expired assets are absent from reads.
	_, err := s.ByUID(ctx, acct, "a1b2c3")
	assert.ErrorIs(t, err, ErrNotFound)

	// But show up in the purge window.
	expired, err := s.Expired(ctx, time.Now().Add(-48*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a1b2c3", expired[0].UID)

	// Persisting brings it back.
	require.NoError(t, s.ClearExpires(ctx, a.ID, time.Now()))
	got, err := s.ByUID(ctx, acct, "a1b2c3")
	require.NoError(t, err)
	assert.Nil(t, got.Expires)
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	s := storeForTest(t)
	acct := bson.NewObjectID()

	names := []string{"cover", "cover-art", "banner"}
	for i, name := range names {
		a := liveAsset(acct, fmt.Sprintf("uid%03d", i))
		a.Name = name
		require.NoError(t, s.Insert(ctx, a))
	}

	// Name prefix match.
	got, err := s.List(ctx, acct, ListQuery{Q: "cover"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Exact uid match.
	got, err = s.List(ctx, acct, ListQuery{Q: "uid002"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "banner", got[0].Name)

	// Limit applies.
	got, err = s.List(ctx, acct, ListQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStoreFieldUpdates(t *testing.T) {
	ctx := context.Background()
	s := storeForTest(t)
	acct := bson.NewObjectID()

	a := liveAsset(acct, "a1b2c3")
	require.NoError(t, s.Insert(ctx, a))

	require.NoError(t, s.SetMeta(ctx, a.ID, "image", "animation",
		map[string]any{"animated": false, "frames": 1}, time.Now()))

	version := "001"
	v := Variation{ContentType: "image/png", Ext: "png", Version: &version,
		Meta: map[string]any{"length": 40}}
	require.NoError(t, s.SetVariation(ctx, a.ID, "thumb", v, time.Now()))

	got, err := s.ByUID(ctx, acct, "a1b2c3")
	require.NoError(t, err)

	// Path updates do not clobber each other or the intrinsic meta.
	assert.Equal(t, "cover.png", got.Meta["filename"])
	imageMeta, _ := got.Meta["image"].(map[string]any)
	require.NotNil(t, imageMeta)
	assert.Contains(t, imageMeta, "animation")
	require.Contains(t, got.Variations, "thumb")
	assert.Equal(t, "001", *got.Variations["thumb"].Version)

	require.NoError(t, s.RemoveVariation(ctx, a.ID, "thumb", time.Now()))
	got, err = s.ByUID(ctx, acct, "a1b2c3")
	require.NoError(t, err)
	assert.NotContains(t, got.Variations, "thumb")

	require.NoError(t, s.Delete(ctx, a.ID))
	_, err = s.ByUID(ctx, acct, "a1b2c3")
	assert.ErrorIs(t, err, ErrNotFound)
}
