package purge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/capability"
)

type fakeAssets struct {
	expired []*asset.Asset
	deleted []bson.ObjectID
}

func (f *fakeAssets) Expired(ctx context.Context, since, now time.Time) ([]*asset.Asset, error) {
	return f.expired, nil
}

func (f *fakeAssets) Delete(ctx context.Context, id bson.ObjectID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeAccounts struct{ acct *account.Account }

func (f *fakeAccounts) ByID(ctx context.Context, id bson.ObjectID) (*account.Account, error) {
	return f.acct, nil
}

type fakeStats struct{ deltas []map[string]int64 }

func (f *fakeStats) Inc(ctx context.Context, acct bson.ObjectID, now time.Time, deltas map[string]int64) error {
	f.deltas = append(f.deltas, deltas)
	return nil
}

func TestPurgeDeletesBlobsThenRow(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	backends := backend.NewRegistry()
	backends.Register("local", backend.LocalSchema, backend.NewLocal)
	blob, err := backend.NewLocal(capability.Settings{"asset_root": root})
	require.NoError(t, err)

	acct := &account.Account{
		ID: bson.NewObjectID(),
		PublicBackend: &account.BackendConfig{
			Backend:  "local",
			Settings: map[string]any{"asset_root": root},
		},
	}
	version := "001"
	expires := float64(time.Now().Add(-time.Hour).Unix())
	a := &asset.Asset{
		ID:      bson.NewObjectID(),
		Account: acct.ID,
		Name:    "cover",
		UID:     "a1b2c3",
		Ext:     "png",
		Type:    asset.TypeImage,
		Expires: &expires,
		Meta:    map[string]any{"length": 100},
		Variations: map[string]asset.Variation{
			"thumb": {Ext: "png", Version: &version, Meta: map[string]any{"length": 40}},
		},
	}

	require.NoError(t, blob.Store(ctx, a.StoreKey(), strings.NewReader("original")))
	require.NoError(t, blob.Store(ctx, a.Variations["thumb"].StoreKey(a, "thumb"), strings.NewReader("thumb")))

	assets := &fakeAssets{expired: []*asset.Asset{a}}
	stats := &fakeStats{}
	p := New(assets, &fakeAccounts{acct: acct}, stats, backends)

	purged, err := p.Run(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// Blobs gone.
	_, err = blob.Retrieve(ctx, a.StoreKey())
	assert.ErrorIs(t, err, backend.ErrNotFound)
	_, err = blob.Retrieve(ctx, a.Variations["thumb"].StoreKey(a, "thumb"))
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// Row deleted and stats decremented, including the variation bytes.
	require.Len(t, assets.deleted, 1)
	require.Len(t, stats.deltas, 1)
	assert.Equal(t, int64(-1), stats.deltas[0]["assets"])
	assert.Equal(t, int64(-1), stats.deltas[0]["variations"])
	assert.Equal(t, int64(-140), stats.deltas[0]["length"])
}

func TestPurgeWithoutBackendStillDropsRow(t *testing.T) {
	ctx := context.Background()
	backends := backend.NewRegistry()

	acct := &account.Account{ID: bson.NewObjectID()}
	expires := float64(time.Now().Add(-time.Hour).Unix())
	a := &asset.Asset{
		ID: bson.NewObjectID(), Account: acct.ID,
		Name: "doc", UID: "x1y2z3", Ext: "txt",
		Type: asset.TypeFile, Expires: &expires,
	}

	assets := &fakeAssets{expired: []*asset.Asset{a}}
	p := New(assets, &fakeAccounts{acct: acct}, &fakeStats{}, backends)

	purged, err := p.Run(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Len(t, assets.deleted, 1)
}
