package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/analyzer"
	analyzerimage "hangar51.dev/h51/analyzer/image"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/event"
	"hangar51.dev/h51/notify"
	"hangar51.dev/h51/task"
	"hangar51.dev/h51/transform"
	transformimage "hangar51.dev/h51/transform/image"
)

type fakeAccounts struct{ acct *account.Account }

func (f *fakeAccounts) ByID(ctx context.Context, id bson.ObjectID) (*account.Account, error) {
	return f.acct, nil
}

type fakeAssets struct {
	mu     sync.Mutex
	assets map[string]*asset.Asset
}

func (f *fakeAssets) ByUIDPrimary(ctx context.Context, acct bson.ObjectID, uid string) (*asset.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[uid]
	if !ok {
		return nil, asset.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (f *fakeAssets) SetMeta(ctx context.Context, id bson.ObjectID, assetType, name string, value any, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assets {
		if a.ID == id {
			if a.Meta == nil {
				a.Meta = map[string]any{}
			}
			typeMeta, _ := a.Meta[assetType].(map[string]any)
			if typeMeta == nil {
				typeMeta = map[string]any{}
			}
			typeMeta[name] = value
			a.Meta[assetType] = typeMeta
		}
	}
	return nil
}

func (f *fakeAssets) SetVariation(ctx context.Context, id bson.ObjectID, name string, v asset.Variation, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assets {
		if a.ID == id {
			if a.Variations == nil {
				a.Variations = map[string]asset.Variation{}
			}
			a.Variations[name] = v
		}
	}
	return nil
}

type fakeStats struct {
	mu     sync.Mutex
	deltas []map[string]int64
}

func (f *fakeStats) Inc(ctx context.Context, acct bson.ObjectID, now time.Time, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, deltas)
	return nil
}

type fixture struct {
	worker   *Worker
	queue    *task.Queue
	bus      *event.Bus
	assets   *fakeAssets
	stats    *fakeStats
	acct     *account.Account
	blob     backend.Backend
	assetRec *asset.Asset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	root := t.TempDir()
	backends := backend.NewRegistry()
	backends.Register("local", backend.LocalSchema, backend.NewLocal)
	blob, err := backend.NewLocal(capability.Settings{"asset_root": root})
	require.NoError(t, err)

	analyzers := analyzer.NewRegistry()
	analyzerimage.Register(analyzers)
	transforms := transform.NewRegistry()
	transformimage.Register(transforms)

	acct := &account.Account{
		ID:     bson.NewObjectID(),
		Name:   "test",
		APIKey: account.GenerateAPIKey(),
		PublicBackend: &account.BackendConfig{
			Backend:  "local",
			Settings: map[string]any{"asset_root": root},
		},
	}
	assetRec := &asset.Asset{
		ID:          bson.NewObjectID(),
		Account:     acct.ID,
		Name:        "cover",
		UID:         "a1b2c3",
		Ext:         "png",
		Type:        asset.TypeImage,
		ContentType: "image/png",
	}
	assets := &fakeAssets{assets: map[string]*asset.Asset{assetRec.UID: assetRec}}
	stats := &fakeStats{}

	queue := task.NewQueue(rdb)
	bus := event.NewBus(rdb)

	w := New(Config{
		ID:                "test-worker",
		MaxStatusInterval: 100 * time.Millisecond,
		SleepInterval:     10 * time.Millisecond,
	}, rdb, queue, bus, &fakeAccounts{acct: acct}, assets, stats,
		backends, analyzers, transforms, notify.New())

	return &fixture{
		worker: w, queue: queue, bus: bus, assets: assets, stats: stats,
		acct: acct, blob: blob, assetRec: assetRec,
	}
}

func (f *fixture) storeSource(t *testing.T, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	require.NoError(t, f.blob.Store(context.Background(), f.assetRec.StoreKey(), &buf))
}

func TestAnalyzeTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storeSource(t, 32, 32)

	tk := &task.Task{
		Type:     task.TypeAnalyze,
		Account:  f.acct.ID.Hex(),
		AssetUID: f.assetRec.UID,
		Payload: map[string]any{
			"analyzers": []any{
				[]any{"animation", map[string]any{}},
				[]any{"dominant_colors", map[string]any{"max_colors": float64(2)}},
			},
		},
	}
	require.NoError(t, f.queue.Enqueue(ctx, tk))

	worked, err := f.worker.poll(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	meta := f.assets.assets[f.assetRec.UID].Meta["image"].(map[string]any)
	assert.Contains(t, meta, "animation")
	assert.Contains(t, meta, "dominant_colors")

	_, err = f.queue.Load(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestGenerateVariationTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storeSource(t, 64, 64)

	tk := &task.Task{
		Type:     task.TypeGenerateVariation,
		Account:  f.acct.ID.Hex(),
		AssetUID: f.assetRec.UID,
		Payload: map[string]any{
			"variations": map[string]any{
				"thumb": []any{
					map[string]any{"id": "fit", "settings": map[string]any{"width": float64(16), "height": float64(16)}},
					map[string]any{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
				},
			},
		},
	}
	require.NoError(t, f.queue.Enqueue(ctx, tk))

	worked, err := f.worker.poll(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	a := f.assets.assets[f.assetRec.UID]
	v, ok := a.Variations["thumb"]
	require.True(t, ok)
	assert.Equal(t, "png", v.Ext)
	require.NotNil(t, v.Version)
	assert.Equal(t, "001", *v.Version)

	// The blob exists under the versioned key.
	rc, err := f.blob.Retrieve(ctx, v.StoreKey(a, "thumb"))
	require.NoError(t, err)
	rc.Close()

	// First generation counts the variation and its bytes.
	require.NotEmpty(t, f.stats.deltas)
	assert.Equal(t, int64(1), f.stats.deltas[0]["variations"])
	assert.Greater(t, f.stats.deltas[0]["length"], int64(0))
}

func TestRegenerateBumpsVersionAndDropsOldBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storeSource(t, 64, 64)

	payload := map[string]any{
		"variations": map[string]any{
			"thumb": []any{
				map[string]any{"id": "output", "settings": map[string]any{"image_format": "PNG"}},
			},
		},
	}
	for i := 0; i < 2; i++ {
		tk := &task.Task{
			Type:     task.TypeGenerateVariation,
			Account:  f.acct.ID.Hex(),
			AssetUID: f.assetRec.UID,
			Payload:  payload,
		}
		require.NoError(t, f.queue.Enqueue(ctx, tk))
		worked, err := f.worker.poll(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}

	a := f.assets.assets[f.assetRec.UID]
	v := a.Variations["thumb"]
	require.NotNil(t, v.Version)
	assert.Equal(t, "002", *v.Version)

	// The 001 blob was superseded and removed.
	old := v
	oldVersion := "001"
	old.Version = &oldVersion
	_, err := f.blob.Retrieve(ctx, old.StoreKey(a, "thumb"))
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// Only the first generation counts a new variation.
	var variationDeltas int64
	for _, d := range f.stats.deltas {
		variationDeltas += d["variations"]
	}
	assert.Equal(t, int64(1), variationDeltas)
}

func TestMalformedTaskIsDroppedWithEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	srv := f.worker.rdb
	id := task.NewID(task.TypeAnalyze)
	require.NoError(t, srv.HSet(ctx, id, map[string]any{
		"type":      "analyze",
		"account":   "not-a-hex-id",
		"asset_uid": "a1b2c3",
		"payload":   "{}",
		"created":   "123.0",
	}).Err())
	require.NoError(t, srv.SAdd(ctx, "h51_asset_tasks", id).Err())

	busCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = f.bus.Run(busCtx) }()
	time.Sleep(50 * time.Millisecond)
	future := f.bus.Await(id)

	worked, err := f.worker.poll(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	e, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, event.TypeTaskError, e.Type)
	assert.Equal(t, event.ReasonMalformedTask, e.Reason)

	// The malformed record is gone from the queue.
	_, err = f.queue.Load(ctx, id)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestExecutionErrorPublishesReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// No source blob stored, so the analyze task fails.

	tk := &task.Task{
		Type:     task.TypeAnalyze,
		Account:  f.acct.ID.Hex(),
		AssetUID: f.assetRec.UID,
		Payload:  map[string]any{"analyzers": []any{[]any{"animation", map[string]any{}}}},
	}
	require.NoError(t, f.queue.Enqueue(ctx, tk))

	busCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = f.bus.Run(busCtx) }()
	time.Sleep(50 * time.Millisecond)
	future := f.bus.Await(tk.ID)

	worked, err := f.worker.poll(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	e, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, event.TypeTaskError, e.Type)
	assert.Equal(t, event.ReasonExecutionError, e.Reason)
}

func TestCompletionNotifiesTaskURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storeSource(t, 16, 16)

	type delivery struct {
		timestamp string
		signature string
		body      []byte
	}
	received := make(chan delivery, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{
			timestamp: r.Header.Get(notify.HeaderTimestamp),
			signature: r.Header.Get(notify.HeaderSignature),
			body:      body,
		}
	}))
	defer hook.Close()

	tk := &task.Task{
		Type:      task.TypeAnalyze,
		Account:   f.acct.ID.Hex(),
		AssetUID:  f.assetRec.UID,
		NotifyURL: hook.URL,
		Payload:   map[string]any{"analyzers": []any{[]any{"animation", map[string]any{}}}},
	}
	require.NoError(t, f.queue.Enqueue(ctx, tk))

	worked, err := f.worker.poll(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	select {
	case d := <-received:
		assert.True(t, notify.Verify(d.timestamp, d.body, f.acct.APIKey, d.signature))
		var payload map[string]any
		require.NoError(t, json.Unmarshal(d.body, &payload))
		// The webhook carries the refreshed asset, meta included.
		assert.Equal(t, f.assetRec.UID, payload["uid"])
		meta, _ := payload["meta"].(map[string]any)
		require.NotNil(t, meta)
		assert.Contains(t, meta["image"], "animation")
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestPollSkipsClaimedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storeSource(t, 16, 16)

	tk := &task.Task{
		Type:     task.TypeAnalyze,
		Account:  f.acct.ID.Hex(),
		AssetUID: f.assetRec.UID,
		Payload:  map[string]any{"analyzers": []any{[]any{"animation", map[string]any{}}}},
	}
	require.NoError(t, f.queue.Enqueue(ctx, tk))
	require.NoError(t, f.queue.Claim(ctx, tk.ID, "other-worker", time.Minute))

	worked, err := f.worker.poll(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}
