// Package worker runs asset tasks from the queue.
//
// A worker polls the pending set, claims one task at a time and keeps the
// claim alive with lock heartbeats while it works. Task outcomes are
// published on the event bus and, for accounts with a webhook, delivered as
// signed notifications. A claim lost mid-task aborts the task without
// writing results so the worker that retook it stays the sole writer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/event"
	"hangar51.dev/h51/notify"
	"hangar51.dev/h51/task"
	"hangar51.dev/h51/transform"
)

// AssetStore is the slice of the asset store workers write through.
type AssetStore interface {
	ByUIDPrimary(ctx context.Context, acct bson.ObjectID, uid string) (*asset.Asset, error)
	SetMeta(ctx context.Context, id bson.ObjectID, assetType, analyzer string, value any, now time.Time) error
	SetVariation(ctx context.Context, id bson.ObjectID, name string, v asset.Variation, now time.Time) error
}

// AccountStore resolves task accounts.
type AccountStore interface {
	ByID(ctx context.Context, id bson.ObjectID) (*account.Account, error)
}

// StatsSink accumulates usage counters.
type StatsSink interface {
	Inc(ctx context.Context, acct bson.ObjectID, now time.Time, deltas map[string]int64) error
}

// Config tunes one worker.
type Config struct {
	// ID identifies the worker in locks and status keys. Defaults to a
	// fresh uuid.
	ID string

	// MaxStatusInterval bounds how often the worker refreshes its status
	// key and task lock.
	MaxStatusInterval time.Duration

	// SleepInterval is the pause between polls of an empty queue.
	SleepInterval time.Duration

	// IdleLifespan makes the worker exit after idling this long; zero keeps
	// it alive forever.
	IdleLifespan time.Duration
}

// Worker consumes asset tasks.
type Worker struct {
	cfg Config

	rdb        redis.UniversalClient
	queue      *task.Queue
	bus        *event.Bus
	accounts   AccountStore
	assets     AssetStore
	stats      StatsSink
	backends   *backend.Registry
	analyzers  *analyzer.Registry
	transforms *transform.Registry
	notifier   *notify.Notifier
}

// New assembles a worker.
func New(cfg Config, rdb redis.UniversalClient, queue *task.Queue, bus *event.Bus,
	accounts AccountStore, assets AssetStore, stats StatsSink,
	backends *backend.Registry, analyzers *analyzer.Registry,
	transforms *transform.Registry, notifier *notify.Notifier) *Worker {

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.MaxStatusInterval <= 0 {
		cfg.MaxStatusInterval = 10 * time.Second
	}
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = time.Second
	}
	return &Worker{
		cfg:        cfg,
		rdb:        rdb,
		queue:      queue,
		bus:        bus,
		accounts:   accounts,
		assets:     assets,
		stats:      stats,
		backends:   backends,
		analyzers:  analyzers,
		transforms: transforms,
		notifier:   notifier,
	}
}

// ID returns the worker's id.
func (w *Worker) ID() string { return w.cfg.ID }

// Run polls and executes tasks until the context ends, a shutdown event
// arrives or the idle lifespan runs out.
func (w *Worker) Run(ctx context.Context) error {
	ctx = log.With(ctx, log.KV{K: "worker", V: w.cfg.ID})
	log.Info(ctx, log.KV{K: "msg", V: "worker started"})

	shutdown := w.bus.NotifyShutdown()
	idleSince := time.Now()
	var lastStatus time.Time

	for {
		select {
		case <-ctx.Done():
			w.clearStatus()
			return ctx.Err()
		case <-shutdown:
			log.Info(ctx, log.KV{K: "msg", V: "worker shutting down on broadcast"})
			w.clearStatus()
			return nil
		default:
		}

		if time.Since(lastStatus) >= w.cfg.MaxStatusInterval {
			w.refreshStatus(ctx, "")
			lastStatus = time.Now()
		}

		worked, err := w.poll(ctx)
		if err != nil {
			log.Errorf(ctx, err, "poll failed")
		}
		if worked {
			idleSince = time.Now()
			continue
		}

		if w.cfg.IdleLifespan > 0 && time.Since(idleSince) > w.cfg.IdleLifespan {
			log.Info(ctx, log.KV{K: "msg", V: "worker idle lifespan reached"})
			w.clearStatus()
			return nil
		}

		select {
		case <-ctx.Done():
			w.clearStatus()
			return ctx.Err()
		case <-shutdown:
			w.clearStatus()
			return nil
		case <-time.After(w.cfg.SleepInterval):
		}
	}
}

// poll tries to claim and execute one task. It reports whether any work was
// done.
func (w *Worker) poll(ctx context.Context) (bool, error) {
	ids, err := w.queue.Pending(ctx)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		err := w.queue.Claim(ctx, id, w.cfg.ID, w.lockLifespan())
		if errors.Is(err, task.ErrClaimed) {
			continue
		}
		if err != nil {
			return false, err
		}

		w.runClaimed(ctx, id)
		return true, nil
	}
	return false, nil
}

func (w *Worker) lockLifespan() time.Duration {
	return 2 * w.cfg.MaxStatusInterval
}

// runClaimed executes one claimed task and settles its outcome.
func (w *Worker) runClaimed(ctx context.Context, id string) {
	ctx = log.With(ctx, log.KV{K: "task", V: id})
	w.refreshStatus(ctx, id)

	t, err := w.queue.Load(ctx, id)
	if errors.Is(err, task.ErrMalformed) {
		log.Errorf(ctx, err, "dropping malformed task")
		w.settle(ctx, id, nil, event.Event{
			TaskID: id, Type: event.TypeTaskError, Reason: event.ReasonMalformedTask,
		})
		return
	}
	if err != nil {
		log.Errorf(ctx, err, "load claimed task")
		return
	}

	// Heartbeat in the background while the task runs. A lost claim cancels
	// the task context before any result is written.
	runCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})
	go w.heartbeat(runCtx, id, cancel, lost)

	execErr := w.execute(runCtx, t)
	cancel()

	select {
	case <-lost:
		// Another worker may own the task now; walk away without touching
		// the queue or publishing completion.
		log.Print(ctx, log.KV{K: "msg", V: "task claim lost"})
		_ = w.bus.Publish(ctx, event.Event{
			TaskID: id, Type: event.TypeTaskError, Reason: event.ReasonClaimLost,
		})
		return
	default:
	}

	if execErr != nil {
		log.Errorf(ctx, execErr, "task failed")
		w.settle(ctx, id, t, event.Event{
			TaskID: id, Type: event.TypeTaskError, Reason: event.ReasonExecutionError,
		})
		return
	}
	w.settle(ctx, id, t, event.Event{TaskID: id, Type: event.TypeTaskComplete})
}

// settle completes the task, publishes its outcome and delivers the webhook.
// The task's notification URL wins over the account's configured one. A
// completed task posts the refreshed asset so receivers see the new meta and
// variations; a failed one posts a small error envelope.
func (w *Worker) settle(ctx context.Context, id string, t *task.Task, e event.Event) {
	if err := w.queue.Complete(ctx, id); err != nil {
		log.Errorf(ctx, err, "complete task")
	}
	if err := w.bus.Publish(ctx, e); err != nil {
		log.Errorf(ctx, err, "publish task event")
	}
	if t == nil {
		return
	}
	acctID, err := bson.ObjectIDFromHex(t.Account)
	if err != nil {
		return
	}
	acct, err := w.accounts.ByID(ctx, acctID)
	if err != nil {
		return
	}
	url := t.NotifyURL
	if url == "" {
		url = acct.WebhookURL
	}
	if url == "" {
		return
	}

	var payload any
	if e.Type == event.TypeTaskComplete {
		a, err := w.assets.ByUIDPrimary(ctx, acct.ID, t.AssetUID)
		if err != nil {
			log.Errorf(ctx, err, "reload asset for webhook")
			return
		}
		payload = a.ToAPI()
	} else {
		payload = map[string]any{
			"task_id":   e.TaskID,
			"type":      e.Type,
			"reason":    e.Reason,
			"asset_uid": t.AssetUID,
		}
	}
	if err := w.notifier.Send(ctx, url, acct.APIKey, payload); err != nil {
		log.Errorf(ctx, err, "webhook delivery failed")
	}
}

// heartbeat extends the task lock until the context ends. On a lost claim it
// closes lost and cancels the task.
func (w *Worker) heartbeat(ctx context.Context, id string, cancel context.CancelFunc, lost chan struct{}) {
	ticker := time.NewTicker(w.cfg.MaxStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, id, w.cfg.ID, w.lockLifespan())
			if errors.Is(err, task.ErrClaimLost) {
				close(lost)
				cancel()
				return
			}
			if err != nil {
				log.Errorf(ctx, err, "heartbeat failed")
			}
			w.refreshStatus(ctx, id)
		}
	}
}

// execute dispatches on the task type.
func (w *Worker) execute(ctx context.Context, t *task.Task) error {
	acctID, err := bson.ObjectIDFromHex(t.Account)
	if err != nil {
		return fmt.Errorf("parse task account: %w", err)
	}
	acct, err := w.accounts.ByID(ctx, acctID)
	if err != nil {
		return fmt.Errorf("load task account: %w", err)
	}
	a, err := w.assets.ByUIDPrimary(ctx, acct.ID, t.AssetUID)
	if err != nil {
		return fmt.Errorf("load task asset: %w", err)
	}
	store, err := w.buildBackend(acct, a)
	if err != nil {
		return err
	}

	switch t.Type {
	case task.TypeAnalyze:
		return w.analyze(ctx, acct, a, store, t.Payload)
	case task.TypeGenerateVariation:
		return w.generateVariations(ctx, acct, a, store, t.Payload)
	}
	return fmt.Errorf("unknown task type %q", t.Type)
}

func (w *Worker) buildBackend(acct *account.Account, a *asset.Asset) (backend.Backend, error) {
	cfg := acct.BackendFor(a.Secure)
	if cfg == nil {
		return nil, fmt.Errorf("account has no backend for secure=%v", a.Secure)
	}
	store, err := w.backends.Build(cfg.Backend, cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("build backend: %w", err)
	}
	return store, nil
}
