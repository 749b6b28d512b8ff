// Package purge removes expired assets.
//
// The purge pass runs from the operator CLI (typically under cron) and
// deletes what expiry only hid: the blobs first, then the asset row. A crash
// between the two leaves a row whose blobs are gone; the next pass inside
// the window removes the row, which is why blobs go first.
package purge

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
)

// Window is how far back a pass looks for expired assets. Runs are expected
// at least daily so the window gives two days of slack for missed runs.
const Window = 48 * time.Hour

// AssetStore is the slice of the asset store the purger uses.
type AssetStore interface {
	Expired(ctx context.Context, since, now time.Time) ([]*asset.Asset, error)
	Delete(ctx context.Context, id bson.ObjectID) error
}

// AccountStore resolves asset owners.
type AccountStore interface {
	ByID(ctx context.Context, id bson.ObjectID) (*account.Account, error)
}

// StatsSink accumulates usage counters.
type StatsSink interface {
	Inc(ctx context.Context, acct bson.ObjectID, now time.Time, deltas map[string]int64) error
}

// Purger deletes expired assets and their blobs.
type Purger struct {
	assets   AssetStore
	accounts AccountStore
	stats    StatsSink
	backends *backend.Registry
}

// New assembles a purger.
func New(assets AssetStore, accounts AccountStore, stats StatsSink, backends *backend.Registry) *Purger {
	return &Purger{assets: assets, accounts: accounts, stats: stats, backends: backends}
}

// Run purges assets whose expiry falls within the window before now. It
// returns the number of assets removed; per-asset failures are logged and
// skipped so one bad row cannot stall the pass.
func (p *Purger) Run(ctx context.Context, now time.Time) (int, error) {
	expired, err := p.assets.Expired(ctx, now.Add(-Window), now)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, a := range expired {
		if err := p.purgeOne(ctx, a, now); err != nil {
			log.Errorf(ctx, err, "purge asset %s", a.UID)
			continue
		}
		purged++
	}
	return purged, nil
}

func (p *Purger) purgeOne(ctx context.Context, a *asset.Asset, now time.Time) error {
	acct, err := p.accounts.ByID(ctx, a.Account)
	if err != nil {
		return err
	}
	cfg := acct.BackendFor(a.Secure)
	if cfg == nil {
		// No backend to clean, still drop the row.
		return p.deleteRow(ctx, a, acct, now)
	}
	store, err := p.backends.Build(cfg.Backend, cfg.Settings)
	if err != nil {
		return err
	}

	// Blobs before the row: a missing row with orphaned blobs would be
	// unreachable garbage forever, a lingering row is retried next pass.
	for name, v := range a.Variations {
		if err := store.Delete(ctx, v.StoreKey(a, name)); err != nil {
			return err
		}
	}
	if err := store.Delete(ctx, a.StoreKey()); err != nil {
		return err
	}
	return p.deleteRow(ctx, a, acct, now)
}

func (p *Purger) deleteRow(ctx context.Context, a *asset.Asset, acct *account.Account, now time.Time) error {
	if err := p.assets.Delete(ctx, a.ID); err != nil {
		return err
	}

	var length int64
	if n, ok := metaLength(a.Meta); ok {
		length += n
	}
	for _, v := range a.Variations {
		if n, ok := metaLength(v.Meta); ok {
			length += n
		}
	}
	deltas := map[string]int64{
		"assets": -1,
		"length": -length,
	}
	if len(a.Variations) > 0 {
		deltas["variations"] = -int64(len(a.Variations))
	}
	if err := p.stats.Inc(ctx, acct.ID, now, deltas); err != nil {
		log.Errorf(ctx, err, "record purge stats")
	}
	return nil
}

func metaLength(meta map[string]any) (int64, bool) {
	switch n := meta["length"].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}
