// Package api implements the h51 HTTP API.
//
// Every endpoint authenticates as an account via the X-H51-APIKey header and
// passes the account's rate limit before reaching a handler. Synchronous
// endpoints read and write rows directly; analyze and variation endpoints
// enqueue tasks and wait on the event bus for a worker to finish, so callers
// get the updated asset back in one request.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/antivirus"
	"hangar51.dev/h51/apierror"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/config"
	"hangar51.dev/h51/event"
	"hangar51.dev/h51/ratelimit"
	"hangar51.dev/h51/task"
	"hangar51.dev/h51/transform"
)

// AccountStore is the slice of the account store the API uses.
type AccountStore interface {
	ByAPIKey(ctx context.Context, apiKey string) (*account.Account, error)
	ByID(ctx context.Context, id bson.ObjectID) (*account.Account, error)
}

// AssetStore is the slice of the asset store the API uses.
type AssetStore interface {
	Insert(ctx context.Context, a *asset.Asset) error
	ByUID(ctx context.Context, acct bson.ObjectID, uid string) (*asset.Asset, error)
	ByUIDPrimary(ctx context.Context, acct bson.ObjectID, uid string) (*asset.Asset, error)
	ManyByUIDs(ctx context.Context, acct bson.ObjectID, uids []string) ([]*asset.Asset, error)
	ManyByUIDsPrimary(ctx context.Context, acct bson.ObjectID, uids []string) ([]*asset.Asset, error)
	List(ctx context.Context, acct bson.ObjectID, q asset.ListQuery) ([]*asset.Asset, error)
	SetExpires(ctx context.Context, id bson.ObjectID, expires float64, now time.Time) error
	ClearExpires(ctx context.Context, id bson.ObjectID, now time.Time) error
	RemoveVariation(ctx context.Context, id bson.ObjectID, name string, now time.Time) error
}

// StatsSink accumulates usage counters.
type StatsSink interface {
	Inc(ctx context.Context, acct bson.ObjectID, now time.Time, deltas map[string]int64) error
}

// APILog records API calls against accounts.
type APILog interface {
	Record(ctx context.Context, acct bson.ObjectID, e account.LogEntry) error
}

// Server is the h51 API server.
type Server struct {
	cfg config.Config

	accounts   AccountStore
	assets     AssetStore
	stats      StatsSink
	apilog     APILog
	limiter    *ratelimit.Limiter
	queue      *task.Queue
	bus        *event.Bus
	backends   *backend.Registry
	analyzers  *analyzer.Registry
	transforms *transform.Registry
	scanner    antivirus.Scanner
	checker    health.Checker

	// waitTimeout bounds how long task-backed endpoints wait for a worker.
	waitTimeout time.Duration
}

// New assembles a server.
func New(cfg config.Config, accounts AccountStore, assets AssetStore, stats StatsSink,
	apilog APILog, limiter *ratelimit.Limiter, queue *task.Queue, bus *event.Bus,
	backends *backend.Registry, analyzers *analyzer.Registry, transforms *transform.Registry,
	scanner antivirus.Scanner, checker health.Checker) *Server {

	if scanner == nil {
		scanner = antivirus.Disabled{}
	}
	return &Server{
		cfg:         cfg,
		accounts:    accounts,
		assets:      assets,
		stats:       stats,
		apilog:      apilog,
		limiter:     limiter,
		queue:       queue,
		bus:         bus,
		backends:    backends,
		analyzers:   analyzers,
		transforms:  transforms,
		scanner:     scanner,
		checker:     checker,
		waitTimeout: 30 * time.Second,
	}
}

// Handler builds the router. logCtx carries the process logger into request
// handling.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTP(logCtx))

	if s.checker != nil {
		r.Method(http.MethodGet, "/healthz", health.Handler(s.checker))
		r.Method(http.MethodGet, "/livez", health.Handler(s.checker))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Use(s.logCalls)

		r.Get("/assets", s.handleListAssets)
		r.Put("/assets", s.handleUpload)
		r.Post("/assets/analyze", s.handleBulkAnalyze)
		r.Put("/assets/transform", s.handleBulkTransform)
		r.Post("/assets/expire", s.handleBulkExpire)
		r.Post("/assets/persist", s.handleBulkPersist)

		r.Route("/assets/{uid}", func(r chi.Router) {
			r.Get("/", s.handleGetAsset)
			r.Get("/download", s.handleDownload)
			r.Post("/expire", s.handleExpire)
			r.Post("/persist", s.handlePersist)
			r.Post("/analyze", s.handleAnalyze)
			r.Put("/variations", s.handleGenerateVariations)
			r.Get("/variations/{variation}/download", s.handleDownloadVariation)
			r.Delete("/variations/{variation}", s.handleDeleteVariation)
		})
	})

	return r
}

// writeJSON writes a success payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "success",
		"payload": payload,
	})
}

// writeError writes an API error response.
func writeError(w http.ResponseWriter, err *apierror.Error) {
	err.Write(w)
}
