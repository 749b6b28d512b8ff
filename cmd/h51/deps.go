package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"hangar51.dev/h51/analyzer"
	analyzerimage "hangar51.dev/h51/analyzer/image"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/config"
	"hangar51.dev/h51/transform"
	transformimage "hangar51.dev/h51/transform/image"
)

// deps holds the shared connections a command needs. Commands connect once at
// startup and close on exit.
type deps struct {
	cfg config.Config

	rdb   *redis.Client
	mongo *mongo.Client
	db    *mongo.Database
}

func connect(ctx context.Context, cfg config.Config) (*deps, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &deps{
		cfg:   cfg,
		rdb:   rdb,
		mongo: client,
		db:    client.Database(cfg.MongoDatabase),
	}, nil
}

func (d *deps) close(ctx context.Context) {
	_ = d.rdb.Close()
	_ = d.mongo.Disconnect(ctx)
}

// buildBackends assembles the backend registry every process shares.
func buildBackends() *backend.Registry {
	r := backend.NewRegistry()
	r.Register("local", backend.LocalSchema, backend.NewLocal)
	r.Register("s3", backend.S3Schema, backend.NewS3)
	return r
}

// buildAnalyzers assembles the analyzer registry.
func buildAnalyzers() *analyzer.Registry {
	r := analyzer.NewRegistry()
	analyzerimage.Register(r)
	return r
}

// buildTransforms assembles the transform registry.
func buildTransforms() *transform.Registry {
	r := transform.NewRegistry()
	transformimage.Register(r)
	return r
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// mongoPinger adapts the Mongo client to the health checker.
type mongoPinger struct{ client *mongo.Client }

func (p mongoPinger) Name() string { return "mongo" }
func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}
