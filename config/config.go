// Package config loads service configuration from the environment.
//
// Every h51 process (API server, asset worker, operator commands) reads the
// same set of variables so a deployment can share one environment file. Values
// have sensible local-development defaults; production deployments override
// them per host.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration shared by the API server, the asset
// workers and the operator commands.
type Config struct {
	// Env names the deployment environment (local, staging, production, test).
	Env string

	// APIAddr is the HTTP listen address for the API server.
	APIAddr string

	// MongoURI is the MongoDB connection string; MongoDatabase the database
	// holding the accounts, assets and stats collections.
	MongoURI      string
	MongoDatabase string

	// RedisAddr/RedisPassword/RedisDB configure the shared Redis instance
	// used for the task queue, event bus, rate limiting and API logs.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RateLimitPerSecond is the default per-account request limit applied
	// when an account has no limit of its own.
	RateLimitPerSecond int

	// MaxLogEntries bounds each account's API log ring; LogRetention is the
	// age beyond which the daily maintenance pass drops entries.
	MaxLogEntries int
	LogRetention  time.Duration

	// MaxVariationsPerRequest caps the number of variations a single
	// transform request may define.
	MaxVariationsPerRequest int

	// AntiVirusEnabled switches on clamd scanning of uploads; ClamdAddr is
	// the clamd socket address (e.g. "unix:///var/run/clamav/clamd.ctl").
	AntiVirusEnabled bool
	ClamdAddr        string

	// Timezone is the IANA zone used when bucketing daily stats.
	Timezone string

	// Worker tuning. MaxStatusInterval bounds how often a worker refreshes
	// its status key and task lock; SleepInterval is the pause between empty
	// polls; IdleLifespan is how long a worker idles before exiting
	// voluntarily (0 = forever); MaxWorkers caps the population the
	// controller will spawn.
	WorkerMaxStatusInterval time.Duration
	WorkerSleepInterval     time.Duration
	WorkerIdleLifespan      time.Duration
	MaxWorkers              int

	// Task monitoring thresholds.
	WarningsMaxTasks   int
	WarningsMaxTaskAge time.Duration
}

// ContentTypeToTypes maps content types to the asset types h51 understands.
// Anything absent from the table is treated as a plain file.
var ContentTypeToTypes = map[string]string{
	"audio/mpeg": "audio",
	"audio/ogg":  "audio",
	"image/bmp":  "image",
	"image/gif":  "image",
	"image/jpeg": "image",
	"image/png":  "image",
	"image/tiff": "image",
	"image/webp": "image",
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() Config {
	return Config{
		Env:                     envOr("H51_ENV", "local"),
		APIAddr:                 envOr("H51_API_ADDR", ":5001"),
		MongoURI:                envOr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:           envOr("MONGO_DATABASE", "h51"),
		RedisAddr:               envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 envIntOr("REDIS_DB", 1),
		RateLimitPerSecond:      envIntOr("API_RATE_LIMIT_PER_SECOND", 100),
		MaxLogEntries:           envIntOr("API_MAX_LOG_ENTRIES", 100),
		LogRetention:            envDurationOr("API_LOG_RETENTION_PERIOD", 90*24*time.Hour),
		MaxVariationsPerRequest: envIntOr("MAX_VARIATIONS_PER_REQUEST", 10),
		AntiVirusEnabled:        envBoolOr("ANTI_VIRUS_ENABLED", false),
		ClamdAddr:               envOr("ANTI_VIRUS_CLAMD_ADDR", "unix:///var/run/clamav/clamd.ctl"),
		Timezone:                envOr("H51_TIMEZONE", "Europe/London"),
		WorkerMaxStatusInterval: envDurationOr("ASSET_WORKER_MAX_STATUS_INTERVAL", 10*time.Second),
		WorkerSleepInterval:     envDurationOr("ASSET_WORKER_SLEEP_INTERVAL", time.Second),
		WorkerIdleLifespan:      envDurationOr("ASSET_WORKER_IDLE_LIFESPAN", 0),
		MaxWorkers:              envIntOr("ASSET_WORKER_MAX_WORKERS", 4),
		WarningsMaxTasks:        envIntOr("WARNINGS_MAX_TASKS", 25),
		WarningsMaxTaskAge:      envDurationOr("WARNINGS_MAX_TASK_AGE", time.Minute),
	}
}

// Location resolves the configured timezone, falling back to UTC when the
// zone cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
