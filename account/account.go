// Package account defines API accounts, their usage stats and API call logs.
//
// Every API request authenticates as an account via its API key. Accounts
// carry the storage backend configuration for public and secure assets, an
// optional per-account rate limit and an optional webhook endpoint notified
// when asynchronous tasks finish.
package account

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// BackendConfig names a storage backend and carries its validated settings.
type BackendConfig struct {
	// Backend is the registered backend name (local, s3).
	Backend string `bson:"backend"`
	// Settings holds the backend's validated settings.
	Settings map[string]any `bson:"settings"`
}

// Account is an API tenant.
type Account struct {
	ID       bson.ObjectID `bson:"_id,omitempty"`
	Created  time.Time     `bson:"created"`
	Modified time.Time     `bson:"modified"`

	// Name uniquely identifies the account to operators.
	Name string `bson:"name"`

	// APIKey authenticates API requests. Unique across accounts.
	APIKey string `bson:"api_key"`

	// AllowedIPs restricts API access to the listed addresses when non-empty.
	AllowedIPs []string `bson:"allowed_ips,omitempty"`

	// RateLimitPerSecond overrides the service default when set.
	RateLimitPerSecond *int `bson:"rate_limit_per_second,omitempty"`

	// PublicBackend/SecureBackend configure blob storage for public and
	// secure assets. An account without a secure backend cannot store secure
	// assets.
	PublicBackend *BackendConfig `bson:"public_backend,omitempty"`
	SecureBackend *BackendConfig `bson:"secure_backend,omitempty"`

	// WebhookURL, when set, receives signed notifications as tasks finish.
	WebhookURL string `bson:"webhook_url,omitempty"`
}

// BackendFor returns the backend config for the requested visibility, or nil
// when none is configured.
func (a *Account) BackendFor(secure bool) *BackendConfig {
	if secure {
		return a.SecureBackend
	}
	return a.PublicBackend
}

// IPAllowed reports whether the remote address passes the account's
// allowlist. An empty allowlist admits every address.
func (a *Account) IPAllowed(ip string) bool {
	if len(a.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range a.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// GenerateAPIKey returns a fresh 64 char hex API key.
func GenerateAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
