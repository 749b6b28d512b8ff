package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendFor(t *testing.T) {
	pub := &BackendConfig{Backend: "local"}
	sec := &BackendConfig{Backend: "s3"}
	a := &Account{PublicBackend: pub, SecureBackend: sec}

	assert.Equal(t, pub, a.BackendFor(false))
	assert.Equal(t, sec, a.BackendFor(true))

	a.SecureBackend = nil
	assert.Nil(t, a.BackendFor(true))
}

func TestIPAllowed(t *testing.T) {
	a := &Account{}
	assert.True(t, a.IPAllowed("203.0.113.7"), "empty allowlist admits everyone")

	a.AllowedIPs = []string{"203.0.113.7", "198.51.100.1"}
	assert.True(t, a.IPAllowed("198.51.100.1"))
	assert.False(t, a.IPAllowed("192.0.2.1"))
}

func TestGenerateAPIKey(t *testing.T) {
	k1 := GenerateAPIKey()
	k2 := GenerateAPIKey()
	assert.Len(t, k1, 64)
	assert.NotEqual(t, k1, k2)
}
