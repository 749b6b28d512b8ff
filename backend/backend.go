// Package backend provides blob storage for asset files.
//
// A backend stores, retrieves and deletes blobs by key. Accounts configure
// one backend for public assets and optionally another for secure assets;
// the backend name plus its validated settings live on the account row and
// are instantiated per request through the registry.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"hangar51.dev/h51/capability"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// Backend stores asset blobs by key.
type Backend interface {
	// Store writes the blob under key, overwriting any existing blob.
	Store(ctx context.Context, key string, r io.Reader) error
	// Retrieve opens the blob stored under key.
	Retrieve(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob under key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// Factory builds a backend from validated settings.
type Factory func(settings capability.Settings) (Backend, error)

// Registry maps backend names to their factories and settings schemas.
// Registration happens explicitly at startup, never as an import side effect.
type Registry struct {
	factories map[string]Factory
	schemas   map[string]capability.Schema
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		schemas:   map[string]capability.Schema{},
	}
}

// Register adds a backend under name. Registering a duplicate name panics, a
// registry is assembled once at startup.
func (r *Registry) Register(name string, schema capability.Schema, f Factory) {
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("backend %q registered twice", name))
	}
	r.factories[name] = f
	r.schemas[name] = schema
}

// Schema returns the settings schema for the named backend.
func (r *Registry) Schema(name string) (capability.Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named backend with settings already validated
// against its schema.
func (r *Registry) Build(name string, settings capability.Settings) (Backend, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return f(settings)
}

// Verify checks that the backend's settings actually work by writing,
// reading back and deleting a blob under a disposable key.
func Verify(ctx context.Context, b Backend) error {
	key := "h51-verify-" + uuid.NewString()
	payload := []byte("h51")

	if err := b.Store(ctx, key, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("verify store: %w", err)
	}
	rc, err := b.Retrieve(ctx, key)
	if err != nil {
		return fmt.Errorf("verify retrieve: %w", err)
	}
	read, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if !bytes.Equal(read, payload) {
		return errors.New("verify read: blob does not round-trip")
	}
	if err := b.Delete(ctx, key); err != nil {
		return fmt.Errorf("verify delete: %w", err)
	}
	return nil
}
