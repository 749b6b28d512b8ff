// Package analyzer defines analyzers and their registry.
//
// An analyzer inspects an asset's file and returns metadata, which the worker
// writes under meta.{asset_type}.{analyzer_name}. Analyzers never modify the
// file itself; that is what transforms are for.
package analyzer

import (
	"context"
	"sort"
	"sync"

	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/imaging"
)

// Input carries the asset file into an analyzer. The decoded frame stack is
// built lazily and shared so several image analyzers in one task decode the
// file once.
type Input struct {
	// Data is the raw file bytes.
	Data []byte

	// AssetType is the owning asset's type.
	AssetType string

	// Results holds the output of the analyzers already run in this task,
	// keyed by analyzer name, so later analyzers can build on earlier ones.
	Results map[string]any

	once  sync.Once
	stack *imaging.Stack
	err   error
}

// Stack lazily decodes Data into a frame stack.
func (in *Input) Stack() (*imaging.Stack, error) {
	in.once.Do(func() {
		in.stack, in.err = imaging.Decode(in.Data)
	})
	return in.stack, in.err
}

// Analyzer extracts metadata from an asset file.
type Analyzer interface {
	// Analyze returns the metadata value stored under the analyzer's name.
	Analyze(ctx context.Context, in *Input, settings capability.Settings) (any, error)
}

// Registration pairs an analyzer with its settings schema.
type Registration struct {
	Schema   capability.Schema
	Analyzer Analyzer
}

// Registry maps asset types to their named analyzers. Registration happens
// explicitly at startup.
type Registry struct {
	byType map[string]map[string]Registration
}

// NewRegistry returns an empty analyzer registry.
func NewRegistry() *Registry {
	return &Registry{byType: map[string]map[string]Registration{}}
}

// Register adds an analyzer for the asset type under name.
func (r *Registry) Register(assetType, name string, schema capability.Schema, a Analyzer) {
	if _, ok := r.byType[assetType]; !ok {
		r.byType[assetType] = map[string]Registration{}
	}
	if _, ok := r.byType[assetType][name]; ok {
		panic("analyzer " + assetType + "/" + name + " registered twice")
	}
	r.byType[assetType][name] = Registration{Schema: schema, Analyzer: a}
}

// Names returns the analyzer names available to the asset type, including the
// base file analyzers, sorted.
func (r *Registry) Names(assetType string) []string {
	seen := map[string]bool{}
	for name := range r.byType["file"] {
		seen[name] = true
	}
	for name := range r.byType[assetType] {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Find returns the analyzer registered for the asset type under name,
// falling back to the base file type. Transforms have no such fallback;
// analyzers do because generic analyzers (e.g. checksums) apply to every
// asset.
func (r *Registry) Find(assetType, name string) (Registration, bool) {
	if reg, ok := r.byType[assetType][name]; ok {
		return reg, true
	}
	reg, ok := r.byType["file"][name]
	return reg, ok
}
