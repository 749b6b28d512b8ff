// Package transform defines transforms, their registry and pipeline
// validation.
//
// A transform mutates an asset's frame stack. Pipelines are ordered lists of
// transform steps ending in exactly one final transform, the one that encodes
// the frames into the variation's bytes. The API validates pipelines up front
// so workers only execute well-formed ones.
package transform

import (
	"context"
	"fmt"

	"hangar51.dev/h51/capability"
	"hangar51.dev/h51/imaging"
)

// Input carries the frame stack and the asset's metadata into a transform.
// Metadata lets transforms use analyzer output, e.g. cropping around a
// stored focal point.
type Input struct {
	Stack *imaging.Stack
	Meta  map[string]any

	// History holds the names of the transforms already applied in this
	// pipeline, in order. Fallback transforms consult it to decide whether
	// an earlier step made them redundant.
	History []string
}

// Transform mutates the input's frame stack.
type Transform interface {
	Apply(ctx context.Context, in *Input, settings capability.Settings) error
}

// SettingsChecker is implemented by transforms whose settings carry
// cross-field constraints a schema cannot express, e.g. fields required as a
// pair or values that must be ordered. ValidatePipeline calls it after the
// schema validated, with defaults applied.
type SettingsChecker interface {
	CheckSettings(settings capability.Settings) map[string][]string
}

// Registration pairs a transform with its schema and final flag.
type Registration struct {
	Schema capability.Schema
	// Final transforms encode the stack and must come last in a pipeline.
	Final     bool
	Transform Transform
}

// Registry maps asset types to their named transforms. Unlike analyzers,
// transforms have no base-type fallback: a transform only applies to the
// asset types it is registered for.
type Registry struct {
	byType map[string]map[string]Registration
}

// NewRegistry returns an empty transform registry.
func NewRegistry() *Registry {
	return &Registry{byType: map[string]map[string]Registration{}}
}

// Register adds a transform for the asset type under name.
func (r *Registry) Register(assetType, name string, schema capability.Schema, final bool, t Transform) {
	if _, ok := r.byType[assetType]; !ok {
		r.byType[assetType] = map[string]Registration{}
	}
	if _, ok := r.byType[assetType][name]; ok {
		panic("transform " + assetType + "/" + name + " registered twice")
	}
	r.byType[assetType][name] = Registration{Schema: schema, Final: final, Transform: t}
}

// Find returns the transform registered for the asset type under name.
func (r *Registry) Find(assetType, name string) (Registration, bool) {
	reg, ok := r.byType[assetType][name]
	return reg, ok
}

// Step is one validated pipeline entry.
type Step struct {
	Name     string
	Settings capability.Settings
}

// ValidatePipeline checks a raw pipeline for the asset type: every transform
// must exist, settings must validate, the last step must be final and no
// earlier step may be. The returned messages are keyed for arg_errors.
func ValidatePipeline(r *Registry, assetType string, raw []map[string]any) ([]Step, map[string][]string) {
	errs := map[string][]string{}
	if len(raw) == 0 {
		errs["transforms"] = append(errs["transforms"], "At least one transform is required.")
		return nil, errs
	}

	steps := make([]Step, 0, len(raw))
	for i, entry := range raw {
		key := fmt.Sprintf("transforms.%d", i)

		name, _ := entry["id"].(string)
		if name == "" {
			errs[key] = append(errs[key], "Transform id is required.")
			continue
		}
		reg, ok := r.Find(assetType, name)
		if !ok {
			errs[key] = append(errs[key], fmt.Sprintf("Unknown transform %q for %s assets.", name, assetType))
			continue
		}

		last := i == len(raw)-1
		if reg.Final && !last {
			errs[key] = append(errs[key], fmt.Sprintf("Final transform %q must be the last step.", name))
			continue
		}
		if last && !reg.Final {
			errs[key] = append(errs[key], fmt.Sprintf("The last transform must be final, %q is not.", name))
			continue
		}

		rawSettings, _ := entry["settings"].(map[string]any)
		settings, argErrs := reg.Schema.Validate(rawSettings)
		if argErrs != nil {
			for field, msgs := range argErrs {
				errs[key+"."+field] = append(errs[key+"."+field], msgs...)
			}
			continue
		}
		if checker, ok := reg.Transform.(SettingsChecker); ok {
			if argErrs := checker.CheckSettings(settings); len(argErrs) > 0 {
				for field, msgs := range argErrs {
					errs[key+"."+field] = append(errs[key+"."+field], msgs...)
				}
				continue
			}
		}
		steps = append(steps, Step{Name: name, Settings: settings})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return steps, nil
}

// Run executes the validated pipeline over the stack.
func Run(ctx context.Context, r *Registry, assetType string, in *Input, steps []Step) error {
	for _, step := range steps {
		reg, ok := r.Find(assetType, step.Name)
		if !ok {
			return fmt.Errorf("unknown transform %q", step.Name)
		}
		if err := reg.Transform.Apply(ctx, in, step.Settings); err != nil {
			return fmt.Errorf("apply transform %q: %w", step.Name, err)
		}
		in.History = append(in.History, step.Name)
	}
	if in.Stack.State() != imaging.Encoded {
		return fmt.Errorf("pipeline finished without encoding")
	}
	return nil
}
