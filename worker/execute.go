package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/analyzer"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/imaging"
	"hangar51.dev/h51/transform"
)

// analyze runs the payload's analyzers over the asset file in order and
// writes each result under meta.{type}.{name}. A failed analyzer aborts the
// pipeline; earlier results stay written and a re-run repairs the rest.
func (w *Worker) analyze(ctx context.Context, acct *account.Account, a *asset.Asset,
	store backend.Backend, payload map[string]any) error {

	data, err := w.retrieve(ctx, store, a.StoreKey())
	if err != nil {
		return err
	}
	in := &analyzer.Input{Data: data, AssetType: a.Type, Results: map[string]any{}}

	list, ok := payload["analyzers"].([]any)
	if !ok {
		return fmt.Errorf("analyze payload is not a list")
	}
	for _, entry := range list {
		pair, ok := entry.([]any)
		if !ok || len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("analyzer step is not a [name, settings] pair")
		}
		name, ok := pair[0].(string)
		if !ok || name == "" {
			return fmt.Errorf("analyzer step has no name")
		}
		reg, ok := w.analyzers.Find(a.Type, name)
		if !ok {
			return fmt.Errorf("unknown analyzer %q for %s assets", name, a.Type)
		}
		var raw map[string]any
		if len(pair) == 2 {
			raw, _ = pair[1].(map[string]any)
		}
		settings, argErrs := reg.Schema.Validate(raw)
		if argErrs != nil {
			return fmt.Errorf("invalid settings for analyzer %q: %v", name, argErrs)
		}
		value, err := reg.Analyzer.Analyze(ctx, in, settings)
		if err != nil {
			return fmt.Errorf("analyzer %q: %w", name, err)
		}
		if err := w.assets.SetMeta(ctx, a.ID, a.Type, name, value, time.Now()); err != nil {
			return err
		}
		in.Results[name] = value
		log.Print(ctx, log.KV{K: "msg", V: "analyzer finished"}, log.KV{K: "analyzer", V: name})
	}
	return nil
}

// generateVariations runs each variation's pipeline over a fresh decode of
// the asset file and stores the results.
func (w *Worker) generateVariations(ctx context.Context, acct *account.Account, a *asset.Asset,
	store backend.Backend, payload map[string]any) error {

	data, err := w.retrieve(ctx, store, a.StoreKey())
	if err != nil {
		return err
	}
	typeMeta, _ := a.Meta[a.Type].(map[string]any)

	variations, ok := payload["variations"].(map[string]any)
	if !ok {
		return fmt.Errorf("variation payload is not a mapping")
	}
	for name, rawSteps := range variations {
		steps, err := decodeSteps(w.transforms, a.Type, rawSteps)
		if err != nil {
			return fmt.Errorf("variation %q: %w", name, err)
		}

		// Each variation gets its own decode so pipelines cannot see each
		// other's edits.
		stack, err := imaging.Decode(data)
		if err != nil {
			return fmt.Errorf("variation %q: decode source: %w", name, err)
		}
		in := &transform.Input{Stack: stack, Meta: typeMeta}
		if err := transform.Run(ctx, w.transforms, a.Type, in, steps); err != nil {
			return fmt.Errorf("variation %q: %w", name, err)
		}

		encoded, ext, err := stack.Encoded()
		if err != nil {
			return fmt.Errorf("variation %q: %w", name, err)
		}
		if err := w.storeVariation(ctx, acct, a, store, name, ext, encoded); err != nil {
			return fmt.Errorf("variation %q: %w", name, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "variation stored"}, log.KV{K: "variation", V: name})
	}
	return nil
}

// decodeSteps rebuilds validated pipeline steps from the task payload. The
// payload round-tripped through JSON so settings are re-validated to restore
// their types.
func decodeSteps(r *transform.Registry, assetType string, rawSteps any) ([]transform.Step, error) {
	list, ok := rawSteps.([]any)
	if !ok {
		return nil, fmt.Errorf("pipeline is not a list")
	}
	raw := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pipeline step is not an object")
		}
		raw = append(raw, m)
	}
	steps, errs := transform.ValidatePipeline(r, assetType, raw)
	if errs != nil {
		return nil, fmt.Errorf("pipeline failed validation: %v", errs)
	}
	return steps, nil
}

// storeVariation writes one generated variation: blob first, then the asset
// row, then cleanup of the superseded blob and the stats deltas. Concurrent
// generations of the same variation settle last-writer-wins on the row.
func (w *Worker) storeVariation(ctx context.Context, acct *account.Account, a *asset.Asset,
	store backend.Backend, name, ext string, encoded []byte) error {

	// Re-read the asset so the version counter continues from the latest
	// stored variation, not the one loaded when the task started.
	latest, err := w.assets.ByUIDPrimary(ctx, acct.ID, a.UID)
	if err != nil {
		return fmt.Errorf("re-read asset: %w", err)
	}

	var oldKey string
	var oldLength int64
	var currentVersion *string
	existing, exists := latest.Variations[name]
	if exists {
		oldKey = existing.StoreKey(latest, name)
		if n, ok := existing.Meta["length"].(int64); ok {
			oldLength = n
		} else if f, ok := existing.Meta["length"].(float64); ok {
			oldLength = int64(f)
		} else if n, ok := existing.Meta["length"].(int); ok {
			oldLength = int64(n)
		}
		currentVersion = existing.Version
	}

	version := asset.NextVersion(currentVersion)
	v := asset.Variation{
		ContentType: asset.ContentTypeForExt(ext),
		Ext:         ext,
		Meta:        map[string]any{"length": len(encoded)},
		Version:     &version,
	}
	newKey := v.StoreKey(latest, name)

	if err := store.Store(ctx, newKey, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("store variation blob: %w", err)
	}
	if err := w.assets.SetVariation(ctx, latest.ID, name, v, time.Now()); err != nil {
		return fmt.Errorf("record variation: %w", err)
	}
	if oldKey != "" && oldKey != newKey {
		if err := store.Delete(ctx, oldKey); err != nil {
			log.Errorf(ctx, err, "delete superseded variation blob")
		}
	}

	deltas := map[string]int64{"length": int64(len(encoded)) - oldLength}
	if !exists {
		deltas["variations"] = 1
	}
	if err := w.stats.Inc(ctx, acct.ID, time.Now(), deltas); err != nil {
		log.Errorf(ctx, err, "record variation stats")
	}
	return nil
}

func (w *Worker) retrieve(ctx context.Context, store backend.Backend, key string) ([]byte, error) {
	rc, err := store.Retrieve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
