package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"goa.design/clue/log"

	"hangar51.dev/h51/apierror"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/event"
	"hangar51.dev/h51/task"
	"hangar51.dev/h51/transform"
)

// step is one wire-level (name, settings) pair.
type step struct {
	Name     string
	Settings map[string]any
}

// decodePairs parses the wire form [[name, {settings}], ...]. The settings
// object may be omitted.
func decodePairs(raw json.RawMessage, field string) ([]step, map[string][]string) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, map[string][]string{field: {"Must be a list of [name, settings] pairs."}}
	}
	steps := make([]step, 0, len(entries))
	for i, entry := range entries {
		key := fmt.Sprintf("%s.%d", field, i)
		var parts []json.RawMessage
		if err := json.Unmarshal(entry, &parts); err != nil || len(parts) == 0 || len(parts) > 2 {
			return nil, map[string][]string{key: {"Must be a [name, settings] pair."}}
		}
		var st step
		if err := json.Unmarshal(parts[0], &st.Name); err != nil || st.Name == "" {
			return nil, map[string][]string{key: {"The name must be a non-empty string."}}
		}
		if len(parts) == 2 {
			if err := json.Unmarshal(parts[1], &st.Settings); err != nil {
				return nil, map[string][]string{key: {"Settings must be an object."}}
			}
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var body struct {
		Analyzers json.RawMessage `json:"analyzers"`
		NotifyURL string          `json:"notification_url"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	steps, argErrs := s.analyzeSteps(a.Type, body.Analyzers, "analyzers")
	if argErrs != nil {
		writeError(w, apierror.InvalidArgs(argErrs))
		return
	}

	s.runTask(w, r, a, &task.Task{
		Type:      task.TypeAnalyze,
		Account:   a.Account.Hex(),
		AssetUID:  a.UID,
		NotifyURL: body.NotifyURL,
		Payload:   map[string]any{"analyzers": steps},
	})
}

// analyzeSteps validates the requested analyzers against the registry and
// returns the ordered task payload entries. An absent or empty list selects
// every analyzer for the asset type with default settings.
func (s *Server) analyzeSteps(assetType string, raw json.RawMessage, field string) ([]any, map[string][]string) {
	var steps []step
	if len(raw) > 0 {
		var errs map[string][]string
		steps, errs = decodePairs(raw, field)
		if errs != nil {
			return nil, errs
		}
	}
	if len(steps) == 0 {
		for _, name := range s.analyzers.Names(assetType) {
			steps = append(steps, step{Name: name})
		}
	}

	entries := make([]any, 0, len(steps))
	argErrs := map[string][]string{}
	for i, st := range steps {
		key := fmt.Sprintf("%s.%d", field, i)
		reg, ok := s.analyzers.Find(assetType, st.Name)
		if !ok {
			argErrs[key] = append(argErrs[key],
				fmt.Sprintf("Unknown analyzer %q for %s assets.", st.Name, assetType))
			continue
		}
		settings, errs := reg.Schema.Validate(st.Settings)
		if errs != nil {
			for f, msgs := range errs {
				argErrs[key+"."+f] = append(argErrs[key+"."+f], msgs...)
			}
			continue
		}
		entries = append(entries, []any{st.Name, map[string]any(settings)})
	}
	if len(argErrs) > 0 {
		return nil, argErrs
	}
	return entries, nil
}

func (s *Server) handleGenerateVariations(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var body struct {
		Variations map[string]json.RawMessage `json:"variations"`
		NotifyURL  string                     `json:"notification_url"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	variations, argErrs := s.variationPipelines(a.Type, body.Variations, "variations")
	if argErrs != nil {
		writeError(w, apierror.InvalidArgs(argErrs))
		return
	}

	s.runTask(w, r, a, &task.Task{
		Type:      task.TypeGenerateVariation,
		Account:   a.Account.Hex(),
		AssetUID:  a.UID,
		NotifyURL: body.NotifyURL,
		Payload:   map[string]any{"variations": variations},
	})
}

// variationPipelines validates the wire form {name: [[transform, settings],
// ...]} and returns the task payload mapping.
func (s *Server) variationPipelines(assetType string, raw map[string]json.RawMessage, field string) (map[string]any, map[string][]string) {
	if len(raw) == 0 {
		return nil, map[string][]string{field: {"At least one variation is required."}}
	}
	if max := s.cfg.MaxVariationsPerRequest; max > 0 && len(raw) > max {
		return nil, map[string][]string{
			field: {fmt.Sprintf("At most %d variations per request.", max)},
		}
	}

	variations := map[string]any{}
	argErrs := map[string][]string{}
	for name, rawPipeline := range raw {
		key := field + "." + name
		if !asset.ValidVariationName(name) {
			argErrs[key] = append(argErrs[key], "Invalid variation name.")
			continue
		}
		pairs, errs := decodePairs(rawPipeline, key)
		if errs != nil {
			for f, msgs := range errs {
				argErrs[f] = append(argErrs[f], msgs...)
			}
			continue
		}
		steps, errs := s.validateSteps(assetType, pairs)
		if errs != nil {
			for f, msgs := range errs {
				argErrs[key+"."+f] = append(argErrs[key+"."+f], msgs...)
			}
			continue
		}
		variations[name] = steps
	}
	if len(argErrs) > 0 {
		return nil, argErrs
	}
	return variations, nil
}

// runTask enqueues the task. With a notification URL the call returns as soon
// as the task is queued and the outcome goes to the webhook; otherwise the
// handler waits for a worker to settle the task and returns the refreshed
// asset. The future is registered before the enqueue so the completion event
// cannot slip past the subscription.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request, a *asset.Asset, t *task.Task) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	t.ID = task.NewID(t.Type)
	if t.NotifyURL != "" {
		if err := s.queue.Enqueue(ctx, t); err != nil {
			log.Errorf(ctx, err, "enqueue task")
			writeError(w, apierror.Internal("Failed to queue the task."))
			return
		}
		writeJSON(w, http.StatusOK, a.ToAPI())
		return
	}

	f := s.bus.Await(t.ID)
	if err := s.queue.Enqueue(ctx, t); err != nil {
		s.bus.Forget(t.ID, f)
		log.Errorf(ctx, err, "enqueue task")
		writeError(w, apierror.Internal("Failed to queue the task."))
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	e, err := f.Wait(waitCtx)
	if err != nil {
		s.bus.Forget(t.ID, f)
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, apierror.Internal("Timed out waiting for the task to complete."))
			return
		}
		writeError(w, apierror.Internal("Interrupted while waiting for the task."))
		return
	}
	if e.Type == event.TypeTaskError {
		writeError(w, taskError(e.Reason))
		return
	}

	// Read from the primary so the worker's writes are visible.
	fresh, err := s.assets.ByUIDPrimary(ctx, acct.ID, t.AssetUID)
	if err != nil {
		log.Errorf(ctx, err, "reload asset after task")
		writeError(w, apierror.Internal("Failed to reload the asset."))
		return
	}
	writeJSON(w, http.StatusOK, fresh.ToAPI())
}

// validateSteps validates a pipeline and normalizes it into the task payload
// form, with validated and defaulted settings in place of the raw ones.
func (s *Server) validateSteps(assetType string, pairs []step) ([]map[string]any, map[string][]string) {
	raw := make([]map[string]any, len(pairs))
	for i, p := range pairs {
		raw[i] = map[string]any{"id": p.Name, "settings": p.Settings}
	}
	steps, errs := transform.ValidatePipeline(s.transforms, assetType, raw)
	if errs != nil {
		return nil, errs
	}
	normalized := make([]map[string]any, len(steps))
	for i, st := range steps {
		normalized[i] = map[string]any{
			"id":       st.Name,
			"settings": map[string]any(st.Settings),
		}
	}
	return normalized, nil
}

// taskError maps a worker failure reason to an API error.
func taskError(reason string) *apierror.Error {
	switch reason {
	case event.ReasonMalformedTask:
		return apierror.InvalidRequest("The task record was malformed.")
	case event.ReasonClaimLost:
		return apierror.Internal("The worker lost its claim on the task.")
	default:
		return apierror.Internal("The task failed.")
	}
}
