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
)

func (s *Server) handleBulkAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UIDs      []string        `json:"uids"`
		Local     bool            `json:"local"`
		Analyzers json.RawMessage `json:"analyzers"`
		NotifyURL string          `json:"notification_url"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	assets, apiErr := s.loadBulkAssets(r, body.UIDs)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var local map[string]json.RawMessage
	if body.Local {
		if err := json.Unmarshal(body.Analyzers, &local); err != nil {
			writeError(w, apierror.InvalidArgs(map[string][]string{
				"analyzers": {"Must map uids to [name, settings] pair lists when local is set."},
			}))
			return
		}
	}

	tasks := make([]*task.Task, 0, len(assets))
	argErrs := map[string][]string{}
	for _, a := range assets {
		raw, field := body.Analyzers, "analyzers"
		if body.Local {
			raw, field = local[a.UID], "analyzers."+a.UID
		}
		steps, errs := s.analyzeSteps(a.Type, raw, field)
		if errs != nil {
			for f, msgs := range errs {
				argErrs[f] = append(argErrs[f], msgs...)
			}
			continue
		}
		tasks = append(tasks, &task.Task{
			Type:      task.TypeAnalyze,
			Account:   a.Account.Hex(),
			AssetUID:  a.UID,
			NotifyURL: body.NotifyURL,
			Payload:   map[string]any{"analyzers": steps},
		})
	}
	if len(argErrs) > 0 {
		writeError(w, apierror.InvalidArgs(argErrs))
		return
	}
	s.runBulkTasks(w, r, tasks)
}

func (s *Server) handleBulkTransform(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UIDs       []string        `json:"uids"`
		Local      bool            `json:"local"`
		Variations json.RawMessage `json:"variations"`
		NotifyURL  string          `json:"notification_url"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	assets, apiErr := s.loadBulkAssets(r, body.UIDs)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var local map[string]map[string]json.RawMessage
	var global map[string]json.RawMessage
	if body.Local {
		if err := json.Unmarshal(body.Variations, &local); err != nil {
			writeError(w, apierror.InvalidArgs(map[string][]string{
				"variations": {"Must map uids to variation pipelines when local is set."},
			}))
			return
		}
	} else if len(body.Variations) > 0 {
		if err := json.Unmarshal(body.Variations, &global); err != nil {
			writeError(w, apierror.InvalidArgs(map[string][]string{
				"variations": {"Must map variation names to [transform, settings] pair lists."},
			}))
			return
		}
	}

	tasks := make([]*task.Task, 0, len(assets))
	argErrs := map[string][]string{}
	for _, a := range assets {
		raw, field := global, "variations"
		if body.Local {
			raw, field = local[a.UID], "variations."+a.UID
		}
		variations, errs := s.variationPipelines(a.Type, raw, field)
		if errs != nil {
			for f, msgs := range errs {
				argErrs[f] = append(argErrs[f], msgs...)
			}
			continue
		}
		tasks = append(tasks, &task.Task{
			Type:      task.TypeGenerateVariation,
			Account:   a.Account.Hex(),
			AssetUID:  a.UID,
			NotifyURL: body.NotifyURL,
			Payload:   map[string]any{"variations": variations},
		})
	}
	if len(argErrs) > 0 {
		writeError(w, apierror.InvalidArgs(argErrs))
		return
	}
	s.runBulkTasks(w, r, tasks)
}

// loadBulkAssets resolves every requested uid to a live asset. Unknown uids
// fail the whole request so nothing is enqueued for a partial batch.
func (s *Server) loadBulkAssets(r *http.Request, uids []string) ([]*asset.Asset, *apierror.Error) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	if len(uids) == 0 {
		return nil, apierror.InvalidArgs(map[string][]string{
			"uids": {"At least one uid is required."},
		})
	}
	assets, err := s.assets.ManyByUIDs(ctx, acct.ID, uids)
	if err != nil {
		log.Errorf(ctx, err, "load assets")
		return nil, apierror.Internal("Failed to load assets.")
	}
	found := map[string]bool{}
	for _, a := range assets {
		found[a.UID] = true
	}
	var missing []string
	for _, uid := range uids {
		if !found[uid] {
			missing = append(missing, uid)
		}
	}
	if len(missing) > 0 {
		return nil, apierror.InvalidArgs(map[string][]string{
			"uids": {fmt.Sprintf("Unknown uids: %v.", missing)},
		})
	}
	return assets, nil
}

// runBulkTasks enqueues one task per asset. Fire and forget submissions
// return as soon as every task is queued; awaited submissions wait for all
// tasks to settle and return the refreshed assets.
func (s *Server) runBulkTasks(w http.ResponseWriter, r *http.Request, tasks []*task.Task) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	type pending struct {
		t *task.Task
		f *event.Future
	}
	await := tasks[0].NotifyURL == ""
	queued := make([]pending, 0, len(tasks))
	for _, t := range tasks {
		t.ID = task.NewID(t.Type)
		p := pending{t: t}
		if await {
			p.f = s.bus.Await(t.ID)
		}
		if err := s.queue.Enqueue(ctx, t); err != nil {
			if p.f != nil {
				s.bus.Forget(t.ID, p.f)
			}
			for _, q := range queued {
				if q.f != nil {
					s.bus.Forget(q.t.ID, q.f)
				}
			}
			log.Errorf(ctx, err, "enqueue task")
			writeError(w, apierror.Internal("Failed to queue the tasks."))
			return
		}
		queued = append(queued, p)
	}

	if !await {
		writeJSON(w, http.StatusOK, map[string]any{"queued": len(queued)})
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	for _, p := range queued {
		e, err := p.f.Wait(waitCtx)
		if err != nil {
			for _, q := range queued {
				s.bus.Forget(q.t.ID, q.f)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				writeError(w, apierror.Internal("Timed out waiting for the tasks to complete."))
				return
			}
			writeError(w, apierror.Internal("Interrupted while waiting for the tasks."))
			return
		}
		if e.Type == event.TypeTaskError {
			for _, q := range queued {
				s.bus.Forget(q.t.ID, q.f)
			}
			writeError(w, taskError(e.Reason))
			return
		}
	}

	// Read from the primary so the workers' writes are visible.
	uids := make([]string, len(queued))
	for i, p := range queued {
		uids[i] = p.t.AssetUID
	}
	assets, err := s.assets.ManyByUIDsPrimary(ctx, acct.ID, uids)
	if err != nil {
		log.Errorf(ctx, err, "reload assets after tasks")
		writeError(w, apierror.Internal("Failed to reload the assets."))
		return
	}
	items := make([]map[string]any, len(assets))
	for i, a := range assets {
		items[i] = a.ToAPI()
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": items})
}
