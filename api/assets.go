package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"hangar51.dev/h51/account"
	"hangar51.dev/h51/antivirus"
	"hangar51.dev/h51/apierror"
	"hangar51.dev/h51/asset"
	"hangar51.dev/h51/backend"
	"hangar51.dev/h51/config"
	"hangar51.dev/h51/probe"
)

// maxUploadMemory bounds the in-memory part of multipart parsing.
const maxUploadMemory = 32 << 20

// uidAttempts bounds uid generation retries on collision.
const uidAttempts = 5

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, apierror.InvalidRequest("Request must be multipart form data."))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierror.InvalidArgs(map[string][]string{
			"file": {"A file is required."},
		}))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apierror.Internal("Failed to read upload."))
		return
	}

	if err := s.scanner.Scan(ctx, data); err != nil {
		if errors.Is(err, antivirus.ErrInfected) {
			writeError(w, apierror.InvalidArgs(map[string][]string{
				"file": {"The file failed the virus scan."},
			}))
			return
		}
		log.Errorf(ctx, err, "virus scan unavailable")
		writeError(w, apierror.Internal("Virus scan unavailable."))
		return
	}

	secure := parseBool(r.FormValue("secure"))
	cfg := acct.BackendFor(secure)
	if cfg == nil {
		writeError(w, apierror.InvalidRequest(
			fmt.Sprintf("Account has no backend configured for secure=%v assets.", secure)))
		return
	}
	store, err := s.backends.Build(cfg.Backend, cfg.Settings)
	if err != nil {
		log.Errorf(ctx, err, "build backend")
		writeError(w, apierror.Internal("Storage backend unavailable."))
		return
	}

	filename := header.Filename
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	name := r.FormValue("name")
	if name == "" {
		name = strings.TrimSuffix(filename, path.Ext(filename))
	}
	name = asset.SlugName(name)
	if name == "" {
		writeError(w, apierror.InvalidArgs(map[string][]string{
			"name": {"A name is required."},
		}))
		return
	}

	contentType := asset.ContentTypeForExt(ext)
	if contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
		if i := strings.Index(contentType, ";"); i >= 0 {
			contentType = contentType[:i]
		}
	}
	assetType := config.ContentTypeToTypes[contentType]
	if assetType == "" {
		assetType = asset.TypeFile
	}

	now := time.Now()
	meta := map[string]any{
		"filename": filename,
		"length":   len(data),
	}
	switch assetType {
	case asset.TypeImage:
		if m, ok := probe.Image(data); ok {
			meta[asset.TypeImage] = m
		}
	case asset.TypeAudio:
		if m, ok := probe.Audio(data, contentType); ok {
			meta[asset.TypeAudio] = m
		}
	}

	a := &asset.Asset{
		Created:     now,
		Modified:    now,
		Account:     acct.ID,
		Secure:      secure,
		Name:        name,
		Ext:         ext,
		Type:        assetType,
		ContentType: contentType,
		Meta:        meta,
	}
	if v := r.FormValue("expire"); v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil || seconds <= 0 {
			writeError(w, apierror.InvalidArgs(map[string][]string{
				"expire": {"Must be a positive number of seconds."},
			}))
			return
		}
		expires := float64(now.UnixNano())/1e9 + seconds
		a.Expires = &expires
	}

	if err := s.insertWithFreshUID(r, a, store, data); err != nil {
		log.Errorf(ctx, err, "store upload")
		writeError(w, apierror.Internal("Failed to store the file."))
		return
	}

	if err := s.stats.Inc(ctx, acct.ID, now, map[string]int64{
		"assets": 1,
		"length": int64(len(data)),
	}); err != nil {
		log.Errorf(ctx, err, "record upload stats")
	}
	writeJSON(w, http.StatusCreated, a.ToAPI())
}

// insertWithFreshUID stores the blob and row, retrying with a new uid when
// the account already holds it.
func (s *Server) insertWithFreshUID(r *http.Request, a *asset.Asset, store backend.Backend, data []byte) error {
	ctx := r.Context()
	var lastErr error
	for i := 0; i < uidAttempts; i++ {
		a.UID = asset.GenerateUID()
		if _, err := s.assets.ByUID(ctx, a.Account, a.UID); err == nil {
			continue
		}
		if err := store.Store(ctx, a.StoreKey(), bytes.NewReader(data)); err != nil {
			return err
		}
		if err := s.assets.Insert(ctx, a); err != nil {
			// Likely a uid collision with an expired asset; clean the blob
			// and retry.
			_ = store.Delete(ctx, a.StoreKey())
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("could not find a free uid")
	}
	return lastErr
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, a.ToAPI())
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	q := asset.ListQuery{
		Q:    r.URL.Query().Get("q"),
		Type: r.URL.Query().Get("type"),
	}
	switch r.URL.Query().Get("backend") {
	case "", "any":
	case "public":
		secure := false
		q.Secure = &secure
	case "secure":
		secure := true
		q.Secure = &secure
	default:
		writeError(w, apierror.InvalidArgs(map[string][]string{
			"backend": {"Must be one of any, public or secure."},
		}))
		return
	}
	if v := r.URL.Query().Get("before"); v != "" {
		t, apiErr := parseUnix(v, "before")
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}
		q.Before = &t
	}
	if v := r.URL.Query().Get("after"); v != "" {
		t, apiErr := parseUnix(v, "after")
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}
		q.After = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 100 {
			writeError(w, apierror.InvalidArgs(map[string][]string{
				"limit": {"Must be an integer between 1 and 100."},
			}))
			return
		}
		q.Limit = n
	}

	assets, err := s.assets.List(ctx, acct.ID, q)
	if err != nil {
		log.Errorf(ctx, err, "list assets")
		writeError(w, apierror.Internal("Failed to list assets."))
		return
	}
	items := make([]map[string]any, len(assets))
	for i, a := range assets {
		items[i] = a.ToAPI()
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": items})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	s.streamBlob(w, r, a, a.StoreKey(), a.ContentType)
}

func (s *Server) handleDownloadVariation(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	name := chi.URLParam(r, "variation")
	v, ok := a.Variations[name]
	if !ok {
		writeError(w, apierror.NotFound(fmt.Sprintf("No variation named %q.", name)))
		return
	}
	s.streamBlob(w, r, a, v.StoreKey(a, name), v.ContentType)
}

func (s *Server) streamBlob(w http.ResponseWriter, r *http.Request, a *asset.Asset, key, contentType string) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	store, apiErr := s.buildBackend(acct, a)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	rc, err := store.Retrieve(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		writeError(w, apierror.NotFound("The stored file is missing."))
		return
	}
	if err != nil {
		log.Errorf(ctx, err, "retrieve blob")
		writeError(w, apierror.Internal("Failed to retrieve the file."))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	var body struct {
		Seconds float64 `json:"seconds"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if body.Seconds <= 0 {
		writeError(w, apierror.InvalidArgs(map[string][]string{
			"seconds": {"Must be a positive number of seconds."},
		}))
		return
	}
	now := time.Now()
	expires := float64(now.UnixNano())/1e9 + body.Seconds
	if err := s.assets.SetExpires(r.Context(), a.ID, expires, now); err != nil {
		log.Errorf(r.Context(), err, "expire asset")
		writeError(w, apierror.Internal("Failed to expire the asset."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uid": a.UID, "expires": expires})
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if err := s.assets.ClearExpires(r.Context(), a.ID, time.Now()); err != nil {
		log.Errorf(r.Context(), err, "persist asset")
		writeError(w, apierror.Internal("Failed to persist the asset."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uid": a.UID, "expires": nil})
}

func (s *Server) handleBulkExpire(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UIDs    []string `json:"uids"`
		Seconds float64  `json:"seconds"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if body.Seconds <= 0 {
		writeError(w, apierror.InvalidArgs(map[string][]string{
			"seconds": {"Must be a positive number of seconds."},
		}))
		return
	}
	now := time.Now()
	expires := float64(now.UnixNano())/1e9 + body.Seconds
	s.bulkUpdate(w, r, body.UIDs, func(a *asset.Asset) error {
		return s.assets.SetExpires(r.Context(), a.ID, expires, now)
	})
}

func (s *Server) handleBulkPersist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UIDs []string `json:"uids"`
	}
	if apiErr := decodeJSON(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	now := time.Now()
	s.bulkUpdate(w, r, body.UIDs, func(a *asset.Asset) error {
		return s.assets.ClearExpires(r.Context(), a.ID, now)
	})
}

// bulkUpdate applies fn to each named live asset and reports which uids were
// updated and which were unknown.
func (s *Server) bulkUpdate(w http.ResponseWriter, r *http.Request, uids []string, fn func(*asset.Asset) error) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	if len(uids) == 0 {
		writeError(w, apierror.InvalidArgs(map[string][]string{
			"uids": {"At least one uid is required."},
		}))
		return
	}
	assets, err := s.assets.ManyByUIDs(ctx, acct.ID, uids)
	if err != nil {
		log.Errorf(ctx, err, "load assets")
		writeError(w, apierror.Internal("Failed to load assets."))
		return
	}

	updated := make([]string, 0, len(assets))
	found := map[string]bool{}
	for _, a := range assets {
		if err := fn(a); err != nil {
			log.Errorf(ctx, err, "bulk update asset %s", a.UID)
			continue
		}
		updated = append(updated, a.UID)
		found[a.UID] = true
	}
	missing := []string{}
	for _, uid := range uids {
		if !found[uid] {
			missing = append(missing, uid)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated, "missing": missing})
}

func (s *Server) handleDeleteVariation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFrom(ctx)

	a, apiErr := s.loadAsset(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	name := chi.URLParam(r, "variation")
	v, ok := a.Variations[name]
	if !ok {
		writeError(w, apierror.NotFound(fmt.Sprintf("No variation named %q.", name)))
		return
	}

	store, apiErr := s.buildBackend(acct, a)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if err := store.Delete(ctx, v.StoreKey(a, name)); err != nil {
		log.Errorf(ctx, err, "delete variation blob")
		writeError(w, apierror.Internal("Failed to delete the variation file."))
		return
	}
	if err := s.assets.RemoveVariation(ctx, a.ID, name, time.Now()); err != nil {
		log.Errorf(ctx, err, "remove variation")
		writeError(w, apierror.Internal("Failed to remove the variation."))
		return
	}

	var length int64
	if n, ok := v.Meta["length"].(float64); ok {
		length = int64(n)
	} else if n, ok := v.Meta["length"].(int64); ok {
		length = n
	} else if n, ok := v.Meta["length"].(int); ok {
		length = int64(n)
	}
	if err := s.stats.Inc(ctx, acct.ID, time.Now(), map[string]int64{
		"variations": -1,
		"length":     -length,
	}); err != nil {
		log.Errorf(ctx, err, "record variation delete stats")
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadAsset resolves the {uid} route param to one of the account's live
// assets.
func (s *Server) loadAsset(r *http.Request) (*asset.Asset, *apierror.Error) {
	ctx := r.Context()
	acct := accountFrom(ctx)
	uid := chi.URLParam(r, "uid")

	a, err := s.assets.ByUID(ctx, acct.ID, uid)
	if errors.Is(err, asset.ErrNotFound) {
		return nil, apierror.NotFound(fmt.Sprintf("No asset with uid %q.", uid))
	}
	if err != nil {
		log.Errorf(ctx, err, "load asset")
		return nil, apierror.Internal("Failed to load the asset.")
	}
	return a, nil
}

func (s *Server) buildBackend(acct *account.Account, a *asset.Asset) (backend.Backend, *apierror.Error) {
	cfg := acct.BackendFor(a.Secure)
	if cfg == nil {
		return nil, apierror.InvalidRequest("Account has no backend configured for this asset.")
	}
	store, err := s.backends.Build(cfg.Backend, cfg.Settings)
	if err != nil {
		return nil, apierror.Internal("Storage backend unavailable.")
	}
	return store, nil
}

// decodeJSON parses the request body. An empty body is fine; the handlers
// validate required fields themselves.
func decodeJSON(r *http.Request, dst any) *apierror.Error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apierror.InvalidRequest("Request body must be valid JSON.")
	}
	return nil
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func parseUnix(v, field string) (time.Time, *apierror.Error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, apierror.InvalidArgs(map[string][]string{
			field: {"Must be a unix timestamp."},
		})
	}
	return time.Unix(0, int64(f*1e9)), nil
}
