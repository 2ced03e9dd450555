package refulearn

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// BridgeTokenHeader carries the shared secret of a protected bridge.
const BridgeTokenHeader = "X-Bridge-Token"

const maxBridgeBody = 4 << 20

// ============================================================================
// Bridge
// ============================================================================

// Bridge exposes an OfflineManager to a local UI process over loopback HTTP.
type Bridge struct {
	manager *OfflineManager
	secret  string
	logger  *zap.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeSecret requires every request to carry secret in BridgeTokenHeader.
func WithBridgeSecret(secret string) BridgeOption {
	return func(b *Bridge) { b.secret = secret }
}

// NewBridge creates a bridge over the manager.
func NewBridge(manager *OfflineManager, opts ...BridgeOption) *Bridge {
	b := &Bridge{manager: manager, logger: manager.logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Verify compares token with the configured secret in constant time. A
// bridge without a secret accepts everything.
func (b *Bridge) Verify(token string) bool {
	if b.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(b.secret)) == 1
}

// Handler returns the bridge router.
//
// Example:
//
//	bridge := refulearn.NewBridge(manager)
//	http.ListenAndServe("127.0.0.1:7420", bridge.Handler())
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.logRequests)

	r.Get("/health", b.health)
	r.Handle("/metrics", b.manager.Metrics().Handler())

	r.Group(func(r chi.Router) {
		r.Use(b.authenticate)

		r.Get("/collections/{collection}", b.listCollection)
		r.Get("/collections/{collection}/{key}", b.getRecord)
		r.Put("/collections/{collection}/{key}", b.putRecord)

		r.Get("/fetch", b.fetch)
		r.Post("/mutations", b.submit)

		r.Get("/queue", b.listQueue)
		r.Post("/queue/drain", b.drainQueue)
		r.Post("/queue/{id}/retry", b.retryItem)

		r.Post("/connectivity", b.connectivity)
		r.Post("/completion-key", b.completionKey)
		r.Post("/completions", b.markComplete)
		r.Get("/progress/{courseId}", b.progress)
	})
	return r
}

func (b *Bridge) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		b.logger.Debug("bridge request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (b *Bridge) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.Verify(r.Header.Get(BridgeTokenHeader)) {
			writeError(w, http.StatusUnauthorized, "invalid bridge token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Store ────────────────────────────────────────────────

func (b *Bridge) listCollection(w http.ResponseWriter, r *http.Request) {
	records, err := b.manager.List(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (b *Bridge) getRecord(w http.ResponseWriter, r *http.Request) {
	collection, key := chi.URLParam(r, "collection"), chi.URLParam(r, "key")
	var record json.RawMessage
	found, err := b.manager.Get(r.Context(), collection, key, &record)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s/%s not found", collection, key))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (b *Bridge) putRecord(w http.ResponseWriter, r *http.Request) {
	collection, key := chi.URLParam(r, "collection"), chi.URLParam(r, "key")
	if collection == CollSyncQueue {
		writeError(w, http.StatusBadRequest, "the sync queue is written through /mutations")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}
	if err := b.manager.Set(r.Context(), collection, key, json.RawMessage(body)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── Gateway ──────────────────────────────────────────────

func (b *Bridge) fetch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "/") {
		writeError(w, http.StatusBadRequest, "path must start with /")
		return
	}
	resp, err := b.manager.CachedFetch(r.Context(), path)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.FromCache {
		w.Header().Set("X-From-Cache", "true")
		w.Header().Set("X-Captured-At", resp.CapturedAt.UTC().Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Body)
}

type mutationRequest struct {
	Kind           MutationKind    `json:"kind"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type mutationResponse struct {
	Queued     bool            `json:"queued"`
	QueueID    string          `json:"queueId,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

func (b *Bridge) submit(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m := Mutation{
		Kind:           req.Kind,
		Method:         req.Method,
		Path:           req.Path,
		IdempotencyKey: req.IdempotencyKey,
	}
	if len(req.Payload) > 0 {
		m.Payload = req.Payload
	}
	res, err := b.manager.Submit(r.Context(), m)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := mutationResponse{Queued: res.Queued, QueueID: res.QueueID}
	status := http.StatusAccepted
	if res.Response != nil {
		status = http.StatusOK
		out.StatusCode = res.Response.StatusCode
		if json.Valid(res.Response.Body) {
			out.Body = res.Response.Body
		}
	}
	writeJSON(w, status, out)
}

// ── Queue ────────────────────────────────────────────────

func (b *Bridge) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := b.manager.Queue().Items(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (b *Bridge) drainQueue(w http.ResponseWriter, r *http.Request) {
	res, err := b.manager.Drain(r.Context())
	if err != nil && !errors.Is(err, ErrOffline) {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (b *Bridge) retryItem(w http.ResponseWriter, r *http.Request) {
	if err := b.manager.Queue().Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── Connectivity and progress ────────────────────────────

func (b *Bridge) connectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeRequest(r, &req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"online\": bool}")
		return
	}
	b.manager.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"online":    b.manager.IsOnline(),
		"queueSize": b.manager.QueueSize(),
	})
}

type completionRequest struct {
	CourseID string   `json:"courseId"`
	ModuleID string   `json:"moduleId"`
	Module   *Module  `json:"module,omitempty"`
	Kind     ItemKind `json:"kind"`
	Sub      int      `json:"sub"`
}

// resolveModule returns the inline module snapshot, or looks it up in the
// stored course.
func (b *Bridge) resolveModule(r *http.Request, req completionRequest) (*Module, error) {
	if req.Module != nil {
		return req.Module, nil
	}
	course, err := b.manager.Course(r.Context(), req.CourseID)
	if err != nil {
		return nil, err
	}
	for _, m := range course.Modules {
		if m != nil && m.ID == req.ModuleID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("module %s: %w", req.ModuleID, ErrNotFound)
}

func (b *Bridge) completionKey(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := b.resolveModule(r, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	key := b.manager.ComputeCompletionKey(m, req.Kind, req.Sub)
	if key == "" {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %d has no completion key", req.Kind, req.Sub))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (b *Bridge) markComplete(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := b.manager.MarkComplete(r.Context(), req.CourseID, req.ModuleID, req.Kind, req.Sub)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (b *Bridge) progress(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseId")
	var (
		report ProgressReport
		err    error
	)
	if r.URL.Query().Get("local") == "true" {
		report, err = b.manager.ReconcileProgress(r.Context(), courseID, nil)
	} else {
		report, err = b.manager.SyncProgress(r.Context(), courseID)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (b *Bridge) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"online":    b.manager.IsOnline(),
		"queueSize": b.manager.QueueSize(),
	})
}

// ── Helpers ──────────────────────────────────────────────

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBridgeBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

func decodeRequest(r *http.Request, dest any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps package errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		writeJSON(w, se.StatusCode, map[string]string{"error": se.Error()})
	case errors.Is(err, ErrUnknownCollection):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotCached):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrInvalidMutation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
