// Package agent exposes the sync agent's local HTTP API used by the device UI.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/recordstore"
	"example.com/fitsync/internal/syncengine"
	"example.com/fitsync/internal/trigger"
)

// Syncer is the dispatcher surface the API drives.
type Syncer interface {
	ManualSync(ctx context.Context) (syncengine.Result, error)
	ClearAll(ctx context.Context) error
	ClearUser(ctx context.Context, userID string) error
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	Running() bool
	User() string
}

// Engine is the orchestrator surface the API reads.
type Engine interface {
	UnsyncedCount(ctx context.Context, userID string) (int, error)
	RetryFailed(ctx context.Context, userID string) (int, error)
	Phase() syncengine.Phase
}

// ServiceName identifies the agent in health responses.
const ServiceName = "fitsync-agent"

// Handler serves the local API.
type Handler struct {
	store         recordstore.Store
	syncer        Syncer
	engine        Engine
	logger        *slog.Logger
	now           func() time.Time
	storeLocation string
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithStoreLocation reports where the agent's store lives, letting local commands tell
// whether they share it.
func WithStoreLocation(location string) HandlerOption {
	return func(h *Handler) { h.storeLocation = location }
}

// NewHandler builds a Handler.
func NewHandler(store recordstore.Store, syncer Syncer, engine Engine, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{store: store, syncer: syncer, engine: engine, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/sync/status", h.status)
	mux.HandleFunc("/v1/sync/retry-failed", h.retryFailed)
	mux.HandleFunc("/v1/records", h.records)
	mux.HandleFunc("/healthz", h.healthz)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	UserID  string `json:"user_id,omitempty"`
	Store   string `json:"store,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: ServiceName,
		UserID:  h.syncer.User(),
		Store:   h.storeLocation,
	})
}

func (h *Handler) userFrom(r *http.Request) string {
	if u := strings.TrimSpace(r.URL.Query().Get("user_id")); u != "" {
		return u
	}
	return h.syncer.User()
}

// StatusResponse is the body of GET /v1/sync/status.
type StatusResponse struct {
	UserID   string `json:"user_id"`
	Pending  int    `json:"pending"`
	Failed   int    `json:"failed"`
	Unsynced int    `json:"unsynced"`
	Running  bool   `json:"running"`
	Phase    string `json:"phase"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := h.userFrom(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "no active user")
		return
	}

	ctx := r.Context()
	pending, err := h.store.CountByUserAndState(ctx, userID, recordstore.StatePending)
	if err != nil {
		h.storageError(w, err)
		return
	}
	failed, err := h.store.CountByUserAndState(ctx, userID, recordstore.StateFailed)
	if err != nil {
		h.storageError(w, err)
		return
	}
	unsynced, err := h.engine.UnsyncedCount(ctx, userID)
	if err != nil {
		h.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		UserID:   userID,
		Pending:  pending,
		Failed:   failed,
		Unsynced: unsynced,
		Running:  h.syncer.Running(),
		Phase:    h.engine.Phase().String(),
	})
}

// FailureView describes a record that did not sync.
type FailureView struct {
	LocalID   string `json:"local_id"`
	Kind      string `json:"kind"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// SyncResponse is the body of POST /v1/sync.
type SyncResponse struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Listed    bool          `json:"listed"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Failures  []FailureView `json:"failures,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// NewSyncResponse converts a pass result for the wire.
func NewSyncResponse(res syncengine.Result) SyncResponse {
	out := SyncResponse{
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Listed:    res.Listed,
		Inserted:  res.Merge.Inserted,
		Updated:   res.Merge.Updated,
		Deleted:   res.Merge.Deleted,
	}
	for _, f := range res.Failures {
		fv := FailureView{LocalID: f.LocalID, Kind: f.Kind.String(), Permanent: f.Permanent}
		if f.Err != nil {
			fv.Error = f.Err.Error()
		}
		out.Failures = append(out.Failures, fv)
	}
	return out
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	res, err := h.syncer.ManualSync(r.Context())
	switch {
	case errors.Is(err, trigger.ErrNoUser):
		writeError(w, http.StatusConflict, "no_active_user", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "sync_cancelled", err.Error())
	case err != nil:
		h.logger.Error("manual sync failed", "error", err)
		resp := NewSyncResponse(res)
		resp.Detail = "sync failed, will retry"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		writeJSON(w, http.StatusOK, NewSyncResponse(res))
	}
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := h.userFrom(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "no active user")
		return
	}
	var moved int
	err := h.syncer.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		moved, err = h.engine.RetryFailed(ctx, userID)
		return err
	})
	if err != nil {
		h.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (h *Handler) records(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.capture(w, r)
	case http.MethodGet:
		h.listRecords(w, r)
	case http.MethodDelete:
		h.clear(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// CaptureRequest is the body of POST /v1/records.
type CaptureRequest struct {
	UserID    string           `json:"user_id,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
	Activity  activity.Payload `json:"activity"`
}

// RecordView is one local record.
type RecordView struct {
	LocalID        string           `json:"local_id"`
	UserID         string           `json:"user_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	State          string           `json:"sync_state"`
	RemoteID       string           `json:"remote_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Activity       activity.Payload `json:"activity"`
}

func toRecordView(rec recordstore.Record) RecordView {
	return RecordView{
		LocalID:        rec.LocalID,
		UserID:         rec.UserID,
		IdempotencyKey: rec.Key().String(),
		State:          string(rec.State),
		RemoteID:       rec.RemoteID,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		Activity:       rec.Payload,
	}
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = h.syncer.User()
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "no active user")
		return
	}
	if err := req.Activity.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = h.now()
	}
	rec := recordstore.NewPending(userID, req.Activity, createdAt)
	id, err := h.store.Insert(r.Context(), rec)
	if err != nil {
		if errors.Is(err, recordstore.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, "duplicate_record", err.Error())
			return
		}
		h.storageError(w, err)
		return
	}
	rec.LocalID = id
	writeJSON(w, http.StatusCreated, toRecordView(rec))
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	userID := h.userFrom(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "no active user")
		return
	}
	var (
		recs []recordstore.Record
		err  error
	)
	if state := recordstore.State(r.URL.Query().Get("state")); state != "" {
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown state")
			return
		}
		recs, err = h.store.ListByUserAndState(r.Context(), userID, state)
	} else {
		recs, err = h.store.ListByUser(r.Context(), userID)
	}
	if err != nil {
		h.storageError(w, err)
		return
	}
	items := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// clear deletes local data: every record, or only user_id's when given.
func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	var err error
	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
		err = h.syncer.ClearUser(r.Context(), userID)
	} else {
		err = h.syncer.ClearAll(r.Context())
	}
	if err != nil {
		h.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storageError(w http.ResponseWriter, err error) {
	h.logger.Error("local store request failed", "error", err)
	writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"type": code, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
