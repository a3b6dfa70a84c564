// Package api exposes HTTP handlers for the activity service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/persistence"
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	logger  *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/activities/", h.activityByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createActivity(w, r)
	case http.MethodGet:
		h.listActivities(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getActivity(w, r, id)
	case http.MethodPut:
		h.updateActivity(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// authorize checks the bearer claims for scope and resolves the acting user. An empty
// requested user defaults to the token subject; any other user is forbidden.
func authorize(w http.ResponseWriter, r *http.Request, requestedUser string, scopes ...string) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	allowed := false
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			allowed = true
			break
		}
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
		return "", false
	}
	requestedUser = strings.TrimSpace(requestedUser)
	if requestedUser == "" {
		return claims.Subject, true
	}
	if requestedUser != claims.Subject {
		writeError(w, http.StatusForbidden, "forbidden", "token subject does not match user_id")
		return "", false
	}
	return requestedUser, true
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	var req CreateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	userID, ok := authorize(w, r, req.UserID, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		idempotencyKey = req.IdempotencyKey
	} else if req.IdempotencyKey != "" && req.IdempotencyKey != idempotencyKey {
		writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key header and body disagree")
		return
	}

	aggregate, replay, err := h.service.CreateActivity(r.Context(), domain.CreateActivityInput{
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		CapturedAt:     req.CapturedAt,
		Payload:        req.Activity,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := CreateActivityResponse{
		ActivityID: aggregate.ID,
		Status:     "synced",
		Replay:     replay,
	}

	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := authorize(w, r, r.URL.Query().Get("user_id"), auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	aggregate, err := h.service.GetActivity(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*aggregate))
}

func (h *Handler) updateActivity(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	userID, ok := authorize(w, r, req.UserID, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	aggregate, err := h.service.UpdateActivity(r.Context(), domain.UpdateActivityInput{
		UserID:          userID,
		ActivityID:      id,
		Payload:         req.Activity,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*aggregate))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, r.URL.Query().Get("user_id"), auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	aggregates, next, err := h.service.ListActivitiesByUser(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	items := make([]ActivityView, 0, len(aggregates))
	for _, agg := range aggregates {
		items = append(items, toActivityView(agg))
	}

	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidActivity):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// CreateActivityRequest is the payload for POST /v1/activities.
type CreateActivityRequest struct {
	UserID         string           `json:"user_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CapturedAt     time.Time        `json:"captured_at"`
	Activity       activity.Payload `json:"activity"`
}

// UpdateActivityRequest is the payload for PUT /v1/activities/{id}.
type UpdateActivityRequest struct {
	UserID          string           `json:"user_id"`
	Activity        activity.Payload `json:"activity"`
	ExpectedVersion int              `json:"expected_version,omitempty"`
}

// CreateActivityResponse describes the response body for create.
type CreateActivityResponse struct {
	ActivityID string `json:"activity_id"`
	Status     string `json:"status"`
	Replay     bool   `json:"idempotent_replay"`
}

// ActivityView exposes full details about an activity.
type ActivityView struct {
	ActivityID     string           `json:"activity_id"`
	UserID         string           `json:"user_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CapturedAt     time.Time        `json:"captured_at"`
	Activity       activity.Payload `json:"activity"`
	Version        int              `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ActivityID:     a.ID,
		UserID:         a.UserID,
		IdempotencyKey: a.IdempotencyKey,
		CapturedAt:     a.CapturedAt,
		Activity:       a.Payload,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}
