// Package api exposes the core over HTTP: lifecycle mutators and read paths
// as JSON endpoints, and bus subscriptions adapted into SSE and websocket
// push streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/bus"
	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/hub"
	"github.com/sessiond/sessiond/internal/middleware"
	"github.com/sessiond/sessiond/internal/ops"
	"github.com/sessiond/sessiond/internal/profile"
	"github.com/sessiond/sessiond/internal/session"
)

// SystemStatusTopic is the shared system-status channel polled through the
// producer hub.
const (
	SystemStatusTopic = "system.status"
	SystemStatusKey   = "global"
)

// Handlers bundles the dependencies every endpoint needs.
type Handlers struct {
	Sessions *session.Manager
	Ops      *ops.Registry
	Runner   *ops.Runner
	Profiles *profile.Service
	Bus      *bus.Bus
	Hub      *hub.Hub
	Auth     *auth.Service
	HubCfg   config.HubConfig
	Logger   *slog.Logger

	// pollCtx scopes background pollers to the daemon lifetime rather than
	// to the request that started them.
	pollCtx   context.Context
	startedAt time.Time
}

func NewHandlers(
	pollCtx context.Context,
	sessions *session.Manager,
	registry *ops.Registry,
	runner *ops.Runner,
	profiles *profile.Service,
	b *bus.Bus,
	h *hub.Hub,
	authService *auth.Service,
	hubCfg config.HubConfig,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		Sessions:  sessions,
		Ops:       registry,
		Runner:    runner,
		Profiles:  profiles,
		Bus:       b,
		Hub:       h,
		Auth:      authService,
		HubCfg:    hubCfg,
		Logger:    logger.With("component", "api"),
		pollCtx:   pollCtx,
		startedAt: time.Now(),
	}
}

// Health handles liveness checks.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// Login validates admin credentials and issues a JWT.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeJSON[auth.LoginRequest](w, r)
	if !ok {
		return
	}
	if err := validateStruct(input); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), err)
		return
	}

	resp, err := h.Auth.Login(input.Username, input.Password)
	if err != nil {
		sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

// SystemStatus ensures the shared system-status poller is running, then
// returns the latest snapshot. Every viewer of this endpoint shares one
// polling task.
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	h.Hub.PublishOnce(r.Context(), SystemStatusTopic, SystemStatusKey, h.buildSystemStatus)
	h.Hub.EnsurePolling(
		// The poller must outlive this request.
		h.pollCtx,
		SystemStatusTopic, SystemStatusKey,
		h.buildSystemStatus,
		h.HubCfg.GetPollInterval(),
		h.HubCfg.GetIdleTTL(),
	)

	ev, ok := h.Bus.LastEvent(SystemStatusTopic, SystemStatusKey)
	if !ok {
		sendError(w, r, http.StatusServiceUnavailable, "NOT_READY", "No status snapshot available yet", nil)
		return
	}
	sendJSON(w, http.StatusOK, ev)
}

// CreateSessionRequest is the POST /sessions payload.
type CreateSessionRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=recording teleop inference"`
	Profile string `json:"profile,omitempty"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeJSON[CreateSessionRequest](w, r)
	if !ok {
		return
	}
	if err := validateStruct(input); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), err)
		return
	}

	snap, err := h.Sessions.Create(r.Context(), input.Kind, input.Profile)
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusCreated, snap)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"sessions": h.Sessions.List()})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Get(chi.URLParam(r, "id"))
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Start(r.Context(), chi.URLParam(r, "id"))
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (h *Handlers) PauseSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Pause(r.Context(), chi.URLParam(r, "id"))
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Resume(r.Context(), chi.URLParam(r, "id"))
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Stop(r.Context(), chi.URLParam(r, "id"))
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

// CreateOperationRequest is the POST /operations payload.
type CreateOperationRequest struct {
	Kind            string `json:"kind" validate:"required,oneof=dataset_export model_warmup"`
	TargetSessionID string `json:"target_session_id,omitempty"`
}

func (h *Handlers) CreateOperation(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeJSON[CreateOperationRequest](w, r)
	if !ok {
		return
	}
	if err := validateStruct(input); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), err)
		return
	}

	rec, err := h.Runner.Launch(middleware.Username(r), input.Kind, input.TargetSessionID)
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusAccepted, rec)
}

func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ops.Get(middleware.Username(r), chi.URLParam(r, "id"))
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, rec)
}

// ProfileRequest registers or updates a profile.
type ProfileRequest struct {
	Name     string         `json:"name" validate:"required,min=1"`
	Snapshot map[string]any `json:"snapshot,omitempty"`
}

func (h *Handlers) RegisterProfile(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeJSON[ProfileRequest](w, r)
	if !ok {
		return
	}
	if err := validateStruct(input); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), err)
		return
	}
	h.Profiles.Register(profile.Profile{Name: input.Name, Snapshot: input.Snapshot})
	sendJSON(w, http.StatusCreated, map[string]string{"name": input.Name})
}

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"profiles": h.Profiles.List()})
}

func (h *Handlers) GetActiveProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Profiles.Active()
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, p)
}

// SetActiveProfileRequest is the PUT /profiles/active payload.
type SetActiveProfileRequest struct {
	Name string `json:"name" validate:"required,min=1"`
}

func (h *Handlers) SetActiveProfile(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeJSON[SetActiveProfileRequest](w, r)
	if !ok {
		return
	}
	if err := validateStruct(input); err != nil {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), err)
		return
	}
	p, err := h.Profiles.SetActive(input.Name)
	if handleCoreError(w, r, err) {
		return
	}
	sendJSON(w, http.StatusOK, p)
}

// buildSystemStatus is the shared poller's payload builder.
func (h *Handlers) buildSystemStatus(ctx context.Context) (any, error) {
	active, hasActive := h.Sessions.AnyActive()
	status := map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"sessions":       len(h.Sessions.List()),
		"has_active":     hasActive,
	}
	if hasActive {
		status["active_session"] = map[string]any{
			"id":     active.ID,
			"kind":   active.Kind,
			"status": active.Status,
		}
	}
	return status, nil
}
