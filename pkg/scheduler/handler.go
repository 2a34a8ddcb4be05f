package scheduler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forge-os/forgeos/internal/httpserver"
)

// Handler provides the scheduler control-plane HTTP API.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates the control-plane handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns a chi.Router with all control-plane routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/agents/register", h.handleRegister)
	r.Post("/agents/{id}/control", h.handleControl)
	r.Get("/agents", h.handleList)
	r.Get("/agents/{id}", h.handleGet)
	r.Post("/scheduler/tick", h.handleTick)
	r.Get("/scheduler/status", h.handleStatus)
	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	agent, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "agent": agent})
}

type controlRequest struct {
	UserID          string `json:"userId" validate:"required"`
	Action          string `json:"action" validate:"required"`
	CycleIntervalMs int64  `json:"cycleIntervalMs"`
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req controlRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	agent, err := h.svc.Control(r.Context(), req.UserID, agentID, req.Action, req.CycleIntervalMs)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "agent": agent})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("listing agents", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "agents": agents})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")
	if userID == "" || agentID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "agent_id_required")
		return
	}

	agent, err := h.svc.GetAgent(r.Context(), userID, agentID)
	if err != nil {
		h.logger.Error("loading agent", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if agent == nil {
		httpserver.RespondError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "agent": agent})
}

func (h *Handler) handleTick(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Tick(r.Context()); err != nil {
		h.logger.Error("manual tick", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"ok":       true,
		"isLeader": h.svc.leader.IsLeader(),
		"fence":    h.svc.leader.Fence(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.svc.Status(r.Context()))
}

// respondServiceError maps domain errors onto the error-kind envelope.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAgentIDRequired),
		errors.Is(err, ErrWalletRequired),
		errors.Is(err, ErrInvalidCallback),
		errors.Is(err, ErrInvalidCycleInterval),
		errors.Is(err, ErrUnknownAction):
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAgentNotFound):
		httpserver.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSchedulerFull), errors.Is(err, ErrQueueFull):
		httpserver.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("control plane request failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
	}
}
