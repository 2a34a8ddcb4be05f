package consumer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forge-os/forgeos/internal/httpserver"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// Inbound scheduler headers (mirrors the dispatcher's outbound set).
const (
	headerIdempotencyKey = "X-ForgeOS-Idempotency-Key"
	headerAgentKey       = "X-ForgeOS-Agent-Key"
	headerFenceToken     = "X-ForgeOS-Leader-Fence-Token"
	headerQueueTaskID    = "X-ForgeOS-Queue-Task-Id"
	headerInstance       = "X-ForgeOS-Scheduler-Instance"
)

// Handler provides the callback consumer HTTP API.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates the consumer handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns a chi.Router with all consumer routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/scheduler/cycle", h.handleCycle)
	r.Post("/execution-receipts", h.handleReceiptUpsert)
	r.Get("/execution-receipts", h.handleReceiptGet)
	r.Get("/events", h.handleEvents)
	return r
}

type cycleRequest struct {
	Event                  string `json:"event"`
	UserID                 string `json:"userId"`
	ID                     string `json:"id"`
	AgentKey               string `json:"agentKey"`
	CallbackIdempotencyKey string `json:"callbackIdempotencyKey"`
	LeaderFenceToken       *int64 `json:"leaderFenceToken"`
	QueueTaskID            string `json:"queueTaskId"`

	Scheduler struct {
		InstanceID             string `json:"instanceId"`
		LeaderFenceToken       *int64 `json:"leaderFenceToken"`
		QueueTaskID            string `json:"queueTaskId"`
		CallbackIdempotencyKey string `json:"callbackIdempotencyKey"`
	} `json:"scheduler"`
	Agent struct {
		ID     string `json:"id"`
		UserID string `json:"userId"`
	} `json:"agent"`
}

func (h *Handler) handleCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := httpserver.Decode(r, &req); err != nil {
		telemetry.ConsumerEventsTotal.WithLabelValues("invalid").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request")
		return
	}

	idem := r.Header.Get(headerIdempotencyKey)
	if idem == "" {
		idem = req.CallbackIdempotencyKey
	}
	if idem == "" {
		idem = req.Scheduler.CallbackIdempotencyKey
	}
	if idem == "" {
		telemetry.ConsumerEventsTotal.WithLabelValues("invalid").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "idempotency_key_required")
		return
	}

	agentKey := r.Header.Get(headerAgentKey)
	if agentKey == "" {
		agentKey = req.AgentKey
	}
	if agentKey == "" && req.Agent.UserID != "" && req.Agent.ID != "" {
		agentKey = req.Agent.UserID + ":" + req.Agent.ID
	}
	if agentKey == "" && req.UserID != "" && req.ID != "" {
		agentKey = req.UserID + ":" + req.ID
	}
	if agentKey == "" {
		telemetry.ConsumerEventsTotal.WithLabelValues("invalid").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "agent_key_required")
		return
	}

	fence, ok := resolveFence(r.Header.Get(headerFenceToken), req.LeaderFenceToken, req.Scheduler.LeaderFenceToken)
	if !ok {
		telemetry.ConsumerEventsTotal.WithLabelValues("invalid").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "fence_token_required")
		return
	}

	taskID := r.Header.Get(headerQueueTaskID)
	if taskID == "" {
		taskID = req.Scheduler.QueueTaskID
	}

	res, err := h.svc.AcceptCycle(r.Context(), CycleEvent{
		AgentKey:       agentKey,
		Fence:          fence,
		IdempotencyKey: idem,
		QueueTaskID:    taskID,
		Instance:       r.Header.Get(headerInstance),
		Event:          req.Event,
	})
	if err != nil {
		h.logger.Error("accepting cycle", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	switch res.Outcome {
	case OutcomeDuplicate:
		httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
	case OutcomeStaleFence:
		httpserver.RespondErrorDetails(w, http.StatusConflict, "stale_fence_token", map[string]any{
			"currentFence":  res.CurrentFence,
			"receivedFence": res.ReceivedFence,
		})
	default:
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"ok": true, "accepted": true, "duplicate": false,
		})
	}
}

// resolveFence picks the fence token from header or body and requires it to
// be a non-negative integer.
func resolveFence(header string, body, nested *int64) (int64, bool) {
	if header != "" {
		f, err := strconv.ParseInt(header, 10, 64)
		if err != nil || f < 0 {
			return 0, false
		}
		return f, true
	}
	if body != nil {
		if *body < 0 {
			return 0, false
		}
		return *body, true
	}
	if nested != nil {
		if *nested < 0 {
			return 0, false
		}
		return *nested, true
	}
	return 0, false
}

func (h *Handler) handleReceiptUpsert(w http.ResponseWriter, r *http.Request) {
	var receipt Receipt
	if !httpserver.DecodeAndValidate(w, r, &receipt) {
		return
	}

	txid, err := NormalizeTxid(receipt.Txid)
	if err != nil {
		telemetry.ConsumerReceiptsTotal.WithLabelValues("invalid").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_txid")
		return
	}
	receipt.Txid = txid

	idem := r.Header.Get(headerIdempotencyKey)
	if idem == "" {
		idem = "receipt:" + txid
	}
	duplicate, err := h.svc.markSeen(r.Context(), idem)
	if err != nil {
		h.logger.Warn("receipt dedupe failed, accepting", "error", err)
	}

	if err := h.svc.Receipts().Upsert(r.Context(), receipt); err != nil {
		if errors.Is(err, ErrInvalidTxid) {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_txid")
			return
		}
		h.logger.Error("storing receipt", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	if duplicate {
		telemetry.ConsumerReceiptsTotal.WithLabelValues("duplicate").Inc()
	} else {
		telemetry.ConsumerReceiptsTotal.WithLabelValues("stored").Inc()
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"ok": true, "txid": txid, "duplicate": duplicate,
	})
}

func (h *Handler) handleReceiptGet(w http.ResponseWriter, r *http.Request) {
	txid := r.URL.Query().Get("txid")
	if txid == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_txid")
		return
	}

	receipt, err := h.svc.Receipts().Get(r.Context(), txid)
	if err != nil {
		if errors.Is(err, ErrInvalidTxid) {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_txid")
			return
		}
		h.logger.Error("loading receipt", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if receipt == nil {
		httpserver.RespondError(w, http.StatusNotFound, "receipt_not_found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "receipt": receipt})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := httpserver.ParseLimit(r, 100, 500)
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"ok":     true,
		"events": h.svc.RecentEvents(limit),
	})
}
