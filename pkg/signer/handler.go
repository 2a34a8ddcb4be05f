package signer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forge-os/forgeos/internal/httpserver"
)

// Required hash fields of a signing payload.
var requiredHashFields = []string{"quant_feature_snapshot_hash", "decision_hash"}

// Handler provides the audit signer HTTP API.
type Handler struct {
	signer Signer   // nil when not configured
	chain  *ChainLog // nil when no append log is configured
	logger *slog.Logger
}

// NewHandler creates the signer handler. signer may be nil; requests then
// fail with audit_signer_not_configured.
func NewHandler(signer Signer, chain *ChainLog, logger *slog.Logger) *Handler {
	return &Handler{signer: signer, chain: chain, logger: logger}
}

// Routes returns a chi.Router with all signer routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/audit-sign", h.handleSign)
	r.Get("/public-key", h.handlePublicKey)
	r.Get("/audit-log", h.handleAuditLog)
	return r
}

type signRequest struct {
	SigningPayload map[string]any `json:"signingPayload"`
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, ErrNotConfigured.Error())
		return
	}

	var req signRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if len(req.SigningPayload) == 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "signing_payload_required")
		return
	}
	for _, field := range requiredHashFields {
		if v, ok := req.SigningPayload[field].(string); !ok || v == "" {
			httpserver.RespondErrorDetails(w, http.StatusBadRequest, "signing_payload_invalid",
				map[string]any{"missing": field})
			return
		}
	}

	sig, err := h.signer.Sign(r.Context(), req.SigningPayload)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			httpserver.RespondError(w, http.StatusServiceUnavailable, ErrNotConfigured.Error())
			return
		}
		kind := "signing_failed"
		if strings.HasPrefix(err.Error(), "audit_signer_command_timeout_") {
			kind = err.Error()
		}
		h.logger.Error("signing payload", "error", err)
		httpserver.RespondError(w, http.StatusServiceUnavailable, kind)
		return
	}

	if h.chain != nil {
		record := make(map[string]any, len(req.SigningPayload)+1)
		for k, v := range req.SigningPayload {
			record[k] = v
		}
		record["signature"] = sig
		if _, err := h.chain.Append(record); err != nil {
			// The signature stands; the chain gap is logged, not surfaced.
			h.logger.Error("appending audit record", "error", err)
		}
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"ok":        true,
		"signature": sig,
		"ts":        time.Now().UnixMilli(),
	})
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil || h.signer.PublicKeyPEM() == "" {
		httpserver.RespondError(w, http.StatusNotFound, "public_key_unavailable")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"ok":           true,
		"publicKeyPem": h.signer.PublicKeyPEM(),
	})
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if h.chain == nil {
		httpserver.RespondError(w, http.StatusNotFound, "audit_log_not_configured")
		return
	}

	limit := httpserver.ParseLimit(r, 100, 10000)
	lines, err := h.chain.Tail(limit)
	if err != nil {
		h.logger.Error("reading audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	if r.URL.Query().Get("format") == "jsonl" {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
		return
	}

	records := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		records = append(records, json.RawMessage(line))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"ok": true, "records": records})
}
