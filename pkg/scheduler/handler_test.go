package scheduler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T, maxAgents int) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, _ := newTestService(t, mr, "test", maxAgents)
	h := NewHandler(svc, slog.Default())

	r := chi.NewRouter()
	r.Mount("/v1", h.Routes())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return body.Error.Message
}

func TestHandlerRegisterAndList(t *testing.T) {
	h := newTestRouter(t, 10)

	w := doJSON(t, h, "POST", "/v1/agents/register", `{
		"userId":"u1","id":"a1","name":"alpha",
		"walletAddress":"kaspa:qabc","cycleIntervalMs":5000
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, "GET", "/v1/agents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		OK     bool     `json:"ok"`
		Agents []*Agent `json:"agents"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if !list.OK || len(list.Agents) != 1 || list.Agents[0].Name != "alpha" {
		t.Errorf("list = %+v", list)
	}

	w = doJSON(t, h, "GET", "/v1/agents/a1?userId=u1", "")
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
}

func TestHandlerRegisterBadWallet(t *testing.T) {
	h := newTestRouter(t, 10)
	w := doJSON(t, h, "POST", "/v1/agents/register", `{
		"userId":"u1","id":"a1","walletAddress":"doge:x","cycleIntervalMs":5000
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if kind := errorKind(t, w); kind != "wallet_address_required" {
		t.Errorf("kind = %q, want wallet_address_required", kind)
	}
}

func TestHandlerRegisterInvalidCallback(t *testing.T) {
	h := newTestRouter(t, 10)
	w := doJSON(t, h, "POST", "/v1/agents/register", `{
		"userId":"u1","id":"a1","walletAddress":"kaspa:q",
		"cycleIntervalMs":1000,"callbackUrl":"ftp://nope"
	}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if kind := errorKind(t, w); kind != "invalid_callback" {
		t.Errorf("kind = %q, want invalid_callback", kind)
	}
}

func TestHandlerRegisterFull(t *testing.T) {
	h := newTestRouter(t, 1)

	doJSON(t, h, "POST", "/v1/agents/register", `{
		"userId":"u1","id":"a1","walletAddress":"kaspa:q","cycleIntervalMs":1000
	}`)
	w := doJSON(t, h, "POST", "/v1/agents/register", `{
		"userId":"u1","id":"a2","walletAddress":"kaspa:q","cycleIntervalMs":1000
	}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if kind := errorKind(t, w); kind != "scheduler_full" {
		t.Errorf("kind = %q, want scheduler_full", kind)
	}
}

func TestHandlerControlUnknownAgent(t *testing.T) {
	h := newTestRouter(t, 10)
	w := doJSON(t, h, "POST", "/v1/agents/a1/control", `{"userId":"u1","action":"pause"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if kind := errorKind(t, w); kind != "agent_not_found" {
		t.Errorf("kind = %q", kind)
	}
}

func TestHandlerManualTick(t *testing.T) {
	h := newTestRouter(t, 10)
	w := doJSON(t, h, "POST", "/v1/scheduler/tick", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tick status = %d", w.Code)
	}
	var body struct {
		OK       bool  `json:"ok"`
		IsLeader bool  `json:"isLeader"`
		Fence    int64 `json:"fence"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding tick response: %v", err)
	}
	if !body.OK || !body.IsLeader || body.Fence != 1 {
		t.Errorf("tick response = %+v (single replica should become leader)", body)
	}
}

func TestHandlerStatus(t *testing.T) {
	h := newTestRouter(t, 10)
	w := doJSON(t, h, "GET", "/v1/scheduler/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if body["instanceId"] == "" || body["queue"] == nil {
		t.Errorf("status body = %v", body)
	}
}
