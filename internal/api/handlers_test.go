package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sakha-crm/assistant/internal/breaker"
	"github.com/sakha-crm/assistant/internal/budget"
	"github.com/sakha-crm/assistant/internal/chat"
	"github.com/sakha-crm/assistant/internal/crm"
	"github.com/sakha-crm/assistant/internal/intent"
	"github.com/sakha-crm/assistant/internal/middleware"
	"github.com/sakha-crm/assistant/internal/replay"
	"github.com/sakha-crm/assistant/internal/retry"
	"github.com/sakha-crm/assistant/internal/token"
	"github.com/sakha-crm/assistant/pkg/models"
)

const testAPIKey = "test-api-key"

// stubExecutor returns canned data for every action.
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, user crm.User, action string, params map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, err := token.NewService("test-secret-at-least-32-bytes-long!!", 5*time.Minute, 4096)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tracker, err := budget.New(map[string]models.ModelPrice{
		"test-model": {InputPer1K: 0.001, OutputPer1K: 0.004},
	}, 100, 1000)
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	br := breaker.New(breaker.DefaultConfig())

	orch := chat.New(chat.Options{
		Tokens:       svc,
		CSRF:         token.NewMemoryCSRFStore(time.Hour),
		Replay:       replay.NewMemoryStore(),
		Retry:        retry.New(retry.Config{MaxAttempts: 1}, br),
		Budget:       tracker,
		Matcher:      intent.NewMatcher(),
		Executor:     stubExecutor{},
		FallbackOnly: true,
	})

	h := NewHandlers(orch, nil, tracker, br)

	r := gin.New()
	r.GET("/health", h.HealthCheck)
	v1 := r.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(testAPIKey))
	{
		v1.POST("/chat/message", h.PostMessage)
		v1.POST("/chat/confirm", h.PostConfirm)
		v1.GET("/chat/csrf", h.GetCSRF)
		v1.DELETE("/chat/history", h.DeleteHistory)
		v1.GET("/chat/metrics", h.GetMetrics)
		v1.GET("/requests", h.GetRequests)
	}
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *chat.Error     `json:"error"`
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding response %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func authHeaders() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey, "X-User-ID": "U1", "X-Company-ID": "acme"}
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("unexpected status: %v", body["status"])
	}
	if body["breaker"] != "CLOSED" {
		t.Errorf("expected CLOSED breaker, got %v", body["breaker"])
	}
	if body["database"] != false {
		t.Errorf("expected database false, got %v", body["database"])
	}
}

func TestAuthRequired(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "hello"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", w.Code)
	}
	if env.Success {
		t.Error("expected a failure envelope")
	}

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "hello"},
		map[string]string{"X-API-Key": "wrong-key", "X-User-ID": "U1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with the wrong key, got %d", w.Code)
	}
}

func TestAuthBearerAccepted(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "hello"},
		map[string]string{"Authorization": "Bearer " + testAPIKey, "X-User-ID": "U1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !env.Success {
		t.Error("expected a success envelope")
	}
}

func TestAuthRequiresUserID(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "hello"},
		map[string]string{"X-API-Key": testAPIKey})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without X-User-ID, got %d", w.Code)
	}
	if env.Success {
		t.Error("expected a failure envelope")
	}
}

func TestPostMessageValidation(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{}, authHeaders())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing message, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Kind != chat.KindValidation {
		t.Errorf("expected Validation error, got %+v", env.Error)
	}
}

func TestPostMessageChat(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "hello"}, authHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result chat.MessageResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if result.Action != intent.ActionChat {
		t.Errorf("expected CHAT, got %s", result.Action)
	}
	if result.Source != "fallback" {
		t.Errorf("expected fallback source, got %s", result.Source)
	}
}

func TestConfirmFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	_, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "delete john@example.com"}, authHeaders())
	var result chat.MessageResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if !result.NeedsConfirmation || result.Confirmation == nil {
		t.Fatalf("expected a confirmation proposal, got %+v", result)
	}

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/confirm",
		map[string]string{"token": result.Confirmation.Token}, authHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on first confirm, got %d: %s", w.Code, w.Body.String())
	}
	if !env.Success {
		t.Error("expected a success envelope")
	}

	// Replay: the same token a second time.
	w, env = doJSON(t, r, http.MethodPost, "/api/v1/chat/confirm",
		map[string]string{"token": result.Confirmation.Token}, authHeaders())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Kind != chat.KindReplayDetected {
		t.Errorf("expected ReplayDetected, got %+v", env.Error)
	}
}

func TestConfirmSubjectMismatchOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	_, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/message",
		map[string]string{"message": "delete john@example.com"}, authHeaders())
	var result chat.MessageResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decoding data: %v", err)
	}

	otherUser := authHeaders()
	otherUser["X-User-ID"] = "U9"
	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/confirm",
		map[string]string{"token": result.Confirmation.Token}, otherUser)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign token, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Kind != chat.KindSubjectMismatch {
		t.Errorf("expected SubjectMismatch, got %+v", env.Error)
	}
}

func TestConfirmGarbageToken(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat/confirm",
		map[string]string{"token": "garbage"}, authHeaders())
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Kind != chat.KindInvalidToken {
		t.Errorf("expected InvalidToken, got %+v", env.Error)
	}
}

func TestGetCSRF(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/chat/csrf", nil, authHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if len(data["csrf_token"]) != 64 {
		t.Errorf("expected a 64-char csrf token, got %q", data["csrf_token"])
	}
}

func TestDeleteHistory(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodDelete, "/api/v1/chat/history", nil, authHeaders())
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("expected success, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetMetrics(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/chat/metrics", nil, authHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var data struct {
		Usage   json.RawMessage `json:"usage"`
		Breaker struct {
			State string `json:"state"`
		} `json:"breaker"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if data.Breaker.State != "CLOSED" {
		t.Errorf("expected CLOSED, got %s", data.Breaker.State)
	}
	if len(data.Usage) == 0 {
		t.Error("expected a usage snapshot")
	}
}

func TestGetRequestsWithoutDatabase(t *testing.T) {
	r := newTestRouter(t)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/requests", nil, authHeaders())
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a database, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Kind != chat.KindUnavailable {
		t.Errorf("expected Unavailable, got %+v", env.Error)
	}
}
