// Package api implements the REST endpoints of the Sakha assistant service.
//
// Every response uses the envelope {success, data} or
// {success:false, error:{kind, message, retryAfterSeconds?}}; raw provider
// and database error text never reaches clients.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sakha-crm/assistant/internal/breaker"
	"github.com/sakha-crm/assistant/internal/budget"
	"github.com/sakha-crm/assistant/internal/chat"
	"github.com/sakha-crm/assistant/internal/crm"
	"github.com/sakha-crm/assistant/internal/database"
	"github.com/sakha-crm/assistant/internal/middleware"
)

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	orch    *chat.Orchestrator
	db      *database.DB
	tracker *budget.Tracker
	breaker *breaker.Breaker
}

// NewHandlers creates a new Handlers instance. db may be nil when the
// service runs without persistence.
func NewHandlers(orch *chat.Orchestrator, db *database.DB, tracker *budget.Tracker, br *breaker.Breaker) *Handlers {
	return &Handlers{orch: orch, db: db, tracker: tracker, breaker: br}
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  "sakha-assistant",
		"version":  "0.1.0",
		"breaker":  h.breaker.State().String(),
		"database": h.db != nil,
	})
}

func userFrom(c *gin.Context) crm.User {
	return crm.User{
		ID:        c.GetString(middleware.CtxUserID),
		CompanyID: c.GetString(middleware.CtxCompanyID),
	}
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// respondError maps a chat error kind onto an HTTP status and writes the
// error envelope. Unclassified errors become opaque 500s.
func respondError(c *gin.Context, err error) {
	var ce *chat.Error
	if !errors.As(err, &ce) {
		log.Printf("api: unclassified error: %v", err)
		ce = &chat.Error{Kind: chat.KindInternal, Message: "internal error"}
	}

	status := http.StatusInternalServerError
	switch ce.Kind {
	case chat.KindValidation:
		status = http.StatusBadRequest
	case chat.KindInvalidToken, chat.KindExpired, chat.KindSubjectMismatch, chat.KindCSRFMismatch:
		status = http.StatusUnauthorized
	case chat.KindReplayDetected:
		status = http.StatusConflict
	case chat.KindNotFound:
		status = http.StatusNotFound
	case chat.KindBudgetExceeded, chat.KindRateLimited:
		status = http.StatusTooManyRequests
	case chat.KindCircuitOpen, chat.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	if ce.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(ce.RetryAfterSeconds))
	}
	c.JSON(status, gin.H{"success": false, "error": ce})
}

type messageRequest struct {
	Message   string `json:"message" binding:"required"`
	CSRFToken string `json:"csrf_token"`
}

// PostMessage handles POST /api/v1/chat/message.
func (h *Handlers) PostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &chat.Error{Kind: chat.KindValidation, Message: "message is required"})
		return
	}

	result, err := h.orch.ProcessMessage(c.Request.Context(), userFrom(c), req.Message, req.CSRFToken)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

type confirmRequest struct {
	Token     string `json:"token" binding:"required"`
	CSRFToken string `json:"csrf_token"`
}

// PostConfirm handles POST /api/v1/chat/confirm.
func (h *Handlers) PostConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &chat.Error{Kind: chat.KindValidation, Message: "token is required"})
		return
	}

	result, err := h.orch.ConfirmAction(c.Request.Context(), userFrom(c), req.Token, req.CSRFToken)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// GetCSRF handles GET /api/v1/chat/csrf.
func (h *Handlers) GetCSRF(c *gin.Context) {
	csrf, err := h.orch.IssueCSRF(c.Request.Context(), c.GetString(middleware.CtxUserID))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"csrf_token": csrf})
}

// DeleteHistory handles DELETE /api/v1/chat/history.
func (h *Handlers) DeleteHistory(c *gin.Context) {
	h.orch.ClearHistory(c.GetString(middleware.CtxUserID))
	respondOK(c, gin.H{"cleared": true})
}

// GetMetrics handles GET /api/v1/chat/metrics: usage counters plus the
// circuit breaker snapshot.
func (h *Handlers) GetMetrics(c *gin.Context) {
	snap := h.breaker.Snapshot()
	respondOK(c, gin.H{
		"usage": h.tracker.Snapshot(),
		"breaker": gin.H{
			"state":         snap.State,
			"failure_count": snap.FailureCount,
			"success_count": snap.SuccessCount,
			"history_size":  len(snap.History),
		},
	})
}

// GetRequests handles GET /api/v1/requests: recent AI request metadata rows.
func (h *Handlers) GetRequests(c *gin.Context) {
	if h.db == nil {
		respondError(c, &chat.Error{Kind: chat.KindUnavailable, Message: "database unavailable"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	reqs, err := h.db.RecentAIRequests(c.Request.Context(), limit)
	if err != nil {
		log.Printf("api: querying recent requests: %v", err)
		respondError(c, &chat.Error{Kind: chat.KindInternal, Message: "unable to load requests"})
		return
	}
	respondOK(c, gin.H{"count": len(reqs), "requests": reqs})
}
