// Package chat orchestrates the conversation flow: intent resolution through
// the guarded AI path (budget check, retry, circuit breaker) with a
// rule-based fallback, immediate execution of read-only actions, and the
// confirmation protocol for mutating actions (signed single-use tokens with
// replay detection).
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/sakha-crm/assistant/internal/budget"
	"github.com/sakha-crm/assistant/internal/crm"
	"github.com/sakha-crm/assistant/internal/database"
	"github.com/sakha-crm/assistant/internal/intent"
	"github.com/sakha-crm/assistant/internal/provider"
	"github.com/sakha-crm/assistant/internal/replay"
	"github.com/sakha-crm/assistant/internal/retry"
	"github.com/sakha-crm/assistant/internal/token"
	"github.com/sakha-crm/assistant/pkg/models"
)

// Fallback-source marker values recorded with each resolution.
const (
	sourceAI       = "ai"
	sourceFallback = "fallback"
	fallbackModel  = "pattern-matching"
)

// estimatedOutputTokens sizes the pre-call budget check; actuals replace the
// estimate once the provider responds.
const estimatedOutputTokens = 256

// Generator is the AI provider dependency.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*provider.Response, error)
}

// ActionExecutor dispatches a resolved action to the CRM layer.
type ActionExecutor interface {
	Execute(ctx context.Context, user crm.User, action string, params map[string]any) (any, error)
}

// UsageRecorder persists AI request metadata. May be nil when the service
// runs without a database.
type UsageRecorder interface {
	InsertAIRequest(ctx context.Context, req *models.AIRequest) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Tokens       *token.Service
	CSRF         token.CSRFStore
	Replay       replay.Store
	Retry        *retry.Executor
	Budget       *budget.Tracker
	Generator    Generator
	Matcher      *intent.Matcher
	Executor     ActionExecutor
	Recorder     UsageRecorder
	FallbackOnly bool
	PrimaryModel string
}

// Orchestrator is the conversation engine. Constructed once at startup.
type Orchestrator struct {
	tokens       *token.Service
	csrf         token.CSRFStore
	replay       replay.Store
	retry        *retry.Executor
	budget       *budget.Tracker
	generator    Generator
	matcher      *intent.Matcher
	executor     ActionExecutor
	recorder     UsageRecorder
	fallbackOnly bool
	primaryModel string
	history      *historyStore
	now          func() time.Time
}

// New creates an Orchestrator from the given options.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		tokens:       opts.Tokens,
		csrf:         opts.CSRF,
		replay:       opts.Replay,
		retry:        opts.Retry,
		budget:       opts.Budget,
		generator:    opts.Generator,
		matcher:      opts.Matcher,
		executor:     opts.Executor,
		recorder:     opts.Recorder,
		fallbackOnly: opts.FallbackOnly,
		primaryModel: opts.PrimaryModel,
		history:      newHistoryStore(),
		now:          time.Now,
	}
	if o.fallbackOnly || o.generator == nil {
		o.fallbackOnly = true
		log.Println("[CHATBOT] running in FALLBACK-ONLY mode (AI disabled)")
	}
	return o
}

// SetClock overrides the orchestrator's time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// MessageResult is the outcome of processing one chat message.
type MessageResult struct {
	Reply             string         `json:"response"`
	Action            string         `json:"action"`
	Summary           string         `json:"intent,omitempty"`
	Parameters        map[string]any `json:"parameters"`
	NeedsConfirmation bool           `json:"needs_confirmation"`
	MissingFields     []string       `json:"missing_fields,omitempty"`
	Source            string         `json:"source"`
	Model             string         `json:"model"`
	Data              any            `json:"data,omitempty"`
	Confirmation      *token.Issued  `json:"confirmation,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
}

// ConfirmResult is the outcome of redeeming a confirmation token.
type ConfirmResult struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Data       any            `json:"data,omitempty"`
}

// ProcessMessage resolves a free-text message to an intent and either
// answers, executes a read-only action, or proposes a mutation for
// confirmation. Mutating actions are never executed from this path.
func (o *Orchestrator) ProcessMessage(ctx context.Context, user crm.User, message, csrfToken string) (*MessageResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, newError(KindValidation, "message must not be empty")
	}

	o.history.add(user.ID, "user", message)

	it, source, model, retryAfter := o.resolveIntent(ctx, user, message)

	o.history.add(user.ID, "assistant", it.Reply)

	result := &MessageResult{
		Reply:             it.Reply,
		Action:            it.Action,
		Summary:           it.Summary,
		Parameters:        it.Parameters,
		MissingFields:     it.MissingFields,
		Source:            source,
		Model:             model,
		RetryAfterSeconds: retryAfter,
	}

	if it.Action == intent.ActionChat {
		return result, nil
	}

	// Classification by the catalog is authoritative: a mutating action goes
	// through confirmation even if the resolver claimed otherwise.
	if intent.Mutating(it.Action) || it.NeedsConfirmation {
		// A CSRF binding is only worth signing if the token really belongs to
		// this user; a bad binding fails here rather than at redemption.
		if csrfToken != "" && o.csrf != nil {
			if err := o.csrf.Verify(ctx, csrfToken, user.ID); err != nil {
				log.Printf("[CHATBOT] csrf verification failed at issue for user %s: %v", user.ID, err)
				return nil, newError(KindCSRFMismatch, "security verification failed")
			}
		}
		issued, err := o.tokens.Issue(user.ID, it.Action, it.Parameters, csrfToken)
		if err != nil {
			if errors.Is(err, token.ErrParameterTooLarge) {
				return nil, newError(KindValidation, "action parameters are too large")
			}
			log.Printf("[CHATBOT] issuing action token: %v", err)
			return nil, newError(KindInternal, "unable to prepare the action for confirmation")
		}
		result.NeedsConfirmation = true
		result.Confirmation = &issued
		log.Printf("[CHATBOT] action %s for user %s awaits confirmation (jti=%s)",
			it.Action, user.ID, issued.TokenID)
		return result, nil
	}

	data, err := o.executor.Execute(ctx, user, it.Action, it.Parameters)
	if err != nil {
		return nil, mapDispatchError(err)
	}
	result.Data = data
	return result, nil
}

// ConfirmAction redeems a confirmation token and executes the pending
// mutation exactly once. A second redemption of the same token fails with
// ReplayDetected, even under concurrent attempts.
func (o *Orchestrator) ConfirmAction(ctx context.Context, user crm.User, rawToken, csrfToken string) (*ConfirmResult, error) {
	if rawToken == "" {
		return nil, newError(KindValidation, "confirmation token is required")
	}

	if csrfToken != "" && o.csrf != nil {
		if err := o.csrf.Verify(ctx, csrfToken, user.ID); err != nil {
			log.Printf("[CHATBOT] csrf verification failed for user %s: %v", user.ID, err)
			return nil, newError(KindCSRFMismatch, "security verification failed")
		}
	}

	pending, err := o.tokens.Verify(rawToken, user.ID, csrfToken)
	if err != nil {
		return nil, mapTokenError(err)
	}

	ttl := pending.ExpiresAt.Sub(o.now())
	first, err := o.replay.MarkUsed(ctx, pending.TokenID, ttl)
	if err != nil {
		log.Printf("[CHATBOT] replay check failed for jti=%s: %v", pending.TokenID, err)
		return nil, newError(KindInternal, "unable to verify the confirmation")
	}
	if !first {
		log.Printf("[CHATBOT] replay detected for jti=%s user=%s", pending.TokenID, user.ID)
		return nil, newError(KindReplayDetected, "this action has already been confirmed")
	}

	data, err := o.executor.Execute(ctx, user, pending.Action, pending.Parameters)
	if err != nil {
		return nil, mapDispatchError(err)
	}

	log.Printf("[CHATBOT] confirmed action %s for user %s (jti=%s)",
		pending.Action, user.ID, pending.TokenID)
	return &ConfirmResult{
		Action:     pending.Action,
		Parameters: pending.Parameters,
		Data:       data,
	}, nil
}

// IssueCSRF mints a CSRF token for the given user.
func (o *Orchestrator) IssueCSRF(ctx context.Context, userID string) (string, error) {
	if o.csrf == nil {
		return "", newError(KindInternal, "csrf protection is not configured")
	}
	return o.csrf.Issue(ctx, userID)
}

// ClearHistory drops the user's conversation history.
func (o *Orchestrator) ClearHistory(userID string) {
	o.history.clear(userID)
}

// resolveIntent runs the AI path when possible and falls back to pattern
// matching on any failure: budget denial, circuit open, provider errors,
// or an unparseable reply. Fallback results carry the degraded source marker
// and, when the circuit is open, a retry-after hint.
func (o *Orchestrator) resolveIntent(ctx context.Context, user crm.User, message string) (it *intent.Intent, source, model string, retryAfter int) {
	if o.fallbackOnly {
		return o.fallback(user, message, "fallback_only_mode", 0)
	}

	prompt := provider.BuildPrompt(o.history.promptContext(user.ID), message, user.ID)

	// Rough input estimate; 4 characters per token is close enough to keep
	// the pre-call check meaningful.
	estimate := o.budget.EstimateCost(o.primaryModel, int64(len(prompt)/4), estimatedOutputTokens)
	if decision := o.budget.CheckBudget(estimate); !decision.Allowed {
		log.Printf("[CHATBOT] budget check denied AI call for user %s: %s", user.ID, decision.Reason)
		return o.fallback(user, message, decision.Reason, 0)
	}

	start := o.now()
	var resp *provider.Response
	result, err := o.retry.Do(ctx, func(ctx context.Context) error {
		r, genErr := o.generator.Generate(ctx, prompt)
		if genErr != nil {
			return genErr
		}
		resp = r
		return nil
	})
	latency := o.now().Sub(start).Milliseconds()

	if err != nil {
		var open *retry.CircuitOpenError
		if errors.As(err, &open) {
			log.Printf("[CHATBOT] circuit open, skipping AI for user %s (retry in %ds)",
				user.ID, open.RetryAfterSeconds())
			return o.fallback(user, message, "circuit_open", open.RetryAfterSeconds())
		}
		log.Printf("[CHATBOT] AI path failed after %d attempts: %v", result.Attempts, err)
		o.recordRequest(user.ID, o.primaryModel, sourceAI, "", models.TokenUsage{}, 0, latency, false)
		return o.fallback(user, message, "provider_error", 0)
	}

	cost := o.budget.EstimateCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	o.budget.RecordUsage(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)
	o.budget.CheckAlertThresholds()

	parsed, parseErr := provider.ParseIntent(resp.Text)
	if parseErr != nil {
		log.Printf("[CHATBOT] discarding AI reply: %v", parseErr)
		o.recordRequest(user.ID, resp.Model, sourceAI, "", resp.Usage, cost, latency, false)
		return o.fallback(user, message, "invalid_ai_reply", 0)
	}

	o.recordRequest(user.ID, resp.Model, sourceAI, parsed.Action, resp.Usage, cost, latency, true)
	return parsed, sourceAI, resp.Model, 0
}

func (o *Orchestrator) fallback(user crm.User, message, reason string, retryAfter int) (*intent.Intent, string, string, int) {
	log.Printf("[CHATBOT] falling back to pattern matching (%s)", reason)
	it := o.matcher.Match(message)
	o.recordRequest(user.ID, fallbackModel, sourceFallback, it.Action, models.TokenUsage{}, 0, 0, true)
	return it, sourceFallback, fallbackModel, retryAfter
}

// recordRequest persists request metadata off the hot path. Failures are
// logged and dropped; accounting must never block or fail a chat turn.
func (o *Orchestrator) recordRequest(userID, model, source, action string, usage models.TokenUsage, cost float64, latencyMs int64, succeeded bool) {
	if o.recorder == nil {
		return
	}
	req := &models.AIRequest{
		UserID:       userID,
		Model:        model,
		Source:       source,
		Action:       action,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    latencyMs,
		Succeeded:    succeeded,
		Timestamp:    o.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.recorder.InsertAIRequest(ctx, req); err != nil {
			log.Printf("[CHATBOT] recording ai request: %v", err)
		}
	}()
}

// mapTokenError converts token verification failures to envelope errors.
func mapTokenError(err error) *Error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return newError(KindExpired, "the confirmation has expired, please repeat your request")
	case errors.Is(err, token.ErrSubjectMismatch):
		return newError(KindSubjectMismatch, "this confirmation belongs to a different user")
	case errors.Is(err, token.ErrCSRFMismatch):
		return newError(KindCSRFMismatch, "security verification failed")
	default:
		log.Printf("[CHATBOT] token verification failed: %v", err)
		return newError(KindInvalidToken, "the confirmation token is invalid")
	}
}

// mapDispatchError converts CRM layer failures to envelope errors.
func mapDispatchError(err error) *Error {
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	switch {
	case errors.Is(err, crm.ErrInvalidParameters), errors.Is(err, crm.ErrAmbiguousLead):
		return newError(KindValidation, err.Error())
	case errors.Is(err, crm.ErrLeadNotFound):
		return newError(KindNotFound, err.Error())
	case errors.Is(err, database.ErrNotFound):
		return newError(KindNotFound, "the requested record was not found")
	default:
		log.Printf("[CHATBOT] action dispatch failed: %v", err)
		return newError(KindInternal, "the action could not be completed")
	}
}
