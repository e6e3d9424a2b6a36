package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sakha-crm/assistant/internal/breaker"
	"github.com/sakha-crm/assistant/internal/budget"
	"github.com/sakha-crm/assistant/internal/crm"
	"github.com/sakha-crm/assistant/internal/intent"
	"github.com/sakha-crm/assistant/internal/provider"
	"github.com/sakha-crm/assistant/internal/replay"
	"github.com/sakha-crm/assistant/internal/retry"
	"github.com/sakha-crm/assistant/internal/token"
	"github.com/sakha-crm/assistant/pkg/models"
)

var testUser = crm.User{ID: "U1", CompanyID: "acme"}

var testPrices = map[string]models.ModelPrice{
	"test-model": {InputPer1K: 0.001, OutputPer1K: 0.004},
}

// fakeGenerator returns scripted responses or errors, in order.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (*provider.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &provider.Response{
		Text:  g.text,
		Model: "test-model",
		Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeExecutor records every dispatched action.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *fakeExecutor) Execute(ctx context.Context, user crm.User, action string, params map[string]any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.calls = append(e.calls, action)
	return map[string]any{"ok": true}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type deps struct {
	tokens   *token.Service
	csrf     token.CSRFStore
	breaker  *breaker.Breaker
	executor *fakeExecutor
}

func newTestOrchestrator(t *testing.T, gen Generator) (*Orchestrator, *deps) {
	t.Helper()

	svc, err := token.NewService("test-secret-at-least-32-bytes-long!!", 5*time.Minute, 4096)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tracker, err := budget.New(testPrices, 100, 1000)
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	br := breaker.New(breaker.DefaultConfig())
	exec := &fakeExecutor{}
	d := &deps{
		tokens:   svc,
		csrf:     token.NewMemoryCSRFStore(time.Hour),
		breaker:  br,
		executor: exec,
	}

	o := New(Options{
		Tokens:       svc,
		CSRF:         d.csrf,
		Replay:       replay.NewMemoryStore(),
		Retry:        retry.New(retry.Config{MaxAttempts: 1}, br),
		Budget:       tracker,
		Generator:    gen,
		Matcher:      intent.NewMatcher(),
		Executor:     exec,
		PrimaryModel: "test-model",
	})
	return o, d
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a classified error, got %v", err)
	}
	return e.Kind
}

func TestProcessMessageEmptyMessage(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.ProcessMessage(context.Background(), testUser, "   ", "")
	if kindOf(t, err) != KindValidation {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestProcessMessageReadOnlyExecutesImmediately(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)

	res, err := o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Action != intent.ActionListLeads {
		t.Fatalf("expected LIST_LEADS, got %s", res.Action)
	}
	if res.NeedsConfirmation {
		t.Error("read-only actions must not require confirmation")
	}
	if res.Data == nil {
		t.Error("expected execution data")
	}
	if d.executor.callCount() != 1 {
		t.Errorf("expected 1 dispatch, got %d", d.executor.callCount())
	}
	if res.Source != sourceFallback || res.Model != fallbackModel {
		t.Errorf("expected fallback source without a generator, got %s/%s", res.Source, res.Model)
	}
}

func TestProcessMessageMutatingProposesConfirmation(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)

	res, err := o.ProcessMessage(context.Background(), testUser, "Reassign john@example.com to Sarah", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Action != intent.ActionReassignLead {
		t.Fatalf("expected REASSIGN_LEAD, got %s", res.Action)
	}
	if !res.NeedsConfirmation || res.Confirmation == nil {
		t.Fatal("expected a confirmation token")
	}
	if res.Confirmation.Token == "" || res.Confirmation.TokenID == "" {
		t.Error("expected a populated confirmation token")
	}
	if d.executor.callCount() != 0 {
		t.Errorf("mutating actions must not execute before confirmation, got %d dispatches", d.executor.callCount())
	}
}

func TestConfirmActionExecutesExactlyOnce(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)
	ctx := context.Background()

	res, err := o.ProcessMessage(ctx, testUser, "Reassign john@example.com to Sarah", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	confirmed, err := o.ConfirmAction(ctx, testUser, res.Confirmation.Token, "")
	if err != nil {
		t.Fatalf("ConfirmAction: %v", err)
	}
	if confirmed.Action != intent.ActionReassignLead {
		t.Errorf("expected REASSIGN_LEAD, got %s", confirmed.Action)
	}
	if d.executor.callCount() != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", d.executor.callCount())
	}

	_, err = o.ConfirmAction(ctx, testUser, res.Confirmation.Token, "")
	if kindOf(t, err) != KindReplayDetected {
		t.Fatalf("expected ReplayDetected on second redemption, got %v", err)
	}
	if d.executor.callCount() != 1 {
		t.Errorf("replay must not dispatch again, got %d", d.executor.callCount())
	}
}

func TestConfirmActionConcurrentRedemption(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)
	ctx := context.Background()

	res, err := o.ProcessMessage(ctx, testUser, "delete john@example.com", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	const goroutines = 16
	var wg sync.WaitGroup
	outcomes := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.ConfirmAction(ctx, testUser, res.Confirmation.Token, "")
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	successes, replays := 0, 0
	for err := range outcomes {
		switch {
		case err == nil:
			successes++
		case kindOf(t, err) == KindReplayDetected:
			replays++
		default:
			t.Errorf("unexpected outcome: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly 1 successful redemption, got %d", successes)
	}
	if replays != goroutines-1 {
		t.Errorf("expected %d replay rejections, got %d", goroutines-1, replays)
	}
	if d.executor.callCount() != 1 {
		t.Errorf("expected exactly 1 dispatch under contention, got %d", d.executor.callCount())
	}
}

func TestConfirmActionExpiredToken(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)
	ctx := context.Background()

	base := time.Now()
	d.tokens.SetClock(func() time.Time { return base })
	o.SetClock(func() time.Time { return base })

	res, err := o.ProcessMessage(ctx, testUser, "Reassign john@example.com to Sarah", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	d.tokens.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	o.SetClock(func() time.Time { return base.Add(6 * time.Minute) })

	_, err = o.ConfirmAction(ctx, testUser, res.Confirmation.Token, "")
	if kindOf(t, err) != KindExpired {
		t.Fatalf("expected Expired, got %v", err)
	}
	if d.executor.callCount() != 0 {
		t.Error("expired tokens must not dispatch")
	}
}

func TestConfirmActionSubjectMismatch(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)
	ctx := context.Background()

	res, err := o.ProcessMessage(ctx, testUser, "Reassign john@example.com to Sarah", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	intruder := crm.User{ID: "U9", CompanyID: "acme"}
	_, err = o.ConfirmAction(ctx, intruder, res.Confirmation.Token, "")
	if kindOf(t, err) != KindSubjectMismatch {
		t.Fatalf("expected SubjectMismatch, got %v", err)
	}
	if d.executor.callCount() != 0 {
		t.Error("mismatched subjects must not dispatch")
	}
}

func TestConfirmActionGarbageToken(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.ConfirmAction(context.Background(), testUser, "not-a-token", "")
	if kindOf(t, err) != KindInvalidToken {
		t.Fatalf("expected InvalidToken, got %v", err)
	}

	_, err = o.ConfirmAction(context.Background(), testUser, "", "")
	if kindOf(t, err) != KindValidation {
		t.Fatalf("expected Validation for a missing token, got %v", err)
	}
}

func TestConfirmActionCSRFBinding(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	csrf, err := o.IssueCSRF(ctx, testUser.ID)
	if err != nil {
		t.Fatalf("IssueCSRF: %v", err)
	}

	res, err := o.ProcessMessage(ctx, testUser, "delete john@example.com", csrf)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	// Redeeming without the bound CSRF token fails.
	_, err = o.ConfirmAction(ctx, testUser, res.Confirmation.Token, "")
	if kindOf(t, err) != KindCSRFMismatch {
		t.Fatalf("expected CsrfMismatch without the bound token, got %v", err)
	}

	// An unknown CSRF value fails at the store check.
	_, err = o.ConfirmAction(ctx, testUser, res.Confirmation.Token, "forged-value")
	if kindOf(t, err) != KindCSRFMismatch {
		t.Fatalf("expected CsrfMismatch for a forged token, got %v", err)
	}

	// The matching pair succeeds.
	if _, err := o.ConfirmAction(ctx, testUser, res.Confirmation.Token, csrf); err != nil {
		t.Fatalf("ConfirmAction with bound csrf: %v", err)
	}
}

func TestProcessMessageRejectsForgedCSRF(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)
	ctx := context.Background()

	// A CSRF value that the store never issued must fail before a
	// confirmation token is minted.
	_, err := o.ProcessMessage(ctx, testUser, "delete john@example.com", "forged-value")
	if kindOf(t, err) != KindCSRFMismatch {
		t.Fatalf("expected CsrfMismatch at issue time, got %v", err)
	}

	// A CSRF token issued to a different user fails the same way.
	otherCSRF, err := o.IssueCSRF(ctx, "U9")
	if err != nil {
		t.Fatalf("IssueCSRF: %v", err)
	}
	_, err = o.ProcessMessage(ctx, testUser, "delete john@example.com", otherCSRF)
	if kindOf(t, err) != KindCSRFMismatch {
		t.Fatalf("expected CsrfMismatch for a foreign csrf token, got %v", err)
	}
	if d.executor.callCount() != 0 {
		t.Errorf("expected no dispatches, got %d", d.executor.callCount())
	}

	// The user's own token is accepted.
	ownCSRF, err := o.IssueCSRF(ctx, testUser.ID)
	if err != nil {
		t.Fatalf("IssueCSRF: %v", err)
	}
	res, err := o.ProcessMessage(ctx, testUser, "delete john@example.com", ownCSRF)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Confirmation == nil {
		t.Fatal("expected a confirmation token with a valid csrf binding")
	}
}

func TestResolveIntentUsesAIWhenAvailable(t *testing.T) {
	gen := &fakeGenerator{text: `{"action": "LIST_LEADS", "response": "Here are your leads.", "parameters": {"limit": 10}}`}
	o, d := newTestOrchestrator(t, gen)

	res, err := o.ProcessMessage(context.Background(), testUser, "what leads do I have?", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Source != sourceAI {
		t.Errorf("expected source ai, got %s", res.Source)
	}
	if res.Model != "test-model" {
		t.Errorf("expected the provider's model, got %s", res.Model)
	}
	if res.Action != intent.ActionListLeads {
		t.Errorf("expected LIST_LEADS, got %s", res.Action)
	}
	if gen.callCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", gen.callCount())
	}
	if d.executor.callCount() != 1 {
		t.Errorf("expected the read-only action dispatched, got %d", d.executor.callCount())
	}
}

func TestResolveIntentFallsBackOnProviderError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream unavailable")}
	o, _ := newTestOrchestrator(t, gen)

	res, err := o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Source != sourceFallback || res.Model != fallbackModel {
		t.Errorf("expected fallback resolution, got %s/%s", res.Source, res.Model)
	}
	if res.Action != intent.ActionListLeads {
		t.Errorf("expected the matcher to resolve LIST_LEADS, got %s", res.Action)
	}
}

func TestResolveIntentFallsBackOnUnparseableReply(t *testing.T) {
	gen := &fakeGenerator{text: "I am sorry, I cannot respond in JSON today."}
	o, _ := newTestOrchestrator(t, gen)

	res, err := o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Source != sourceFallback {
		t.Errorf("expected fallback for an unparseable reply, got %s", res.Source)
	}
}

func TestResolveIntentCircuitOpenFallback(t *testing.T) {
	gen := &fakeGenerator{text: `{"action": "CHAT", "response": "hi"}`}
	o, d := newTestOrchestrator(t, gen)

	// Trip the breaker before the call.
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		d.breaker.RecordFailure()
	}

	res, err := o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Source != sourceFallback {
		t.Errorf("expected fallback while the circuit is open, got %s", res.Source)
	}
	if res.RetryAfterSeconds <= 0 {
		t.Errorf("expected a retry-after hint, got %d", res.RetryAfterSeconds)
	}
	if gen.callCount() != 0 {
		t.Errorf("expected no provider calls while open, got %d", gen.callCount())
	}
}

func TestResolveIntentBudgetDeniedFallback(t *testing.T) {
	gen := &fakeGenerator{text: `{"action": "CHAT", "response": "hi"}`}

	svc, err := token.NewService("test-secret-at-least-32-bytes-long!!", 5*time.Minute, 4096)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tracker, err := budget.New(testPrices, 0.5, 100)
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	tracker.RecordUsage("test-model", 0, 0, 0.5) // exhaust the daily budget

	br := breaker.New(breaker.DefaultConfig())
	o := New(Options{
		Tokens:       svc,
		Replay:       replay.NewMemoryStore(),
		Retry:        retry.New(retry.Config{MaxAttempts: 1}, br),
		Budget:       tracker,
		Generator:    gen,
		Matcher:      intent.NewMatcher(),
		Executor:     &fakeExecutor{},
		PrimaryModel: "test-model",
	})

	res, err := o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Source != sourceFallback {
		t.Errorf("expected fallback when over budget, got %s", res.Source)
	}
	if gen.callCount() != 0 {
		t.Errorf("expected no provider calls when over budget, got %d", gen.callCount())
	}
}

func TestProcessMessageDispatchErrorMapping(t *testing.T) {
	o, d := newTestOrchestrator(t, nil)
	d.executor.err = crm.ErrLeadNotFound

	_, err := o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if kindOf(t, err) != KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	d.executor.err = crm.ErrInvalidParameters
	_, err = o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if kindOf(t, err) != KindValidation {
		t.Fatalf("expected Validation, got %v", err)
	}

	d.executor.err = errors.New("disk on fire")
	_, err = o.ProcessMessage(context.Background(), testUser, "show me all leads", "")
	if kindOf(t, err) != KindInternal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestClearHistory(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := o.ProcessMessage(ctx, testUser, "hello", ""); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(o.history.promptContext(testUser.ID)) == 0 {
		t.Fatal("expected recorded history")
	}

	o.ClearHistory(testUser.ID)
	if len(o.history.promptContext(testUser.ID)) != 0 {
		t.Error("expected history cleared")
	}
}
