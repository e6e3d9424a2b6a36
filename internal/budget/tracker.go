// Package budget implements spend controls for the metered AI provider.
//
// The tracker keeps running daily/monthly cost counters against configured
// ceilings, estimates request cost from a per-model price table before any
// provider call is made, and emits advisory alerts as usage approaches the
// limits. Enforcement is strict at 100%; alerts at 80%/90% never block.
package budget

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sakha-crm/assistant/pkg/models"
)

// Reasons returned by a failed budget check.
const (
	ReasonDailyExceeded   = "DailyBudgetExceeded"
	ReasonMonthlyExceeded = "MonthlyBudgetExceeded"
)

// AlertLevel classifies advisory budget signals.
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertWarning  AlertLevel = "warning"  // >= 80% of a limit
	AlertCritical AlertLevel = "critical" // >= 90% of a limit
)

// Decision is the result of a pre-call budget check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ModelUsage is the per-model sub-record of the usage stats.
type ModelUsage struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Snapshot is a point-in-time copy of the usage stats for reporting.
type Snapshot struct {
	Requests     int64                 `json:"requests"`
	TotalCost    float64               `json:"total_cost_usd"`
	DailyCost    float64               `json:"daily_cost_usd"`
	MonthlyCost  float64               `json:"monthly_cost_usd"`
	DailyLimit   float64               `json:"daily_limit_usd"`
	MonthlyLimit float64               `json:"monthly_limit_usd"`
	ByModel      map[string]ModelUsage `json:"by_model"`
}

// Tracker is the process-wide usage and budget bookkeeper. Constructed once
// at startup and injected; safe for concurrent use. Daily and monthly
// counters reset lazily when a check or recording first observes that the
// period watermark no longer matches the current date.
type Tracker struct {
	prices       map[string]models.ModelPrice
	dailyLimit   float64
	monthlyLimit float64
	now          func() time.Time

	mu             sync.Mutex
	requests       int64
	totalCost      float64
	dailyCost      float64
	monthlyCost    float64
	lastResetDate  string // yyyy-mm-dd watermark
	lastResetMonth string // yyyy-mm watermark
	byModel        map[string]ModelUsage
}

// New creates a Tracker. The price table must be non-empty; a missing table
// is a deployment error and should stop the process at startup.
func New(prices map[string]models.ModelPrice, dailyLimit, monthlyLimit float64) (*Tracker, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("budget: model price table is empty")
	}
	if dailyLimit <= 0 || monthlyLimit <= 0 {
		return nil, fmt.Errorf("budget: limits must be positive (daily=%.2f monthly=%.2f)", dailyLimit, monthlyLimit)
	}
	t := &Tracker{
		prices:       prices,
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		now:          time.Now,
		byModel:      make(map[string]ModelUsage),
	}
	t.lastResetDate = t.now().Format("2006-01-02")
	t.lastResetMonth = t.now().Format("2006-01")
	return t, nil
}

// SetClock overrides the tracker's time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// EstimateCost computes the expected cost of a call from the price table:
// (in/1000)*priceIn + (out/1000)*priceOut. Unknown models fall back to the
// most expensive configured model so estimates err on the safe side.
func (t *Tracker) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := t.prices[model]
	if !ok {
		for _, p := range t.prices {
			if p.InputPer1K+p.OutputPer1K > price.InputPer1K+price.OutputPer1K {
				price = p
			}
		}
	}
	return float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
}

// CheckBudget reports whether a call with the given estimated cost may
// proceed. Period counters are lazily reset first if a day or month boundary
// has been crossed since the last observation.
func (t *Tracker) CheckBudget(estimatedCost float64) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	if t.dailyCost+estimatedCost > t.dailyLimit {
		return Decision{Allowed: false, Reason: ReasonDailyExceeded}
	}
	if t.monthlyCost+estimatedCost > t.monthlyLimit {
		return Decision{Allowed: false, Reason: ReasonMonthlyExceeded}
	}
	return Decision{Allowed: true}
}

// RecordUsage adds a completed call's actuals to the running counters.
// Strictly additive: totals after N calls equal the sum of each call's cost.
func (t *Tracker) RecordUsage(model string, inputTokens, outputTokens int64, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	t.requests++
	t.totalCost += cost
	t.dailyCost += cost
	t.monthlyCost += cost

	mu := t.byModel[model]
	mu.Requests++
	mu.InputTokens += inputTokens
	mu.OutputTokens += outputTokens
	mu.CostUSD += cost
	t.byModel[model] = mu
}

// CheckAlertThresholds emits warning/critical log signals as daily or monthly
// usage crosses 80%/90% of its limit. Advisory only; enforcement is
// CheckBudget's job.
func (t *Tracker) CheckAlertThresholds() AlertLevel {
	t.mu.Lock()
	defer t.mu.Unlock()

	dailyPct := t.dailyCost / t.dailyLimit * 100
	monthlyPct := t.monthlyCost / t.monthlyLimit * 100

	level := AlertNone
	for _, p := range []struct {
		name string
		pct  float64
	}{{"daily", dailyPct}, {"monthly", monthlyPct}} {
		switch {
		case p.pct >= 90:
			log.Printf("budget: CRITICAL %s budget at %.1f%%", p.name, p.pct)
			level = AlertCritical
		case p.pct >= 80:
			log.Printf("budget: WARNING %s budget at %.1f%%", p.name, p.pct)
			if level == AlertNone {
				level = AlertWarning
			}
		}
	}
	return level
}

// Snapshot returns a copy of the current usage stats.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	byModel := make(map[string]ModelUsage, len(t.byModel))
	for k, v := range t.byModel {
		byModel[k] = v
	}
	return Snapshot{
		Requests:     t.requests,
		TotalCost:    t.totalCost,
		DailyCost:    t.dailyCost,
		MonthlyCost:  t.monthlyCost,
		DailyLimit:   t.dailyLimit,
		MonthlyLimit: t.monthlyLimit,
		ByModel:      byModel,
	}
}

// maybeReset zeroes the period counters when their watermark no longer
// matches the current date/month. Caller must hold t.mu.
func (t *Tracker) maybeReset() {
	now := t.now()
	if date := now.Format("2006-01-02"); date != t.lastResetDate {
		t.dailyCost = 0
		t.lastResetDate = date
		log.Printf("budget: daily counter reset for %s", date)
	}
	if month := now.Format("2006-01"); month != t.lastResetMonth {
		t.monthlyCost = 0
		t.lastResetMonth = month
		log.Printf("budget: monthly counter reset for %s", month)
	}
}
