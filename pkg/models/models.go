// Package models defines the core data structures shared across the Sakha
// assistant service.
package models

import "time"

// Lead represents a sales lead in the CRM.
type Lead struct {
	ID        string    `json:"id" db:"id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	Email     string    `json:"email" db:"email"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Company   string    `json:"company,omitempty" db:"company"`
	Source    string    `json:"lead_source,omitempty" db:"lead_source"`
	Status    string    `json:"status" db:"status"`
	Stage     string    `json:"stage,omitempty" db:"stage"`
	OwnerID   string    `json:"owner_id,omitempty" db:"owner_id"`
	DealValue float64   `json:"deal_value" db:"deal_value"`
	Notes     string    `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Task represents a follow-up task, optionally linked to a lead.
type Task struct {
	ID          string     `json:"id" db:"id"`
	CompanyID   string     `json:"company_id" db:"company_id"`
	LeadID      string     `json:"lead_id,omitempty" db:"lead_id"`
	OwnerID     string     `json:"owner_id" db:"owner_id"`
	Title       string     `json:"title" db:"title"`
	Priority    string     `json:"priority" db:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty" db:"due_date"`
	Completed   bool       `json:"completed" db:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Activity represents a logged interaction (call, email, meeting) on a lead.
type Activity struct {
	ID        string    `json:"id" db:"id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	LeadID    string    `json:"lead_id,omitempty" db:"lead_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"` // call, email, meeting, note
	Subject   string    `json:"subject" db:"subject"`
	Body      string    `json:"body,omitempty" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LeadStats provides aggregated lead counts for the stats action.
type LeadStats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	TotalValue float64          `json:"total_deal_value"`
}

// AIRequest represents a single AI provider call and its metadata.
// Prompt content and response content are NEVER stored.
type AIRequest struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Model        string    `json:"model" db:"model"`
	Source       string    `json:"source" db:"source"` // ai or fallback
	Action       string    `json:"action" db:"action"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	Succeeded    bool      `json:"succeeded" db:"succeeded"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// TokenUsage reports token counts from a single provider response.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ModelPrice defines the cost per 1K tokens for an AI model.
type ModelPrice struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}
