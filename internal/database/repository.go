package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sakha-crm/assistant/pkg/models"
)

// ErrNotFound indicates a lookup matched no row.
var ErrNotFound = errors.New("database: not found")

// CreateLead inserts a new lead and returns it with generated fields set.
func (db *DB) CreateLead(ctx context.Context, lead *models.Lead) (*models.Lead, error) {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = "new"
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO leads (
			id, company_id, first_name, last_name, email, phone, company,
			lead_source, status, stage, owner_id, deal_value, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at
	`, lead.ID, lead.CompanyID, lead.FirstName, lead.LastName, lead.Email,
		lead.Phone, lead.Company, lead.Source, lead.Status, lead.Stage,
		lead.OwnerID, lead.DealValue, lead.Notes).
		Scan(&lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting lead: %w", err)
	}
	return lead, nil
}

// GetLead retrieves a lead by ID.
func (db *DB) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	return db.scanLead(db.Pool.QueryRow(ctx, leadSelect+` WHERE id = $1`, id))
}

// GetLeadByEmail retrieves a lead by email within a company.
func (db *DB) GetLeadByEmail(ctx context.Context, companyID, email string) (*models.Lead, error) {
	return db.scanLead(db.Pool.QueryRow(ctx,
		leadSelect+` WHERE company_id = $1 AND email = $2`, companyID, email))
}

const leadSelect = `
	SELECT id, company_id, first_name, last_name, email, phone, company,
	       lead_source, status, stage, owner_id, deal_value, notes,
	       created_at, updated_at
	FROM leads`

func (db *DB) scanLead(row pgx.Row) (*models.Lead, error) {
	var l models.Lead
	err := row.Scan(&l.ID, &l.CompanyID, &l.FirstName, &l.LastName, &l.Email,
		&l.Phone, &l.Company, &l.Source, &l.Status, &l.Stage, &l.OwnerID,
		&l.DealValue, &l.Notes, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lead: %w", err)
	}
	return &l, nil
}

// UpdateLeadStatus sets the status of a lead.
func (db *DB) UpdateLeadStatus(ctx context.Context, id, status string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE leads SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("updating lead status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignLead sets (or clears, with an empty ownerID) the owner of a lead.
func (db *DB) AssignLead(ctx context.Context, id, ownerID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE leads SET owner_id = $2, updated_at = NOW() WHERE id = $1
	`, id, ownerID)
	if err != nil {
		return fmt.Errorf("assigning lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLead removes a lead and its activities.
func (db *DB) DeleteLead(ctx context.Context, id string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM activities WHERE lead_id = $1`, id); err != nil {
		return fmt.Errorf("deleting lead activities: %w", err)
	}
	tag, err := db.Pool.Exec(ctx, `DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeads returns leads for a company, optionally filtered by status.
func (db *DB) ListLeads(ctx context.Context, companyID, status string, limit int) ([]models.Lead, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := leadSelect + ` WHERE company_id = $1`
	args := []any{companyID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing leads: %w", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// SearchLeads matches leads by name, email or company, case-insensitively.
func (db *DB) SearchLeads(ctx context.Context, companyID, query string, limit int) ([]models.Lead, error) {
	if limit <= 0 || limit > 200 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := db.Pool.Query(ctx, leadSelect+`
		WHERE company_id = $1 AND (
			first_name || ' ' || last_name ILIKE $2
			OR email ILIKE $2
			OR company ILIKE $2
		)
		ORDER BY created_at DESC LIMIT $3
	`, companyID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching leads: %w", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

func collectLeads(rows pgx.Rows) ([]models.Lead, error) {
	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.CompanyID, &l.FirstName, &l.LastName,
			&l.Email, &l.Phone, &l.Company, &l.Source, &l.Status, &l.Stage,
			&l.OwnerID, &l.DealValue, &l.Notes, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// LeadStats aggregates lead counts by status for a company.
func (db *DB) LeadStats(ctx context.Context, companyID string) (*models.LeadStats, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(deal_value), 0)
		FROM leads WHERE company_id = $1 GROUP BY status
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("querying lead stats: %w", err)
	}
	defer rows.Close()

	stats := &models.LeadStats{ByStatus: make(map[string]int64)}
	for rows.Next() {
		var status string
		var count int64
		var value float64
		if err := rows.Scan(&status, &count, &value); err != nil {
			return nil, fmt.Errorf("scanning lead stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
		stats.TotalValue += value
	}
	return stats, rows.Err()
}

// CreateTask inserts a new task.
func (db *DB) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO tasks (id, company_id, lead_id, owner_id, title, priority, due_date)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7)
		RETURNING created_at
	`, task.ID, task.CompanyID, task.LeadID, task.OwnerID, task.Title,
		task.Priority, task.DueDate).Scan(&task.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return task, nil
}

// CompleteTask marks the owner's most recent open task matching the title.
func (db *DB) CompleteTask(ctx context.Context, ownerID, title string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tasks SET completed = TRUE, completed_at = NOW()
		WHERE id = (
			SELECT id FROM tasks
			WHERE owner_id = $1 AND completed = FALSE AND title ILIKE $2
			ORDER BY created_at DESC LIMIT 1
		)
	`, ownerID, "%"+title+"%")
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns the owner's open tasks, optionally only overdue ones.
func (db *DB) ListTasks(ctx context.Context, ownerID string, overdueOnly bool) ([]models.Task, error) {
	query := `
		SELECT id, company_id, COALESCE(lead_id, ''), owner_id, title, priority,
		       due_date, completed, completed_at, created_at
		FROM tasks WHERE owner_id = $1 AND completed = FALSE`
	if overdueOnly {
		query += ` AND due_date IS NOT NULL AND due_date < NOW()`
	}
	query += ` ORDER BY due_date NULLS LAST, created_at DESC`

	rows, err := db.Pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.CompanyID, &t.LeadID, &t.OwnerID, &t.Title,
			&t.Priority, &t.DueDate, &t.Completed, &t.CompletedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// LogActivity inserts an activity record.
func (db *DB) LogActivity(ctx context.Context, act *models.Activity) (*models.Activity, error) {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO activities (id, company_id, lead_id, user_id, kind, subject, body)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7)
		RETURNING created_at
	`, act.ID, act.CompanyID, act.LeadID, act.UserID, act.Kind, act.Subject, act.Body).
		Scan(&act.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting activity: %w", err)
	}
	return act, nil
}

// ListActivities returns the most recent activities for a lead.
func (db *DB) ListActivities(ctx context.Context, leadID string, limit int) ([]models.Activity, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, company_id, COALESCE(lead_id, ''), user_id, kind, subject, body, created_at
		FROM activities WHERE lead_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	var acts []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.LeadID, &a.UserID, &a.Kind,
			&a.Subject, &a.Body, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// InsertAIRequest stores the metadata of an AI provider call.
func (db *DB) InsertAIRequest(ctx context.Context, req *models.AIRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO ai_requests (
			id, user_id, model, source, action, input_tokens, output_tokens,
			cost_usd, latency_ms, succeeded, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, req.ID, req.UserID, req.Model, req.Source, req.Action,
		req.InputTokens, req.OutputTokens, req.CostUSD, req.LatencyMs,
		req.Succeeded, req.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting ai request: %w", err)
	}
	return nil
}

// RecentAIRequests returns the latest AI request rows, newest first.
func (db *DB) RecentAIRequests(ctx context.Context, limit int) ([]models.AIRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, model, source, action, input_tokens, output_tokens,
		       cost_usd, latency_ms, succeeded, timestamp
		FROM ai_requests ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ai requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.AIRequest
	for rows.Next() {
		var r models.AIRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.Model, &r.Source, &r.Action,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMs,
			&r.Succeeded, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning ai request: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
