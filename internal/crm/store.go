// Package crm dispatches resolved chat actions to the CRM data layer.
//
// The dispatcher is intentionally thin: it resolves lead references, validates
// parameters and calls the store. Tenancy enforcement and richer CRUD surfaces
// live with the store implementation, not here.
package crm

import (
	"context"

	"github.com/sakha-crm/assistant/pkg/models"
)

// Store is the data layer the dispatcher needs. *database.DB satisfies it;
// tests use an in-memory fake.
type Store interface {
	CreateLead(ctx context.Context, lead *models.Lead) (*models.Lead, error)
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	GetLeadByEmail(ctx context.Context, companyID, email string) (*models.Lead, error)
	UpdateLeadStatus(ctx context.Context, id, status string) error
	AssignLead(ctx context.Context, id, ownerID string) error
	DeleteLead(ctx context.Context, id string) error
	ListLeads(ctx context.Context, companyID, status string, limit int) ([]models.Lead, error)
	SearchLeads(ctx context.Context, companyID, query string, limit int) ([]models.Lead, error)
	LeadStats(ctx context.Context, companyID string) (*models.LeadStats, error)

	CreateTask(ctx context.Context, task *models.Task) (*models.Task, error)
	CompleteTask(ctx context.Context, ownerID, title string) error
	ListTasks(ctx context.Context, ownerID string, overdueOnly bool) ([]models.Task, error)

	LogActivity(ctx context.Context, act *models.Activity) (*models.Activity, error)
	ListActivities(ctx context.Context, leadID string, limit int) ([]models.Activity, error)
}

// User identifies the acting user for dispatch. CompanyID scopes every lead
// query.
type User struct {
	ID        string
	CompanyID string
}
