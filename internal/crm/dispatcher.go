package crm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sakha-crm/assistant/internal/intent"
	"github.com/sakha-crm/assistant/pkg/models"
)

// Dispatch failures.
var (
	ErrInvalidParameters = errors.New("crm: invalid action parameters")
	ErrUnknownAction     = errors.New("crm: unknown action")
	ErrLeadNotFound      = errors.New("crm: lead not found")
	ErrAmbiguousLead     = errors.New("crm: multiple leads match")
)

// Dispatcher executes catalogued actions against the store.
type Dispatcher struct {
	store Store
}

// NewDispatcher creates a Dispatcher over the given store.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Execute runs the action with the given parameters on behalf of user.
// Confirmation gating has already happened by the time this is called; every
// invocation here executes for real.
func (d *Dispatcher) Execute(ctx context.Context, user User, action string, params map[string]any) (any, error) {
	if d.store == nil {
		return nil, errors.New("crm: data layer is unavailable")
	}
	log.Printf("[CHATBOT] executing action %s for user %s", action, user.ID)

	switch action {
	case intent.ActionCreateLead:
		return d.createLead(ctx, user, params)
	case intent.ActionUpdateLead:
		return d.updateLead(ctx, user, params)
	case intent.ActionDeleteLead:
		return d.deleteLead(ctx, user, params)
	case intent.ActionAssignLead, intent.ActionReassignLead:
		return d.assignLead(ctx, user, params)
	case intent.ActionUnassignLead:
		return d.unassignLead(ctx, user, params)
	case intent.ActionListLeads:
		return d.store.ListLeads(ctx, user.CompanyID, str(params, "status"), intVal(params, "limit"))
	case intent.ActionSearchLeads:
		query := str(params, "search")
		if query == "" {
			return nil, fmt.Errorf("%w: search query is required", ErrInvalidParameters)
		}
		return d.store.SearchLeads(ctx, user.CompanyID, query, intVal(params, "limit"))
	case intent.ActionGetStats:
		return d.store.LeadStats(ctx, user.CompanyID)
	case intent.ActionCreateTask:
		return d.createTask(ctx, user, params)
	case intent.ActionCompleteTask:
		title := str(params, "title")
		if title == "" {
			return nil, fmt.Errorf("%w: task title is required", ErrInvalidParameters)
		}
		if err := d.store.CompleteTask(ctx, user.ID, title); err != nil {
			return nil, err
		}
		return map[string]any{"completed": true, "title": title}, nil
	case intent.ActionListTasks:
		overdue, _ := params["overdue"].(bool)
		return d.store.ListTasks(ctx, user.ID, overdue)
	case intent.ActionLogActivity:
		return d.logActivity(ctx, user, params)
	case intent.ActionViewNotes:
		lead, err := d.resolveLead(ctx, user, params)
		if err != nil {
			return nil, err
		}
		return d.store.ListActivities(ctx, lead.ID, intVal(params, "limit"))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

// resolveLead locates a single lead from the parameters, trying an explicit
// ID, then an email, then a free-text search. A search that matches more than
// one lead is an error rather than a guess.
func (d *Dispatcher) resolveLead(ctx context.Context, user User, params map[string]any) (*models.Lead, error) {
	if id := firstStr(params, "leadId", "lead_id", "id"); id != "" {
		return d.store.GetLead(ctx, id)
	}
	if email := str(params, "email"); email != "" {
		return d.store.GetLeadByEmail(ctx, user.CompanyID, email)
	}
	if query := str(params, "search"); query != "" {
		matches, err := d.store.SearchLeads(ctx, user.CompanyID, query, 2)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("%w: %q", ErrLeadNotFound, query)
		case 1:
			return &matches[0], nil
		default:
			return nil, fmt.Errorf("%w for %q", ErrAmbiguousLead, query)
		}
	}
	return nil, fmt.Errorf("%w: a lead id, email or search term is required", ErrInvalidParameters)
}

func (d *Dispatcher) createLead(ctx context.Context, user User, params map[string]any) (any, error) {
	email := str(params, "email")
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidParameters)
	}
	first := firstStr(params, "first_name", "firstName")
	last := firstStr(params, "last_name", "lastName")
	if first == "" {
		// The fallback matcher sends a single combined name field.
		parts := strings.Fields(str(params, "name"))
		if len(parts) > 0 {
			first = parts[0]
			last = strings.Join(parts[1:], " ")
		}
	}
	if first == "" {
		return nil, fmt.Errorf("%w: a name is required", ErrInvalidParameters)
	}

	return d.store.CreateLead(ctx, &models.Lead{
		CompanyID: user.CompanyID,
		FirstName: first,
		LastName:  last,
		Email:     email,
		Company:   str(params, "company"),
		Source:    firstStr(params, "lead_source", "source"),
		OwnerID:   user.ID,
	})
}

func (d *Dispatcher) updateLead(ctx context.Context, user User, params map[string]any) (any, error) {
	lead, err := d.resolveLead(ctx, user, params)
	if err != nil {
		return nil, err
	}
	status := str(params, "status")
	if status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrInvalidParameters)
	}
	if err := d.store.UpdateLeadStatus(ctx, lead.ID, status); err != nil {
		return nil, err
	}
	lead.Status = status
	return lead, nil
}

func (d *Dispatcher) deleteLead(ctx context.Context, user User, params map[string]any) (any, error) {
	lead, err := d.resolveLead(ctx, user, params)
	if err != nil {
		return nil, err
	}
	if err := d.store.DeleteLead(ctx, lead.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "lead_id": lead.ID}, nil
}

func (d *Dispatcher) assignLead(ctx context.Context, user User, params map[string]any) (any, error) {
	lead, err := d.resolveLead(ctx, user, params)
	if err != nil {
		return nil, err
	}
	owner := firstStr(params, "newOwnerId", "new_owner_id", "assigned_to", "owner_id")
	if owner == "" {
		return nil, fmt.Errorf("%w: an assignee is required", ErrInvalidParameters)
	}
	if err := d.store.AssignLead(ctx, lead.ID, owner); err != nil {
		return nil, err
	}
	lead.OwnerID = owner
	return lead, nil
}

func (d *Dispatcher) unassignLead(ctx context.Context, user User, params map[string]any) (any, error) {
	lead, err := d.resolveLead(ctx, user, params)
	if err != nil {
		return nil, err
	}
	if err := d.store.AssignLead(ctx, lead.ID, ""); err != nil {
		return nil, err
	}
	lead.OwnerID = ""
	return lead, nil
}

func (d *Dispatcher) createTask(ctx context.Context, user User, params map[string]any) (any, error) {
	title := str(params, "title")
	if title == "" {
		return nil, fmt.Errorf("%w: task title is required", ErrInvalidParameters)
	}
	task := &models.Task{
		CompanyID: user.CompanyID,
		OwnerID:   user.ID,
		Title:     title,
		Priority:  str(params, "priority"),
		LeadID:    firstStr(params, "leadId", "lead_id"),
	}
	return d.store.CreateTask(ctx, task)
}

func (d *Dispatcher) logActivity(ctx context.Context, user User, params map[string]any) (any, error) {
	lead, err := d.resolveLead(ctx, user, params)
	if err != nil {
		return nil, err
	}
	kind := str(params, "kind")
	if kind == "" {
		kind = "note"
	}
	return d.store.LogActivity(ctx, &models.Activity{
		CompanyID: user.CompanyID,
		LeadID:    lead.ID,
		UserID:    user.ID,
		Kind:      kind,
		Subject:   str(params, "subject"),
		Body:      str(params, "note"),
	})
}

func str(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstStr(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := str(params, k); v != "" {
			return v
		}
	}
	return ""
}

// intVal tolerates JSON numbers arriving as float64.
func intVal(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
