// Package intent defines the CRM action catalog and resolves free-text
// messages into structured intents. Resolution has two paths: the AI provider
// (preferred) and the rule-based Matcher in this package, which the
// orchestrator falls back to whenever the AI path is unavailable.
package intent

// Enumerated CRM actions. The string values appear in AI responses, tokens
// and audit rows, so they are part of the wire contract.
const (
	ActionChat         = "CHAT"
	ActionCreateLead   = "CREATE_LEAD"
	ActionUpdateLead   = "UPDATE_LEAD"
	ActionDeleteLead   = "DELETE_LEAD"
	ActionAssignLead   = "ASSIGN_LEAD"
	ActionReassignLead = "REASSIGN_LEAD"
	ActionUnassignLead = "UNASSIGN_LEAD"
	ActionListLeads    = "LIST_LEADS"
	ActionSearchLeads  = "SEARCH_LEADS"
	ActionGetStats     = "GET_STATS"
	ActionCreateTask   = "CREATE_TASK"
	ActionListTasks    = "LIST_TASKS"
	ActionCompleteTask = "COMPLETE_TASK"
	ActionLogActivity  = "LOG_ACTIVITY"
	ActionViewNotes    = "VIEW_LEAD_NOTES"
)

// mutating lists every action that changes CRM state. Mutating actions are
// never executed directly from a chat message; they require a signed
// confirmation token first.
var mutating = map[string]bool{
	ActionCreateLead:   true,
	ActionUpdateLead:   true,
	ActionDeleteLead:   true,
	ActionAssignLead:   true,
	ActionReassignLead: true,
	ActionUnassignLead: true,
	ActionCreateTask:   true,
	ActionCompleteTask: true,
	ActionLogActivity:  true,
}

// Mutating reports whether the action changes CRM state and therefore needs
// explicit user confirmation.
func Mutating(action string) bool { return mutating[action] }

// Known reports whether the action name is in the catalog. AI responses
// naming an unknown action are treated as parse failures.
func Known(action string) bool {
	switch action {
	case ActionChat, ActionCreateLead, ActionUpdateLead, ActionDeleteLead,
		ActionAssignLead, ActionReassignLead, ActionUnassignLead,
		ActionListLeads, ActionSearchLeads, ActionGetStats,
		ActionCreateTask, ActionListTasks, ActionCompleteTask,
		ActionLogActivity, ActionViewNotes:
		return true
	}
	return false
}

// Intent is a resolved user request: what to do, with what parameters, and
// what to tell the user. MissingFields names required parameters the resolver
// could not extract; when non-empty the action degrades to CHAT asking for them.
type Intent struct {
	Action            string         `json:"action"`
	Summary           string         `json:"intent"`
	Parameters        map[string]any `json:"parameters"`
	Reply             string         `json:"response"`
	NeedsConfirmation bool           `json:"needs_confirmation"`
	MissingFields     []string       `json:"missing_fields,omitempty"`
}

// chat builds a conversational intent that requests more information.
func chat(summary, reply string, missing ...string) *Intent {
	return &Intent{
		Action:        ActionChat,
		Summary:       summary,
		Parameters:    map[string]any{},
		Reply:         reply,
		MissingFields: missing,
	}
}
