package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher is the rule-based fallback resolver. Rules are evaluated in
// declaration order; the first matching rule wins, so more specific patterns
// (tasks, stats, deletion) must precede the broad list/create/update rules.
type Matcher struct {
	rules []rule
}

type rule struct {
	match  func(m string) bool
	handle func(lower, original string) *Intent
}

// NewMatcher builds the fallback matcher with the standard rule set.
func NewMatcher() *Matcher {
	m := &Matcher{}
	m.rules = []rule{
		{func(s string) bool {
			return hasAny(s, "create task", "new task", "add task", "schedule")
		}, m.createTask},
		{func(s string) bool {
			return hasAny(s, "show task", "list task", "my task") ||
				(hasAny(s, "task") && hasAny(s, "overdue", "pending", "todo"))
		}, m.listTasks},
		{func(s string) bool {
			return hasAny(s, "complete task", "finish task", "mark done", "done")
		}, m.completeTask},
		{func(s string) bool {
			return hasAny(s, "log call", "log email", "log meeting", "log a") ||
				(hasAny(s, "call", "email", "meeting") && hasAny(s, "with", "logged"))
		}, m.logActivity},
		{func(s string) bool {
			return hasAny(s, "delete", "remove", "drop") && !hasAny(s, "task", "assign")
		}, m.deleteLead},
		{func(s string) bool {
			return hasAny(s, "note", "notes", "history", "activities") &&
				hasAny(s, "show", "view", "see", "get")
		}, m.viewNotes},
		{func(s string) bool {
			return hasAny(s, "reassign", "transfer") ||
				(hasAny(s, "assign") && hasAny(s, "instead", "from"))
		}, m.reassignLead},
		{func(s string) bool { return hasAny(s, "unassign", "remove assign") }, m.unassignLead},
		{func(s string) bool { return hasAny(s, "assign", "assignee") }, m.assignLead},
		{func(s string) bool {
			return hasAny(s, "stat", "statistics", "analytics", "report", "summary", "performance")
		}, m.stats},
		{func(s string) bool {
			return hasAny(s, "search", "lookup", "look up") || (hasAny(s, "find") && strings.Contains(s, "@"))
		}, m.searchLeads},
		{func(s string) bool {
			return hasAny(s, "show", "list", "get", "find", "display") && hasAny(s, "lead", "leads")
		}, m.listLeads},
		{func(s string) bool {
			return hasAny(s, "create", "add", "new") && hasAny(s, "lead")
		}, m.createLead},
		{func(s string) bool {
			return hasAny(s, "update", "change", "modify", "edit")
		}, m.updateLead},
		{func(s string) bool {
			return hasAny(s, "help", "hello", "hi", "hey", "start")
		}, m.greeting},
	}
	return m
}

// Match resolves a message against the rule set. Always returns a non-nil
// intent; messages no rule claims resolve to a clarifying CHAT intent.
func (m *Matcher) Match(message string) *Intent {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, r := range m.rules {
		if r.match(lower) {
			return r.handle(lower, message)
		}
	}
	return chat("Unclear request",
		"I'm not sure what you'd like to do. You can ask me to list leads, create a lead, "+
			"assign leads, manage tasks, log activities, or show your stats. Try \"help\" for examples.")
}

func hasAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

var (
	emailRe    = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	namedRe    = regexp.MustCompile(`(?i)(?:named|name is|called)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`)
	companyRe  = regexp.MustCompile(`(?i)(?:from|at|company|works at)\s+([A-Z][A-Za-z\s&,.']+?)(?:\s*,|\s+email|\s*$)`)
	assigneeRe = regexp.MustCompile(`(?:to|assign to)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
)

func extractEmail(s string) string { return emailRe.FindString(s) }

func extractName(s string) string {
	if match := namedRe.FindStringSubmatch(s); match != nil {
		return strings.TrimSpace(match[1])
	}
	return ""
}

func extractCompany(s string) string {
	if match := companyRe.FindStringSubmatch(s); match != nil {
		return strings.TrimSpace(match[1])
	}
	return ""
}

func extractAssignee(s string) string {
	if match := assigneeRe.FindStringSubmatch(s); match != nil {
		return match[1]
	}
	return ""
}

// extractStatus maps status keywords in the message onto canonical lead
// statuses.
func extractStatus(s string) string {
	for _, st := range []struct {
		status   string
		keywords []string
	}{
		{"negotiation", []string{"negotiation", "negotiating"}},
		{"contacted", []string{"contacted"}},
		{"qualified", []string{"qualified"}},
		{"proposal", []string{"proposal"}},
		{"won", []string{"won", "closed won"}},
		{"lost", []string{"lost", "closed lost"}},
		{"new", []string{"new"}},
	} {
		if hasAny(s, st.keywords...) {
			return st.status
		}
	}
	return ""
}

// leadIdentifier pulls an email or name usable to locate a lead.
func leadIdentifier(original string) (params map[string]any, label string) {
	if email := extractEmail(original); email != "" {
		return map[string]any{"email": email}, email
	}
	if name := extractName(original); name != "" {
		return map[string]any{"search": name}, name
	}
	return nil, ""
}

func (m *Matcher) listLeads(lower, original string) *Intent {
	params := map[string]any{"limit": 50}
	summary, reply := "List all leads", "Here are all your leads:"
	if status := extractStatus(lower); status != "" {
		params["status"] = status
		summary = fmt.Sprintf("List %s leads", status)
		reply = fmt.Sprintf("Here are all %s leads:", status)
	}
	return &Intent{Action: ActionListLeads, Summary: summary, Parameters: params, Reply: reply}
}

func (m *Matcher) createLead(lower, original string) *Intent {
	name := extractName(original)
	email := extractEmail(original)

	params := map[string]any{}
	var missing []string
	if name != "" {
		params["name"] = name
	} else {
		missing = append(missing, "name")
	}
	if email != "" {
		params["email"] = email
	} else {
		missing = append(missing, "email")
	}
	if company := extractCompany(original); company != "" {
		params["company"] = company
	}

	if len(missing) > 0 {
		return chat("Need more information to create lead",
			fmt.Sprintf("I'd like to help you create a lead! Please provide: %s. "+
				"For example: \"Create a lead named John Doe, email john@example.com, from Acme Corp\"",
				strings.Join(missing, ", ")), missing...)
	}
	return &Intent{
		Action:            ActionCreateLead,
		Summary:           "Create new lead",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll create a lead for %s (%s). Please confirm.", name, email),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) updateLead(lower, original string) *Intent {
	email := extractEmail(original)
	status := extractStatus(lower)
	if email == "" && status == "" {
		return chat("Need more information",
			"To update a lead, please provide the email address and what you want to update. "+
				"For example: \"Update john@example.com status to qualified\"", "email")
	}
	params := map[string]any{}
	if email != "" {
		params["email"] = email
	}
	if status != "" {
		params["status"] = status
	}
	return &Intent{
		Action:            ActionUpdateLead,
		Summary:           "Update lead",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll update the lead %s to status %q. Please confirm.", email, status),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) deleteLead(lower, original string) *Intent {
	params, label := leadIdentifier(original)
	if params == nil {
		return chat("Need lead identifier",
			"To delete a lead, please provide the name or email. For example: \"Delete john@example.com\"",
			"email")
	}
	return &Intent{
		Action:            ActionDeleteLead,
		Summary:           "Delete lead",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll delete the lead %q. This action cannot be undone. Are you sure?", label),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) assignLead(lower, original string) *Intent {
	params, label := leadIdentifier(original)
	if params == nil {
		return chat("Need lead identifier",
			"To assign a lead, please provide the lead name/email and team member name. "+
				"For example: \"Assign john@example.com to Sarah\"", "email")
	}
	assignee := extractAssignee(original)
	if assignee == "" {
		return chat("Need assignee name",
			fmt.Sprintf("To assign the lead %q, please specify who to assign it to. "+
				"For example: \"Assign %s to Sarah\"", label, label), "assigned_to")
	}
	params["assigned_to"] = assignee
	return &Intent{
		Action:            ActionAssignLead,
		Summary:           "Assign lead to team member",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll assign %q to %s. Please confirm.", label, assignee),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) reassignLead(lower, original string) *Intent {
	params, label := leadIdentifier(original)
	if params == nil {
		return chat("Need lead identifier",
			"To reassign a lead, please provide the lead name/email and the new owner. "+
				"For example: \"Reassign john@example.com to Sarah\"", "email")
	}
	assignee := extractAssignee(original)
	if assignee == "" {
		return chat("Need new owner",
			fmt.Sprintf("To reassign the lead %q, please specify the new owner. "+
				"For example: \"Reassign %s to Sarah\"", label, label), "assigned_to")
	}
	params["assigned_to"] = assignee
	return &Intent{
		Action:            ActionReassignLead,
		Summary:           "Reassign lead to a new owner",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll reassign %q to %s. Please confirm.", label, assignee),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) unassignLead(lower, original string) *Intent {
	params, label := leadIdentifier(original)
	if params == nil {
		return chat("Need lead identifier",
			"To unassign a lead, please provide the lead name or email. "+
				"For example: \"Unassign john@example.com\"", "email")
	}
	return &Intent{
		Action:            ActionUnassignLead,
		Summary:           "Unassign lead",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll unassign %q from its current owner. Please confirm.", label),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) searchLeads(lower, original string) *Intent {
	query := extractEmail(original)
	if query == "" {
		query = extractName(original)
	}
	if query == "" {
		// Capitalized words are the best remaining guess at a name.
		var caps []string
		for _, w := range strings.Fields(original) {
			if w != "" && w[0] >= 'A' && w[0] <= 'Z' {
				caps = append(caps, w)
			}
		}
		query = strings.Join(caps, " ")
	}
	if query == "" {
		return chat("Need search query",
			"What would you like to search for? Please provide a name or email address.", "search")
	}
	return &Intent{
		Action:     ActionSearchLeads,
		Summary:    "Search for lead",
		Parameters: map[string]any{"search": query, "limit": 10},
		Reply:      fmt.Sprintf("Searching for %q...", query),
	}
}

func (m *Matcher) stats(lower, original string) *Intent {
	return &Intent{
		Action:     ActionGetStats,
		Summary:    "Get lead statistics",
		Parameters: map[string]any{},
		Reply:      "Here are your lead statistics:",
	}
}

func (m *Matcher) createTask(lower, original string) *Intent {
	// Task title: everything after the trigger phrase, if present.
	title := ""
	for _, trigger := range []string{"create task", "new task", "add task", "schedule"} {
		if idx := strings.Index(lower, trigger); idx >= 0 {
			title = strings.TrimSpace(strings.Trim(original[idx+len(trigger):], " :.-"))
			break
		}
	}
	if title == "" {
		return chat("Need task title",
			"What should the task be? For example: \"Create task: follow up with Acme on Friday\"",
			"title")
	}
	return &Intent{
		Action:            ActionCreateTask,
		Summary:           "Create task",
		Parameters:        map[string]any{"title": title},
		Reply:             fmt.Sprintf("I'll create the task %q. Please confirm.", title),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) listTasks(lower, original string) *Intent {
	params := map[string]any{}
	reply := "Here are your tasks:"
	if hasAny(lower, "overdue") {
		params["overdue"] = true
		reply = "Here are your overdue tasks:"
	}
	return &Intent{Action: ActionListTasks, Summary: "List my tasks", Parameters: params, Reply: reply}
}

func (m *Matcher) completeTask(lower, original string) *Intent {
	title := ""
	for _, trigger := range []string{"complete task", "finish task", "mark done"} {
		if idx := strings.Index(lower, trigger); idx >= 0 {
			title = strings.TrimSpace(strings.Trim(original[idx+len(trigger):], " :.-"))
			break
		}
	}
	if title == "" {
		return chat("Need task identifier",
			"Which task should I mark as done? For example: \"Complete task: follow up with Acme\"",
			"title")
	}
	return &Intent{
		Action:            ActionCompleteTask,
		Summary:           "Complete task",
		Parameters:        map[string]any{"title": title},
		Reply:             fmt.Sprintf("I'll mark the task %q as done. Please confirm.", title),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) logActivity(lower, original string) *Intent {
	kind := "note"
	switch {
	case hasAny(lower, "call"):
		kind = "call"
	case hasAny(lower, "email"):
		kind = "email"
	case hasAny(lower, "meeting"):
		kind = "meeting"
	}
	params, label := leadIdentifier(original)
	if params == nil {
		return chat("Need lead identifier",
			fmt.Sprintf("To log a %s, please provide the lead name or email. "+
				"For example: \"Log a %s with john@example.com\"", kind, kind), "email")
	}
	params["kind"] = kind
	params["note"] = original
	return &Intent{
		Action:            ActionLogActivity,
		Summary:           "Log activity",
		Parameters:        params,
		Reply:             fmt.Sprintf("I'll log a %s for %q. Please confirm.", kind, label),
		NeedsConfirmation: true,
	}
}

func (m *Matcher) viewNotes(lower, original string) *Intent {
	params, label := leadIdentifier(original)
	if params == nil {
		return chat("Need lead identifier",
			"To view notes and activities, please provide the lead name or email. "+
				"For example: \"Show notes for john@example.com\"", "email")
	}
	return &Intent{
		Action:     ActionViewNotes,
		Summary:    "View lead notes and activities",
		Parameters: params,
		Reply:      fmt.Sprintf("Getting notes and activities for %q...", label),
	}
}

func (m *Matcher) greeting(lower, original string) *Intent {
	return chat("Greeting",
		"Hi! I'm the Sakha assistant. I can list and search leads, create or update leads, "+
			"assign them to teammates, manage tasks, log calls and meetings, and show your stats. "+
			"Mutating actions always ask for your confirmation first.")
}
