package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sakha-crm/assistant/internal/intent"
)

// ErrInvalidIntent indicates the model's reply did not decode into a valid
// intent structure. The caller falls back to pattern matching.
var ErrInvalidIntent = errors.New("provider: invalid intent structure in model reply")

// systemPrompt instructs the model to answer in the intent JSON contract.
const systemPrompt = `You are an AI assistant for a CRM system. Your role is to help users manage leads through natural conversation.

**Available Actions:**
1. CREATE_LEAD - Create a new lead with details
2. UPDATE_LEAD - Update an existing lead
3. DELETE_LEAD - Delete a lead (requires confirmation)
4. ASSIGN_LEAD - Assign a lead to a team member
5. REASSIGN_LEAD - Move a lead to a new owner
6. UNASSIGN_LEAD - Remove assignment from a lead
7. LIST_LEADS - List leads with filters (status, source)
8. SEARCH_LEADS - Search for leads by name, email, company
9. GET_STATS - Show lead statistics
10. CREATE_TASK - Create new task or follow-up
11. LIST_TASKS - Show my tasks with filters (overdue, pending)
12. COMPLETE_TASK - Mark a task as done
13. LOG_ACTIVITY - Record call, email, meeting with details
14. VIEW_LEAD_NOTES - Get notes/activities for a lead

Use "CHAT" when the message is conversational or required fields are missing.

**Response Format:**
You must respond in JSON format with this structure:
{
  "action": "ACTION_TYPE" or "CHAT",
  "intent": "brief description of what user wants",
  "parameters": {},
  "response": "conversational response to user",
  "needs_confirmation": true/false,
  "missing_fields": []
}

Set needs_confirmation to true for every action that creates, updates, deletes or assigns data. Viewing actions never need confirmation.`

// BuildPrompt assembles the full prompt: system contract, recent
// conversation, the current message and the acting user.
func BuildPrompt(conversation []string, userMessage, userID string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n**Previous Conversation:**\n")
	b.WriteString(strings.Join(conversation, "\n"))
	b.WriteString("\n\n**Current User Message:**\n")
	b.WriteString(userMessage)
	fmt.Fprintf(&b, "\n\n**User Context:**\n- User ID: %s\n", userID)
	b.WriteString("\nAnalyze the message and respond ONLY with valid JSON. Do not include any markdown formatting or code blocks.")
	return b.String()
}

// ParseIntent decodes the model's JSON reply into an Intent, tolerating
// markdown code fences and surrounding prose. The structure is validated:
// a reply text and a catalogued action are required.
func ParseIntent(raw string) (*intent.Intent, error) {
	clean := sanitizeJSON(raw)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidIntent)
	}

	var it intent.Intent
	if err := json.Unmarshal([]byte(clean), &it); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	if strings.TrimSpace(it.Reply) == "" {
		return nil, fmt.Errorf("%w: missing response text", ErrInvalidIntent)
	}
	if !intent.Known(it.Action) {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, it.Action)
	}
	if it.Parameters == nil {
		it.Parameters = map[string]any{}
	}
	return &it, nil
}

// sanitizeJSON strips code fences and trims to the outermost JSON object.
func sanitizeJSON(raw string) string {
	clean := strings.ReplaceAll(raw, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	first := strings.Index(clean, "{")
	last := strings.LastIndex(clean, "}")
	if first != -1 && last >= first {
		clean = clean[first : last+1]
	}
	return clean
}
