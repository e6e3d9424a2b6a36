package chat

import (
	"fmt"
	"sync"
	"time"
)

const (
	// maxHistory bounds stored messages per user.
	maxHistory = 10
	// promptHistory is how many recent messages the AI prompt includes.
	promptHistory = 5
)

type historyEntry struct {
	role      string
	content   string
	timestamp time.Time
}

// historyStore keeps a bounded per-user conversation history in memory.
// History is a UX nicety, not durable state; losing it on restart is fine.
type historyStore struct {
	mu     sync.Mutex
	byUser map[string][]historyEntry
	now    func() time.Time
}

func newHistoryStore() *historyStore {
	return &historyStore{byUser: make(map[string][]historyEntry), now: time.Now}
}

// add appends a message, evicting the oldest past the cap.
func (h *historyStore) add(userID, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.byUser[userID], historyEntry{role: role, content: content, timestamp: h.now()})
	if len(entries) > maxHistory {
		entries = entries[len(entries)-maxHistory:]
	}
	h.byUser[userID] = entries
}

// promptContext returns the most recent messages formatted for the AI prompt.
func (h *historyStore) promptContext(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byUser[userID]
	if len(entries) > promptHistory {
		entries = entries[len(entries)-promptHistory:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.role, e.content))
	}
	return lines
}

// clear drops a user's history.
func (h *historyStore) clear(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byUser, userID)
}
