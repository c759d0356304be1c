package llm

import "sync"

// History keeps the last few exchanges of a conversation so follow-up
// questions have context. A nil History holds nothing.
type History struct {
	mu       sync.Mutex
	maxTurns int
	messages []Message
}

func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &History{maxTurns: maxTurns}
}

// With returns the stored exchanges followed by a new user message.
func (h *History) With(user string) []Message {
	next := Message{Role: RoleUser, Content: user}
	if h == nil {
		return []Message{next}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, 0, len(h.messages)+1)
	out = append(out, h.messages...)
	return append(out, next)
}

// Add records one exchange, dropping the oldest beyond maxTurns.
func (h *History) Add(user, assistant string) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages,
		Message{Role: RoleUser, Content: user},
		Message{Role: RoleAssistant, Content: assistant},
	)
	if extra := len(h.messages) - 2*h.maxTurns; extra > 0 {
		h.messages = append([]Message(nil), h.messages[extra:]...)
	}
}

func (h *History) Reset() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
