package storage

import (
	"fmt"
	"strings"
	"time"
)

// Turn kinds recorded in the journal.
const (
	TurnInput     = "input"
	TurnInterrupt = "interrupt"
	TurnSpeak     = "speak"
	TurnSpeakEnd  = "speak_end"
	TurnResult    = "result"
)

// Turn is one journal entry of a conversation.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	TaskID     string    `json:"task_id,omitempty"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	State      string    `json:"state,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (t Turn) speaker() string {
	switch t.Kind {
	case TurnInput, TurnInterrupt:
		return "You"
	default:
		return "Avatar"
	}
}

// FormatMarkdown renders the turn as one line of the daily transcript. Turns
// without text render as an empty string.
func (t Turn) FormatMarkdown() string {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return ""
	}
	line := fmt.Sprintf("**[%s] %s:** %s", t.Timestamp.Format("15:04:05"), t.speaker(), text)
	if t.Kind == TurnInterrupt {
		line += " _(interrupted)_"
	}
	return line
}
