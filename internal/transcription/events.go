package transcription

import (
	"encoding/json"
	"fmt"
)

// Event types sent by the transcription service on the data channel.
const (
	EventSessionCreated = "transcription_session.created"
	EventSpeechStarted  = "input_audio_buffer.speech_started"
	EventSpeechStopped  = "input_audio_buffer.speech_stopped"
	EventDelta          = "conversation.item.input_audio_transcription.delta"
	EventCompleted      = "conversation.item.input_audio_transcription.completed"
	EventError          = "error"
)

type Event struct {
	Type       string        `json:"type"`
	ItemID     string        `json:"item_id,omitempty"`
	Delta      string        `json:"delta,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Session    *SessionInfo  `json:"session,omitempty"`
	Error      *ServiceError `json:"error,omitempty"`
}

type SessionInfo struct {
	ID string `json:"id"`
}

type ServiceError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ParseEvent decodes one data channel message. Unknown types decode fine
// and are left for the caller to ignore.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode transcription event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode transcription event: missing type")
	}
	return ev, nil
}
