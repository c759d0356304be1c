package server

import "time"

const EventVersion = 1

// Event types pushed to websocket clients and forwarders.
const (
	TypeConnection      = "connection"
	TypeSessionStarted  = "session_started"
	TypeSessionEnded    = "session_ended"
	TypeInputTranscript = "input_transcript"
	TypeInterrupt       = "interrupt"
	TypeSpeakStart      = "speak_start"
	TypeSpeakEnd        = "speak_end"
	TypeRoomEvent       = "room_event"
	TypeVoiceError      = "voice_error"
	TypeStatusChanged   = "status_changed"
)

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
	AvatarID  string `json:"avatar_id"`
	Provider  string `json:"provider,omitempty"`
}

type SessionEndedEvent struct {
	Event
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
	Reason    string  `json:"reason,omitempty"`
}

type InputTranscriptEvent struct {
	Event
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	IsChunk   bool   `json:"is_chunk"`
	IsFinal   bool   `json:"is_final"`
}

type InterruptEvent struct {
	Event
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	IsChunk   bool   `json:"is_chunk"`
}

type SpeakStartEvent struct {
	Event
	SessionID  string  `json:"session_id"`
	TaskID     string  `json:"task_id"`
	DurationMS float64 `json:"duration_ms"`
	Text       string  `json:"text"`
}

type SpeakEndEvent struct {
	Event
	SessionID  string  `json:"session_id"`
	TaskID     string  `json:"task_id"`
	DurationMS float64 `json:"duration_ms"`
}

type RoomEvent struct {
	Event
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

type VoiceErrorEvent struct {
	Event
	Message string `json:"message"`
}

type StatusChangedEvent struct {
	Event
	Muted    bool   `json:"muted"`
	Provider string `json:"provider,omitempty"`
}

type ConnectionEvent struct {
	Event
	ClientID  string `json:"client_id"`
	Connected bool   `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
