package session

import (
	"time"

	"github.com/sjawhar/lea-avatar/internal/storage"
)

type Store interface {
	CreateSession(sess storage.Session) error
	EndSession(id string, endedAt time.Time, reason, audioPath string) error
	AppendTurn(t storage.Turn) (storage.Turn, error)
}

type TranscriptWriter interface {
	BeginSession(sess storage.Session) error
	Append(t storage.Turn) error
	CurrentPath() string
}

type Recorder interface {
	StartSession(sessionID string) error
	EndSession() (string, error)
}

// Archiver copies the day's transcript somewhere durable.
type Archiver interface {
	Sync(localPath, date string) error
}

type EventBroadcaster interface {
	BroadcastSessionStarted(sessionID, avatarID, provider string)
	BroadcastSessionEnded(sessionID string, duration time.Duration, reason string)
	BroadcastInputTranscript(sessionID, text string, isChunk, isFinal bool)
	BroadcastInterrupt(sessionID, text string, isChunk bool)
	BroadcastSpeakStart(sessionID, taskID string, durationMS float64, text string)
	BroadcastSpeakEnd(sessionID, taskID string, durationMS float64)
}
