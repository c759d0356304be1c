package session

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/lea-avatar/internal/avatar"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/storage"
	"github.com/sjawhar/lea-avatar/internal/voicechat"
)

// Manager journals the live avatar session: turns go to the store and the
// daily transcript, lifecycle changes to the broadcaster, microphone audio
// to the recorder.
type Manager struct {
	store    Store
	writer   TranscriptWriter
	recorder Recorder
	hub      EventBroadcaster
	archiver Archiver
	detector *Detector

	mu      sync.Mutex
	current storage.Session

	// archiving tracks uploads in flight for Wait.
	archiving sync.WaitGroup
}

// NewManager wires the journal. Every collaborator except store may be nil.
func NewManager(store Store, writer TranscriptWriter, recorder Recorder, hub EventBroadcaster, archiver Archiver, detector *Detector) *Manager {
	if detector == nil {
		detector = NewDetector(0)
	}
	return &Manager{
		store:    store,
		writer:   writer,
		recorder: recorder,
		hub:      hub,
		archiver: archiver,
		detector: detector,
	}
}

func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.ID
}

// SessionStarted opens a journal entry for sess, closing any entry still
// open.
func (m *Manager) SessionStarted(sess avatar.Session, provider string) error {
	if m.CurrentSessionID() != "" {
		if err := m.SessionEnded("replaced"); err != nil {
			log.Printf("warning: close replaced session: %v", err)
		}
	}

	startedAt := sess.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	entry := storage.Session{ID: sess.ID, AvatarID: sess.AvatarID, Provider: provider, StartedAt: startedAt}
	if err := m.store.CreateSession(entry); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if m.writer != nil {
		if err := m.writer.BeginSession(entry); err != nil {
			log.Printf("warning: write transcript heading: %v", err)
		}
	}

	if m.recorder != nil {
		if err := m.recorder.StartSession(sess.ID); err != nil {
			_ = m.store.EndSession(sess.ID, time.Now().UTC(), "recorder failed", "")
			return fmt.Errorf("start audio recorder session: %w", err)
		}
	}

	m.mu.Lock()
	m.current = entry
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.BroadcastSessionStarted(entry.ID, entry.AvatarID, provider)
	}
	m.detector.OnQuiet()
	return nil
}

// SessionEnded closes the open journal entry and schedules the transcript
// upload.
func (m *Manager) SessionEnded(reason string) error {
	m.mu.Lock()
	entry := m.current
	m.current = storage.Session{}
	m.mu.Unlock()

	if entry.ID == "" {
		return ErrNoActiveSession
	}
	m.detector.Stop()

	endedAt := time.Now().UTC()
	audioPath := ""
	if m.recorder != nil {
		path, err := m.recorder.EndSession()
		if err != nil {
			log.Printf("warning: end audio recorder session: %v", err)
		}
		audioPath = path
	}

	if err := m.store.EndSession(entry.ID, endedAt, reason, audioPath); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	if m.hub != nil {
		m.hub.BroadcastSessionEnded(entry.ID, endedAt.Sub(entry.StartedAt), reason)
	}

	m.archive(endedAt)
	return nil
}

func (m *Manager) archive(now time.Time) {
	if m.archiver == nil || m.writer == nil {
		return
	}
	path := m.writer.CurrentPath()
	date := now.Format("2006-01-02")

	m.archiving.Add(1)
	go func() {
		defer m.archiving.Done()
		if err := m.archiver.Sync(path, date); err != nil {
			log.Printf("gdrive sync error: %v", err)
		}
	}()
}

// Wait blocks until pending transcript uploads finish.
func (m *Manager) Wait() {
	m.archiving.Wait()
}

// Handler returns the avatar listener that feeds the journal.
func (m *Manager) Handler() avatar.Handler {
	return avatar.Handler{
		SpeakStart: func(ev avatar.SpeakStart) {
			m.detector.OnActivity()
			id := m.record(storage.Turn{Kind: storage.TurnSpeak, Text: ev.Text, TaskID: ev.TaskID, DurationMS: ev.DurationMS})
			if m.hub != nil && id != "" {
				m.hub.BroadcastSpeakStart(id, ev.TaskID, ev.DurationMS, ev.Text)
			}
		},
		SpeakEnd: func(ev avatar.SpeakEnd) {
			id := m.record(storage.Turn{Kind: storage.TurnSpeakEnd, TaskID: ev.TaskID, DurationMS: ev.DurationMS})
			if m.hub != nil && id != "" {
				m.hub.BroadcastSpeakEnd(id, ev.TaskID, ev.DurationMS)
			}
			m.detector.OnQuiet()
		},
		InputTranscript: func(t voicechat.Transcript) {
			m.detector.OnActivity()
			id := m.CurrentSessionID()
			if t.IsFinal {
				id = m.record(storage.Turn{Kind: storage.TurnInput, Text: t.Text, State: string(speech.StateFinal)})
			}
			if m.hub != nil && id != "" {
				m.hub.BroadcastInputTranscript(id, t.Text, t.IsChunk, t.IsFinal)
			}
		},
		Interrupt: func(t voicechat.Transcript) {
			id := m.CurrentSessionID()
			if !t.IsChunk && strings.TrimSpace(t.Text) != "" {
				id = m.record(storage.Turn{Kind: storage.TurnInterrupt, Text: t.Text, State: string(speech.StateInterrupt)})
			}
			if m.hub != nil && id != "" {
				m.hub.BroadcastInterrupt(id, t.Text, t.IsChunk)
			}
		},
	}
}

// RecordInput journals typed input before it is spoken.
func (m *Manager) RecordInput(text string) {
	m.detector.OnActivity()
	m.record(storage.Turn{Kind: storage.TurnInput, Text: text, State: string(speech.StateFinal)})
}

// RecordResult journals how a typed utterance resolved.
func (m *Manager) RecordResult(res speech.Result) {
	m.record(storage.Turn{Kind: storage.TurnResult, TaskID: res.TaskID, DurationMS: res.DurationMS, State: string(res.State)})
	m.detector.OnQuiet()
}

// record appends t to the open session and returns the session id, or ""
// when nothing is being journaled.
func (m *Manager) record(t storage.Turn) string {
	sessionID := m.CurrentSessionID()
	if sessionID == "" {
		return ""
	}
	t.SessionID = sessionID
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	stored, err := m.store.AppendTurn(t)
	if err != nil {
		log.Printf("warning: append %s turn: %v", t.Kind, err)
		return sessionID
	}
	if m.writer != nil {
		if err := m.writer.Append(stored); err != nil {
			log.Printf("warning: write transcript: %v", err)
		}
	}
	return sessionID
}
