package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/lea-avatar/internal/avatar"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/storage"
	"github.com/sjawhar/lea-avatar/internal/voicechat"
)

type storeMock struct {
	mu       sync.Mutex
	sessions map[string]storage.Session
	turns    map[string][]storage.Turn
	reasons  map[string]string
	audio    map[string]string

	createErr error
	appendErr error
}

func newStoreMock() *storeMock {
	return &storeMock{
		sessions: map[string]storage.Session{},
		turns:    map[string][]storage.Turn{},
		reasons:  map[string]string{},
		audio:    map[string]string{},
	}
}

func (s *storeMock) CreateSession(sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	sess.Status = storage.StatusActive
	s.sessions[sess.ID] = sess
	return nil
}

func (s *storeMock) EndSession(id string, endedAt time.Time, reason, audioPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	sess.Status = storage.StatusEnded
	sess.EndedAt = &endedAt
	s.sessions[id] = sess
	s.reasons[id] = reason
	s.audio[id] = audioPath
	return nil
}

func (s *storeMock) AppendTurn(t storage.Turn) (storage.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return storage.Turn{}, s.appendErr
	}
	t.ID = "turn-" + string(rune('a'+len(s.turns[t.SessionID])))
	s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	return t, nil
}

func (s *storeMock) kinds(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.turns[sessionID]))
	for _, t := range s.turns[sessionID] {
		out = append(out, t.Kind)
	}
	return out
}

func (s *storeMock) session(id string) (storage.Session, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id], s.reasons[id], s.audio[id]
}

type writerMock struct {
	mu       sync.Mutex
	lines    []storage.Turn
	sessions []string
}

func (w *writerMock) BeginSession(sess storage.Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions = append(w.sessions, sess.ID)
	return nil
}

func (w *writerMock) Append(t storage.Turn) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, t)
	return nil
}

func (w *writerMock) CurrentPath() string { return "data/transcripts/today.md" }

func (w *writerMock) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lines)
}

type recorderMock struct {
	mu      sync.Mutex
	started []string
	ended   int

	startErr error
}

func (r *recorderMock) StartSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, id)
	return nil
}

func (r *recorderMock) EndSession() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	if len(r.started) == 0 {
		return "", nil
	}
	return "data/audio/" + r.started[len(r.started)-1] + ".wav", nil
}

type archiverMock struct {
	mu    sync.Mutex
	paths []string
	dates []string
}

func (a *archiverMock) Sync(localPath, date string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, localPath)
	a.dates = append(a.dates, date)
	return nil
}

type hubMock struct {
	mu       sync.Mutex
	events   []string
	lastID   string
	lastText string
	reason   string
}

func (h *hubMock) add(event, sessionID string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.lastID = sessionID
	h.mu.Unlock()
}

func (h *hubMock) BroadcastSessionStarted(sessionID, _, _ string) {
	h.add("session_started", sessionID)
}

func (h *hubMock) BroadcastSessionEnded(sessionID string, _ time.Duration, reason string) {
	h.add("session_ended", sessionID)
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()
}

func (h *hubMock) BroadcastInputTranscript(sessionID, text string, _, _ bool) {
	h.add("input_transcript", sessionID)
	h.mu.Lock()
	h.lastText = text
	h.mu.Unlock()
}

func (h *hubMock) BroadcastInterrupt(sessionID, _ string, _ bool) {
	h.add("interrupt", sessionID)
}

func (h *hubMock) BroadcastSpeakStart(sessionID, _ string, _ float64, _ string) {
	h.add("speak_start", sessionID)
}

func (h *hubMock) BroadcastSpeakEnd(sessionID, _ string, _ float64) {
	h.add("speak_end", sessionID)
}

func (h *hubMock) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManagerLifecycle(t *testing.T) {
	store := newStoreMock()
	writer := &writerMock{}
	recorder := &recorderMock{}
	hub := &hubMock{}
	archiver := &archiverMock{}
	manager := NewManager(store, writer, recorder, hub, archiver, nil)

	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	if err := manager.SessionStarted(avatar.Session{ID: "sess-1", AvatarID: "lea", StartedAt: started}, "openai"); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}
	if got := manager.CurrentSessionID(); got != "sess-1" {
		t.Fatalf("expected current session sess-1, got %q", got)
	}

	h := manager.Handler()
	h.InputTranscript(voicechat.Transcript{Text: "hel", IsChunk: false})
	h.InputTranscript(voicechat.Transcript{Text: "hello there", IsFinal: true})
	h.SpeakStart(avatar.SpeakStart{TaskID: "task-1", DurationMS: 900, Text: "hi!"})
	h.SpeakEnd(avatar.SpeakEnd{TaskID: "task-1", DurationMS: 900})
	h.Interrupt(voicechat.Transcript{Text: "wait", IsChunk: true})
	h.Interrupt(voicechat.Transcript{Text: "wait no"})

	wantKinds := []string{storage.TurnInput, storage.TurnSpeak, storage.TurnSpeakEnd, storage.TurnInterrupt}
	if got := store.kinds("sess-1"); !equal(got, wantKinds) {
		t.Fatalf("expected turns %v, got %v", wantKinds, got)
	}
	if writer.count() != 4 {
		t.Fatalf("expected 4 transcript appends, got %d", writer.count())
	}
	if len(writer.sessions) != 1 || writer.sessions[0] != "sess-1" {
		t.Fatalf("expected one transcript heading for sess-1, got %v", writer.sessions)
	}

	if err := manager.SessionEnded("disconnected"); err != nil {
		t.Fatalf("SessionEnded failed: %v", err)
	}
	manager.Wait()

	sess, reason, audio := store.session("sess-1")
	if sess.Status != storage.StatusEnded || reason != "disconnected" {
		t.Fatalf("expected ended/disconnected, got %q/%q", sess.Status, reason)
	}
	if audio != "data/audio/sess-1.wav" {
		t.Fatalf("unexpected audio path %q", audio)
	}

	wantEvents := []string{
		"session_started",
		"input_transcript", "input_transcript",
		"speak_start", "speak_end",
		"interrupt", "interrupt",
		"session_ended",
	}
	if got := hub.snapshot(); !equal(got, wantEvents) {
		t.Fatalf("expected events %v, got %v", wantEvents, got)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.dates) != 1 || archiver.dates[0] == "" || archiver.paths[0] != "data/transcripts/today.md" {
		t.Fatalf("expected one archive upload, got %v %v", archiver.paths, archiver.dates)
	}
}

func TestManagerIgnoresEventsWithoutSession(t *testing.T) {
	store := newStoreMock()
	hub := &hubMock{}
	manager := NewManager(store, nil, nil, hub, nil, nil)

	h := manager.Handler()
	h.InputTranscript(voicechat.Transcript{Text: "hello", IsFinal: true})
	h.SpeakEnd(avatar.SpeakEnd{TaskID: "task-1"})

	if got := hub.snapshot(); len(got) != 0 {
		t.Fatalf("expected no broadcasts, got %v", got)
	}
	if err := manager.SessionEnded("destroyed"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestManagerReplacesOpenSession(t *testing.T) {
	store := newStoreMock()
	recorder := &recorderMock{}
	manager := NewManager(store, nil, recorder, nil, nil, nil)

	if err := manager.SessionStarted(avatar.Session{ID: "sess-1"}, "google"); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}
	if err := manager.SessionStarted(avatar.Session{ID: "sess-2"}, "google"); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}

	if _, reason, _ := store.session("sess-1"); reason != "replaced" {
		t.Fatalf("expected sess-1 replaced, got %q", reason)
	}
	if got := manager.CurrentSessionID(); got != "sess-2" {
		t.Fatalf("expected current sess-2, got %q", got)
	}
	if recorder.ended != 1 {
		t.Fatalf("expected recorder ended once, got %d", recorder.ended)
	}
}

func TestManagerRecorderFailure(t *testing.T) {
	store := newStoreMock()
	recorder := &recorderMock{startErr: errors.New("disk full")}
	manager := NewManager(store, nil, recorder, nil, nil, nil)

	if err := manager.SessionStarted(avatar.Session{ID: "sess-1"}, "google"); err == nil {
		t.Fatal("expected recorder failure")
	}
	if got := manager.CurrentSessionID(); got != "" {
		t.Fatalf("expected no current session, got %q", got)
	}
	if sess, _, _ := store.session("sess-1"); sess.Status != storage.StatusEnded {
		t.Fatalf("expected failed session to be closed, got %q", sess.Status)
	}
}

func TestManagerTypedInput(t *testing.T) {
	store := newStoreMock()
	writer := &writerMock{}
	manager := NewManager(store, writer, nil, nil, nil, nil)

	if err := manager.SessionStarted(avatar.Session{ID: "sess-1"}, "google"); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}

	manager.RecordInput("tell me a joke")
	manager.Handler().SpeakStart(avatar.SpeakStart{TaskID: "task-1", Text: "why did..."})
	manager.RecordResult(speech.Result{Value: "final", State: speech.StateFinal, TaskID: "task-1", DurationMS: 1200})

	want := []string{storage.TurnInput, storage.TurnSpeak, storage.TurnResult}
	if got := store.kinds("sess-1"); !equal(got, want) {
		t.Fatalf("expected turns %v, got %v", want, got)
	}
	if writer.count() != 3 {
		t.Fatalf("expected writer called for every stored turn, got %d", writer.count())
	}
}

func TestManagerAppendFailureKeepsBroadcasting(t *testing.T) {
	store := newStoreMock()
	hub := &hubMock{}
	manager := NewManager(store, nil, nil, hub, nil, nil)

	if err := manager.SessionStarted(avatar.Session{ID: "sess-1"}, "google"); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}
	store.appendErr = errors.New("locked")

	manager.Handler().InputTranscript(voicechat.Transcript{Text: "hello", IsFinal: true})

	got := hub.snapshot()
	if len(got) != 2 || got[1] != "input_transcript" {
		t.Fatalf("expected input_transcript broadcast, got %v", got)
	}
}

func TestManagerIdleDetectorFires(t *testing.T) {
	store := newStoreMock()
	detector := NewDetector(30 * time.Millisecond)
	idle := make(chan struct{}, 1)
	detector.OnIdle(func() { idle <- struct{}{} })

	manager := NewManager(store, nil, nil, nil, nil, detector)
	if err := manager.SessionStarted(avatar.Session{ID: "sess-1"}, "google"); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("expected idle callback after quiet session")
	}
}
