package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func TestSQLitePragmas(t *testing.T) {
	store := newTestSQLiteStore(t)

	var mode string
	if err := store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode failed: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", mode)
	}

	var timeout int
	if err := store.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestSQLiteCRUD(t *testing.T) {
	store := newTestSQLiteStore(t)

	startedAt := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	sess := Session{ID: "sess-1", AvatarID: "lea", Provider: "openai", StartedAt: startedAt}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	input, err := store.AppendTurn(Turn{
		SessionID: sess.ID,
		Kind:      TurnInput,
		Text:      "  How are you?  ",
		Timestamp: startedAt.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	if input.ID == "" {
		t.Fatal("expected AppendTurn to assign an id")
	}

	if _, err := store.AppendTurn(Turn{
		SessionID:  sess.ID,
		Kind:       TurnSpeak,
		Text:       "Fine, thanks.",
		TaskID:     "task-1",
		DurationMS: 1200,
		Timestamp:  startedAt.Add(3 * time.Second),
	}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	if err := store.EndSession(sess.ID, startedAt.Add(30*time.Second), "disconnected", "data/audio/sess-1.wav"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	got, err := store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("expected status ended, got %q", got.Status)
	}
	if got.EndReason != "disconnected" {
		t.Fatalf("expected end_reason disconnected, got %q", got.EndReason)
	}
	if got.AvatarID != "lea" || got.Provider != "openai" {
		t.Fatalf("expected avatar lea/openai, got %q/%q", got.AvatarID, got.Provider)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(startedAt.Add(30*time.Second)) {
		t.Fatalf("unexpected ended_at %v", got.EndedAt)
	}
	if got.AudioPath != "data/audio/sess-1.wav" {
		t.Fatalf("unexpected audio path %q", got.AudioPath)
	}

	turns, err := store.GetTurns(sess.ID)
	if err != nil {
		t.Fatalf("GetTurns failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Text != "How are you?" {
		t.Fatalf("expected trimmed input text, got %q", turns[0].Text)
	}
	if turns[1].TaskID != "task-1" || turns[1].DurationMS != 1200 {
		t.Fatalf("unexpected speak turn %#v", turns[1])
	}

	sessionsByDate, err := store.GetSessionsByDate("2026-02-26")
	if err != nil {
		t.Fatalf("GetSessionsByDate failed: %v", err)
	}
	if len(sessionsByDate) != 1 {
		t.Fatalf("expected 1 session for date, got %d", len(sessionsByDate))
	}

	dates, err := store.GetDates()
	if err != nil {
		t.Fatalf("GetDates failed: %v", err)
	}
	if len(dates) != 1 || dates[0] != "2026-02-26" {
		t.Fatalf("expected dates [2026-02-26], got %#v", dates)
	}
}

func TestSQLiteRequiresSessionID(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.CreateSession(Session{StartedAt: time.Now()}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestSQLiteMissingSession(t *testing.T) {
	store := newTestSQLiteStore(t)

	if _, err := store.GetSession("nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if err := store.EndSession("nope", time.Now(), "", ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSQLiteCloseDangling(t *testing.T) {
	store := newTestSQLiteStore(t)

	now := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		if err := store.CreateSession(Session{ID: id, StartedAt: now}); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}
	if err := store.EndSession("b", now.Add(time.Minute), "destroyed", ""); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	closed, err := store.CloseDangling(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("CloseDangling failed: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 dangling session, got %d", closed)
	}

	got, err := store.GetSession("a")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != StatusEnded || got.EndReason != "interrupted" {
		t.Fatalf("expected interrupted end, got %q/%q", got.Status, got.EndReason)
	}
}

func TestSQLiteConcurrentAccess(t *testing.T) {
	store := newTestSQLiteStore(t)

	startedAt := time.Now().UTC()
	if err := store.CreateSession(Session{ID: "sess-c", StartedAt: startedAt}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _ = store.AppendTurn(Turn{
				SessionID: "sess-c",
				Kind:      TurnInput,
				Text:      fmt.Sprintf("turn-%d", idx),
				Timestamp: startedAt.Add(time.Duration(idx) * time.Second),
			})
			_, _ = store.GetSession("sess-c")
		}(i)
	}
	wg.Wait()

	turns, err := store.GetTurns("sess-c")
	if err != nil {
		t.Fatalf("GetTurns failed: %v", err)
	}
	if len(turns) != 20 {
		t.Fatalf("expected 20 turns, got %d", len(turns))
	}
}
