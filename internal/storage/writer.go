package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer keeps the human-readable transcript: one markdown file per day,
// a heading per avatar session, one line per turn.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// BeginSession writes the heading that the session's turns appear under.
func (w *Writer) BeginSession(sess Session) error {
	heading := fmt.Sprintf("\n## %s session %s", sess.StartedAt.Format("15:04:05"), sess.ID)
	if sess.Provider != "" {
		heading += fmt.Sprintf(" (%s voice)", sess.Provider)
	}
	return w.write(sess.StartedAt, heading+"\n")
}

func (w *Writer) Append(t Turn) error {
	line := t.FormatMarkdown()
	if line == "" {
		return nil
	}
	return w.write(t.Timestamp, line)
}

func (w *Writer) write(ts time.Time, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.pathFor(ts)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CurrentPath is today's transcript file.
func (w *Writer) CurrentPath() string {
	return w.pathFor(time.Now())
}

func (w *Writer) pathFor(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return filepath.Join(w.dir, ts.Format("2006-01-02")+".md")
}
