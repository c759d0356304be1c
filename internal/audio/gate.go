package audio

import (
	"io"
	"sync"
)

// Gate passes audio through to its destination, or silence of the same
// length while muted, so the downstream stream keeps its timing.
type Gate struct {
	dst io.Writer

	mu      sync.Mutex
	muted   bool
	silence []byte
}

func NewGate(dst io.Writer) *Gate {
	return &Gate{dst: dst}
}

func (g *Gate) Mute() {
	g.mu.Lock()
	g.muted = true
	g.mu.Unlock()
}

func (g *Gate) Unmute() {
	g.mu.Lock()
	g.muted = false
	g.mu.Unlock()
}

func (g *Gate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}

func (g *Gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	if !g.muted {
		g.mu.Unlock()
		return g.dst.Write(p)
	}
	if cap(g.silence) < len(p) {
		g.silence = make([]byte, len(p))
	}
	silence := g.silence[:len(p)]
	clear(silence)
	g.mu.Unlock()

	if _, err := g.dst.Write(silence); err != nil {
		return 0, err
	}
	return len(p), nil
}
