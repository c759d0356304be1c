package voicechat

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sjawhar/lea-avatar/internal/audio"
	"github.com/sjawhar/lea-avatar/internal/backend"
)

// chat is one running voice chat: the turn, the transport behind it and
// the microphone pump feeding it.
type chat struct {
	turn      *Turn
	gate      *audio.Gate
	cancel    context.CancelFunc
	transport io.Closer
}

// base holds the lifecycle every provider shares. Providers call reserve
// before dialing and attach or release afterwards.
type base struct {
	tag  string
	deps Deps

	mu       sync.Mutex
	starting bool
	active   *chat
	muted    bool
}

func (b *base) reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.starting || b.active != nil {
		return ErrAlreadyStarted
	}
	b.starting = true
	return nil
}

func (b *base) release() {
	b.mu.Lock()
	b.starting = false
	b.mu.Unlock()
}

// attach starts pumping microphone audio into sink through the mute gate.
// A turn that already failed before attach only has its transport closed.
func (b *base) attach(turn *Turn, sink io.Writer, transport io.Closer, h Handlers) {
	gate := audio.NewGate(sink)
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.starting = false
	if turn.isStopped() {
		b.mu.Unlock()
		cancel()
		_ = transport.Close()
		return
	}
	if b.muted {
		gate.Mute()
	}
	b.active = &chat{turn: turn, gate: gate, cancel: cancel, transport: transport}
	b.mu.Unlock()

	if b.deps.Capture == nil {
		log.Printf("%s warning: no microphone, voice chat receives no audio", b.tag)
		return
	}
	go func() {
		err := audio.StreamWithRetry(ctx, b.deps.Capture, b.deps.tap(gate), time.Sleep)
		if err != nil && ctx.Err() == nil {
			b.fail(turn, h, fmt.Errorf("%w: microphone: %w", backend.ErrTranscriptionTransport, err))
		}
	}()
}

// fail tears down the chat running turn after a transport error and then
// reports err, leaving the manager ready for another Start. Errors from a
// chat that was already closed are dropped.
func (b *base) fail(turn *Turn, h Handlers, err error) {
	b.mu.Lock()
	failed := b.active
	if failed != nil && failed.turn == turn {
		b.active = nil
	} else {
		failed = nil
	}
	closed := failed == nil && turn.isStopped()
	turn.Stop()
	b.mu.Unlock()

	if closed {
		log.Printf("%s ignoring error from closed voice chat: %v", b.tag, err)
		return
	}
	if failed != nil {
		failed.cancel()
		// Transports report errors from their own read loops.
		go func() {
			if cerr := failed.transport.Close(); cerr != nil {
				log.Printf("%s warning: close failed transport: %v", b.tag, cerr)
			}
		}()
	}
	log.Printf("%s voice chat stopped: %v", b.tag, err)
	h.onError(err)
}

// Close stops the pump, drops the turn and closes the transport. Closing a
// stopped manager is a no-op.
func (b *base) Close() error {
	b.mu.Lock()
	active := b.active
	b.active = nil
	b.mu.Unlock()

	if active == nil {
		return nil
	}
	active.cancel()
	active.turn.Stop()
	if err := active.transport.Close(); err != nil {
		return fmt.Errorf("close %s transport: %w", b.tag, err)
	}
	log.Printf("%s voice chat closed", b.tag)
	return nil
}

func (b *base) Mute() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.muted = true
	if b.active != nil {
		b.active.gate.Mute()
	}
}

func (b *base) Unmute() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.muted = false
	if b.active != nil {
		b.active.gate.Unmute()
	}
}

// current returns the running turn, or nil.
func (b *base) current() *Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil
	}
	return b.active.turn
}

func (b *base) sampleRate() int {
	if b.deps.Capture == nil {
		return 16000
	}
	return b.deps.Capture.SampleRate()
}
