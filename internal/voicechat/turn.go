package voicechat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/talk"
)

// PartialInterruptDelay is how long after a non-final transcript the avatar
// is told to stop talking over the user.
const PartialInterruptDelay = 100 * time.Millisecond

// State is where a turn is in the listen, accumulate, dispatch cycle.
type State int

const (
	Idle State = iota
	Capturing
	SpeechDetected
	Accumulating
	Dispatching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case SpeechDetected:
		return "speech_detected"
	case Accumulating:
		return "accumulating"
	case Dispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// Accumulator joins finalized chunks into the running transcript.
type Accumulator struct {
	// Dedupe drops a chunk byte-identical to the one before it.
	Dedupe bool
	// Separator is appended after every chunk.
	Separator string

	b    strings.Builder
	last string
}

// Add appends chunk and reports whether it was kept.
func (a *Accumulator) Add(chunk string) bool {
	if a.Dedupe && chunk == a.last {
		return false
	}
	a.b.WriteString(chunk)
	a.b.WriteString(a.Separator)
	a.last = chunk
	return true
}

func (a *Accumulator) String() string { return a.b.String() }

func (a *Accumulator) Reset() {
	a.b.Reset()
	a.last = ""
}

// Pipeline turns the accumulated transcript into avatar speech.
type Pipeline func(ctx context.Context, transcript string, isFinal speech.Predicate, onStart speech.StartFunc) speech.Result

// TalkPipeline lets the backend both generate and speak the reply.
func TalkPipeline(t Talker, sessionID, userID string) Pipeline {
	return func(ctx context.Context, transcript string, isFinal speech.Predicate, onStart speech.StartFunc) speech.Result {
		return t.Talk(ctx, talk.Request{
			Text:      transcript,
			Source:    speech.SourceVoice,
			SessionID: sessionID,
			IsFinal:   isFinal,
			OnStart:   onStart,
			UserID:    userID,
		})
	}
}

// ReplyPipeline generates the reply first and then speaks it verbatim.
func ReplyPipeline(r Responder, s Speaker, sessionID string, taskType speech.TaskType) Pipeline {
	return func(ctx context.Context, transcript string, isFinal speech.Predicate, onStart speech.StartFunc) speech.Result {
		reply := r.GetResponse(ctx, transcript, speech.SourceVoice, taskType, isFinal)
		if reply.State != speech.StateFinal {
			return reply
		}
		return s.Speak(ctx, speech.SpeakRequest{
			Text:      reply.Value,
			Source:    speech.SourceVoice,
			SessionID: sessionID,
			IsFinal:   isFinal,
			OnStart:   onStart,
		})
	}
}

// Turn is the per-session state machine shared by all providers. Providers
// translate their transport's events into SpeechStarted, Partial and Chunk.
// Network calls run on their own goroutines so transport callbacks never
// block on the backend.
type Turn struct {
	sessionID    string
	handlers     Handlers
	interrupter  Interrupter
	pipeline     Pipeline
	partialDelay time.Duration

	mu       sync.Mutex
	state    State
	isFinal  bool
	acc      Accumulator
	inFlight int
	gen      uint64
	stopped  bool

	wg sync.WaitGroup
}

type TurnOption func(*Turn)

func WithPartialDelay(d time.Duration) TurnOption {
	return func(t *Turn) { t.partialDelay = d }
}

func NewTurn(sessionID string, acc Accumulator, pipeline Pipeline, interrupter Interrupter, h Handlers, opts ...TurnOption) *Turn {
	t := &Turn{
		sessionID:    sessionID,
		handlers:     h,
		interrupter:  interrupter,
		pipeline:     pipeline,
		partialDelay: PartialInterruptDelay,
		state:        Capturing,
		isFinal:      true,
		acc:          acc,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsFinal reports whether the user is still silent since the last finalized
// chunk. It is the predicate handed to every pipeline.
func (t *Turn) IsFinal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isFinal
}

func (t *Turn) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acc.String()
}

// SpeechStarted marks the user as talking and stops the avatar at once.
func (t *Turn) SpeechStarted() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.isFinal = false
	t.state = SpeechDetected
	t.mu.Unlock()

	t.handlers.interrupt(Transcript{})
	t.interruptBackend()
}

// Partial handles a non-final transcript. Unless a finalized chunk arrives
// first, the avatar is interrupted after the partial delay.
func (t *Turn) Partial(text string) {
	if isBlank(text) {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.isFinal = false
	t.state = Accumulating
	gen := t.gen
	t.mu.Unlock()

	t.handlers.inputTranscript(Transcript{Text: text})

	t.wg.Add(1)
	time.AfterFunc(t.partialDelay, func() {
		defer t.wg.Done()
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		transcript := t.acc.String()
		t.mu.Unlock()

		t.handlers.interrupt(Transcript{Text: transcript})
		t.interruptBackend()
	})
}

// Chunk appends a finalized segment and dispatches the whole transcript.
func (t *Turn) Chunk(text string) {
	if isBlank(text) {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.isFinal = true
	t.gen++
	t.acc.Add(text)
	transcript := t.acc.String()
	t.state = Dispatching
	t.inFlight++
	t.mu.Unlock()

	t.handlers.inputTranscript(Transcript{Text: text, IsChunk: true})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(transcript)
	}()
}

func (t *Turn) dispatch(transcript string) {
	res := t.pipeline(context.Background(), transcript, t.IsFinal, t.handlers.AvatarStartTalking)
	if res.State == speech.StateInterrupt {
		t.handlers.interrupt(Transcript{Text: transcript, IsChunk: true})
	}

	t.mu.Lock()
	t.inFlight--
	if t.inFlight == 0 && t.state == Dispatching {
		t.state = Capturing
	}
	flushed := ""
	if res.State == speech.StateFinal && t.isFinal && !t.stopped {
		flushed = t.acc.String()
		t.acc.Reset()
	}
	t.mu.Unlock()

	if flushed != "" {
		t.handlers.inputTranscript(Transcript{Text: flushed, IsFinal: true})
	}
}

func (t *Turn) interruptBackend() {
	if t.interrupter == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_, _ = t.interrupter.Interrupt(context.Background(), t.sessionID)
	}()
}

// Stop drops the transcript and ignores further events. Dispatches already
// on the wire finish but cannot flush.
func (t *Turn) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.gen++
	t.state = Idle
	t.acc.Reset()
	t.mu.Unlock()
}

func (t *Turn) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Wait blocks until every dispatch and timer started so far has finished.
func (t *Turn) Wait() {
	t.wg.Wait()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
