package voicechat

import (
	"context"
	"errors"
	"io"

	"github.com/sjawhar/lea-avatar/internal/audio"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/talk"
)

// ErrAlreadyStarted is returned by Start on a manager that is running.
var ErrAlreadyStarted = errors.New("voice chat already started")

// Transcript is one notification about the user's speech. IsChunk marks a
// finalized segment, IsFinal the flush of the whole accumulated turn.
type Transcript struct {
	Text    string
	IsChunk bool
	IsFinal bool
}

type Handlers struct {
	InputTranscript    func(Transcript)
	Interrupt          func(Transcript)
	AvatarStartTalking speech.StartFunc
	// OnError receives transport failures. The failed chat is already torn
	// down when it runs; the manager does not reconnect on its own, so call
	// Start again to recover.
	OnError func(error)
}

func (h Handlers) inputTranscript(t Transcript) {
	if h.InputTranscript != nil {
		h.InputTranscript(t)
	}
}

func (h Handlers) interrupt(t Transcript) {
	if h.Interrupt != nil {
		h.Interrupt(t)
	}
}

func (h Handlers) onError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Manager is one voice chat provider.
type Manager interface {
	Start(ctx context.Context, sessionID string, taskType speech.TaskType, h Handlers) error
	Close() error
	Mute()
	Unmute()
}

type Interrupter interface {
	Interrupt(ctx context.Context, sessionID string) (string, error)
}

type Speaker interface {
	Speak(ctx context.Context, req speech.SpeakRequest) speech.Result
}

type Talker interface {
	Talk(ctx context.Context, req talk.Request) speech.Result
}

type Responder interface {
	GetResponse(ctx context.Context, text string, source speech.Source, taskType speech.TaskType, isFinal speech.Predicate) speech.Result
}

type SpeechManager interface {
	Interrupter
	Speaker
}

// Deps are the collaborators shared by every provider.
type Deps struct {
	Speech    SpeechManager
	Talk      Talker
	Responder Responder
	Capture   audio.Capture
	// Tap wraps the provider's audio sink, e.g. to record the input.
	Tap    func(io.Writer) io.Writer
	UserID string
	// InputLanguage is the BCP-47 code of the user's speech.
	InputLanguage string
}

func (d Deps) tap(w io.Writer) io.Writer {
	if d.Tap == nil {
		return w
	}
	return d.Tap(w)
}
