package voicechat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/speech"
)

const defaultDeepgramModel = "nova-2"

type liveStream interface {
	Write(p []byte) (int, error)
	Stop()
}

type deepgramDialer func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (liveStream, error)

// Deepgram transcribes with the Deepgram live API and, like the relay,
// generates the reply before speaking it.
type Deepgram struct {
	base
	model string
	dial  deepgramDialer
}

// InitDeepgram configures the SDK once per process.
func InitDeepgram() {
	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
}

// NewDeepgram builds the provider. An empty apiKey makes the SDK fall back
// to DEEPGRAM_API_KEY.
func NewDeepgram(deps Deps, apiKey, model string) *Deepgram {
	if model == "" {
		model = defaultDeepgramModel
	}
	return &Deepgram{
		base:  base{tag: "[deepgram]", deps: deps},
		model: model,
		dial: func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (liveStream, error) {
			dg, err := client.NewWSUsingCallback(ctx, apiKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, cb)
			if err != nil {
				return nil, err
			}
			if ok := dg.Connect(); !ok {
				return nil, errors.New("deepgram connect failed")
			}
			return dg, nil
		},
	}
}

func (d *Deepgram) Start(ctx context.Context, sessionID string, taskType speech.TaskType, h Handlers) error {
	if err := d.reserve(); err != nil {
		return err
	}
	log.Printf("[deepgram] starting voice chat")

	turn := NewTurn(sessionID,
		Accumulator{Separator: " "},
		ReplyPipeline(d.deps.Responder, d.deps.Speech, sessionID, taskType),
		d.deps.Speech, h)

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.deps.InputLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		VadEvents:      true,
		Encoding:       "linear16",
		SampleRate:     d.sampleRate(),
		Channels:       1,
	}
	stream, err := d.dial(ctx, opts, deepgramCallback{turn: turn, fail: func(err error) { d.fail(turn, h, err) }})
	if err != nil {
		d.release()
		return fmt.Errorf("%w: %w", backend.ErrTranscriptionTransport, err)
	}

	d.attach(turn, stream, stopCloser{stream}, h)
	return nil
}

type stopCloser struct {
	stream liveStream
}

func (s stopCloser) Close() error {
	s.stream.Stop()
	return nil
}

type deepgramCallback struct {
	turn *Turn
	fail func(error)
}

func (c deepgramCallback) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if mr.IsFinal {
		c.turn.Chunk(transcript)
	} else {
		c.turn.Partial(transcript)
	}
	return nil
}

func (c deepgramCallback) Open(*api.OpenResponse) error {
	log.Println("[deepgram] connected")
	return nil
}

func (c deepgramCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c deepgramCallback) SpeechStarted(*api.SpeechStartedResponse) error {
	c.turn.SpeechStarted()
	return nil
}

func (c deepgramCallback) UtteranceEnd(*api.UtteranceEndResponse) error { return nil }

func (c deepgramCallback) Close(*api.CloseResponse) error {
	log.Println("[deepgram] disconnected")
	return nil
}

func (c deepgramCallback) Error(er *api.ErrorResponse) error {
	c.fail(fmt.Errorf("%w: deepgram error %s: %s", backend.ErrTranscriptionTransport, er.ErrCode, er.Description))
	return nil
}

func (c deepgramCallback) UnhandledEvent([]byte) error { return nil }
