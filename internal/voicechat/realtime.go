package voicechat

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/transcription"
)

type VoiceTokenSource interface {
	GetVoiceToken(ctx context.Context, language string) (string, error)
}

type transcriptionConn interface {
	io.Writer
	io.Closer
}

type realtimeDialer func(ctx context.Context, sig transcription.Signaler, sampleRate int, h transcription.Handlers) (transcriptionConn, error)

// Realtime streams the microphone to a WebRTC transcription session and lets
// the backend's talk endpoint both write and speak the reply.
type Realtime struct {
	base
	tokens  VoiceTokenSource
	gateway *backend.Gateway
	url     string
	dial    realtimeDialer
}

func NewRealtime(deps Deps, gateway *backend.Gateway, url string) *Realtime {
	return &Realtime{
		base:    base{tag: "[realtime]", deps: deps},
		tokens:  gateway,
		gateway: gateway,
		url:     url,
		dial: func(ctx context.Context, sig transcription.Signaler, sampleRate int, h transcription.Handlers) (transcriptionConn, error) {
			return transcription.Dial(ctx, sig, sampleRate, h)
		},
	}
}

func (r *Realtime) Start(ctx context.Context, sessionID string, _ speech.TaskType, h Handlers) error {
	if err := r.reserve(); err != nil {
		return err
	}
	log.Printf("[realtime] starting voice chat")

	token, err := r.tokens.GetVoiceToken(ctx, r.deps.InputLanguage)
	if err != nil {
		r.release()
		return fmt.Errorf("start realtime voice chat: %w", err)
	}

	turn := NewTurn(sessionID,
		Accumulator{Dedupe: true, Separator: " "},
		TalkPipeline(r.deps.Talk, sessionID, r.deps.UserID),
		r.deps.Speech, h)

	sig := transcription.HTTPSignaler{Gateway: r.gateway, URL: r.url, Token: token}
	conn, err := r.dial(ctx, sig, r.sampleRate(), transcription.Handlers{
		OnEvent: func(ev transcription.Event) { handleRealtimeEvent(turn, ev) },
		OnStateChange: func(state string) {
			log.Printf("[realtime] connection state: %s", state)
		},
		OnError: func(err error) { r.fail(turn, h, err) },
	})
	if err != nil {
		r.release()
		return fmt.Errorf("start realtime voice chat: %w", err)
	}

	r.attach(turn, conn, conn, h)
	log.Printf("[realtime] transcription session started")
	return nil
}

func handleRealtimeEvent(turn *Turn, ev transcription.Event) {
	switch ev.Type {
	case transcription.EventSpeechStarted:
		turn.SpeechStarted()
	case transcription.EventDelta:
		turn.Partial(ev.Delta)
	case transcription.EventCompleted:
		turn.Chunk(ev.Transcript)
	case transcription.EventSessionCreated:
		if ev.Session != nil {
			log.Printf("[realtime] transcription session %s created", ev.Session.ID)
		}
	}
}
