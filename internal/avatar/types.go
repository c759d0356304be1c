package avatar

import (
	"context"
	"errors"
	"time"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/room"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/voicechat"
)

var (
	ErrNoActiveSession  = errors.New("no active avatar session")
	ErrUnknownProvider  = errors.New("unknown voice chat provider")
	ErrProviderDisabled = errors.New("voice chat provider not configured")
)

// Provider names a voice chat implementation.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepgram Provider = "deepgram"
)

// ParseProvider maps a config or request value onto a known provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderGoogle, ProviderOpenAI, ProviderDeepgram:
		return p, nil
	}
	return "", ErrUnknownProvider
}

// State is the orchestrator's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateTokenFetching
	StateSessionStarting
	StateMediaConnecting
	StateActive
	StateEnding
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTokenFetching:
		return "token_fetching"
	case StateSessionStarting:
		return "session_starting"
	case StateMediaConnecting:
		return "media_connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Backend is the session-lifecycle part of the gateway.
type Backend interface {
	FetchAccessToken(ctx context.Context, avatarID string) (backend.AccessToken, error)
	StartSession(ctx context.Context, sessionID string) (string, error)
	EndSession(ctx context.Context, sessionID string) (string, error)
}

type Deps struct {
	Backend   Backend
	Speech    voicechat.SpeechManager
	Talk      voicechat.Talker
	Responder voicechat.Responder
	Room      room.Connector
	// VoiceChats holds the configured providers. Missing entries make the
	// matching Start/Mute calls fail with ErrProviderDisabled.
	VoiceChats map[Provider]voicechat.Manager
}

type Options struct {
	AvatarID string
	UserID   string
	// DefaultProvider is used when a call names no provider.
	DefaultProvider Provider
	// EndSessionTimeout bounds the fire-and-forget end-session call made
	// when the room drops.
	EndSessionTimeout time.Duration
}

// Session is the handle of the live conversation.
type Session struct {
	ID        string
	AvatarID  string
	URL       string
	StartedAt time.Time
}

// Callbacks is the caller's view of one session. Every field is optional.
type Callbacks struct {
	// OnEvent receives every room event before it is interpreted.
	OnEvent        func(room.Event)
	OnConnect      func()
	OnReconnecting func()
	OnDisconnect   func(reason string)
	OnStreamStart  func(room.TrackSubscribed)
	OnFailed       func(room.TrackSubscriptionFailed)
	OnSpeechStart  func()
	// InputTranscript and Interrupt are registered as listeners under
	// InitialInputTranscriptID and InitialInterruptID.
	InputTranscript func(voicechat.Transcript)
	Interrupt       func(voicechat.Transcript)
	// OnError receives voice chat transport failures.
	OnError func(error)
}

func (c Callbacks) event(ev room.Event) {
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
}

func (c Callbacks) connect() {
	if c.OnConnect != nil {
		c.OnConnect()
	}
}

func (c Callbacks) reconnecting() {
	if c.OnReconnecting != nil {
		c.OnReconnecting()
	}
}

func (c Callbacks) disconnect(reason string) {
	if c.OnDisconnect != nil {
		c.OnDisconnect(reason)
	}
}

func (c Callbacks) streamStart(ev room.TrackSubscribed) {
	if c.OnStreamStart != nil {
		c.OnStreamStart(ev)
	}
}

func (c Callbacks) failed(ev room.TrackSubscriptionFailed) {
	if c.OnFailed != nil {
		c.OnFailed(ev)
	}
}

func (c Callbacks) speechStart() {
	if c.OnSpeechStart != nil {
		c.OnSpeechStart()
	}
}

func (c Callbacks) onError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

type InitOptions struct {
	WithVoiceChat bool
	Provider      Provider
	TaskType      speech.TaskType
	Callbacks     Callbacks
}

// Listener ids used for the callbacks passed to Init.
const (
	InitialInputTranscriptID = "initialOnInputTranscript"
	InitialInterruptID       = "initialOnInterrupt"
)

// Data channel message types sent by the avatar service.
const (
	msgTalking     = "avatar_talking_message"
	msgStop        = "avatar_stop_message"
	msgStopTalking = "avatar_stop_talking"
)

type envelope struct {
	Type       string  `json:"type"`
	TaskID     string  `json:"task_id"`
	DurationMS float64 `json:"duration_ms"`
}
