package server

import (
	"context"
	"net/http"

	"github.com/sjawhar/lea-avatar/internal/avatar"
	"github.com/sjawhar/lea-avatar/internal/speech"
)

// Controller is the part of the avatar the control API drives.
type Controller interface {
	State() avatar.State
	Current() (avatar.Session, bool)
	Speak(ctx context.Context, text string, taskType speech.TaskType) speech.Result
	Interrupt(ctx context.Context) (string, error)
	StartVoiceChat(ctx context.Context, p avatar.Provider, taskType speech.TaskType) error
	CloseVoiceChat(p avatar.Provider) error
	MuteInputAudio(p avatar.Provider) error
	UnmuteInputAudio(p avatar.Provider) error
}

type ControlHooks struct {
	// Warnings lists configuration problems shown by /api/status.
	Warnings func() []string
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	// BusConnected reports the event bus link. Nil means no bus.
	BusConnected func() bool
	// ActiveSessions asks the backend how many avatar sessions it serves.
	ActiveSessions func(ctx context.Context) (int, error)
}

func Handler(hub *Hub, store SessionStore, ctl Controller, hooks ControlHooks) (http.Handler, error) {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, store, hub, ctl, hooks)

	if hooks.Metrics != nil {
		mux.Handle("GET /metrics", hooks.Metrics)
	}

	return mux, nil
}
