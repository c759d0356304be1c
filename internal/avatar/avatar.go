package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/room"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/talk"
	"github.com/sjawhar/lea-avatar/internal/voicechat"
)

const defaultEndSessionTimeout = 10 * time.Second

// live is the state owned by one session handle.
type live struct {
	Session
	callbacks Callbacks
	conn      room.Conn
	ended     atomic.Bool
	// retired is set under Avatar.mu once the handle was replaced or
	// destroyed; its room's events are ignored from then on.
	retired bool
}

// claimEnd reports whether the caller is the one that must end the backend
// session.
func (l *live) claimEnd() bool {
	return l.ended.CompareAndSwap(false, true)
}

// Avatar orchestrates one conversation at a time: credentials, the backend
// session, the media room, voice chat and the listener registry.
type Avatar struct {
	deps Deps
	opts Options

	listeners registry

	// lifecycle serializes Init and Destroy.
	lifecycle sync.Mutex

	mu    sync.Mutex
	state State
	live  *live
	inits []*initCall
}

// initCall lets Destroy abort Init calls that are running or waiting.
type initCall struct {
	cancel context.CancelFunc
}

func (a *Avatar) forgetInit(c *initCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.inits {
		if p == c {
			a.inits = append(a.inits[:i], a.inits[i+1:]...)
			return
		}
	}
}

func New(deps Deps, opts Options) *Avatar {
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = ProviderGoogle
	}
	if opts.EndSessionTimeout <= 0 {
		opts.EndSessionTimeout = defaultEndSessionTimeout
	}
	return &Avatar{deps: deps, opts: opts}
}

func (a *Avatar) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Current returns the live session handle, if any.
func (a *Avatar) Current() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live == nil {
		return Session{}, false
	}
	return a.live.Session, true
}

func (a *Avatar) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Avatar) sessionID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live == nil || a.state != StateActive {
		return "", false
	}
	return a.live.ID, true
}

// Init fetches credentials, starts the backend session and joins the media
// room, in that order, stopping at the first failure. A live session is torn
// down first. Voice chat failures are reported through Callbacks.OnError and
// do not fail Init.
func (a *Avatar) Init(ctx context.Context, opts InitOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := &initCall{cancel: cancel}
	a.mu.Lock()
	a.inits = append(a.inits, pending)
	a.mu.Unlock()
	defer a.forgetInit(pending)

	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.live
	a.live = nil
	if prev != nil {
		prev.retired = true
	}
	a.mu.Unlock()
	if prev != nil {
		log.Printf("replacing avatar session %s", prev.ID)
		a.teardown(ctx, prev)
	}

	a.setState(StateTokenFetching)
	tok, err := a.deps.Backend.FetchAccessToken(ctx, a.opts.AvatarID)
	if err != nil {
		return a.fail(wrap(backend.ErrTokenFetch, err))
	}

	a.setState(StateSessionStarting)
	status, err := a.deps.Backend.StartSession(ctx, tok.SessionID)
	if err != nil {
		return a.fail(wrap(backend.ErrSessionStart, err))
	}
	log.Printf("avatar session %s started: %s", tok.SessionID, status)

	l := &live{
		Session: Session{
			ID:        tok.SessionID,
			AvatarID:  a.opts.AvatarID,
			URL:       tok.URL,
			StartedAt: time.Now(),
		},
		callbacks: opts.Callbacks,
	}

	a.mu.Lock()
	a.live = l
	a.state = StateMediaConnecting
	a.mu.Unlock()

	conn, err := a.deps.Room.Connect(ctx, tok.URL, tok.AccessToken, func(ev room.Event) {
		a.handleRoomEvent(l, ev)
	})
	if err != nil {
		a.mu.Lock()
		a.live = nil
		l.retired = true
		a.mu.Unlock()
		a.endSession(l)
		return a.fail(wrap(backend.ErrMediaConnect, err))
	}

	a.mu.Lock()
	l.conn = conn
	closed := a.live != l
	if !closed {
		a.state = StateActive
	}
	a.mu.Unlock()
	if closed {
		conn.Disconnect()
		return a.fail(fmt.Errorf("%w: room closed while connecting", backend.ErrMediaConnect))
	}

	if cb := opts.Callbacks; cb.InputTranscript != nil {
		a.On(InitialInputTranscriptID, Handler{InputTranscript: cb.InputTranscript})
	}
	if cb := opts.Callbacks; cb.Interrupt != nil {
		a.On(InitialInterruptID, Handler{Interrupt: cb.Interrupt})
	}

	if opts.WithVoiceChat {
		if err := a.StartVoiceChat(ctx, opts.Provider, opts.TaskType); err != nil {
			log.Printf("warning: voice chat did not start: %v", err)
			opts.Callbacks.onError(err)
		}
	}
	return nil
}

func (a *Avatar) fail(err error) error {
	a.setState(StateUninitialized)
	log.Printf("avatar init failed: %v", err)
	return err
}

// wrap tags err with sentinel unless it already carries it.
func wrap(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Destroy ends the session, leaves the room, closes every voice chat
// provider and clears the listeners. Failures are logged. It is safe to
// call repeatedly and while Init is still running.
func (a *Avatar) Destroy(ctx context.Context) {
	a.mu.Lock()
	for _, c := range a.inits {
		c.cancel()
	}
	a.mu.Unlock()

	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	l := a.live
	a.live = nil
	if l != nil {
		l.retired = true
		a.state = StateEnding
	}
	a.mu.Unlock()

	if l != nil {
		a.teardown(ctx, l)
	} else {
		a.closeVoiceChats()
	}
	a.listeners.clear()
	a.setState(StateDestroyed)
}

func (a *Avatar) teardown(ctx context.Context, l *live) {
	if l.claimEnd() {
		if _, err := a.deps.Backend.EndSession(ctx, l.ID); err != nil {
			log.Printf("warning: end session %s: %v", l.ID, err)
		}
	}
	if l.conn != nil {
		l.conn.Disconnect()
	}
	a.closeVoiceChats()
}

func (a *Avatar) closeVoiceChats() {
	for p, vc := range a.deps.VoiceChats {
		if err := vc.Close(); err != nil {
			log.Printf("warning: close %s voice chat: %v", p, err)
		}
	}
}

// endSession ends the backend session without waiting for it.
func (a *Avatar) endSession(l *live) {
	if !l.claimEnd() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.EndSessionTimeout)
		defer cancel()
		if _, err := a.deps.Backend.EndSession(ctx, l.ID); err != nil {
			log.Printf("warning: end session %s: %v", l.ID, err)
			return
		}
		log.Printf("avatar session %s ended", l.ID)
	}()
}

func (a *Avatar) handleRoomEvent(l *live, ev room.Event) {
	a.mu.Lock()
	retired := l.retired
	a.mu.Unlock()
	if retired {
		return
	}

	cb := l.callbacks
	cb.event(ev)

	switch e := ev.(type) {
	case room.Connected, room.Reconnected:
		cb.connect()
	case room.Reconnecting:
		log.Printf("reconnecting to media room")
		cb.reconnecting()
	case room.TrackSubscribed:
		cb.streamStart(e)
	case room.TrackSubscriptionFailed:
		log.Printf("warning: subscription to track %s failed", e.TrackSID)
		cb.failed(e)
	case room.DataReceived:
		a.handleData(cb, e.Payload)
	}

	if room.EndsSession(ev) {
		log.Printf("media room closed (%s), ending session %s", room.Name(ev), l.ID)
		a.endSession(l)
		if a.release(l) {
			a.closeVoiceChats()
		}
		cb.disconnect(room.Name(ev))
	}
}

// release drops l as the live session once its room is gone, so later calls
// report no active session instead of targeting an ended one. It reports
// whether l was still live.
func (a *Avatar) release(l *live) bool {
	a.mu.Lock()
	if a.live != l {
		a.mu.Unlock()
		return false
	}
	a.live = nil
	a.state = StateUninitialized
	conn := l.conn
	a.mu.Unlock()

	if conn != nil {
		// Not from inside the room's own callback.
		go conn.Disconnect()
	}
	return true
}

// handleData decodes a data channel message once and fans it out.
func (a *Avatar) handleData(cb Callbacks, payload []byte) {
	var msg envelope
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("warning: ignoring data message: %v", err)
		return
	}
	switch msg.Type {
	case msgTalking:
		cb.speechStart()
	case msgStop, msgStopTalking:
		a.listeners.speakEnd(SpeakEnd{TaskID: msg.TaskID, DurationMS: msg.DurationMS})
	}
}

// On registers h under id, replacing any listener with the same id.
func (a *Avatar) On(id string, h Handler) *Subscription {
	return a.listeners.add(id, h)
}

func (a *Avatar) Off(id string) {
	a.listeners.remove(id)
}

func (a *Avatar) HasListener(id string) bool {
	return a.listeners.has(id)
}

func (a *Avatar) emitSpeakStart(task backend.Task, text string) {
	a.listeners.speakStart(SpeakStart{TaskID: task.TaskID, DurationMS: task.DurationMS, Text: text})
}

// Speak renders typed input. Chat input goes through the talk manager,
// anything else is repeated verbatim.
func (a *Avatar) Speak(ctx context.Context, text string, taskType speech.TaskType) speech.Result {
	id, ok := a.sessionID()
	if !ok {
		return speech.Result{Value: ErrNoActiveSession.Error(), Source: speech.SourceText, State: speech.StateError}
	}

	if taskType == speech.TaskChat {
		return a.deps.Talk.Talk(ctx, talk.Request{
			Text:      text,
			Source:    speech.SourceText,
			SessionID: id,
			IsFinal:   speech.Always,
			OnStart:   a.emitSpeakStart,
			UserID:    a.opts.UserID,
		})
	}
	return a.deps.Speech.Speak(ctx, speech.SpeakRequest{
		Text:      text,
		Source:    speech.SourceText,
		SessionID: id,
		IsFinal:   speech.Always,
		OnStart:   a.emitSpeakStart,
	})
}

// GetResponse returns the generated reply text without speaking it.
func (a *Avatar) GetResponse(ctx context.Context, text string, taskType speech.TaskType) string {
	return a.deps.Responder.GetResponse(ctx, text, speech.SourceText, taskType, speech.Always).Value
}

func (a *Avatar) Interrupt(ctx context.Context) (string, error) {
	id, ok := a.sessionID()
	if !ok {
		return "", ErrNoActiveSession
	}
	return a.deps.Speech.Interrupt(ctx, id)
}

func (a *Avatar) provider(p Provider) (voicechat.Manager, Provider, error) {
	if p == "" {
		p = a.opts.DefaultProvider
	}
	if _, err := ParseProvider(string(p)); err != nil {
		return nil, p, fmt.Errorf("%w: %q", err, p)
	}
	vc, ok := a.deps.VoiceChats[p]
	if !ok || vc == nil {
		return nil, p, fmt.Errorf("%w: %s", ErrProviderDisabled, p)
	}
	return vc, p, nil
}

// StartVoiceChat starts the provider for the live session. Transcripts and
// interrupts go to the registered listeners.
func (a *Avatar) StartVoiceChat(ctx context.Context, p Provider, taskType speech.TaskType) error {
	vc, p, err := a.provider(p)
	if err != nil {
		return err
	}

	a.mu.Lock()
	l := a.live
	active := a.state == StateActive || a.state == StateMediaConnecting
	a.mu.Unlock()
	if l == nil || !active {
		return ErrNoActiveSession
	}

	if taskType == "" {
		taskType = speech.TaskRepeat
	}
	err = vc.Start(ctx, l.ID, taskType, voicechat.Handlers{
		InputTranscript:    a.listeners.inputTranscript,
		Interrupt:          a.listeners.interrupt,
		AvatarStartTalking: a.emitSpeakStart,
		OnError: func(err error) {
			log.Printf("warning: %s voice chat: %v", p, err)
			l.callbacks.onError(err)
		},
	})
	if err != nil {
		return fmt.Errorf("start %s voice chat: %w", p, err)
	}
	log.Printf("%s voice chat started for session %s", p, l.ID)
	return nil
}

func (a *Avatar) CloseVoiceChat(p Provider) error {
	vc, _, err := a.provider(p)
	if err != nil {
		return err
	}
	return vc.Close()
}

func (a *Avatar) MuteInputAudio(p Provider) error {
	vc, _, err := a.provider(p)
	if err != nil {
		return err
	}
	vc.Mute()
	return nil
}

func (a *Avatar) UnmuteInputAudio(p Provider) error {
	vc, _, err := a.provider(p)
	if err != nil {
		return err
	}
	vc.Unmute()
	return nil
}
