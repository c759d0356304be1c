package speech

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/telemetry"
)

const (
	// InterruptCooldown is both the minimum spacing between interrupt calls
	// and the delay of a deferred one.
	InterruptCooldown = 100 * time.Millisecond
	// CoalesceDelay is how long Speak waits for a late "not final" signal.
	CoalesceDelay = 100 * time.Millisecond
	// StartDelay separates a successful dispatch from the OnStart callback.
	StartDelay = 500 * time.Millisecond

	// StatusDeferred is returned by Interrupt when the call was folded into a
	// pending deferred interrupt.
	StatusDeferred = "deferred"
)

const meterScope = "github.com/sjawhar/lea-avatar/internal/speech"

// Backend is the subset of the gateway the speech manager needs.
type Backend interface {
	Interrupt(ctx context.Context, sessionID string) (string, error)
	SendTask(ctx context.Context, sessionID, text, mode, taskType string) (backend.Task, error)
}

// Manager dispatches utterances and debounces interrupts for one avatar.
type Manager struct {
	backend    Backend
	cooldown   time.Duration
	coalesce   time.Duration
	startDelay time.Duration

	interrupts metric.Int64Counter
	utterances metric.Int64Counter

	mu        sync.Mutex
	inFlight  bool
	lastRunAt time.Time
	pendingID string
	timer     *time.Timer
	gen       uint64
}

type Option func(*Manager)

func WithInterruptCooldown(d time.Duration) Option {
	return func(m *Manager) { m.cooldown = d }
}

func WithCoalesceDelay(d time.Duration) Option {
	return func(m *Manager) { m.coalesce = d }
}

func WithStartDelay(d time.Duration) Option {
	return func(m *Manager) { m.startDelay = d }
}

func NewManager(b Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:    b,
		cooldown:   InterruptCooldown,
		coalesce:   CoalesceDelay,
		startDelay: StartDelay,
		interrupts: telemetry.Counter(meterScope, "speech.interrupts", "Interrupt requests by outcome"),
		utterances: telemetry.Counter(meterScope, "speech.utterances", "Speak calls by resolved state"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interrupt stops whatever the avatar is rendering for sessionID. A call made
// while another is in flight, within the cooldown of the previous one, or
// while a deferred call is armed is deferred; a later call replaces the
// deferred session id and restarts its timer. Failures are logged and
// returned but callers are free to ignore them.
func (m *Manager) Interrupt(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	m.pendingID = sessionID
	if m.inFlight || m.timer != nil || time.Since(m.lastRunAt) < m.cooldown {
		m.armLocked()
		m.mu.Unlock()
		m.interrupts.Add(ctx, 1, telemetry.Outcome("deferred"))
		return StatusDeferred, nil
	}
	m.beginLocked()
	m.mu.Unlock()

	return m.perform(ctx, sessionID)
}

// armLocked cancels any pending deferred interrupt and schedules a new one.
func (m *Manager) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.cooldown, func() { m.firePending(gen) })
}

func (m *Manager) firePending(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.inFlight {
		m.armLocked()
		m.mu.Unlock()
		return
	}
	sessionID := m.pendingID
	m.timer = nil
	if sessionID == "" {
		m.mu.Unlock()
		return
	}
	m.beginLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), backend.DefaultTimeout)
	defer cancel()
	_, _ = m.perform(ctx, sessionID)
}

func (m *Manager) beginLocked() {
	m.inFlight = true
	m.lastRunAt = time.Now()
}

func (m *Manager) perform(ctx context.Context, sessionID string) (string, error) {
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	status, err := m.backend.Interrupt(ctx, sessionID)
	if err != nil {
		m.interrupts.Add(ctx, 1, telemetry.Outcome("failed"))
		log.Printf("warning: interrupt session %s: %v", sessionID, err)
		return "", err
	}
	m.interrupts.Add(ctx, 1, telemetry.Outcome("sent"))
	return status, nil
}

// interruptBeforeDispatch cancels any deferred interrupt so it cannot land
// after the new utterance, then interrupts now unless one is already on the
// wire.
func (m *Manager) interruptBeforeDispatch(ctx context.Context, sessionID string) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	m.pendingID = sessionID
	m.beginLocked()
	m.mu.Unlock()

	_, _ = m.perform(ctx, sessionID)
}

// SendUtterance interrupts the avatar and then asks it to render text.
func (m *Manager) SendUtterance(ctx context.Context, sessionID, text, mode, taskType string) (backend.Task, error) {
	m.interruptBeforeDispatch(ctx, sessionID)

	task, err := m.backend.SendTask(ctx, sessionID, text, mode, taskType)
	if err != nil {
		log.Printf("send utterance for session %s: %v", sessionID, err)
		return backend.Task{}, err
	}
	return task, nil
}

type SpeakRequest struct {
	Text      string
	Source    Source
	SessionID string
	IsFinal   Predicate
	OnStart   StartFunc
}

// Speak renders req.Text verbatim. Voice-sourced requests are dropped with
// StateInterrupt if the speaker resumed during the coalescing window.
func (m *Manager) Speak(ctx context.Context, req SpeakRequest) Result {
	res := m.speak(ctx, req)
	m.utterances.Add(ctx, 1, telemetry.Outcome(string(res.State)))
	return res
}

func (m *Manager) speak(ctx context.Context, req SpeakRequest) Result {
	if err := sleep(ctx, m.coalesce); err != nil {
		return Result{Value: err.Error(), Source: req.Source, State: StateError}
	}

	if req.Source == SourceVoice && !req.IsFinal.Holds() {
		return Result{Source: req.Source, State: StateInterrupt}
	}

	task, err := m.SendUtterance(ctx, req.SessionID, req.Text, backend.TaskModeSync, backend.TaskTypeRepeat)
	if err != nil {
		return Result{Value: err.Error(), Source: req.Source, State: StateError}
	}

	if req.OnStart != nil {
		onStart, text := req.OnStart, req.Text
		time.AfterFunc(m.startDelay, func() { onStart(task, text) })
	}

	return Result{
		Value:      req.Text,
		Source:     req.Source,
		State:      StateFinal,
		DurationMS: task.DurationMS,
		TaskID:     task.TaskID,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
