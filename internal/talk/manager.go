package talk

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/telemetry"
)

const (
	// Cooldown is both the minimum spacing between executed talks and the
	// debounce window for a burst.
	Cooldown = 200 * time.Millisecond
	// StartDelay separates a final talk reply from the OnStart callback.
	StartDelay = 100 * time.Millisecond
)

const meterScope = "github.com/sjawhar/lea-avatar/internal/talk"

type Backend interface {
	Talk(ctx context.Context, req backend.TalkRequest) (backend.TalkResponse, error)
}

type Interrupter interface {
	Interrupt(ctx context.Context, sessionID string) (string, error)
}

// Request is one "respond to the user and speak" call.
type Request struct {
	Text      string
	Source    speech.Source
	SessionID string
	IsFinal   speech.Predicate
	OnStart   speech.StartFunc
	UserID    string
}

// Manager serializes talk requests for one avatar. Bursts collapse into a
// single backend call carrying the newest request; every caller in the burst
// receives that call's result.
type Manager struct {
	backend     Backend
	interrupter Interrupter
	language    string
	cooldown    time.Duration
	startDelay  time.Duration

	executions metric.Int64Counter
	coalesced  metric.Int64Counter

	mu        sync.Mutex
	talking   bool
	lastRunAt time.Time
	pending   *Request
	waiters   []chan speech.Result
	timer     *time.Timer
	gen       uint64
}

type Option func(*Manager)

func WithCooldown(d time.Duration) Option {
	return func(m *Manager) { m.cooldown = d }
}

func WithStartDelay(d time.Duration) Option {
	return func(m *Manager) { m.startDelay = d }
}

func NewManager(b Backend, interrupter Interrupter, language string, opts ...Option) *Manager {
	m := &Manager{
		backend:     b,
		interrupter: interrupter,
		language:    language,
		cooldown:    Cooldown,
		startDelay:  StartDelay,
		executions:  telemetry.Counter(meterScope, "talk.executions", "Talk requests sent to the backend"),
		coalesced:   telemetry.Counter(meterScope, "talk.coalesced", "Talk calls folded into a pending burst"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Talk runs req now if the manager is idle and the cooldown has passed,
// otherwise it joins the pending burst and waits for its result. If ctx ends
// first the caller gets an error result; the burst still runs.
func (m *Manager) Talk(ctx context.Context, req Request) speech.Result {
	m.mu.Lock()
	if !m.talking && m.pending == nil && time.Since(m.lastRunAt) >= m.cooldown {
		m.beginLocked()
		m.mu.Unlock()
		return m.perform(ctx, req)
	}

	ch := make(chan speech.Result, 1)
	m.pending = &req
	m.waiters = append(m.waiters, ch)
	m.armLocked()
	m.mu.Unlock()
	m.coalesced.Add(ctx, 1)

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return speech.Result{Value: req.Text, Source: req.Source, State: speech.StateError, DurationMS: -1, TaskID: "-1"}
	}
}

func (m *Manager) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.cooldown, func() { m.runPending(gen) })
}

func (m *Manager) runPending(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pending == nil {
		m.mu.Unlock()
		return
	}
	if m.talking {
		m.armLocked()
		m.mu.Unlock()
		return
	}
	req := *m.pending
	waiters := m.waiters
	m.pending = nil
	m.waiters = nil
	m.timer = nil
	m.beginLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), backend.DefaultTimeout)
	defer cancel()
	res := m.perform(ctx, req)
	for _, ch := range waiters {
		ch <- res
	}
}

func (m *Manager) beginLocked() {
	m.talking = true
	m.lastRunAt = time.Now()
}

func (m *Manager) perform(ctx context.Context, req Request) speech.Result {
	defer func() {
		m.mu.Lock()
		m.talking = false
		m.mu.Unlock()
	}()
	m.executions.Add(ctx, 1)

	resp, err := m.backend.Talk(ctx, backend.TalkRequest{
		Message:   req.Text,
		Language:  m.language,
		SessionID: req.SessionID,
		TaskMode:  backend.TaskModeSync,
		UserID:    req.UserID,
	})
	ok := err == nil
	if err != nil {
		var statusErr *backend.StatusError
		if !errors.As(err, &statusErr) {
			log.Printf("talk request failed: %v", err)
			return speech.Result{Value: req.Text, Source: req.Source, State: speech.StateError, DurationMS: -1, TaskID: "-1"}
		}
		log.Printf("talk rejected: %v", err)
	}

	final := req.IsFinal.Holds()
	if ok && final {
		if req.OnStart != nil {
			onStart, task, text := req.OnStart, resp.Data, resp.Text
			time.AfterFunc(m.startDelay, func() { onStart(task, text) })
		}
		return speech.Result{
			Value:      req.Text,
			Source:     req.Source,
			State:      speech.StateFinal,
			DurationMS: resp.Data.DurationMS,
			TaskID:     resp.Data.TaskID,
		}
	}

	// Stale or failed: stop whatever the backend started rendering for it.
	if m.interrupter != nil {
		_, _ = m.interrupter.Interrupt(ctx, req.SessionID)
	}

	state := speech.StateInterrupt
	if !ok {
		state = speech.StateError
	}
	return speech.Result{Value: req.Text, Source: req.Source, State: state, DurationMS: -1, TaskID: "-1"}
}
