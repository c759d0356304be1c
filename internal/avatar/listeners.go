package avatar

import (
	"sync"

	"github.com/sjawhar/lea-avatar/internal/voicechat"
)

// SpeakStart is delivered once the avatar is expected to be rendering text.
type SpeakStart struct {
	TaskID     string  `json:"task_id"`
	DurationMS float64 `json:"duration_ms"`
	Text       string  `json:"text"`
}

// SpeakEnd is delivered when the room reports the avatar stopped talking.
type SpeakEnd struct {
	TaskID     string  `json:"task_id"`
	DurationMS float64 `json:"duration_ms"`
}

// Handler is a listener. Nil fields are skipped, so one registration may
// observe any subset of the four event kinds.
type Handler struct {
	SpeakStart      func(SpeakStart)
	SpeakEnd        func(SpeakEnd)
	InputTranscript func(voicechat.Transcript)
	Interrupt       func(voicechat.Transcript)
}

// Subscription removes its listener when unsubscribed. It is a no-op once
// the id was replaced by a later On call or the registry was cleared.
type Subscription struct {
	reg *registry
	id  string
	seq uint64
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.reg == nil {
		return
	}
	s.reg.removeSeq(s.id, s.seq)
}

type entry struct {
	id      string
	seq     uint64
	handler Handler
}

// registry keeps listeners in registration order.
type registry struct {
	mu      sync.Mutex
	seq     uint64
	entries []entry
}

func (r *registry) add(id string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := entry{id: id, seq: r.seq, handler: h}
	for i := range r.entries {
		if r.entries[i].id == id {
			r.entries[i] = e
			return &Subscription{reg: r, id: id, seq: e.seq}
		}
	}
	r.entries = append(r.entries, e)
	return &Subscription{reg: r, id: id, seq: e.seq}
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filterLocked(func(e entry) bool { return e.id != id })
}

func (r *registry) removeSeq(id string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filterLocked(func(e entry) bool { return e.id != id || e.seq != seq })
}

func (r *registry) filterLocked(keep func(entry) bool) {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = entry{}
	}
	r.entries = kept
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.id == id {
			return true
		}
	}
	return false
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *registry) snapshot() []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handler, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.handler
	}
	return out
}

// Callbacks run outside the registry lock, so listeners may call On or Off.

func (r *registry) speakStart(ev SpeakStart) {
	for _, h := range r.snapshot() {
		if h.SpeakStart != nil {
			h.SpeakStart(ev)
		}
	}
}

func (r *registry) speakEnd(ev SpeakEnd) {
	for _, h := range r.snapshot() {
		if h.SpeakEnd != nil {
			h.SpeakEnd(ev)
		}
	}
}

func (r *registry) inputTranscript(t voicechat.Transcript) {
	for _, h := range r.snapshot() {
		if h.InputTranscript != nil {
			h.InputTranscript(t)
		}
	}
}

func (r *registry) interrupt(t voicechat.Transcript) {
	for _, h := range r.snapshot() {
		if h.Interrupt != nil {
			h.Interrupt(t)
		}
	}
}
