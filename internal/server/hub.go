package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Forwarder receives every broadcast payload, e.g. to mirror it on a message
// bus.
type Forwarder interface {
	Forward(eventType string, payload []byte) error
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[chan []byte]struct{}
	forwarders []Forwarder
}

func NewHub(forwarders ...Forwarder) *Hub {
	return &Hub{clients: make(map[chan []byte]struct{}), forwarders: forwarders}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast delivers msg to every subscriber, dropping it for clients whose
// buffer is full.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastSessionStarted(sessionID, avatarID, provider string) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent(TypeSessionStarted, time.Now().UTC()),
		SessionID: sessionID,
		AvatarID:  avatarID,
		Provider:  provider,
	})
}

func (h *Hub) BroadcastSessionEnded(sessionID string, duration time.Duration, reason string) {
	h.broadcastEvent(SessionEndedEvent{
		Event:     newEvent(TypeSessionEnded, time.Now().UTC()),
		SessionID: sessionID,
		Duration:  duration.Seconds(),
		Reason:    reason,
	})
}

func (h *Hub) BroadcastInputTranscript(sessionID, text string, isChunk, isFinal bool) {
	h.broadcastEvent(InputTranscriptEvent{
		Event:     newEvent(TypeInputTranscript, time.Now().UTC()),
		SessionID: sessionID,
		Text:      text,
		IsChunk:   isChunk,
		IsFinal:   isFinal,
	})
}

func (h *Hub) BroadcastInterrupt(sessionID, text string, isChunk bool) {
	h.broadcastEvent(InterruptEvent{
		Event:     newEvent(TypeInterrupt, time.Now().UTC()),
		SessionID: sessionID,
		Text:      text,
		IsChunk:   isChunk,
	})
}

func (h *Hub) BroadcastSpeakStart(sessionID, taskID string, durationMS float64, text string) {
	h.broadcastEvent(SpeakStartEvent{
		Event:      newEvent(TypeSpeakStart, time.Now().UTC()),
		SessionID:  sessionID,
		TaskID:     taskID,
		DurationMS: durationMS,
		Text:       text,
	})
}

func (h *Hub) BroadcastSpeakEnd(sessionID, taskID string, durationMS float64) {
	h.broadcastEvent(SpeakEndEvent{
		Event:      newEvent(TypeSpeakEnd, time.Now().UTC()),
		SessionID:  sessionID,
		TaskID:     taskID,
		DurationMS: durationMS,
	})
}

func (h *Hub) BroadcastRoomEvent(sessionID, name string) {
	h.broadcastEvent(RoomEvent{
		Event:     newEvent(TypeRoomEvent, time.Now().UTC()),
		SessionID: sessionID,
		Name:      name,
	})
}

func (h *Hub) BroadcastVoiceError(err error) {
	if err == nil {
		return
	}
	h.broadcastEvent(VoiceErrorEvent{
		Event:   newEvent(TypeVoiceError, time.Now().UTC()),
		Message: err.Error(),
	})
}

func (h *Hub) BroadcastStatusChanged(muted bool, provider string) {
	h.broadcastEvent(StatusChangedEvent{
		Event:    newEvent(TypeStatusChanged, time.Now().UTC()),
		Muted:    muted,
		Provider: provider,
	})
}

func (h *Hub) broadcastEvent(event interface{ eventType() string }) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)

	for _, f := range h.forwarders {
		if err := f.Forward(event.eventType(), payload); err != nil {
			log.Printf("warning: forward %s event: %v", event.eventType(), err)
		}
	}
}

func (e Event) eventType() string { return e.Type }
