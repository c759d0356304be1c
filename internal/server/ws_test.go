package server

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type forwarderStub struct {
	mu     sync.Mutex
	types  []string
	failed bool
}

func (f *forwarderStub) Forward(eventType string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	if f.failed {
		return errors.New("bus down")
	}
	return nil
}

func (f *forwarderStub) forwarded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.types...)
}

func TestWSBroadcastEventShape(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.BroadcastInputTranscript("sess-1", "test line", true, false)

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != TypeInputTranscript {
			t.Fatalf("expected event type input_transcript, got %#v", payload["type"])
		}
		if payload["is_chunk"] != true || payload["text"] != "test line" {
			t.Fatalf("unexpected payload: %s", string(msg))
		}
		if payload["version"] == nil {
			t.Fatalf("expected version field in payload: %s", string(msg))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for websocket broadcast")
	}
}

func TestHubForwardsEveryEvent(t *testing.T) {
	ok := &forwarderStub{}
	broken := &forwarderStub{failed: true}
	hub := NewHub(ok, broken)

	hub.BroadcastSessionStarted("sess-1", "lea", "google")
	hub.BroadcastSpeakStart("sess-1", "t1", 900, "hi")
	hub.BroadcastSpeakEnd("sess-1", "t1", 900)
	hub.BroadcastVoiceError(nil)
	hub.BroadcastVoiceError(errors.New("socket closed"))
	hub.BroadcastSessionEnded("sess-1", 3*time.Second, "destroyed")

	want := []string{TypeSessionStarted, TypeSpeakStart, TypeSpeakEnd, TypeVoiceError, TypeSessionEnded}
	for _, f := range []*forwarderStub{ok, broken} {
		got := f.forwarded()
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("expected forwarded %v, got %v", want, got)
		}
	}
}

func TestHubDropsForSlowClients(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		hub.BroadcastRoomEvent("sess-1", "connected")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected buffer full at %d, got %d", cap(ch), len(ch))
	}
}

func TestWSRouteStreamsEvents(t *testing.T) {
	hub := NewHub()
	h, err := Handler(hub, emptyStore(), &controllerStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello ConnectionEvent
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read connection event failed: %v", err)
	}
	if hello.Type != TypeConnection || !hello.Connected || hello.ClientID == "" {
		t.Fatalf("unexpected connection event %#v", hello)
	}

	// The subscription is registered after the connection event is written.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for ws subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.BroadcastSpeakEnd("sess-1", "t1", 1200)

	var ev SpeakEndEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event failed: %v", err)
	}
	if ev.Type != TypeSpeakEnd || ev.TaskID != "t1" || ev.DurationMS != 1200 {
		t.Fatalf("unexpected event %#v", ev)
	}
}
