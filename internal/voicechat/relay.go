package voicechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/lea-avatar/internal/audio"
	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/speech"
)

// relaySampleRate is the PCM rate the relay's recognizer expects.
const relaySampleRate = 16000

type relayMessage struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

// Relay streams PCM16 over a WebSocket to a transcription relay. Replies are
// generated through the response manager and spoken verbatim.
type Relay struct {
	base
	url    string
	dialer *websocket.Dialer
}

func NewRelay(deps Deps, relayURL string) *Relay {
	return &Relay{
		base:   base{tag: "[relay]", deps: deps},
		url:    relayURL,
		dialer: websocket.DefaultDialer,
	}
}

// RelayEndpoint maps the configured relay base onto its /ws endpoint,
// switching http(s) schemes to ws(s).
func RelayEndpoint(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if strings.HasSuffix(u, "/ws") {
		return u
	}
	return u + "/ws"
}

func (r *Relay) Start(ctx context.Context, sessionID string, taskType speech.TaskType, h Handlers) error {
	if err := r.reserve(); err != nil {
		return err
	}
	log.Printf("[relay] starting voice chat")

	conn, _, err := r.dialer.DialContext(ctx, RelayEndpoint(r.url), nil)
	if err != nil {
		r.release()
		return fmt.Errorf("%w: dial relay: %w", backend.ErrTranscriptionTransport, err)
	}

	turn := NewTurn(sessionID,
		Accumulator{},
		ReplyPipeline(r.deps.Responder, r.deps.Speech, sessionID, taskType),
		r.deps.Speech, h)

	rc := &relayConn{conn: conn, sampleRate: r.sampleRate()}
	go rc.readLoop(turn, func(err error) { r.fail(turn, h, err) })
	r.attach(turn, rc, rc, h)
	return nil
}

type relayConn struct {
	conn       *websocket.Conn
	sampleRate int

	mu     sync.Mutex
	closed bool
}

// Write sends one binary frame of PCM16-LE at the relay's rate.
func (c *relayConn) Write(p []byte) (int, error) {
	pcm := p
	if c.sampleRate != relaySampleRate {
		pcm = audio.Bytes(audio.Resample(audio.Samples(p), c.sampleRate, relaySampleRate))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: relay closed", backend.ErrTranscriptionTransport)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return 0, fmt.Errorf("%w: send audio: %w", backend.ErrTranscriptionTransport, err)
	}
	return len(p), nil
}

func (c *relayConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *relayConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *relayConn) readLoop(turn *Turn, fail func(error)) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			fail(fmt.Errorf("%w: read relay: %w", backend.ErrTranscriptionTransport, err))
			return
		}

		var msg relayMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("[relay] warning: ignoring malformed message: %v", err)
			continue
		}
		if msg.IsFinal {
			turn.Chunk(msg.Transcript)
		} else {
			turn.Partial(msg.Transcript)
		}
	}
}
