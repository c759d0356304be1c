package transcription

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/sjawhar/lea-avatar/internal/audio"
	"github.com/sjawhar/lea-avatar/internal/backend"
)

// DefaultURL is the realtime endpoint that answers SDP offers.
const DefaultURL = "https://api.openai.com/v1/realtime"

const (
	dataChannelLabel = "oai-events"
	trackSampleRate  = 8000
	frameDuration    = 20 * time.Millisecond
	frameSamples     = trackSampleRate * int(frameDuration/time.Millisecond) / 1000
)

// Signaler trades a local SDP offer for the remote answer.
type Signaler interface {
	Exchange(ctx context.Context, offer string) (string, error)
}

// HTTPSignaler posts the offer to the realtime endpoint with the short-lived
// voice token as bearer.
type HTTPSignaler struct {
	Gateway *backend.Gateway
	URL     string
	Token   string
}

func (s HTTPSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	url := s.URL
	if url == "" {
		url = DefaultURL
	}
	resp, body, err := s.Gateway.Do(ctx, http.MethodPost, url, strings.NewReader(offer),
		backend.WithBearer(s.Token),
		backend.WithContentType("application/sdp"),
	)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &backend.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}

type Handlers struct {
	OnEvent       func(Event)
	OnStateChange func(state string)
	OnError       func(error)
}

// Session is one peer connection to the transcription service: an outbound
// PCMU audio track plus the JSON event channel.
type Session struct {
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	track      *webrtc.TrackLocalStaticSample
	sampleRate int
	handlers   Handlers

	mu      sync.Mutex
	pending []int16
	closed  bool
}

// Dial negotiates a session. sampleRate is the rate of the PCM16 audio that
// will be passed to Write.
func Dial(ctx context.Context, sig Signaler, sampleRate int, h Handlers) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %w", backend.ErrTranscriptionTransport, err)
	}

	s := &Session{pc: pc, sampleRate: sampleRate, handlers: h}
	if err := s.negotiate(ctx, sig); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %w", backend.ErrTranscriptionTransport, err)
	}
	return s, nil
}

func (s *Session) negotiate(ctx context.Context, sig Signaler) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: trackSampleRate, Channels: 1},
		"audio", "lea-avatar-mic",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	s.track = track

	dc, err := s.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.dc = dc
	dc.OnMessage(s.handleMessage)

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s.handlers.OnStateChange != nil {
			s.handlers.OnStateChange(state.String())
		}
		if state == webrtc.PeerConnectionStateFailed {
			s.fail(fmt.Errorf("%w: peer connection failed", backend.ErrTranscriptionTransport))
		}
	})

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := sig.Exchange(ctx, s.pc.LocalDescription().SDP)
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (s *Session) handleMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		log.Printf("[realtime] warning: ignoring binary data channel message")
		return
	}
	ev, err := ParseEvent(msg.Data)
	if err != nil {
		log.Printf("[realtime] warning: %v", err)
		return
	}
	if ev.Type == EventError && ev.Error != nil {
		s.fail(fmt.Errorf("%w: %w", backend.ErrTranscriptionTransport, ev.Error))
		return
	}
	if s.handlers.OnEvent != nil {
		s.handlers.OnEvent(ev)
	}
}

func (s *Session) fail(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
		return
	}
	log.Printf("[realtime] %v", err)
}

// Write accepts PCM16-LE mono at the session's sample rate and sends it as
// 20ms PCMU frames.
func (s *Session) Write(p []byte) (int, error) {
	samples := audio.Resample(audio.Samples(p), s.sampleRate, trackSampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: session closed", backend.ErrTranscriptionTransport)
	}
	s.pending = append(s.pending, samples...)
	var frames [][]int16
	for len(s.pending) >= frameSamples {
		frame := make([]int16, frameSamples)
		copy(frame, s.pending)
		s.pending = s.pending[frameSamples:]
		frames = append(frames, frame)
	}
	s.mu.Unlock()

	for _, frame := range frames {
		if err := s.track.WriteSample(media.Sample{Data: audio.MuLaw(frame), Duration: frameDuration}); err != nil {
			return 0, fmt.Errorf("%w: write sample: %w", backend.ErrTranscriptionTransport, err)
		}
	}
	return len(p), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	if s.dc != nil {
		_ = s.dc.Close()
	}
	return s.pc.Close()
}
