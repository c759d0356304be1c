package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// ErrCaptureBusy is returned when a second consumer tries to stream from a
// capture that is already streaming.
var ErrCaptureBusy = errors.New("microphone already streaming")

// Capture is a source of mono PCM16-LE audio.
type Capture interface {
	SampleRate() int
	// Stream writes audio to w until ctx ends or a read or write fails.
	Stream(ctx context.Context, w io.Writer) error
}

// Mic wraps PortAudio with a configurable buffer size.
type Mic struct {
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int

	mu        sync.Mutex
	streaming bool
}

// Initialize and Terminate bracket all PortAudio use in the process.
func Initialize() error { return portaudio.Initialize() }
func Terminate() error  { return portaudio.Terminate() }

// NewMic opens a PortAudio capture stream with the given sample rate and buffer size (in frames).
func NewMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Mic{stream: stream, buf: buf, sampleRate: sampleRate}, nil
}

// OpenMic tries each candidate rate and returns the first mic that opens.
func OpenMic(rates []int, framesPerBuffer int) (*Mic, error) {
	var lastErr error
	for _, rate := range rates {
		mic, err := NewMic(rate, framesPerBuffer)
		if err != nil {
			log.Printf("warning: microphone open failed at %d Hz: %v", rate, err)
			lastErr = err
			continue
		}
		return mic, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no sample rates to try")
	}
	return nil, fmt.Errorf("open microphone: %w", lastErr)
}

func (m *Mic) SampleRate() int { return m.sampleRate }

func (m *Mic) Close() error { return m.stream.Close() }

// Stream starts the device, writes PCM16-LE to w until ctx ends, and stops
// the device again.
func (m *Mic) Stream(ctx context.Context, w io.Writer) error {
	m.mu.Lock()
	if m.streaming {
		m.mu.Unlock()
		return ErrCaptureBusy
	}
	m.streaming = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.streaming = false
		m.mu.Unlock()
	}()

	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}
	defer func() { _ = m.stream.Stop() }()

	var out bytes.Buffer
	out.Grow(len(m.buf) * 2) // pre-allocate: int16 = 2 bytes per sample
	for ctx.Err() == nil {
		if err := m.stream.Read(); err != nil {
			return err
		}
		out.Reset()
		if err := binary.Write(&out, binary.LittleEndian, m.buf); err != nil {
			return err
		}
		if _, err := w.Write(out.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// StreamWithRetry keeps streaming through input overflows, which PortAudio
// reports when the consumer falls behind. Any other error ends the stream.
func StreamWithRetry(ctx context.Context, capture Capture, w io.Writer, wait func(time.Duration)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := capture.Stream(ctx, w)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			log.Printf("warning: mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}
		return err
	}
}
