package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
	wavHeaderSize     = 44
)

// Recorder keeps a WAV copy of the user's microphone input per avatar
// session. Audio written while no session is open is dropped.
type Recorder struct {
	audioDir string

	mu         sync.Mutex
	sessionID  string
	path       string
	file       *os.File
	dataBytes  int
	sampleRate int
}

func NewRecorder(audioDir string) *Recorder {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	return &Recorder{audioDir: audioDir, sampleRate: defaultSampleRate}
}

func (r *Recorder) SetSampleRate(sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sampleRate > 0 {
		r.sampleRate = sampleRate
	}
}

// Writer tees everything written to dst into the open session's file.
func (r *Recorder) Writer(dst io.Writer) io.Writer {
	return &teeWriter{recorder: r, dst: dst}
}

// StartSession opens <audioDir>/<sessionID>.wav, finishing any session that
// was still open.
func (r *Recorder) StartSession(sessionID string) error {
	if _, err := r.EndSession(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.audioDir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	path := filepath.Join(r.audioDir, sessionID+".wav")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open wav file: %w", err)
	}
	// Sizes are patched in EndSession.
	if _, err := file.Write(make([]byte, wavHeaderSize)); err != nil {
		_ = file.Close()
		return fmt.Errorf("reserve wav header: %w", err)
	}

	r.sessionID = sessionID
	r.path = path
	r.file = file
	r.dataBytes = 0
	return nil
}

// EndSession finalizes the WAV header and returns the file path, or "" when
// no session was open.
func (r *Recorder) EndSession() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return "", nil
	}
	file, path, size, rate := r.file, r.path, r.dataBytes, r.sampleRate
	r.sessionID = ""
	r.path = ""
	r.file = nil
	r.dataBytes = 0

	header, err := wavHeader(size, rate, pcmChannels, pcmBitDepth)
	if err != nil {
		_ = file.Close()
		return "", fmt.Errorf("build wav header: %w", err)
	}
	if _, err := file.WriteAt(header, 0); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write wav header: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav file: %w", err)
	}
	return path, nil
}

func (r *Recorder) writePCM(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}

	n, err := r.file.Write(data)
	r.dataBytes += n
	if err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	return nil
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize))
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(36+dataSize)); err != nil {
		return nil, err
	}
	buf.WriteString("WAVEfmt ")
	fmtChunk := []any{
		uint32(16),
		uint16(1), // PCM
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
	}
	for _, f := range fmtChunk {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type teeWriter struct {
	recorder *Recorder
	dst      io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if err != nil {
		return n, err
	}

	if err := w.recorder.writePCM(p[:n]); err != nil {
		return n, err
	}

	return n, nil
}
