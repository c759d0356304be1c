package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestRecorderProducesWav(t *testing.T) {
	dir := t.TempDir()
	recorder := NewRecorder(dir)
	recorder.SetSampleRate(48000)

	if err := recorder.StartSession("abc123"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	writer := recorder.Writer(bytes.NewBuffer(nil))
	if _, err := writer.Write([]byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	path, err := recorder.EndSession()
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if path != filepath.Join(dir, "abc123.wav") {
		t.Fatalf("unexpected output path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output file failed: %v", err)
	}
	if len(data) != wavHeaderSize+6 {
		t.Fatalf("expected %d bytes, got %d", wavHeaderSize+6, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:16]) != "WAVEfmt " || string(data[36:40]) != "data" {
		t.Fatalf("malformed wav header: %q", data[:wavHeaderSize])
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 48000 {
		t.Fatalf("expected sample rate 48000, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 6 {
		t.Fatalf("expected data size 6, got %d", got)
	}
	if !bytes.Equal(data[wavHeaderSize:], []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("payload mismatch: %v", data[wavHeaderSize:])
	}
}

func TestTeeWriterWritesToBothDestinations(t *testing.T) {
	dir := t.TempDir()
	recorder := NewRecorder(dir)

	if err := recorder.StartSession("tee"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	var downstream bytes.Buffer
	writer := recorder.Writer(&downstream)
	payload := []byte("hello-world!")
	if _, err := writer.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if got := downstream.Bytes(); !bytes.Equal(got, payload) {
		t.Fatalf("downstream payload mismatch, got %q", string(got))
	}

	path, err := recorder.EndSession()
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat output failed: %v", err)
	}
	if info.Size() != int64(wavHeaderSize+len(payload)) {
		t.Fatalf("unexpected wav size %d", info.Size())
	}
}

func TestRecorderDropsAudioWithoutSession(t *testing.T) {
	recorder := NewRecorder(t.TempDir())

	var downstream bytes.Buffer
	if _, err := recorder.Writer(&downstream).Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if downstream.Len() != 2 {
		t.Fatalf("expected audio to pass through, got %d bytes", downstream.Len())
	}

	path, err := recorder.EndSession()
	if err != nil || path != "" {
		t.Fatalf("expected no-op EndSession, got %q, %v", path, err)
	}
}

func TestStartSessionFinishesPrevious(t *testing.T) {
	dir := t.TempDir()
	recorder := NewRecorder(dir)

	if err := recorder.StartSession("first"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := recorder.Writer(&bytes.Buffer{}).Write([]byte{9, 9}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := recorder.StartSession("second"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "first.wav"))
	if err != nil {
		t.Fatalf("first session file missing: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 2 {
		t.Fatalf("expected finalized first file with 2 data bytes, got %d", got)
	}
}
