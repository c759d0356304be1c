package backend

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a request is aborted because its deadline passed.
var ErrTimeout = errors.New("backend request timed out")

var (
	ErrTokenFetch             = errors.New("fetch access token")
	ErrSessionStart           = errors.New("start session")
	ErrSessionEnd             = errors.New("end session")
	ErrMediaConnect           = errors.New("connect media room")
	ErrUtteranceDispatch      = errors.New("dispatch utterance")
	ErrInterrupt              = errors.New("interrupt utterance")
	ErrResponseGeneration     = errors.New("generate response")
	ErrTranscriptionTransport = errors.New("transcription transport")
)

// StatusError carries a non-2xx backend reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}
