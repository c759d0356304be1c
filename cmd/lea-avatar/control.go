package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/sjawhar/lea-avatar/internal/server"
	"github.com/sjawhar/lea-avatar/internal/session"
	"github.com/sjawhar/lea-avatar/internal/speech"
)

const commandTimeout = 30 * time.Second

type journal interface {
	RecordInput(text string)
	RecordResult(res speech.Result)
}

// journaledController records typed utterances around the avatar's Speak so
// the transcript shows what was asked and how it resolved.
type journaledController struct {
	server.Controller
	journal journal
}

func (c journaledController) Speak(ctx context.Context, text string, taskType speech.TaskType) speech.Result {
	c.journal.RecordInput(text)
	res := c.Controller.Speak(ctx, text, taskType)
	c.journal.RecordResult(res)
	return res
}

type speakCommand struct {
	Text     string `json:"text"`
	TaskType string `json:"task_type"`
}

type commandReply struct {
	Value string        `json:"value,omitempty"`
	Error string        `json:"error,omitempty"`
	Speak *speech.Result `json:"result,omitempty"`
}

// speakHandler answers bus speak commands with the JSON-encoded result.
func speakHandler(ctl server.Controller) func([]byte) []byte {
	return func(payload []byte) []byte {
		var cmd speakCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return encodeReply(commandReply{Error: "invalid speak command"})
		}
		if strings.TrimSpace(cmd.Text) == "" {
			return encodeReply(commandReply{Error: "text is required"})
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		res := ctl.Speak(ctx, cmd.Text, speech.ParseTaskType(cmd.TaskType))
		return encodeReply(commandReply{Speak: &res})
	}
}

func interruptHandler(ctl server.Controller) func([]byte) []byte {
	return func([]byte) []byte {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		value, err := ctl.Interrupt(ctx)
		if err != nil {
			return encodeReply(commandReply{Error: err.Error()})
		}
		return encodeReply(commandReply{Value: value})
	}
}

func encodeReply(r commandReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("warning: encode command reply: %v", err)
		return []byte(`{"error":"internal error"}`)
	}
	return data
}

type sessionEnder interface {
	SessionEnded(reason string) error
}

// endJournal closes the journal entry, ignoring the case where it was
// already closed by another path.
func endJournal(j sessionEnder, reason string) {
	if err := j.SessionEnded(reason); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		log.Printf("warning: end journal session: %v", err)
	}
}
