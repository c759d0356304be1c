package response

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/llm"
	"github.com/sjawhar/lea-avatar/internal/speech"
)

// FallbackText is spoken in place of a reply when generation fails.
const FallbackText = "There's something wrong with the Gemini API. Hang tight! We'll fix it soon!"

// Generator produces reply text for a user message.
type Generator interface {
	Generate(ctx context.Context, message, language string, taskType speech.TaskType) (string, error)
}

// Manager wraps a Generator with the voice staleness check. It holds no
// per-call state.
type Manager struct {
	generator Generator
	language  string
}

func NewManager(generator Generator, language string) *Manager {
	return &Manager{generator: generator, language: language}
}

// GetResponse never fails: errors resolve to FallbackText with StateError,
// and voice input that went stale while generating resolves to
// StateInterrupt.
func (m *Manager) GetResponse(ctx context.Context, text string, source speech.Source, taskType speech.TaskType, isFinal speech.Predicate) speech.Result {
	reply, err := m.generator.Generate(ctx, text, m.language, taskType)
	if err != nil {
		log.Printf("generate response: %v", err)
		return speech.Result{Value: FallbackText, Source: source, State: speech.StateError}
	}

	if source == speech.SourceVoice && !isFinal.Holds() {
		return speech.Result{Source: source, State: speech.StateInterrupt}
	}
	return speech.Result{Value: reply, Source: source, State: speech.StateFinal}
}

type ReplyBackend interface {
	GetResponse(ctx context.Context, message, language, taskType string) (string, error)
}

// BackendGenerator asks the backend's /api/get-response endpoint.
type BackendGenerator struct {
	Backend ReplyBackend
}

func (g BackendGenerator) Generate(ctx context.Context, message, language string, taskType speech.TaskType) (string, error) {
	return g.Backend.GetResponse(ctx, message, language, string(taskType))
}

// LLMGenerator produces replies locally with an LLM provider. History, when
// set, carries the last exchanges into each request.
type LLMGenerator struct {
	Client  llm.Client
	Persona string
	History *llm.History
}

const defaultPersona = "You are Lea, a friendly digital avatar having a spoken conversation."

func (g LLMGenerator) Generate(ctx context.Context, message, language string, taskType speech.TaskType) (string, error) {
	if taskType == speech.TaskRepeat {
		return message, nil
	}

	reply, err := g.Client.Complete(ctx, llm.Request{
		System:   systemPrompt(g.Persona, language),
		Messages: g.History.With(message),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", backend.ErrResponseGeneration, err)
	}

	text := reply.Text
	if reply.Truncated {
		text = completeSentences(text)
	}
	g.History.Add(message, text)
	return text, nil
}

// completeSentences drops a trailing fragment so a reply cut at the token cap
// is not spoken mid-sentence. Text without a sentence end is returned as is.
func completeSentences(text string) string {
	cut := strings.LastIndexAny(text, ".!?")
	if cut < 0 {
		return text
	}
	return strings.TrimSpace(text[:cut+1])
}

func systemPrompt(persona, language string) string {
	if strings.TrimSpace(persona) == "" {
		persona = defaultPersona
	}
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString(" Your reply will be spoken aloud, so answer in two or three short sentences without markdown, lists or emoji.")
	if language != "" {
		b.WriteString(" Reply in the language with code ")
		b.WriteString(language)
		b.WriteString(".")
	}
	return b.String()
}
