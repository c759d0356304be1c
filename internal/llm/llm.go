package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultMaxTokens caps reply length when no WithMaxTokens option is given.
// Replies are spoken by the avatar, so they stay short.
const DefaultMaxTokens = 300

// Conversation roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyReply    = errors.New("empty reply")
	ErrNoUserMessage = errors.New("no user message")
)

type Message struct {
	Role    string
	Content string
}

// Request is one reply to generate. System frames the reply and is sent the
// way each provider expects a system prompt.
type Request struct {
	System   string
	Messages []Message
}

func (r Request) validate() error {
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			return nil
		}
	}
	return ErrNoUserMessage
}

type Reply struct {
	Text string
	// Truncated is set when the provider stopped at the token cap.
	Truncated bool
}

type Client interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL    string
	httpClient *http.Client
	maxTokens  int
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithHTTPClient routes provider traffic through client, e.g. a traced one.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		o.maxTokens = n
	}
}

// ParseModel splits a "provider/model" config value.
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxTokens <= 0 {
		o.maxTokens = DefaultMaxTokens
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}
