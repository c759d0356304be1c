package response

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/llm"
	"github.com/sjawhar/lea-avatar/internal/speech"
)

type staticGenerator struct {
	reply string
	err   error
	onGen func()
}

func (g staticGenerator) Generate(context.Context, string, string, speech.TaskType) (string, error) {
	if g.onGen != nil {
		g.onGen()
	}
	return g.reply, g.err
}

func TestGetResponseFinal(t *testing.T) {
	m := NewManager(staticGenerator{reply: "Hi there"}, "en")
	res := m.GetResponse(context.Background(), "hello", speech.SourceVoice, speech.TaskChat, speech.Always)
	assert.Equal(t, speech.Result{Value: "Hi there", Source: speech.SourceVoice, State: speech.StateFinal}, res)
}

func TestGetResponseStaleVoiceIsInterrupted(t *testing.T) {
	final := true
	m := NewManager(staticGenerator{reply: "Hi there", onGen: func() { final = false }}, "en")
	res := m.GetResponse(context.Background(), "hello", speech.SourceVoice, speech.TaskChat, func() bool { return final })
	assert.Equal(t, speech.StateInterrupt, res.State)
	assert.Empty(t, res.Value)
}

func TestGetResponseTextIgnoresPredicate(t *testing.T) {
	m := NewManager(staticGenerator{reply: "ok"}, "en")
	res := m.GetResponse(context.Background(), "hello", speech.SourceText, speech.TaskChat, func() bool { return false })
	assert.Equal(t, speech.StateFinal, res.State)
}

func TestGetResponseErrorFallsBack(t *testing.T) {
	m := NewManager(staticGenerator{err: errors.New("quota")}, "en")
	res := m.GetResponse(context.Background(), "hello", speech.SourceText, speech.TaskChat, nil)
	assert.Equal(t, speech.StateError, res.State)
	assert.Equal(t, FallbackText, res.Value)
}

func TestBackendGenerator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/get-response" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("Hallo!"))
	}))
	defer server.Close()

	m := NewManager(BackendGenerator{Backend: backend.NewGateway(server.URL)}, "de")
	res := m.GetResponse(context.Background(), "hello", speech.SourceText, speech.TaskChat, nil)
	assert.Equal(t, "Hallo!", res.Value)
	assert.Equal(t, speech.StateFinal, res.State)
}

func TestBackendGeneratorServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gemini down", http.StatusBadGateway)
	}))
	defer server.Close()

	m := NewManager(BackendGenerator{Backend: backend.NewGateway(server.URL)}, "de")
	res := m.GetResponse(context.Background(), "hello", speech.SourceVoice, speech.TaskChat, nil)
	assert.Equal(t, speech.StateError, res.State)
	assert.Equal(t, FallbackText, res.Value)
}

type recordingLLM struct {
	requests []llm.Request
	reply    llm.Reply
	err      error
}

func (r *recordingLLM) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	r.requests = append(r.requests, req)
	return r.reply, r.err
}

func TestLLMGeneratorChat(t *testing.T) {
	client := &recordingLLM{reply: llm.Reply{Text: "Bonjour"}}
	gen := LLMGenerator{Client: client}

	reply, err := gen.Generate(context.Background(), "hello", "fr", speech.TaskChat)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", reply)

	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].System, "fr")
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "hello"}}, client.requests[0].Messages)
}

func TestLLMGeneratorCarriesHistory(t *testing.T) {
	client := &recordingLLM{reply: llm.Reply{Text: "It is Lea."}}
	gen := LLMGenerator{Client: client, History: llm.NewHistory(4)}

	_, err := gen.Generate(context.Background(), "what is your name", "en", speech.TaskChat)
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), "say it again", "en", speech.TaskChat)
	require.NoError(t, err)

	require.Len(t, client.requests, 2)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "what is your name"},
		{Role: llm.RoleAssistant, Content: "It is Lea."},
		{Role: llm.RoleUser, Content: "say it again"},
	}, client.requests[1].Messages)
}

func TestLLMGeneratorTrimsCutoffReply(t *testing.T) {
	client := &recordingLLM{reply: llm.Reply{Text: "Paris is the capital. It has many", Truncated: true}}
	reply, err := LLMGenerator{Client: client}.Generate(context.Background(), "tell me about paris", "en", speech.TaskChat)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", reply)
}

func TestCompleteSentences(t *testing.T) {
	assert.Equal(t, "One. Two!", completeSentences("One. Two! Thr"))
	assert.Equal(t, "Is it?", completeSentences("Is it? "))
	assert.Equal(t, "no sentence end", completeSentences("no sentence end"))
}

func TestLLMGeneratorRepeatSkipsModel(t *testing.T) {
	client := &recordingLLM{reply: llm.Reply{Text: "unused"}}
	reply, err := LLMGenerator{Client: client}.Generate(context.Background(), "say this", "en", speech.TaskRepeat)
	require.NoError(t, err)
	assert.Equal(t, "say this", reply)
	assert.Empty(t, client.requests)
}

func TestLLMGeneratorWrapsErrors(t *testing.T) {
	client := &recordingLLM{err: errors.New("rate limited")}
	_, err := LLMGenerator{Client: client}.Generate(context.Background(), "hello", "en", speech.TaskChat)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrResponseGeneration)
}
