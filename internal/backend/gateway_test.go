package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint(t *testing.T) {
	g := NewGateway("https://lea.example.com/")

	assert.Equal(t, "https://lea.example.com/api/talk", g.ResolveEndpoint("/api/talk"))
	assert.Equal(t, "https://lea.example.com/api/talk", g.ResolveEndpoint("api/talk"))
	assert.Equal(t, "https://api.openai.com/v1/realtime", g.ResolveEndpoint("https://api.openai.com/v1/realtime"))
}

func TestDoAttachesBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	g := NewGateway(server.URL, WithTokenSource(StaticToken("secret")))
	status, err := g.StartSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestDoWithoutTokenSourceSendsNoAuthorization(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	g := NewGateway(server.URL, WithTokenSource(StaticToken("")))
	_, err := g.EndSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestWithBearerOverridesIdentity(t *testing.T) {
	var gotAuth, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("v=0"))
	}))
	defer server.Close()

	g := NewGateway(server.URL, WithTokenSource(StaticToken("identity")))
	resp, body, err := g.Do(context.Background(), http.MethodPost, server.URL, nil, WithBearer("voice"), WithContentType("application/sdp"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v=0", string(body))
	assert.Equal(t, "Bearer voice", gotAuth)
	assert.Empty(t, gotType, "no body means no content type")
}

func TestDoTimeoutIsDistinguishable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	g := NewGateway(server.URL)
	err := g.PostJSON(context.Background(), "/api/interrupt", map[string]string{"session_id": "s1"}, nil, WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	g = NewGateway(server.URL, WithDefaultTimeout(20*time.Millisecond))
	_, err = g.Interrupt(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrInterrupt)
}

func TestPostJSONStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	g := NewGateway(server.URL)
	_, err := g.SendTask(context.Background(), "s1", "hello", TaskModeSync, TaskTypeRepeat)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUtteranceDispatch)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestFetchAccessTokenAcceptsWrappedAndFlatReplies(t *testing.T) {
	wrapped := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "avatar-1", req["avatar_id"])

		tok := map[string]string{"session_id": "s1", "url": "wss://room", "access_token": "lk"}
		if wrapped {
			_ = json.NewEncoder(w).Encode(map[string]any{"avatarResponse": tok})
			return
		}
		_ = json.NewEncoder(w).Encode(tok)
	}))
	defer server.Close()

	g := NewGateway(server.URL)
	tok, err := g.FetchAccessToken(context.Background(), "avatar-1")
	require.NoError(t, err)
	assert.Equal(t, AccessToken{SessionID: "s1", URL: "wss://room", AccessToken: "lk"}, tok)

	wrapped = false
	tok, err = g.FetchAccessToken(context.Background(), "avatar-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", tok.SessionID)
}

func TestGetResponseReturnsRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/get-response", r.URL.Path)
		_, _ = w.Write([]byte("Bonjour!"))
	}))
	defer server.Close()

	g := NewGateway(server.URL)
	reply, err := g.GetResponse(context.Background(), "hello", "fr", TaskTypeChat)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour!", reply)
}

func TestTalkAndVoiceToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/talk":
			var req TalkRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, TalkRequest{Message: "hi", Language: "en", SessionID: "s1", TaskMode: TaskModeSync, UserID: "u1"}, req)
			_, _ = w.Write([]byte(`{"data":{"duration_ms":1200,"task_id":"t1"},"text":"hello there"}`))
		case "/api/get-voice-token":
			_, _ = w.Write([]byte(`{"data":{"token":"ek_123"}}`))
		case "/api/active-users":
			_, _ = w.Write([]byte(`{"activeSessions":3}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := NewGateway(server.URL)
	resp, err := g.Talk(context.Background(), TalkRequest{Message: "hi", Language: "en", SessionID: "s1", TaskMode: TaskModeSync, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.Data.TaskID)
	assert.InDelta(t, 1200, resp.Data.DurationMS, 0.001)
	assert.Equal(t, "hello there", resp.Text)

	token, err := g.GetVoiceToken(context.Background(), "en-US")
	require.NoError(t, err)
	assert.Equal(t, "ek_123", token)

	users, err := g.ActiveUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, users)
}
