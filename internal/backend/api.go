package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Task mode and type values accepted by /api/send-task and /api/talk.
const (
	TaskModeSync = "sync"

	TaskTypeRepeat = "repeat"
	TaskTypeChat   = "chat"
)

// AccessToken identifies one avatar session and the media room serving it.
type AccessToken struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

// Task is the backend's receipt for an utterance it will render.
type Task struct {
	DurationMS float64 `json:"duration_ms"`
	TaskID     string  `json:"task_id"`
}

type TalkRequest struct {
	Message   string `json:"message"`
	Language  string `json:"language"`
	SessionID string `json:"session_id"`
	TaskMode  string `json:"task_mode"`
	UserID    string `json:"user_id"`
}

type TalkResponse struct {
	Data Task   `json:"data"`
	Text string `json:"text"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// FetchAccessToken requests credentials for a new session on avatarID.
func (g *Gateway) FetchAccessToken(ctx context.Context, avatarID string) (AccessToken, error) {
	var raw json.RawMessage
	if err := g.PostJSON(ctx, "/api/get-access-token", map[string]string{"avatar_id": avatarID}, &raw); err != nil {
		return AccessToken{}, fmt.Errorf("%w: %w", ErrTokenFetch, err)
	}

	var wrapped struct {
		AvatarResponse *AccessToken `json:"avatarResponse"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.AvatarResponse != nil {
		return *wrapped.AvatarResponse, nil
	}

	var tok AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return AccessToken{}, fmt.Errorf("%w: decode: %w", ErrTokenFetch, err)
	}
	if tok.SessionID == "" {
		return AccessToken{}, fmt.Errorf("%w: response has no session_id", ErrTokenFetch)
	}
	return tok, nil
}

func (g *Gateway) StartSession(ctx context.Context, sessionID string) (string, error) {
	var out statusResponse
	if err := g.PostJSON(ctx, "/api/start-session", map[string]string{"session_id": sessionID}, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionStart, err)
	}
	return out.Status, nil
}

func (g *Gateway) EndSession(ctx context.Context, sessionID string) (string, error) {
	var out statusResponse
	if err := g.PostJSON(ctx, "/api/end-session", map[string]string{"session_id": sessionID}, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionEnd, err)
	}
	return out.Status, nil
}

// SendTask asks the backend to render text on the session's avatar. It does
// not interrupt; callers that need that go through the speech manager.
func (g *Gateway) SendTask(ctx context.Context, sessionID, text, mode, taskType string) (Task, error) {
	req := map[string]string{
		"session_id": sessionID,
		"text":       text,
		"task_mode":  mode,
		"task_type":  taskType,
	}
	var out Task
	if err := g.PostJSON(ctx, "/api/send-task", req, &out); err != nil {
		return Task{}, fmt.Errorf("%w: %w", ErrUtteranceDispatch, err)
	}
	return out, nil
}

func (g *Gateway) Interrupt(ctx context.Context, sessionID string) (string, error) {
	var out statusResponse
	if err := g.PostJSON(ctx, "/api/interrupt", map[string]string{"session_id": sessionID}, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInterrupt, err)
	}
	return out.Status, nil
}

// Talk asks the backend to generate a reply to the message and speak it.
func (g *Gateway) Talk(ctx context.Context, req TalkRequest) (TalkResponse, error) {
	var out TalkResponse
	if err := g.PostJSON(ctx, "/api/talk", req, &out); err != nil {
		return TalkResponse{}, err
	}
	return out, nil
}

// GetResponse returns the backend LLM's raw text reply.
func (g *Gateway) GetResponse(ctx context.Context, message, language, taskType string) (string, error) {
	req := map[string]string{
		"message":   message,
		"language":  language,
		"task_type": taskType,
	}
	var out []byte
	if err := g.PostJSON(ctx, "/api/get-response", req, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrResponseGeneration, err)
	}
	return string(out), nil
}

// GetVoiceToken returns a short-lived token for the streaming transcription
// provider.
func (g *Gateway) GetVoiceToken(ctx context.Context, language string) (string, error) {
	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := g.PostJSON(ctx, "/api/get-voice-token", map[string]string{"language": language}, &out); err != nil {
		return "", fmt.Errorf("%w: voice token: %w", ErrTokenFetch, err)
	}
	if out.Data.Token == "" {
		return "", fmt.Errorf("%w: voice token response is empty", ErrTokenFetch)
	}
	return out.Data.Token, nil
}

// ActiveUsers reports how many avatar sessions the backend is serving.
func (g *Gateway) ActiveUsers(ctx context.Context) (int, error) {
	resp, data, err := g.Do(ctx, http.MethodGet, g.ResolveEndpoint("/api/active-users"), nil)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var out struct {
		ActiveSessions int `json:"activeSessions"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode active users: %w", err)
	}
	return out.ActiveSessions, nil
}
