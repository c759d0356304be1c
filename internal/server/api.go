package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/lea-avatar/internal/avatar"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type SessionStore interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetTurns(sessionID string) ([]storage.Turn, error)
	GetDates() ([]string, error)
}

type speakRequest struct {
	Text     string `json:"text"`
	TaskType string `json:"task_type"`
}

type voiceRequest struct {
	Provider string `json:"provider"`
	TaskType string `json:"task_type"`
}

// muteState remembers the last mute toggle per provider for /api/status.
type muteState struct {
	mu    sync.Mutex
	muted map[avatar.Provider]bool
}

func (m *muteState) set(p avatar.Provider, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.muted == nil {
		m.muted = make(map[avatar.Provider]bool)
	}
	m.muted[p] = muted
}

func (m *muteState) snapshot() map[avatar.Provider]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[avatar.Provider]bool, len(m.muted))
	for p, v := range m.muted {
		out[p] = v
	}
	return out
}

func registerAPIRoutes(mux *http.ServeMux, store SessionStore, hub *Hub, ctl Controller, hooks ControlHooks) {
	mutes := &muteState{}

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		sessions, err := store.GetSessionsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		turns, err := store.GetTurns(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session turns: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session": sessionData,
			"turns":   turns,
		})
	})

	mux.HandleFunc("GET /api/sessions/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}

		if sessionData.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(sessionData.AudioPath)
		if cleanPath == "" || cleanPath == "." || cleanPath == ".." || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "audio/wav")
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("POST /api/speak", func(w http.ResponseWriter, r *http.Request) {
		var req speakRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}

		res := ctl.Speak(r.Context(), req.Text, speech.ParseTaskType(req.TaskType))
		status := http.StatusOK
		if res.State == speech.StateError && res.Value == avatar.ErrNoActiveSession.Error() {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	})

	mux.HandleFunc("POST /api/interrupt", func(w http.ResponseWriter, r *http.Request) {
		value, err := ctl.Interrupt(r.Context())
		if err != nil {
			writeJSONError(w, statusForControlError(err), fmt.Sprintf("interrupt: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": value})
	})

	mux.HandleFunc("POST /api/voice/{action}", func(w http.ResponseWriter, r *http.Request) {
		var req voiceRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		provider := avatar.Provider(req.Provider)

		var err error
		action := r.PathValue("action")
		switch action {
		case "start":
			err = ctl.StartVoiceChat(r.Context(), provider, speech.ParseTaskType(req.TaskType))
		case "stop":
			err = ctl.CloseVoiceChat(provider)
		case "mute":
			if err = ctl.MuteInputAudio(provider); err == nil {
				mutes.set(provider, true)
				hub.BroadcastStatusChanged(true, req.Provider)
			}
		case "unmute":
			if err = ctl.UnmuteInputAudio(provider); err == nil {
				mutes.set(provider, false)
				hub.BroadcastStatusChanged(false, req.Provider)
			}
		default:
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown voice action %q", action))
			return
		}
		if err != nil {
			writeJSONError(w, statusForControlError(err), fmt.Sprintf("voice %s: %v", action, err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if hooks.Warnings != nil {
			warnings = hooks.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}

		body := map[string]any{
			"state":    ctl.State().String(),
			"muted":    mutes.snapshot(),
			"warnings": warnings,
		}
		if hooks.BusConnected != nil {
			body["bus_connected"] = hooks.BusConnected()
		}
		if hooks.ActiveSessions != nil {
			if n, err := hooks.ActiveSessions(r.Context()); err != nil {
				log.Printf("warning: active sessions lookup: %v", err)
			} else {
				body["active_sessions"] = n
			}
		}
		if sess, ok := ctl.Current(); ok {
			body["session"] = map[string]any{
				"id":         sess.ID,
				"avatar_id":  sess.AvatarID,
				"started_at": sess.StartedAt,
			}
		}
		writeJSON(w, http.StatusOK, body)
	})
}

// decodeBody reads an optional JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func statusForControlError(err error) int {
	switch {
	case errors.Is(err, avatar.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, avatar.ErrUnknownProvider), errors.Is(err, avatar.ErrProviderDisabled):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
