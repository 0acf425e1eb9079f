package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/murmurlabs/scribed/internal/capture"
	"github.com/murmurlabs/scribed/internal/protocol"
	"github.com/murmurlabs/scribed/internal/store"
)

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	ChunkCount  int    `json:"chunk_count"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

type transcriptResponse struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// registerAPI installs the control surface (session lifecycle triggers) and
// the read-only collaborator surface.
func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recordings/start", r.handleStart)
	mux.HandleFunc("POST /v1/recordings/stop", r.handleStop)
	mux.HandleFunc("POST /v1/recordings/cancel", r.handleCancel)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", r.handleGetTranscript)
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	handle, err := r.recorder.Start(req.Context())
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrAlreadyRecording):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		case errors.Is(err, capture.ErrPermissionDenied):
			writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
		default:
			r.logger.Error("start recording failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}
	r.announceSession(handle.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: handle.ID, Status: "recording"})
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	r.finishRecording(w, req, r.recorder.Stop)
}

func (r *Runtime) handleCancel(w http.ResponseWriter, req *http.Request) {
	r.finishRecording(w, req, r.recorder.Cancel)
}

func (r *Runtime) finishRecording(w http.ResponseWriter, req *http.Request, finish func(context.Context) error) {
	handle, active := r.recorder.Active()
	if err := finish(req.Context()); err != nil {
		if errors.Is(err, capture.ErrNotRecording) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		r.logger.Error("finish recording failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if active {
		r.announceSession(handle.ID)
	}

	sess, err := r.store.GetSession(req.Context(), handle.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, sessionResponse{SessionID: handle.ID})
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (r *Runtime) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := r.store.GetSession(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (r *Runtime) handleGetTranscript(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	if _, err := r.store.GetSession(req.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	text, err := r.store.OrderedTranscript(req.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: sessionID, Text: text})
}

// announceSession publishes the session's current state on the bus, if one
// is connected.
func (r *Runtime) announceSession(sessionID string) {
	if r.busClient == nil {
		return
	}
	sess, err := r.store.GetSession(context.Background(), sessionID)
	if err != nil {
		r.logger.Warn("cannot announce unknown session", slog.String("session_id", sessionID))
		return
	}
	r.busClient.PublishJSON(protocol.SubjectSessionEvent, protocol.SessionEvent{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		ChunkCount: sess.ChunkCount,
		Timestamp:  time.Now().UTC(),
	})
}

func toSessionResponse(sess store.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		ChunkCount: sess.ChunkCount,
		CreatedAt:  sess.CreatedAt.UnixMilli(),
	}
	if !sess.CompletedAt.IsZero() {
		resp.CompletedAt = sess.CompletedAt.UnixMilli()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
