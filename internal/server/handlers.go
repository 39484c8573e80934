package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/draftwise/draftwise/internal/canvas"
	"github.com/draftwise/draftwise/internal/quota"
	"github.com/draftwise/draftwise/internal/session"
	"github.com/draftwise/draftwise/internal/storage"
)

type openSessionRequest struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id,omitempty"`
}

type turnRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		s.jsonError(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	sess, err := s.runtime.Open(r.Context(), req.TenantID, req.DocumentID)
	if err != nil {
		if errors.Is(err, canvas.ErrNotFound) {
			s.jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		s.logger.Error("open session failed", "tenant_id", req.TenantID, "error", err)
		s.jsonError(w, "failed to open session", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, sess)
}

// handleTurn streams turn events as newline-delimited JSON. The HTTP
// status is committed before the model responds, so transport failures
// surface as an error frame, not a status code.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	events, err := s.runtime.Turn(r.Context(), sessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.jsonError(w, "session not found", http.StatusNotFound)
		case errors.Is(err, session.ErrSessionBusy):
			s.jsonError(w, "a turn is already in progress", http.StatusConflict)
		case quota.IsQuotaExceeded(err):
			s.jsonError(w, err.Error(), http.StatusTooManyRequests)
		default:
			s.logger.Error("turn failed to start", "session_id", sessionID, "error", err)
			s.jsonError(w, "failed to start turn", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	encoder := json.NewEncoder(w)
	for ev := range events {
		frame := *ev
		if frame.Type == session.EventError && frame.Err != nil {
			frame.Message = frame.Message + ": " + frame.Err.Error()
		}
		if err := encoder.Encode(&frame); err != nil {
			// Client went away. The request context cancels the turn;
			// drain the remaining events so the goroutine can finish.
			for range events {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	active, err := s.runtime.Cancel(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("cancel failed", "session_id", sessionID, "error", err)
		s.jsonError(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]bool{"cancelled": active})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	messages, err := s.runtime.History(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("history failed", "session_id", sessionID, "error", err)
		s.jsonError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"messages": messages})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	snap, err := s.canvas.Snapshot(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, canvas.ErrNotFound) {
			s.jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		s.logger.Error("snapshot failed", "document_id", documentID, "error", err)
		s.jsonError(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{
		"document_id": snap.DocumentID,
		"version":     snap.Version,
		"fields":      snap.Fields,
		"updated_at":  snap.UpdatedAt,
	})
}

type usageEntry struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	metrics := []string{quota.MetricChatTurn, quota.MetricToolCall, quota.MetricDocGen}
	if m := r.URL.Query().Get("metric"); m != "" {
		metrics = []string{m}
	}

	usage := make(map[string]usageEntry, len(metrics))
	for _, metric := range metrics {
		used, limit, err := s.gate.Usage(r.Context(), tenantID, metric)
		if err != nil {
			s.logger.Error("usage failed", "tenant_id", tenantID, "metric", metric, "error", err)
			s.jsonError(w, "failed to load usage", http.StatusInternalServerError)
			return
		}
		usage[metric] = usageEntry{Used: used, Limit: limit}
	}
	s.jsonResponse(w, map[string]any{"tenant_id": tenantID, "usage": usage})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
