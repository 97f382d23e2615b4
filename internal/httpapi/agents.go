package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voxroom/internal/agentsession"
	"github.com/ent0n29/voxroom/internal/controlplane"
	"github.com/ent0n29/voxroom/internal/protocol"
)

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req protocol.SpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "room_name is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, created, err := s.service.Spawn(r.Context(), agentsession.SpawnRequest{
		RoomName:     req.RoomName,
		Instructions: req.Instructions,
		VoiceProfile: req.VoiceProfile,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.SpawnResponse{
		Success: true,
		Created: created,
		Session: toWireSession(sess),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "room_name is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.service.StartWorker(r.Context(), controlplane.StartRequest{
		RoomName:     req.RoomName,
		Instructions: req.Instructions,
		VoiceProfile: req.VoiceProfile,
		Debug:        req.Debug,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StartResponse{
		Success:        true,
		RoomName:       res.RoomName,
		AgentIdentity:  res.AgentIdentity,
		AlreadyRunning: res.AlreadyRunning,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.Status(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.StatusResponse{
		Success: true,
		Session: toWireSession(sess.Redacted()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.List(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := make([]protocol.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toWireSession(sess.Redacted()))
	}
	respondJSON(w, http.StatusOK, protocol.ListResponse{Success: true, Sessions: out})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	_, removed, err := s.service.Remove(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.RemoveResponse{Success: true, Removed: removed})
}

// handleWorkerEvent takes lifecycle reports from a worker, which proves itself
// with the session token it was launched with.
func (s *Server) handleWorkerEvent(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, "unauthorized", "worker token is required")
		return
	}
	var req protocol.WorkerEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "event is required")
		return
	}
	if err := s.service.WorkerEvent(r.Context(), chi.URLParam(r, "room"), req.Event, token); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
