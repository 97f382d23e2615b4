package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voxroom/internal/protocol"
	"github.com/ent0n29/voxroom/internal/transcript"
	"github.com/ent0n29/voxroom/internal/validate"
)

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if err := validate.RoomName(room); err != nil {
		s.respondServiceError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	turns, err := s.transcripts.List(r.Context(), room, limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	cost := transcript.EstimateCost(turns, s.opts.Pricing)
	out := make([]protocol.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, toWireTurn(t))
	}
	respondJSON(w, http.StatusOK, protocol.TranscriptResponse{
		Success: true,
		Turns:   out,
		Cost: protocol.CostEstimate{
			InputTokens:  cost.InputTokens,
			OutputTokens: cost.OutputTokens,
			USD:          cost.USD,
		},
	})
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if err := validate.RoomName(room); err != nil {
		s.respondServiceError(w, err)
		return
	}
	var req protocol.AppendTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "role and content are required")
		return
	}
	turn := transcript.Turn{
		RoomName: room,
		Role:     transcript.Role(req.Role),
		Content:  req.Content,
	}
	if s.opts.RedactTranscripts {
		var redacted bool
		if turn, redacted = transcript.RedactTurn(turn); redacted {
			s.logger.Debug().Str("room", room).Msg("redacted transcript turn")
		}
	}
	turn, err := s.transcripts.Append(r.Context(), turn)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toWireTurn(turn))
}

func toWireTurn(t transcript.Turn) protocol.Turn {
	return protocol.Turn{
		ID:        t.ID,
		RoomName:  t.RoomName,
		Role:      string(t.Role),
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
	}
}
