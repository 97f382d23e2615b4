package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/agentsession"
	"github.com/ent0n29/voxroom/internal/controlplane"
	"github.com/ent0n29/voxroom/internal/observability"
	"github.com/ent0n29/voxroom/internal/protocol"
	"github.com/ent0n29/voxroom/internal/transcript"
	"github.com/ent0n29/voxroom/internal/validate"
	"github.com/ent0n29/voxroom/internal/worker"
)

type Options struct {
	AllowAnyOrigin bool
	// SpawnRatePerSec of 0 disables rate limiting on spawn and start.
	SpawnRatePerSec float64
	SpawnRateBurst  int
	Pricing         transcript.Pricing

	// RedactTranscripts masks contact details and tokens before turns are stored.
	RedactTranscripts bool
}

type Server struct {
	opts        Options
	service     *controlplane.Service
	transcripts transcript.Store
	metrics     *observability.Metrics
	logger      zerolog.Logger
	limiter     *limiter
	upgrader    websocket.Upgrader
}

func New(opts Options, service *controlplane.Service, transcripts transcript.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	if transcripts == nil {
		transcripts = transcript.NewInMemoryStore()
	}
	if opts.Pricing == (transcript.Pricing{}) {
		opts.Pricing = transcript.DefaultPricing
	}
	return &Server{
		opts:        opts,
		service:     service,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logger,
		limiter:     newLimiter(opts.SpawnRatePerSec, opts.SpawnRateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/health", s.handleBackendHealth)

	r.Route("/v1/agents", func(r chi.Router) {
		r.With(s.rateLimited("spawn")).Post("/spawn", s.handleSpawn)
		r.With(s.rateLimited("start")).Post("/start", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{room}", s.handleStatus)
		r.Delete("/{room}", s.handleRemove)
		r.Post("/{room}/events", s.handleWorkerEvent)
		r.Get("/{room}/watch", s.handleWatch)
		r.Get("/{room}/transcript", s.handleTranscript)
		r.Post("/{room}/turns", s.handleAppendTurn)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"launcher": s.service.LauncherName(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.List(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	report := s.service.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, protocol.HealthResponse{
		Success:   report.Healthy(),
		Transport: toWireComponent(report.Transport),
		Backend:   toWireComponent(report.Backend),
	})
}

const maxBodyBytes = 64 << 10

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}

// respondServiceError maps control-plane errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validate.ErrInvalidInput),
		errors.Is(err, transcript.ErrInvalidTurn),
		errors.Is(err, controlplane.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, agentsession.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, agentsession.ErrSpawnConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, agentsession.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, "unauthorized", "worker token rejected")
	case errors.Is(err, worker.ErrBackendUnavailable):
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		s.logger.Error().Err(err).Msg("control plane request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func toWireSession(sess agentsession.AgentSession) protocol.Session {
	out := protocol.Session{
		RoomName:      sess.RoomName,
		AgentIdentity: sess.AgentIdentity,
		Token:         sess.Token,
		Status:        string(sess.Status),
		Instructions:  sess.Metadata.Instructions,
		VoiceProfile:  sess.Metadata.VoiceProfile,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
	}
	if sess.Token != "" && !sess.TokenExpiresAt.IsZero() {
		exp := sess.TokenExpiresAt
		out.TokenExpiresAt = &exp
	}
	return out
}

func toWireComponent(c worker.Component) protocol.Component {
	return protocol.Component{OK: c.OK, Detail: c.Detail, LatencyMS: c.LatencyMS}
}
