// Package controlplane composes the agent session registry with worker
// launching and backend health checks.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/voxroom/internal/agentsession"
	"github.com/ent0n29/voxroom/internal/observability"
	"github.com/ent0n29/voxroom/internal/validate"
	"github.com/ent0n29/voxroom/internal/worker"
)

var ErrInvalidEvent = errors.New("unknown worker event")

// HealthChecker probes the transport and speech/LLM backend.
type HealthChecker interface {
	Check(ctx context.Context) worker.HealthReport
	CheckBackend(ctx context.Context) error
}

type StartRequest struct {
	RoomName     string
	Instructions string
	VoiceProfile string
	Debug        bool
}

type StartResult struct {
	RoomName       string
	AgentIdentity  string
	AlreadyRunning bool
}

type Service struct {
	registry *agentsession.Registry
	launcher worker.Launcher
	health   HealthChecker
	metrics  *observability.Metrics
	logger   zerolog.Logger

	stopTimeout  time.Duration
	startTimeout time.Duration // bounds a shared launch, which no single caller owns
	starts       singleflight.Group
}

func New(registry *agentsession.Registry, launcher worker.Launcher, health HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	if launcher == nil {
		launcher = worker.NewMockLauncher()
	}
	if health == nil {
		health = worker.NewProber("", "", 0)
	}
	s := &Service{
		registry:     registry,
		launcher:     launcher,
		health:       health,
		metrics:      metrics,
		logger:       logger,
		stopTimeout:  15 * time.Second,
		startTimeout: 90 * time.Second,
	}
	registry.SetStopHook(s.stopWorker)
	launcher.OnExit(s.onWorkerExit)
	return s
}

func (s *Service) Registry() *agentsession.Registry { return s.registry }

func (s *Service) LauncherName() string { return s.launcher.Name() }

func (s *Service) Spawn(ctx context.Context, req agentsession.SpawnRequest) (sess agentsession.AgentSession, created bool, err error) {
	defer s.observe("spawn", time.Now(), &err)
	sess, created, err = s.registry.Spawn(ctx, req)
	if err != nil {
		return sess, false, err
	}
	if created {
		s.metrics.ObserveAgentEvent("spawned")
		s.refreshLive(ctx)
	}
	return sess, created, nil
}

// StartWorker launches the worker for a room that was already spawned. On
// launch failure the session stays pending so a later call can resume it.
// Concurrent starts for one room share a single launch.
func (s *Service) StartWorker(ctx context.Context, req StartRequest) (res StartResult, err error) {
	defer s.observe("start_worker", time.Now(), &err)
	if err := validate.RoomName(req.RoomName); err != nil {
		return StartResult{}, err
	}
	if req.Instructions != "" {
		if err := validate.InstructionText(req.Instructions); err != nil {
			return StartResult{}, err
		}
	}

	// The launch outlives any one caller: a caller that gives up leaves it
	// running for the others sharing the flight.
	ch := s.starts.DoChan(req.RoomName, func() (any, error) {
		launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.startTimeout)
		defer cancel()
		return s.startWorker(launchCtx, req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return StartResult{}, res.Err
		}
		return res.Val.(StartResult), nil
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
}

func (s *Service) startWorker(ctx context.Context, req StartRequest) (StartResult, error) {
	sess, err := s.registry.Get(ctx, req.RoomName)
	if err != nil {
		return StartResult{}, err
	}
	if !sess.Live() {
		return StartResult{}, fmt.Errorf("%w: session for %s was retired, spawn again", agentsession.ErrNotFound, req.RoomName)
	}
	if (req.VoiceProfile != "" && req.VoiceProfile != sess.Metadata.VoiceProfile) ||
		(req.Instructions != "" && req.Instructions != sess.Metadata.Instructions) {
		return StartResult{}, fmt.Errorf("%w: start request does not match spawned session for %s", agentsession.ErrSpawnConflict, req.RoomName)
	}
	if sess.Status == agentsession.StatusActive {
		return StartResult{RoomName: sess.RoomName, AgentIdentity: sess.AgentIdentity, AlreadyRunning: true}, nil
	}

	if err := s.health.CheckBackend(ctx); err != nil {
		s.metrics.ObserveWorkerStartError(s.launcher.Name(), "backend_unreachable")
		return StartResult{}, err
	}

	spec := worker.Spec{
		RoomName:      sess.RoomName,
		AgentIdentity: sess.AgentIdentity,
		Token:         sess.Token,
		Instructions:  sess.Metadata.Instructions,
		VoiceProfile:  sess.Metadata.VoiceProfile,
		Debug:         req.Debug,
	}
	if err := s.launcher.Start(ctx, spec); err != nil {
		s.metrics.ObserveWorkerStartError(s.launcher.Name(), "launch_failed")
		s.logger.Warn().Err(err).Str("room", sess.RoomName).Str("launcher", s.launcher.Name()).Msg("worker launch failed; session left pending")
		if errors.Is(err, worker.ErrBackendUnavailable) {
			return StartResult{}, err
		}
		return StartResult{}, fmt.Errorf("%w: %v", worker.ErrBackendUnavailable, err)
	}

	if err := s.registry.MarkActive(ctx, sess.RoomName); err != nil {
		return StartResult{}, err
	}
	// A Remove or a worker exit that raced the launch has already retired it.
	if cur, err := s.registry.Get(ctx, sess.RoomName); err == nil && cur.Status != agentsession.StatusActive {
		s.stopWorker(cur)
		return StartResult{}, fmt.Errorf("%w: session for %s was retired during start", agentsession.ErrNotFound, sess.RoomName)
	}
	s.metrics.ObserveAgentEvent("active")
	s.refreshLive(ctx)
	return StartResult{RoomName: sess.RoomName, AgentIdentity: sess.AgentIdentity}, nil
}

func (s *Service) Status(ctx context.Context, roomName string) (agentsession.AgentSession, error) {
	if err := validate.RoomName(roomName); err != nil {
		return agentsession.AgentSession{}, err
	}
	return s.registry.Get(ctx, roomName)
}

func (s *Service) List(ctx context.Context) ([]agentsession.AgentSession, error) {
	return s.registry.List(ctx)
}

// Remove retires the room's agent and stops its worker. It succeeds for rooms
// that have nothing to remove.
func (s *Service) Remove(ctx context.Context, roomName string) (sess agentsession.AgentSession, removed bool, err error) {
	defer s.observe("remove", time.Now(), &err)
	if err := validate.RoomName(roomName); err != nil {
		return agentsession.AgentSession{}, false, err
	}
	sess, removed, err = s.registry.Remove(ctx, roomName)
	if err != nil {
		return sess, false, err
	}
	if removed {
		s.metrics.ObserveAgentEvent("removed")
		s.refreshLive(ctx)
	}
	return sess, removed, nil
}

func (s *Service) Health(ctx context.Context) worker.HealthReport {
	start := time.Now()
	report := s.health.Check(ctx)
	outcome := "ok"
	if !report.Healthy() {
		outcome = "unavailable"
	}
	s.metrics.ObserveOperation("health", outcome, time.Since(start))
	return report
}

// WorkerEvent applies a lifecycle callback sent by a worker, authenticated by
// the session token the worker was launched with.
func (s *Service) WorkerEvent(ctx context.Context, roomName, event, token string) error {
	if err := validate.RoomName(roomName); err != nil {
		return err
	}
	var joined bool
	switch event {
	case "joined":
		joined = true
	case "left", "failed":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEvent, event)
	}
	if err := s.registry.WorkerCallback(ctx, roomName, token, joined); err != nil {
		if errors.Is(err, agentsession.ErrUnauthorized) {
			s.logger.Warn().Str("room", roomName).Str("event", event).Msg("rejected unauthenticated worker event")
		}
		return err
	}
	s.metrics.ObserveAgentEvent("worker_" + event)
	s.refreshLive(ctx)
	return nil
}

// OnSweep records a janitor pass.
func (s *Service) OnSweep(expired, purged int) {
	for i := 0; i < expired; i++ {
		s.metrics.ObserveAgentEvent("expired")
	}
	s.logger.Info().Int("expired", expired).Int("purged", purged).Msg("agent session sweep")
	s.refreshLive(context.Background())
}

// onWorkerExit retires the session of a worker that died on its own so the
// room can be spawned again.
func (s *Service) onWorkerExit(e worker.Exit) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	retired, err := s.registry.RetireAgent(ctx, e.RoomName, e.AgentIdentity)
	if err != nil {
		s.logger.Error().Err(err).Str("room", e.RoomName).Str("agent_identity", e.AgentIdentity).Msg("failed to retire session of exited worker")
		return
	}
	if !retired {
		return
	}
	s.logger.Warn().AnErr("exit", e.Err).Str("room", e.RoomName).Str("agent_identity", e.AgentIdentity).Msg("worker exited")
	s.metrics.ObserveAgentEvent("worker_exited")
	s.refreshLive(ctx)
}

func (s *Service) stopWorker(sess agentsession.AgentSession) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.launcher.Stop(ctx, sess.RoomName); err != nil {
		s.logger.Warn().Err(err).Str("room", sess.RoomName).Str("agent_identity", sess.AgentIdentity).Msg("failed to stop worker")
	}
}

func (s *Service) refreshLive(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetLiveAgents(s.registry.ActiveCount(ctx))
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveOperation(op, Outcome(*errp), time.Since(start))
}

// Outcome buckets an error into a short label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, validate.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, agentsession.ErrNotFound):
		return "not_found"
	case errors.Is(err, agentsession.ErrSpawnConflict):
		return "conflict"
	case errors.Is(err, agentsession.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, worker.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
