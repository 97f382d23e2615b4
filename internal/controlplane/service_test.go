package controlplane

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxroom/internal/agentsession"
	"github.com/ent0n29/voxroom/internal/observability"
	"github.com/ent0n29/voxroom/internal/validate"
	"github.com/ent0n29/voxroom/internal/worker"
)

type stubHealth struct {
	backendErr error
	report     worker.HealthReport
}

func (s *stubHealth) Check(context.Context) worker.HealthReport { return s.report }
func (s *stubHealth) CheckBackend(context.Context) error        { return s.backendErr }

func newTestService(t *testing.T) (*Service, *worker.MockLauncher, *stubHealth) {
	t.Helper()
	launcher := worker.NewMockLauncher()
	health := &stubHealth{report: worker.HealthReport{
		Transport: worker.Component{OK: true},
		Backend:   worker.Component{OK: true},
	}}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	svc := New(agentsession.NewRegistry(nil), launcher, health, metrics, zerolog.Nop())
	return svc, launcher, health
}

func TestSpawnThenStartActivatesSession(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	ctx := context.Background()

	sess, created, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1", Instructions: "be brief"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, agentsession.StatusPending, sess.Status)

	res, err := svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.NoError(t, err)
	assert.Equal(t, sess.AgentIdentity, res.AgentIdentity)
	assert.False(t, res.AlreadyRunning)

	starts := launcher.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, sess.Token, starts[0].Token)
	assert.Equal(t, "be brief", starts[0].Instructions)

	got, err := svc.Status(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusActive, got.Status)
}

func TestStartWorkerRequiresSpawn(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	_, err := svc.StartWorker(context.Background(), StartRequest{RoomName: "nowhere"})
	assert.ErrorIs(t, err, agentsession.ErrNotFound)
	assert.Empty(t, launcher.Starts())
}

func TestStartWorkerIsNoOpWhenActive(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.NoError(t, err)

	res, err := svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)
	assert.Len(t, launcher.Starts(), 1)
}

func TestStartWorkerLaunchFailureLeavesSessionPending(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)

	launcher.FailStarts(errors.New("image pull failed"))
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.ErrorIs(t, err, worker.ErrBackendUnavailable)

	got, err := svc.Status(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusPending, got.Status)

	launcher.FailStarts(nil)
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.NoError(t, err)
	got, err = svc.Status(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusActive, got.Status)
}

func TestStartWorkerChecksBackendFirst(t *testing.T) {
	svc, launcher, health := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)

	health.backendErr = worker.ErrBackendUnavailable
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	assert.ErrorIs(t, err, worker.ErrBackendUnavailable)
	assert.Empty(t, launcher.Starts())
}

func TestStartWorkerRejectsMismatchedVoice(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1", VoiceProfile: "alloy"})
	require.NoError(t, err)
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1", VoiceProfile: "verse"})
	assert.ErrorIs(t, err, agentsession.ErrSpawnConflict)
}

func TestConcurrentStartLaunchesOnce(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, launcher.Starts(), 1)
}

func TestRemoveStopsWorkerOnce(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.NoError(t, err)

	_, removed, err := svc.Remove(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, launcher.Running("room-1"))

	_, removed, err = svc.Remove(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, []string{"room-1"}, launcher.Stops())

	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	assert.ErrorIs(t, err, agentsession.ErrNotFound)
}

func TestWorkerEvents(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sess, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.WorkerEvent(ctx, "room-1", "joined", ""), agentsession.ErrUnauthorized)
	assert.ErrorIs(t, svc.WorkerEvent(ctx, "room-1", "joined", "forged"), agentsession.ErrUnauthorized)
	got, _ := svc.Status(ctx, "room-1")
	assert.Equal(t, agentsession.StatusPending, got.Status)

	require.NoError(t, svc.WorkerEvent(ctx, "room-1", "joined", sess.Token))
	got, _ = svc.Status(ctx, "room-1")
	assert.Equal(t, agentsession.StatusActive, got.Status)

	require.NoError(t, svc.WorkerEvent(ctx, "room-1", "left", sess.Token))
	got, _ = svc.Status(ctx, "room-1")
	assert.Equal(t, agentsession.StatusDisconnected, got.Status)

	// Late reports about a retired session are ignored.
	require.NoError(t, svc.WorkerEvent(ctx, "room-1", "failed", sess.Token))
	assert.ErrorIs(t, svc.WorkerEvent(ctx, "other-room", "joined", sess.Token), agentsession.ErrUnauthorized)
	assert.ErrorIs(t, svc.WorkerEvent(ctx, "room-1", "exploded", sess.Token), ErrInvalidEvent)
	assert.ErrorIs(t, svc.WorkerEvent(ctx, "", "joined", sess.Token), validate.ErrInvalidInput)
}

func TestWorkerCrashRetiresSession(t *testing.T) {
	svc, launcher, _ := newTestService(t)
	ctx := context.Background()
	first, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)
	_, err = svc.StartWorker(ctx, StartRequest{RoomName: "room-1"})
	require.NoError(t, err)

	require.True(t, launcher.Crash("room-1", errors.New("segfault")))
	got, err := svc.Status(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusDisconnected, got.Status)

	second, created, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.AgentIdentity, second.AgentIdentity)
}

func TestExitedExecWorkerRetiresSession(t *testing.T) {
	launcher, err := worker.NewExecLauncher("true")
	if err != nil {
		t.Skipf("true not available: %v", err)
	}
	health := &stubHealth{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	svc := New(agentsession.NewRegistry(nil), launcher, health, metrics, zerolog.Nop())
	ctx := context.Background()

	first, _, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)
	// The worker may exit before or after the start completes.
	if _, err := svc.StartWorker(ctx, StartRequest{RoomName: "room-1"}); err != nil {
		require.ErrorIs(t, err, agentsession.ErrNotFound)
	}

	require.Eventually(t, func() bool {
		got, err := svc.Status(ctx, "room-1")
		return err == nil && got.Status == agentsession.StatusDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	second, created, err := svc.Spawn(ctx, agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.AgentIdentity, second.AgentIdentity)
}

// gatedLauncher holds Start until release is closed.
type gatedLauncher struct {
	*worker.MockLauncher
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLauncher) Start(ctx context.Context, spec worker.Spec) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MockLauncher.Start(ctx, spec)
}

func TestSharedStartSurvivesCallerCancel(t *testing.T) {
	launcher := &gatedLauncher{
		MockLauncher: worker.NewMockLauncher(),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	health := &stubHealth{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	svc := New(agentsession.NewRegistry(nil), launcher, health, metrics, zerolog.Nop())
	_, _, err := svc.Spawn(context.Background(), agentsession.SpawnRequest{RoomName: "room-1"})
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.StartWorker(firstCtx, StartRequest{RoomName: "room-1"})
		firstErr <- err
	}()
	select {
	case <-launcher.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("launch did not begin")
	}

	secondErr := make(chan error, 1)
	go func() {
		_, err := svc.StartWorker(context.Background(), StartRequest{RoomName: "room-1"})
		secondErr <- err
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled caller did not return")
	}

	close(launcher.release)
	select {
	case err := <-secondErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("second caller did not return")
	}
	got, err := svc.Status(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, agentsession.StatusActive, got.Status)
	assert.Len(t, launcher.Starts(), 1)
}

func TestHealthUsesProber(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	svc := New(agentsession.NewRegistry(nil), nil, worker.NewProber("", backend.URL, 0), metrics, zerolog.Nop())
	report := svc.Health(context.Background())
	assert.True(t, report.Transport.OK)
	assert.False(t, report.Backend.OK)
	assert.False(t, report.Healthy())
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":           nil,
		"invalid":      validate.ErrInvalidRoomName,
		"not_found":    agentsession.ErrNotFound,
		"conflict":     agentsession.ErrSpawnConflict,
		"unavailable":  worker.ErrBackendUnavailable,
		"unauthorized": agentsession.ErrUnauthorized,
		"error":        errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}
