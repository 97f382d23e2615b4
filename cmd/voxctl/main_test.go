package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxroom/internal/app"
	"github.com/ent0n29/voxroom/internal/call"
	"github.com/ent0n29/voxroom/internal/call/wstransport"
	"github.com/ent0n29/voxroom/internal/config"
	"github.com/ent0n29/voxroom/internal/controlclient"
	"github.com/ent0n29/voxroom/internal/observability"
	"github.com/ent0n29/voxroom/internal/protocol"
)

func newControlPlane(t *testing.T, backendURL string) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		MetricsNamespace:    "voxctl_test",
		RegistryStore:       "memory",
		WorkerLauncher:      "mock",
		PendingSessionTTL:   time.Minute,
		RegistryGCSchedule:  "@every 1m",
		HealthTimeout:       time.Second,
		SpeechBackendURL:    backendURL,
		SpawnRateBurst:      1,
		DefaultVoiceProfile: "alloy",
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), cfg.MetricsNamespace)
	built, err := app.Build(context.Background(), cfg, metrics, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(built.API.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = built.Cleanup()
	})
	return ts
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestStartStatusListRemove(t *testing.T) {
	ts := newControlPlane(t, "")

	code, out, errOut := runCLI(t, "-base-url", ts.URL, "start", "-room", "room-a", "-voice", "alloy")
	require.Equal(t, 0, code, errOut)
	var started protocol.StartResponse
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	assert.True(t, started.Success)
	assert.Equal(t, "room-a", started.RoomName)

	code, out, errOut = runCLI(t, "-base-url", ts.URL, "status", "-room", "room-a")
	require.Equal(t, 0, code, errOut)
	var sess protocol.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, "active", sess.Status)
	assert.Empty(t, sess.Token)

	code, out, errOut = runCLI(t, "-base-url", ts.URL, "list")
	require.Equal(t, 0, code, errOut)
	var list []protocol.Session
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	code, out, errOut = runCLI(t, "-base-url", ts.URL, "remove", "-room", "room-a")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"removed": true`)

	code, out, _ = runCLI(t, "-base-url", ts.URL, "list")
	require.Equal(t, 0, code)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestStatusUnknownRoomFails(t *testing.T) {
	ts := newControlPlane(t, "")
	code, _, errOut := runCLI(t, "-base-url", ts.URL, "status", "-room", "ghost")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "404")
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: nil},
		{name: "unknown command", args: []string{"dance"}},
		{name: "missing room", args: []string{"status"}},
		{name: "call without token", args: []string{"call", "-room", "r1"}},
		{name: "bad base url", args: []string{"-base-url", "ftp://host", "list"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			assert.Equal(t, 2, code)
		})
	}
}

func TestHealthReportsUnhealthyBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()
	ts := newControlPlane(t, backend.URL)

	code, out, errOut := runCLI(t, "-base-url", ts.URL, "health")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "backend unhealthy")
	var report protocol.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Backend.OK)
	assert.True(t, report.Transport.OK)
}

func TestCallWithAgentRemovesAgentOnHangUp(t *testing.T) {
	ts := newControlPlane(t, "")

	var upgrader websocket.Upgrader
	transport := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "participant-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer transport.Close()
	wsURL := "ws" + strings.TrimPrefix(transport.URL, "http")
	wavPath := filepath.Join(t.TempDir(), "call.wav")

	code, out, errOut := runCLI(t, "-base-url", ts.URL, "call",
		"-room", "room-call",
		"-token", "participant-token",
		"-transport-url", wsURL,
		"-duration", "300ms",
		"-agent",
		"-record", wavPath,
	)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "connected room-call")
	assert.Contains(t, out, "call ended in room-call")
	assert.Contains(t, out, "recorded 4 bytes")

	raw, err := os.ReadFile(wavPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, raw[44:])

	_, out, _ = runCLI(t, "-base-url", ts.URL, "status", "-room", "room-call")
	var sess protocol.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, "disconnected", sess.Status)
}

func TestCallRejectedByTransportFails(t *testing.T) {
	transport := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer transport.Close()
	ts := newControlPlane(t, "")

	code, out, errOut := runCLI(t, "-base-url", ts.URL, "call",
		"-room", "room-x",
		"-token", "wrong",
		"-transport-url", "ws"+strings.TrimPrefix(transport.URL, "http"),
		"-duration", "5s",
	)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "connection was lost")
	assert.Contains(t, errOut, "transport connection lost")
}

type failingRemover struct{ calls int }

func (f *failingRemover) RemoveAgent(context.Context, string) (bool, error) {
	f.calls++
	return false, errors.New("control plane down")
}

func TestCallNeverPlacedReleasesAgent(t *testing.T) {
	ts := newControlPlane(t, "")
	client, err := controlclient.New(ts.URL)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = client.StartVoiceAgent(ctx, protocol.StartRequest{RoomName: "room-abort"})
	require.NoError(t, err)

	machine := call.NewMachine(
		staticCredentials{room: "room-abort", token: "t", url: "ws://127.0.0.1:1"},
		headlessDevice{},
		&wstransport.Dialer{},
		client,
	)
	interrupted, cancel := context.WithCancel(ctx)
	cancel()
	err = driveCall(interrupted, machine, call.CallRequest{RoomName: "room-abort", AgentAttached: true}, 0, io.Discard)
	require.ErrorIs(t, err, errCallNotStarted)
	require.ErrorIs(t, err, context.Canceled)

	sess, err := client.GetStatus(ctx, "room-abort")
	require.NoError(t, err)
	assert.Equal(t, "active", sess.Status, "agent removed by a call that never started")

	require.NoError(t, releaseAgent(client, "room-abort"))
	sess, err = client.GetStatus(ctx, "room-abort")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", sess.Status)

	remover := &failingRemover{}
	err = releaseAgent(remover, "room-abort")
	assert.ErrorContains(t, err, "control plane down")
	assert.Equal(t, 1, remover.calls)
}
