// Package worker launches and stops the backend processes that join a room as
// the agent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBackendUnavailable means the speech/LLM backend or the launch target
// cannot be reached. Callers surface it as "temporarily unavailable".
var ErrBackendUnavailable = errors.New("agent backend unavailable")

// Spec is everything a worker needs to join a room.
type Spec struct {
	RoomName      string
	AgentIdentity string
	Token         string
	Instructions  string
	VoiceProfile  string
	Debug         bool
}

func (s Spec) Env() map[string]string {
	env := map[string]string{
		"VOXROOM_ROOM":           s.RoomName,
		"VOXROOM_AGENT_IDENTITY": s.AgentIdentity,
		"VOXROOM_TOKEN":          s.Token,
		"VOXROOM_INSTRUCTIONS":   s.Instructions,
		"VOXROOM_VOICE_PROFILE":  s.VoiceProfile,
	}
	if s.Debug {
		env["VOXROOM_DEBUG"] = "1"
	}
	return env
}

// Exit reports a worker that stopped on its own, without a Stop call.
type Exit struct {
	RoomName      string
	AgentIdentity string
	Err           error
}

// Launcher starts one worker per room. Start and Stop must be idempotent per
// room.
type Launcher interface {
	Start(ctx context.Context, spec Spec) error
	Stop(ctx context.Context, roomName string) error
	// OnExit registers the callback for workers that end without Stop. It
	// runs on a launcher goroutine.
	OnExit(fn func(Exit))
	Name() string
}

// exitHook is the OnExit plumbing shared by the launchers.
type exitHook struct {
	mu sync.Mutex
	fn func(Exit)
}

func (h *exitHook) OnExit(fn func(Exit)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *exitHook) fire(evt Exit) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

// Config selects and configures a launcher.
type Config struct {
	Kind    string
	Command string
	Image   string
	Network string
}

func NewLauncher(cfg Config) (Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "mock":
		return NewMockLauncher(), nil
	case "exec":
		return NewExecLauncher(cfg.Command)
	case "docker":
		return NewDockerLauncher(cfg.Image, cfg.Network)
	default:
		return nil, fmt.Errorf("invalid WORKER_LAUNCHER: %q (expected mock|exec|docker)", cfg.Kind)
	}
}

// MockLauncher records starts and stops without launching anything.
type MockLauncher struct {
	exitHook

	mu       sync.Mutex
	running  map[string]Spec
	starts   []Spec
	stops    []string
	startErr error
}

func NewMockLauncher() *MockLauncher {
	return &MockLauncher{running: make(map[string]Spec)}
}

// FailStarts makes subsequent Start calls return err until reset with nil.
func (m *MockLauncher) FailStarts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockLauncher) Start(_ context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, spec)
	if m.startErr != nil {
		return m.startErr
	}
	m.running[spec.RoomName] = spec
	return nil
}

func (m *MockLauncher) Stop(_ context.Context, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, roomName)
	delete(m.running, roomName)
	return nil
}

func (m *MockLauncher) Name() string { return "mock" }

// Crash simulates the room's worker dying on its own. It reports false when no
// worker was running.
func (m *MockLauncher) Crash(roomName string, err error) bool {
	m.mu.Lock()
	spec, ok := m.running[roomName]
	delete(m.running, roomName)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.fire(Exit{RoomName: roomName, AgentIdentity: spec.AgentIdentity, Err: err})
	return true
}

func (m *MockLauncher) Running(roomName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[roomName]
	return ok
}

func (m *MockLauncher) Starts() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Spec(nil), m.starts...)
}

func (m *MockLauncher) Stops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stops...)
}
