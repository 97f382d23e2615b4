package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ExecLauncher runs the worker as a local child process, one per room.
type ExecLauncher struct {
	exitHook

	command string
	args    []string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

func NewExecLauncher(commandLine string) (*ExecLauncher, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("exec launcher requires WORKER_COMMAND")
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: worker command %q not found: %v", ErrBackendUnavailable, fields[0], err)
	}
	return &ExecLauncher{
		command: path,
		args:    fields[1:],
		procs:   make(map[string]*exec.Cmd),
	}, nil
}

func (l *ExecLauncher) Name() string { return "exec" }

func (l *ExecLauncher) Start(_ context.Context, spec Spec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.procs[spec.RoomName]; ok {
		return nil
	}

	// The worker must outlive the request that launched it, so it is not
	// bound to the request context.
	cmd := exec.Command(l.command, l.args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env() {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start worker for %s: %v", ErrBackendUnavailable, spec.RoomName, err)
	}
	l.procs[spec.RoomName] = cmd

	go func(spec Spec, cmd *exec.Cmd) {
		err := cmd.Wait()
		l.mu.Lock()
		// Stop removes the entry first, so a tracked process exited by itself.
		unexpected := l.procs[spec.RoomName] == cmd
		if unexpected {
			delete(l.procs, spec.RoomName)
		}
		l.mu.Unlock()
		if unexpected {
			l.fire(Exit{RoomName: spec.RoomName, AgentIdentity: spec.AgentIdentity, Err: err})
		}
	}(spec, cmd)
	return nil
}

func (l *ExecLauncher) Stop(ctx context.Context, roomName string) error {
	l.mu.Lock()
	cmd, ok := l.procs[roomName]
	delete(l.procs, roomName)
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		// Signal 0 probes for liveness without delivering anything.
		if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		case <-deadline.C:
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill worker for %s: %w", roomName, err)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Running reports whether a worker process is tracked for the room.
func (l *ExecLauncher) Running(roomName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.procs[roomName]
	return ok
}
