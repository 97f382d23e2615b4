package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	containerPrefix   = "voxroom-agent-"
	roomLabel         = "voxroom.room"
	identityLabel     = "voxroom.agent_identity"
	stopTimeoutSecs   = 10
	workerMemoryBytes = 1024 * 1024 * 1024
)

// DockerLauncher runs each worker in its own container named after the room.
type DockerLauncher struct {
	exitHook

	cli     *client.Client
	image   string
	network string

	// watched maps room to the agent identity whose container is being waited
	// on. Stop drops the entry so a requested stop is not reported as an exit.
	mu      sync.Mutex
	watched map[string]string
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDockerLauncher(image, network string) (*DockerLauncher, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, errors.New("docker launcher requires WORKER_IMAGE")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DockerLauncher{
		cli:     cli,
		image:   image,
		network: strings.TrimSpace(network),
		watched: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (l *DockerLauncher) Name() string { return "docker" }

func containerName(roomName string) string {
	return containerPrefix + roomName
}

func (l *DockerLauncher) Start(ctx context.Context, spec Spec) error {
	if _, err := l.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon: %v", ErrBackendUnavailable, err)
	}

	name := containerName(spec.RoomName)
	inspect, err := l.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running && inspect.Config != nil &&
			inspect.Config.Labels[identityLabel] == spec.AgentIdentity {
			l.watch(inspect.ID, spec)
			return nil
		}
		// A container left behind by an earlier session for this room.
		if err := l.remove(ctx, inspect.ID); err != nil {
			return err
		}
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect worker container %s: %w", name, err)
	}

	env := make([]string, 0, len(spec.Env()))
	for k, v := range spec.Env() {
		env = append(env, k+"="+v)
	}
	cfg := &container.Config{
		Image: l.image,
		Env:   env,
		Labels: map[string]string{
			roomLabel:     spec.RoomName,
			identityLabel: spec.AgentIdentity,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Resources: container.Resources{
			Memory: workerMemoryBytes,
		},
	}
	if l.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.network)
	}

	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create worker container %s: %w", name, err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errdefs.IsNotFound(removeErr) {
			return fmt.Errorf("start worker container %s: %w (cleanup: %v)", name, err, removeErr)
		}
		return fmt.Errorf("start worker container %s: %w", name, err)
	}
	l.watch(resp.ID, spec)
	return nil
}

// watch waits for the container to stop and reports it unless Stop asked for
// it or a newer session took over the room.
func (l *DockerLauncher) watch(id string, spec Spec) {
	l.mu.Lock()
	if l.watched[spec.RoomName] == spec.AgentIdentity {
		l.mu.Unlock()
		return
	}
	l.watched[spec.RoomName] = spec.AgentIdentity
	l.mu.Unlock()

	go func() {
		var exitErr error
		resCh, errCh := l.cli.ContainerWait(l.ctx, id, container.WaitConditionNotRunning)
		select {
		case res := <-resCh:
			if res.Error != nil {
				exitErr = errors.New(res.Error.Message)
			} else if res.StatusCode != 0 {
				exitErr = fmt.Errorf("worker container exited with status %d", res.StatusCode)
			}
		case err := <-errCh:
			if l.ctx.Err() != nil {
				return
			}
			// With AutoRemove the container may be gone before the wait lands.
			exitErr = err
		}

		l.mu.Lock()
		unexpected := l.watched[spec.RoomName] == spec.AgentIdentity
		if unexpected {
			delete(l.watched, spec.RoomName)
		}
		l.mu.Unlock()
		if unexpected {
			l.fire(Exit{RoomName: spec.RoomName, AgentIdentity: spec.AgentIdentity, Err: exitErr})
		}
	}()
}

func (l *DockerLauncher) Stop(ctx context.Context, roomName string) error {
	l.mu.Lock()
	delete(l.watched, roomName)
	l.mu.Unlock()
	return l.remove(ctx, containerName(roomName))
}

func (l *DockerLauncher) remove(ctx context.Context, ref string) error {
	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop worker container %s: %w", ref, err)
	}
	if err := l.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			// AutoRemove may already be tearing it down.
			return nil
		}
		return fmt.Errorf("remove worker container %s: %w", ref, err)
	}
	return nil
}

// Close releases the docker client.
func (l *DockerLauncher) Close() error {
	l.cancel()
	return l.cli.Close()
}
