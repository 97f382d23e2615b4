package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/validate"
)

type Option func(*Machine)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithTicker replaces the one-second clock that advances the elapsed counter.
func WithTicker(newTicker func() (<-chan time.Time, func())) Option {
	return func(m *Machine) { m.newTicker = newTicker }
}

func WithRemoveTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.removeTimeout = d
		}
	}
}

// Machine owns the call state. All transitions happen on the goroutine
// running Run; the public methods post commands to it.
type Machine struct {
	creds     CredentialSource
	device    Device
	transport Transport
	remover   AgentRemover
	logger    zerolog.Logger

	newTicker     func() (<-chan time.Time, func())
	removeTimeout time.Duration

	cmds    chan func()
	results chan func()
	updates chan Snapshot
	done    chan struct{}
	running atomic.Bool

	mu  sync.RWMutex
	pub Snapshot

	// Owned by the Run goroutine.
	runCtx      context.Context
	snap        Snapshot
	req         CallRequest
	gen         uint64
	cancelSetup context.CancelFunc
	mic         Microphone
	link        Link
	inCall      bool
	removed     bool
}

func NewMachine(creds CredentialSource, device Device, transport Transport, remover AgentRemover, opts ...Option) *Machine {
	m := &Machine{
		creds:     creds,
		device:    device,
		transport: transport,
		remover:   remover,
		logger:    zerolog.Nop(),
		newTicker: func() (<-chan time.Time, func()) {
			t := time.NewTicker(time.Second)
			return t.C, t.Stop
		},
		removeTimeout: 10 * time.Second,
		cmds:          make(chan func()),
		results:       make(chan func()),
		updates:       make(chan Snapshot, 16),
		done:          make(chan struct{}),
		snap:          Snapshot{State: StateDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pub = m.snap
	return m
}

// Run processes commands and transport events until ctx is done. Ending the
// context ends any call in progress.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("call machine already running")
	}
	defer close(m.done)

	m.runCtx = ctx
	tick, stopTick := m.newTicker()
	defer stopTick()

	for {
		var events <-chan TransportEvent
		if m.link != nil {
			events = m.link.Events()
		}
		select {
		case <-ctx.Done():
			m.teardown(nil)
			m.removeAgent()
			return ctx.Err()
		case fn := <-m.cmds:
			fn()
		case fn := <-m.results:
			fn()
		case evt, ok := <-events:
			if !ok {
				evt = TransportEvent{Type: EventDisconnected}
			}
			m.onTransportEvent(evt)
		case <-tick:
			if m.snap.State == StateConnected {
				m.snap.ElapsedSeconds++
				m.publish()
			}
		}
	}
}

// StartCall begins a call from the disconnected state. Progress is reported
// through Updates and Snapshot.
func (m *Machine) StartCall(ctx context.Context, req CallRequest) error {
	if err := validate.RoomName(req.RoomName); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := m.exec(ctx, func() {
		if m.inCall || m.snap.State != StateDisconnected {
			reply <- ErrInvalidState
			return
		}
		m.gen++
		m.inCall = true
		m.removed = false
		m.req = req
		m.snap = Snapshot{
			State:           StateDisconnected,
			RoomName:        req.RoomName,
			ParticipantName: req.ParticipantName,
			Preparing:       true,
			SpeakerMuted:    m.snap.SpeakerMuted,
		}
		setupCtx, cancel := context.WithCancel(m.runCtx)
		m.cancelSetup = cancel
		go m.setup(setupCtx, m.gen, req)
		m.publish()
		reply <- nil
	}); err != nil {
		return err
	}
	return <-reply
}

// ToggleMicrophone flips the microphone mute while connected or reconnecting
// and returns the resulting state. In other states it changes nothing.
func (m *Machine) ToggleMicrophone(ctx context.Context) (bool, error) {
	type result struct {
		muted bool
		err   error
	}
	reply := make(chan result, 1)
	if err := m.exec(ctx, func() {
		if m.snap.State != StateConnected && m.snap.State != StateReconnecting {
			reply <- result{muted: m.snap.MicrophoneMuted}
			return
		}
		muted := !m.snap.MicrophoneMuted
		if m.mic != nil {
			if err := m.mic.SetMuted(muted); err != nil {
				reply <- result{muted: m.snap.MicrophoneMuted, err: fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)}
				return
			}
		}
		m.snap.MicrophoneMuted = muted
		m.publish()
		reply <- result{muted: muted}
	}); err != nil {
		return false, err
	}
	r := <-reply
	return r.muted, r.err
}

// ToggleSpeaker flips local rendering of remote audio. The setting survives
// across calls.
func (m *Machine) ToggleSpeaker(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	if err := m.exec(ctx, func() {
		m.snap.SpeakerMuted = !m.snap.SpeakerMuted
		if m.link != nil {
			m.link.SetRemoteAudioMuted(m.snap.SpeakerMuted)
		}
		m.publish()
		reply <- m.snap.SpeakerMuted
	}); err != nil {
		return false, err
	}
	return <-reply, nil
}

// EndCall drives the machine to disconnected from any state, releases the
// microphone and removes the room's agent if one was attached. It waits for
// the removal to finish or ctx to end.
func (m *Machine) EndCall(ctx context.Context) error {
	reply := make(chan (<-chan error), 1)
	if err := m.exec(ctx, func() {
		m.teardown(nil)
		reply <- m.removeAgent()
	}); err != nil {
		return err
	}
	removal := <-reply
	select {
	case err := <-removal:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pub
}

// Updates delivers snapshots after every transition. Slow readers miss
// intermediate snapshots, never the latest one.
func (m *Machine) Updates() <-chan Snapshot {
	return m.updates
}

func (m *Machine) exec(ctx context.Context, fn func()) error {
	select {
	case m.cmds <- fn:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setup runs off the loop so EndCall can interrupt it. Each step reports back
// through results, tagged with the generation it belongs to.
func (m *Machine) setup(ctx context.Context, gen uint64, req CallRequest) {
	cred, err := m.creds.Credential(ctx, req.RoomName, req.ParticipantName)
	if err == nil && cred.RoomName != req.RoomName {
		err = fmt.Errorf("%w: asked for %s, got %s", ErrCredentialMismatch, req.RoomName, cred.RoomName)
	}
	if err != nil {
		m.post(ctx, func() { m.onSetupFailed(gen, fmt.Errorf("fetch credential: %w", err)) })
		return
	}

	mic, err := m.device.AcquireMicrophone(ctx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
		}
		m.post(ctx, func() { m.onSetupFailed(gen, err) })
		return
	}
	if !m.post(ctx, func() { m.onMicrophone(gen, mic) }) {
		mic.Release()
		return
	}

	link, err := m.transport.Connect(ctx, cred)
	if err != nil {
		m.post(ctx, func() { m.onSetupFailed(gen, fmt.Errorf("%w: connect: %v", ErrTransportDropped, err)) })
		return
	}
	if !m.post(ctx, func() { m.onLink(gen, link) }) {
		_ = link.Close()
	}
}

func (m *Machine) post(ctx context.Context, fn func()) bool {
	select {
	case m.results <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Machine) onSetupFailed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Warn().Err(err).Str("room", m.req.RoomName).Msg("call setup failed")
	m.teardown(err)
	m.removeAgent()
}

func (m *Machine) onMicrophone(gen uint64, mic Microphone) {
	if gen != m.gen {
		mic.Release()
		return
	}
	m.mic = mic
	if err := mic.SetMuted(false); err != nil {
		m.logger.Warn().Err(err).Msg("unmute microphone")
	}
	m.snap.Preparing = false
	m.snap.MicrophoneMuted = false
	m.snap.State = StateConnecting
	m.publish()
}

func (m *Machine) onLink(gen uint64, link Link) {
	if gen != m.gen {
		_ = link.Close()
		return
	}
	m.link = link
	link.SetRemoteAudioMuted(m.snap.SpeakerMuted)
}

func (m *Machine) onTransportEvent(evt TransportEvent) {
	switch evt.Type {
	case EventConnected:
		if m.snap.State == StateConnecting {
			m.snap.State = StateConnected
			m.snap.ElapsedSeconds = 0
			m.publish()
		}
	case EventDropped:
		if m.snap.State == StateConnected {
			m.snap.State = StateReconnecting
			m.publish()
		}
	case EventReconnected:
		if m.snap.State == StateReconnecting {
			m.snap.State = StateConnected
			m.publish()
		}
	case EventDisconnected:
		if m.snap.State == StateDisconnected {
			return
		}
		err := ErrTransportDropped
		if evt.Err != nil {
			err = fmt.Errorf("%w: %v", ErrTransportDropped, evt.Err)
		}
		m.logger.Warn().Err(err).Str("room", m.req.RoomName).Msg("call transport disconnected")
		m.teardown(err)
		m.removeAgent()
	}
}

// teardown releases everything held by the current call and invalidates any
// setup still in flight.
func (m *Machine) teardown(cause error) {
	m.gen++
	if m.cancelSetup != nil {
		m.cancelSetup()
		m.cancelSetup = nil
	}
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
	if m.mic != nil {
		m.mic.Release()
		m.mic = nil
	}
	m.inCall = false
	m.snap.State = StateDisconnected
	m.snap.Preparing = false
	m.snap.ElapsedSeconds = 0
	m.snap.MicrophoneMuted = false
	m.snap.LastError = cause
	m.publish()
}

// removeAgent removes the attached agent at most once per call. The returned
// channel yields the removal result, or is closed if nothing was removed.
func (m *Machine) removeAgent() <-chan error {
	done := make(chan error, 1)
	if m.removed || !m.req.AgentAttached || m.remover == nil {
		close(done)
		return done
	}
	m.removed = true
	room := m.req.RoomName
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.removeTimeout)
		defer cancel()
		_, err := m.remover.RemoveAgent(ctx, room)
		if err != nil {
			m.logger.Warn().Err(err).Str("room", room).Msg("remove agent after call failed")
		}
		done <- err
	}()
	return done
}

func (m *Machine) publish() {
	m.snap.Message = UserMessage(m.snap.LastError)
	snap := m.snap
	m.mu.Lock()
	m.pub = snap
	m.mu.Unlock()
	select {
	case m.updates <- snap:
	default:
		select {
		case <-m.updates:
		default:
		}
		select {
		case m.updates <- snap:
		default:
		}
	}
}
