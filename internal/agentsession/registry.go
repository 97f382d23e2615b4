// Package agentsession is the control-plane authority for agent workers: it
// holds at most one live AgentSession per room.
package agentsession

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/validate"
)

const (
	DefaultInstructions = "You are a friendly voice assistant. Keep answers short and conversational."
	DefaultVoiceProfile = "alloy"
	DefaultTokenTTL     = 10 * time.Minute
	DefaultPendingTTL   = 2 * time.Minute
	DefaultRetention    = 10 * time.Minute
)

type Option func(*Registry)

// WithDefaults sets the metadata applied when a spawn request omits it.
func WithDefaults(instructions, voiceProfile string) Option {
	return func(r *Registry) {
		if instructions != "" {
			r.defaults.Instructions = instructions
		}
		if voiceProfile != "" {
			r.defaults.VoiceProfile = voiceProfile
		}
	}
}

func WithTokenTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.tokenTTL = d
		}
	}
}

// WithPendingTTL bounds how long a session may stay pending before the
// janitor retires it.
func WithPendingTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pendingTTL = d
		}
	}
}

// WithRetention bounds how long retired sessions stay visible to status
// queries.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Registry serializes every write to a room behind that room's lock, so the
// read-check-write in Spawn cannot interleave with another caller.
type Registry struct {
	store Store

	mu          sync.Mutex
	locks       map[string]*roomLock
	subscribers map[string]map[int]chan Event
	nextSubID   int
	stopHook    func(AgentSession)

	defaults   Metadata
	tokenTTL   time.Duration
	pendingTTL time.Duration
	retention  time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewRegistry(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewInMemoryStore()
	}
	r := &Registry{
		store:       store,
		locks:       make(map[string]*roomLock),
		subscribers: make(map[string]map[int]chan Event),
		defaults: Metadata{
			Instructions: DefaultInstructions,
			VoiceProfile: DefaultVoiceProfile,
		},
		tokenTTL:   DefaultTokenTTL,
		pendingTTL: DefaultPendingTTL,
		retention:  DefaultRetention,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetStopHook registers the callback that tells a worker to stop. It runs
// outside the room lock after a live session is retired.
func (r *Registry) SetStopHook(hook func(AgentSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopHook = hook
}

func (r *Registry) PendingTTL() time.Duration { return r.pendingTTL }

// Spawn returns the live session for the room if one exists with compatible
// metadata, and otherwise records a fresh pending session. created reports
// whether this call allocated it.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) (AgentSession, bool, error) {
	if err := validate.RoomName(req.RoomName); err != nil {
		return AgentSession{}, false, err
	}
	if req.Instructions != "" {
		if err := validate.InstructionText(req.Instructions); err != nil {
			return AgentSession{}, false, err
		}
	}

	unlock := r.lockRoom(req.RoomName)
	defer unlock()

	existing, err := r.store.Load(ctx, req.RoomName)
	switch {
	case err == nil && existing.Live():
		if !compatible(existing.Metadata, req) {
			return existing.Redacted(), false, fmt.Errorf("%w: room %s (status %s)", ErrSpawnConflict, req.RoomName, existing.Status)
		}
		return existing, false, nil
	case err != nil && !errors.Is(err, ErrStoreNotFound):
		return AgentSession{}, false, err
	}

	meta := r.defaults
	if req.Instructions != "" {
		meta.Instructions = req.Instructions
	}
	if req.VoiceProfile != "" {
		meta.VoiceProfile = req.VoiceProfile
	}
	if err := validate.InstructionText(meta.Instructions); err != nil {
		return AgentSession{}, false, err
	}

	suffix, err := gonanoid.New()
	if err != nil {
		return AgentSession{}, false, fmt.Errorf("generate agent identity: %w", err)
	}
	now := r.now()
	sess := AgentSession{
		RoomName:       req.RoomName,
		AgentIdentity:  "agent-" + suffix,
		Token:          uuid.NewString(),
		TokenExpiresAt: now.Add(r.tokenTTL),
		Status:         StatusPending,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Save(ctx, sess); err != nil {
		return AgentSession{}, false, err
	}
	r.publish(sess, EventSpawned)
	r.logger.Info().
		Str("room", sess.RoomName).
		Str("agent_identity", sess.AgentIdentity).
		Str("voice_profile", meta.VoiceProfile).
		Msg("agent session spawned")
	return sess, true, nil
}

// MarkActive records that the worker joined. Missing or retired sessions are
// left untouched.
func (r *Registry) MarkActive(ctx context.Context, roomName string) error {
	unlock := r.lockRoom(roomName)
	defer unlock()

	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status != StatusPending {
		return nil
	}
	sess.Status = StatusActive
	sess.UpdatedAt = r.now()
	if err := r.store.Save(ctx, sess); err != nil {
		return err
	}
	r.publish(sess, EventActive)
	r.logger.Info().Str("room", roomName).Str("agent_identity", sess.AgentIdentity).Msg("agent session active")
	return nil
}

// MarkDisconnected retires the session after the worker left or failed.
func (r *Registry) MarkDisconnected(ctx context.Context, roomName string) error {
	unlock := r.lockRoom(roomName)
	defer unlock()

	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.Live() {
		return nil
	}
	_, err = r.retireLocked(ctx, sess, EventDisconnected)
	return err
}

// RetireAgent retires the room's session after its worker exited, but only
// while the session still belongs to agentIdentity. It reports whether a
// session was retired.
func (r *Registry) RetireAgent(ctx context.Context, roomName, agentIdentity string) (bool, error) {
	unlock := r.lockRoom(roomName)
	defer unlock()

	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sess.Live() || sess.AgentIdentity != agentIdentity {
		return false, nil
	}
	if _, err := r.retireLocked(ctx, sess, EventDisconnected); err != nil {
		return false, err
	}
	r.logger.Warn().Str("room", roomName).Str("agent_identity", agentIdentity).Msg("agent worker exited; session retired")
	return true, nil
}

// WorkerCallback applies a worker's report about its own session. The caller
// must present the session token; a join is refused once the token expired.
// Reports about a session that is already retired change nothing.
func (r *Registry) WorkerCallback(ctx context.Context, roomName, token string, joined bool) error {
	unlock := r.lockRoom(roomName)
	defer unlock()

	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !sess.Live() {
		return nil
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.Token)) != 1 {
		return ErrUnauthorized
	}

	if !joined {
		_, err := r.retireLocked(ctx, sess, EventDisconnected)
		return err
	}
	if !r.now().Before(sess.TokenExpiresAt) {
		return fmt.Errorf("%w: token expired", ErrUnauthorized)
	}
	if sess.Status != StatusPending {
		return nil
	}
	sess.Status = StatusActive
	sess.UpdatedAt = r.now()
	if err := r.store.Save(ctx, sess); err != nil {
		return err
	}
	r.publish(sess, EventActive)
	r.logger.Info().Str("room", roomName).Str("agent_identity", sess.AgentIdentity).Msg("agent worker joined")
	return nil
}

// Get returns the session for the room, including a retired one that has not
// been purged yet.
func (r *Registry) Get(ctx context.Context, roomName string) (AgentSession, error) {
	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return AgentSession{}, fmt.Errorf("%w: %s", ErrNotFound, roomName)
	}
	if err != nil {
		return AgentSession{}, err
	}
	return sess, nil
}

// List returns pending and active sessions ordered by room.
func (r *Registry) List(ctx context.Context) ([]AgentSession, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentSession, 0, len(all))
	for _, s := range all {
		if s.Live() {
			out = append(out, s)
		}
	}
	return out, nil
}

// ActiveCount counts live sessions.
func (r *Registry) ActiveCount(ctx context.Context) int {
	live, err := r.List(ctx)
	if err != nil {
		return 0
	}
	return len(live)
}

// Remove retires the room's session and signals its worker to stop. Removing
// a missing or already retired session succeeds with removed=false.
func (r *Registry) Remove(ctx context.Context, roomName string) (AgentSession, bool, error) {
	unlock := r.lockRoom(roomName)
	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		unlock()
		return AgentSession{}, false, nil
	}
	if err != nil {
		unlock()
		return AgentSession{}, false, err
	}
	if !sess.Live() {
		unlock()
		return sess, false, nil
	}
	retired, err := r.retireLocked(ctx, sess, EventDisconnected)
	unlock()
	if err != nil {
		return AgentSession{}, false, err
	}
	r.signalStop(retired)
	r.logger.Info().Str("room", roomName).Str("agent_identity", retired.AgentIdentity).Msg("agent session removed")
	return retired, true, nil
}

// Sweep retires sessions that stayed pending longer than the pending TTL and
// purges retired sessions older than the retention window.
func (r *Registry) Sweep(ctx context.Context) (expired, purged int, err error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := r.now()
	for _, s := range all {
		switch {
		case s.Status == StatusPending && now.Sub(s.UpdatedAt) >= r.pendingTTL:
			retired, ok, err := r.expirePending(ctx, s.RoomName, now)
			if err != nil {
				return expired, purged, err
			}
			if ok {
				expired++
				r.signalStop(retired)
				r.logger.Warn().
					Str("room", retired.RoomName).
					Str("agent_identity", retired.AgentIdentity).
					Dur("pending_ttl", r.pendingTTL).
					Msg("pending agent session expired without a worker")
			}
		case s.Status == StatusDisconnected && now.Sub(s.UpdatedAt) >= r.retention:
			ok, err := r.purgeRetired(ctx, s.RoomName, now)
			if err != nil {
				return expired, purged, err
			}
			if ok {
				purged++
			}
		}
	}
	return expired, purged, nil
}

// Subscribe streams lifecycle events for one room until cancel is called.
func (r *Registry) Subscribe(roomName string) (<-chan Event, func()) {
	if roomName == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 64)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	if _, ok := r.subscribers[roomName]; !ok {
		r.subscribers[roomName] = make(map[int]chan Event)
	}
	r.subscribers[roomName][id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[roomName]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(r.subscribers, roomName)
		}
	}
}

func (r *Registry) expirePending(ctx context.Context, roomName string, now time.Time) (AgentSession, bool, error) {
	unlock := r.lockRoom(roomName)
	defer unlock()

	// Re-read under the lock: a worker may have joined since the scan.
	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return AgentSession{}, false, nil
	}
	if err != nil {
		return AgentSession{}, false, err
	}
	if sess.Status != StatusPending || now.Sub(sess.UpdatedAt) < r.pendingTTL {
		return AgentSession{}, false, nil
	}
	retired, err := r.retireLocked(ctx, sess, EventExpired)
	return retired, err == nil, err
}

func (r *Registry) purgeRetired(ctx context.Context, roomName string, now time.Time) (bool, error) {
	unlock := r.lockRoom(roomName)
	defer unlock()

	sess, err := r.store.Load(ctx, roomName)
	if errors.Is(err, ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.Status != StatusDisconnected || now.Sub(sess.UpdatedAt) < r.retention {
		return false, nil
	}
	if err := r.store.Delete(ctx, roomName); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) retireLocked(ctx context.Context, sess AgentSession, evt EventType) (AgentSession, error) {
	sess.Status = StatusDisconnected
	sess.Token = ""
	sess.UpdatedAt = r.now()
	if err := r.store.Save(ctx, sess); err != nil {
		return AgentSession{}, err
	}
	r.publish(sess, evt)
	return sess, nil
}

func (r *Registry) signalStop(sess AgentSession) {
	r.mu.Lock()
	hook := r.stopHook
	r.mu.Unlock()
	if hook != nil {
		hook(sess)
	}
}

func (r *Registry) lockRoom(roomName string) func() {
	r.mu.Lock()
	l, ok := r.locks[roomName]
	if !ok {
		l = &roomLock{}
		r.locks[roomName] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, roomName)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) publish(sess AgentSession, typ EventType) {
	evt := Event{
		Type:          typ,
		RoomName:      sess.RoomName,
		AgentIdentity: sess.AgentIdentity,
		Status:        sess.Status,
		At:            sess.UpdatedAt,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers[sess.RoomName] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func compatible(existing Metadata, req SpawnRequest) bool {
	if req.Instructions != "" && req.Instructions != existing.Instructions {
		return false
	}
	if req.VoiceProfile != "" && req.VoiceProfile != existing.VoiceProfile {
		return false
	}
	return true
}
