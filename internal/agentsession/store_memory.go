package agentsession

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore keeps sessions in process. It is the default for local/dev.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]AgentSession
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]AgentSession)}
}

func (s *InMemoryStore) Load(_ context.Context, roomName string) (AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomName]
	if !ok {
		return AgentSession{}, ErrStoreNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) Save(_ context.Context, sess AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.RoomName] = sess
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, roomName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, roomName)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomName < out[j].RoomName })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
