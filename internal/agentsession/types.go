package agentsession

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
)

var (
	ErrNotFound      = errors.New("agent session not found")
	ErrSpawnConflict = errors.New("room already has an incompatible agent session")
	ErrStoreNotFound = errors.New("agent session not found in store")
	ErrUnauthorized  = errors.New("worker credential rejected")
)

// Metadata is what the worker needs to behave as the requested agent.
type Metadata struct {
	Instructions string `json:"instructions"`
	VoiceProfile string `json:"voice_profile"`
}

// AgentSession is the control-plane record for the agent bound to a room.
type AgentSession struct {
	RoomName       string    `json:"room_name"`
	AgentIdentity  string    `json:"agent_identity"`
	Token          string    `json:"token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	Status         Status    `json:"status"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Live reports whether the session still holds the room.
func (s AgentSession) Live() bool {
	return s.Status == StatusPending || s.Status == StatusActive
}

// Redacted drops the write-once token so the record can be shown to callers
// that did not create it.
func (s AgentSession) Redacted() AgentSession {
	s.Token = ""
	return s
}

// SpawnRequest asks for an agent in a room. Empty optional fields fall back to
// registry defaults and never conflict with an existing session.
type SpawnRequest struct {
	RoomName     string `json:"room_name"`
	Instructions string `json:"instructions,omitempty"`
	VoiceProfile string `json:"voice_profile,omitempty"`
}

type EventType string

const (
	EventSpawned      EventType = "spawned"
	EventActive       EventType = "active"
	EventDisconnected EventType = "disconnected"
	EventExpired      EventType = "expired"
)

// Event is published to room subscribers on every lifecycle transition.
type Event struct {
	Type          EventType `json:"type"`
	RoomName      string    `json:"room_name"`
	AgentIdentity string    `json:"agent_identity"`
	Status        Status    `json:"status"`
	At            time.Time `json:"at"`
}
