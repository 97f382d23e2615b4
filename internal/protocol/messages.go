package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies lifecycle events streamed over the room watch socket.
type EventType string

const (
	EventSpawned      EventType = "spawned"
	EventActive       EventType = "active"
	EventDisconnected EventType = "disconnected"
	EventExpired      EventType = "expired"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type SpawnRequest struct {
	RoomName     string `json:"room_name"`
	Instructions string `json:"instructions,omitempty"`
	VoiceProfile string `json:"voice_profile,omitempty"`
}

type StartRequest struct {
	RoomName     string `json:"room_name"`
	Instructions string `json:"instructions,omitempty"`
	VoiceProfile string `json:"voice_profile,omitempty"`
	Debug        bool   `json:"debug,omitempty"`
}

// Session is the wire form of an agent session. Token is only populated in
// spawn responses.
type Session struct {
	RoomName       string     `json:"room_name"`
	AgentIdentity  string     `json:"agent_identity"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Status         string     `json:"status"`
	Instructions   string     `json:"instructions,omitempty"`
	VoiceProfile   string     `json:"voice_profile,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type SpawnResponse struct {
	Success bool    `json:"success"`
	Created bool    `json:"created"`
	Session Session `json:"session"`
}

type StartResponse struct {
	Success        bool   `json:"success"`
	RoomName       string `json:"room_name"`
	AgentIdentity  string `json:"agent_identity"`
	AlreadyRunning bool   `json:"already_running,omitempty"`
}

type StatusResponse struct {
	Success bool    `json:"success"`
	Session Session `json:"session"`
}

type ListResponse struct {
	Success  bool      `json:"success"`
	Sessions []Session `json:"sessions"`
}

type RemoveResponse struct {
	Success bool `json:"success"`
	Removed bool `json:"removed"`
}

type WorkerEventRequest struct {
	Event string `json:"event"`
}

type Component struct {
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type HealthResponse struct {
	Success   bool      `json:"success"`
	Transport Component `json:"transport"`
	Backend   Component `json:"backend"`
}

// ErrorResponse matches every non-2xx JSON body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type Turn struct {
	ID        string    `json:"id"`
	RoomName  string    `json:"room_name"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type AppendTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

type TranscriptResponse struct {
	Success bool         `json:"success"`
	Turns   []Turn       `json:"turns"`
	Cost    CostEstimate `json:"cost"`
}

// WatchEvent is one frame on GET /v1/agents/{room}/watch.
type WatchEvent struct {
	Type          EventType `json:"type"`
	RoomName      string    `json:"room_name"`
	AgentIdentity string    `json:"agent_identity,omitempty"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}

func ParseWatchEvent(raw []byte) (WatchEvent, error) {
	var evt WatchEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return WatchEvent{}, fmt.Errorf("invalid watch event: %w", err)
	}
	switch evt.Type {
	case EventSpawned, EventActive, EventDisconnected, EventExpired:
	default:
		return WatchEvent{}, ErrUnsupportedType
	}
	if evt.RoomName == "" {
		return WatchEvent{}, errors.New("invalid watch event: missing room_name")
	}
	return evt, nil
}
