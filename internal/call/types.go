// Package call drives one human participant's voice call: credential fetch,
// microphone permission, transport connection and teardown.
package call

import (
	"context"
	"errors"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	ErrPermissionDenied      = errors.New("microphone permission denied")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrTransportDropped      = errors.New("transport connection lost")
	ErrCredentialMismatch    = errors.New("credential does not match requested room")
	ErrInvalidState          = errors.New("operation not valid in current call state")
	ErrStopped               = errors.New("call machine stopped")
)

// Credential authorizes one participant to join one room on the transport.
type Credential struct {
	RoomName        string
	ParticipantName string
	Token           string
	URL             string
}

type CredentialSource interface {
	Credential(ctx context.Context, roomName, participantName string) (Credential, error)
}

// Microphone is an acquired capture device.
type Microphone interface {
	SetMuted(muted bool) error
	Release()
}

// Device grants microphone access. A refusal must wrap ErrPermissionDenied.
type Device interface {
	AcquireMicrophone(ctx context.Context) (Microphone, error)
}

type TransportEventType string

const (
	EventConnected    TransportEventType = "connected"
	EventDropped      TransportEventType = "dropped"
	EventReconnected  TransportEventType = "reconnected"
	EventDisconnected TransportEventType = "disconnected"
)

type TransportEvent struct {
	Type TransportEventType
	Err  error
}

// Link is a live transport connection. Events is closed when the link ends.
type Link interface {
	Events() <-chan TransportEvent
	// SetRemoteAudioMuted stops local rendering of incoming audio without
	// touching the subscription.
	SetRemoteAudioMuted(muted bool)
	Close() error
}

type Transport interface {
	Connect(ctx context.Context, cred Credential) (Link, error)
}

// AgentRemover retires the room's agent session when the call ends.
type AgentRemover interface {
	RemoveAgent(ctx context.Context, roomName string) (bool, error)
}

type CallRequest struct {
	RoomName        string
	ParticipantName string
	// AgentAttached marks that an agent session was spawned for this call and
	// must be removed when it ends.
	AgentAttached bool
}

type Snapshot struct {
	State           State
	RoomName        string
	ParticipantName string
	// Preparing is set while the credential and microphone are requested,
	// before the call enters connecting.
	Preparing       bool
	MicrophoneMuted bool
	SpeakerMuted    bool
	ElapsedSeconds  int
	LastError       error
	Message         string
}
