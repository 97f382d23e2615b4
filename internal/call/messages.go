package call

import (
	"errors"

	"github.com/ent0n29/voxroom/internal/controlclient"
)

// UserMessage turns a call error into text a participant can act on.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access and start the call again."
	case errors.Is(err, ErrMicrophoneUnavailable):
		return "No usable microphone was found. Connect a microphone and try again."
	case errors.Is(err, controlclient.ErrServiceUnavailable):
		return "The voice service is temporarily unavailable. Please try again in a moment."
	case errors.Is(err, ErrTransportDropped):
		return "The connection was lost and could not be restored. Check your network and start the call again."
	case errors.Is(err, ErrCredentialMismatch):
		return "The call could not be authorized for this room."
	case errors.Is(err, ErrInvalidState):
		return "That action is not available right now."
	default:
		return "The call could not be started. Please try again."
	}
}
