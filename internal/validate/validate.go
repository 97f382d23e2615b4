// Package validate gates room identifiers and agent instructions before they
// reach the control plane.
package validate

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxRoomNameLength    = 100
	MaxInstructionLength = 2000
)

var (
	// ErrInvalidInput is matched by every validation failure.
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidRoomName     = fmt.Errorf("%w: invalid room name", ErrInvalidInput)
	ErrInvalidInstructions = fmt.Errorf("%w: invalid instructions", ErrInvalidInput)
)

// RoomName rejects empty names, names longer than MaxRoomNameLength and names
// containing anything outside [A-Za-z0-9_-].
func RoomName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: room name is required", ErrInvalidRoomName)
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return fmt.Errorf("%w: room name exceeds %d characters", ErrInvalidRoomName, MaxRoomNameLength)
	}
	for i, r := range name {
		if !roomRune(r) {
			return fmt.Errorf("%w: unexpected character %q at offset %d", ErrInvalidRoomName, r, i)
		}
	}
	return nil
}

// InstructionText rejects empty text and text longer than
// MaxInstructionLength characters.
func InstructionText(text string) error {
	if text == "" {
		return fmt.Errorf("%w: instructions are required", ErrInvalidInstructions)
	}
	if n := utf8.RuneCountInString(text); n > MaxInstructionLength {
		return fmt.Errorf("%w: instructions are %d characters, limit is %d", ErrInvalidInstructions, n, MaxInstructionLength)
	}
	return nil
}

func roomRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}
