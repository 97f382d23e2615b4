// Package transcript keeps an append-only record of conversation turns per
// room.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrInvalidTurn = errors.New("invalid turn")

// Turn is a single system, user or assistant message in a room.
type Turn struct {
	ID        string    `json:"id"`
	RoomName  string    `json:"room_name"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks role and content. Room names are validated by the caller.
func (t Turn) Validate() error {
	switch t.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	if strings.TrimSpace(t.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidTurn)
	}
	return nil
}

// Store appends turns and lists them in chronological order.
type Store interface {
	Append(ctx context.Context, turn Turn) (Turn, error)
	List(ctx context.Context, roomName string, limit int) ([]Turn, error)
	Close() error
}
