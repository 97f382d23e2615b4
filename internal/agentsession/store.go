package agentsession

import (
	"context"
	"fmt"
	"strings"
)

// Store persists one AgentSession per room. Implementations do not need their
// own read-check-write atomicity; the Registry serializes writers per room.
type Store interface {
	Load(ctx context.Context, roomName string) (AgentSession, error)
	Save(ctx context.Context, s AgentSession) error
	Delete(ctx context.Context, roomName string) error
	List(ctx context.Context) ([]AgentSession, error)
	Close() error
}

// NewStore picks a backend by kind: "memory" (default), "postgres" or "redis".
func NewStore(ctx context.Context, kind, databaseURL, redisURL string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(databaseURL) == "" {
			return nil, fmt.Errorf("postgres registry store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, databaseURL)
	case "redis":
		if strings.TrimSpace(redisURL) == "" {
			return nil, fmt.Errorf("redis registry store requires REDIS_URL")
		}
		return NewRedisStore(ctx, redisURL)
	default:
		return nil, fmt.Errorf("unknown registry store %q (expected memory|postgres|redis)", kind)
	}
}
