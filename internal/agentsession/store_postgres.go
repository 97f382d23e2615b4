package agentsession

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists agent sessions in PostgreSQL so records survive a
// control-plane restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			room_name TEXT PRIMARY KEY,
			agent_identity TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			voice_profile TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions (status, updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const selectSessionColumns = `SELECT room_name, agent_identity, token, token_expires_at, status,
	instructions, voice_profile, created_at, updated_at FROM agent_sessions`

func (s *PostgresStore) Load(ctx context.Context, roomName string) (AgentSession, error) {
	row := s.pool.QueryRow(ctx, selectSessionColumns+` WHERE room_name=$1`, roomName)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentSession{}, ErrStoreNotFound
		}
		return AgentSession{}, fmt.Errorf("load agent session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess AgentSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (
			room_name, agent_identity, token, token_expires_at, status,
			instructions, voice_profile, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (room_name) DO UPDATE SET
			agent_identity=EXCLUDED.agent_identity,
			token=EXCLUDED.token,
			token_expires_at=EXCLUDED.token_expires_at,
			status=EXCLUDED.status,
			instructions=EXCLUDED.instructions,
			voice_profile=EXCLUDED.voice_profile,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		sess.RoomName,
		sess.AgentIdentity,
		sess.Token,
		sess.TokenExpiresAt,
		string(sess.Status),
		sess.Metadata.Instructions,
		sess.Metadata.VoiceProfile,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, roomName string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE room_name=$1`, roomName); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]AgentSession, error) {
	rows, err := s.pool.Query(ctx, selectSessionColumns+` ORDER BY room_name`)
	if err != nil {
		return nil, fmt.Errorf("query agent sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (AgentSession, error) {
	var (
		sess   AgentSession
		status string
	)
	err := row.Scan(
		&sess.RoomName,
		&sess.AgentIdentity,
		&sess.Token,
		&sess.TokenExpiresAt,
		&status,
		&sess.Metadata.Instructions,
		&sess.Metadata.VoiceProfile,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return AgentSession{}, err
	}
	sess.Status = Status(status)
	return sess, nil
}
