package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/flywheelhq/flywheel/pkg/models"
)

// PostgresContextStore implements ContextStore on PostgreSQL. It exists for
// deployments where several engine instances share one set of context chains;
// the append-only chain and the current pointer live in separate tables so a
// rollback never rewrites history.
// Users must provide their own PostgreSQL instance.
type PostgresContextStore struct {
	pool *pgxpool.Pool
}

// NewPostgresContextStore connects, pings, and runs migrations.
func NewPostgresContextStore(ctx context.Context, connURL string) (*PostgresContextStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, &PersistenceError{Op: "postgres connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &PersistenceError{Op: "postgres ping", Err: err}
	}

	s := &PostgresContextStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, &PersistenceError{Op: "postgres migrate", Err: err}
	}

	log.Info().Msg("Postgres context store initialized")
	return s, nil
}

func (s *PostgresContextStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS fw_context_versions (
			agent_id   TEXT NOT NULL,
			version    INTEGER NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (agent_id, version)
		);

		CREATE TABLE IF NOT EXISTS fw_current_context (
			agent_id TEXT PRIMARY KEY,
			version  INTEGER NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresContextStore) GetContext(ctx context.Context, agentID string, version int) (*models.AbstractContext, error) {
	var payload []byte
	var err error
	if version == CurrentVersion {
		err = s.pool.QueryRow(ctx,
			`SELECT v.payload FROM fw_context_versions v
			 JOIN fw_current_context c ON c.agent_id = v.agent_id AND c.version = v.version
			 WHERE v.agent_id = $1`, agentID).Scan(&payload)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT payload FROM fw_context_versions WHERE agent_id = $1 AND version = $2`,
			agentID, version).Scan(&payload)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "context", Key: agentID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get context", Err: err}
	}
	var c models.AbstractContext
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, &PersistenceError{Op: "decode context", Err: err}
	}
	return &c, nil
}

func (s *PostgresContextStore) PutContext(ctx context.Context, c *models.AbstractContext) (int, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return 0, &PersistenceError{Op: "marshal context", Err: err}
	}
	// Append-only: replays of an already-written version leave the row alone.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fw_context_versions (agent_id, version, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id, version) DO NOTHING`,
		c.AgentID, c.Version, payload)
	if err != nil {
		return 0, &PersistenceError{Op: "put context", Err: err}
	}
	return c.Version, nil
}

func (s *PostgresContextStore) SetCurrentContext(ctx context.Context, agentID string, version int) error {
	var exists int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM fw_context_versions WHERE agent_id = $1 AND version = $2`,
		agentID, version).Scan(&exists)
	if err != nil {
		return &PersistenceError{Op: "check context version", Err: err}
	}
	if exists == 0 {
		return &ErrNotFound{Entity: "context version", Key: agentID}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fw_current_context (agent_id, version) VALUES ($1, $2)
		 ON CONFLICT (agent_id) DO UPDATE SET version = EXCLUDED.version`,
		agentID, version)
	if err != nil {
		return &PersistenceError{Op: "repoint context", Err: err}
	}
	return nil
}

func (s *PostgresContextStore) ListContextVersions(ctx context.Context, agentID string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version FROM fw_context_versions WHERE agent_id = $1 ORDER BY version ASC`, agentID)
	if err != nil {
		return nil, &PersistenceError{Op: "list context versions", Err: err}
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, &PersistenceError{Op: "scan version", Err: err}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresContextStore) Close() error {
	s.pool.Close()
	return nil
}

var _ ContextStore = (*PostgresContextStore)(nil)
