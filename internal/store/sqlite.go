package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/flywheelhq/flywheel/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	key       TEXT PRIMARY KEY,
	agent_id  TEXT NOT NULL,
	ts_nanos  INTEGER NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	payload   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_agent ON episodes(agent_id, processed, ts_nanos);

CREATE TABLE IF NOT EXISTS metrics (
	episode_key TEXT PRIMARY KEY,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS original_examples (
	id       TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	payload  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_original_agent ON original_examples(agent_id, seq);

CREATE TABLE IF NOT EXISTS original_seeded (
	agent_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS self_learning_examples (
	id       TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	payload  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_self_agent ON self_learning_examples(agent_id, seq);

CREATE TABLE IF NOT EXISTS prompt_templates (
	agent_id   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (agent_id, version)
);
CREATE TABLE IF NOT EXISTS current_template (
	agent_id TEXT PRIMARY KEY,
	version  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS interface_configs (
	agent_id  TEXT NOT NULL,
	interface TEXT NOT NULL,
	version   INTEGER NOT NULL,
	payload   TEXT NOT NULL,
	PRIMARY KEY (agent_id, interface, version)
);
CREATE TABLE IF NOT EXISTS current_interface_config (
	agent_id  TEXT NOT NULL,
	interface TEXT NOT NULL,
	version   INTEGER NOT NULL,
	PRIMARY KEY (agent_id, interface)
);

CREATE TABLE IF NOT EXISTS context_versions (
	agent_id TEXT NOT NULL,
	version  INTEGER NOT NULL,
	payload  TEXT NOT NULL,
	PRIMARY KEY (agent_id, version)
);
CREATE TABLE IF NOT EXISTS current_context (
	agent_id TEXT PRIMARY KEY,
	version  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rollback_points (
	id       TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	taken_nanos INTEGER NOT NULL,
	payload  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	focus_area    TEXT NOT NULL,
	created_nanos INTEGER NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_records(agent_id, created_nanos);

CREATE TABLE IF NOT EXISTS learning_progress (
	agent_id TEXT PRIMARY KEY,
	payload  TEXT NOT NULL
);
`

// SQLiteStore implements Store and ContextStore on a local SQLite file.
// Suited to single-node deployments where data must survive restarts
// without running a database server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &PersistenceError{Op: "open sqlite", Err: err}
	}
	// modernc/sqlite serializes writes poorly across connections; a single
	// connection avoids SQLITE_BUSY under concurrent cycles.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &PersistenceError{Op: pragma, Err: err}
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}

	log.Info().Str("path", path).Msg("SQLite store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalRow(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &PersistenceError{Op: "marshal row", Err: err}
	}
	return string(data), nil
}

// ── Episode Store ───────────────────────────────────────────

func (s *SQLiteStore) AppendEpisode(ctx context.Context, ep *models.EpisodeEvent) (bool, error) {
	payload, err := marshalRow(ep)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (key, agent_id, ts_nanos, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		ep.Key(), ep.AgentID, ep.Timestamp.UTC().UnixNano(), payload,
	)
	if err != nil {
		return false, &PersistenceError{Op: "append episode", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &PersistenceError{Op: "append episode", Err: err}
	}
	return n == 0, nil
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, key string) (*models.EpisodeEvent, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM episodes WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "episode", Key: key}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get episode", Err: err}
	}
	var ep models.EpisodeEvent
	if err := json.Unmarshal([]byte(payload), &ep); err != nil {
		return nil, &PersistenceError{Op: "decode episode", Err: err}
	}
	return &ep, nil
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context, agentID string, limit int) ([]models.EpisodeEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as unlimited
	}
	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT payload FROM episodes ORDER BY ts_nanos DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT payload FROM episodes WHERE agent_id = ? ORDER BY ts_nanos DESC LIMIT ?`, agentID, limit)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "list episodes", Err: err}
	}
	return scanEpisodes(rows)
}

func (s *SQLiteStore) ListUnprocessed(ctx context.Context, agentID string) ([]models.EpisodeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM episodes WHERE agent_id = ? AND processed = 0 ORDER BY ts_nanos ASC`, agentID)
	if err != nil {
		return nil, &PersistenceError{Op: "list unprocessed", Err: err}
	}
	return scanEpisodes(rows)
}

func scanEpisodes(rows *sql.Rows) ([]models.EpisodeEvent, error) {
	defer rows.Close()
	var out []models.EpisodeEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &PersistenceError{Op: "scan episode", Err: err}
		}
		var ep models.EpisodeEvent
		if err := json.Unmarshal([]byte(payload), &ep); err != nil {
			return nil, &PersistenceError{Op: "decode episode", Err: err}
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE episodes SET processed = 1 WHERE key = ?`, key)
	if err != nil {
		return &PersistenceError{Op: "mark processed", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "episode", Key: key}
	}
	return nil
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var processed int
	err := s.db.QueryRowContext(ctx, `SELECT processed FROM episodes WHERE key = ?`, key).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Op: "is processed", Err: err}
	}
	return processed == 1, nil
}

func (s *SQLiteStore) ListAgentsWithBacklog(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT agent_id FROM episodes WHERE processed = 0 ORDER BY agent_id`)
	if err != nil {
		return nil, &PersistenceError{Op: "list backlog agents", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &PersistenceError{Op: "scan agent", Err: err}
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEpisodesBefore(ctx context.Context, cutoff time.Time) ([]models.EpisodeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM episodes WHERE ts_nanos < ? ORDER BY ts_nanos ASC`, cutoff.UTC().UnixNano())
	if err != nil {
		return nil, &PersistenceError{Op: "list episodes before", Err: err}
	}
	return scanEpisodes(rows)
}

func (s *SQLiteStore) DeleteEpisodes(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE key = ?`, k); err != nil {
			return &PersistenceError{Op: "delete episode", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE episode_key = ?`, k); err != nil {
			return &PersistenceError{Op: "delete metrics", Err: err}
		}
	}
	return tx.Commit()
}

// ── Metrics Store ───────────────────────────────────────────

func (s *SQLiteStore) SaveMetrics(ctx context.Context, dm *models.DerivedMetrics) error {
	payload, err := marshalRow(dm)
	if err != nil {
		return err
	}
	// Metrics are computed once; a retry must not replace the first row.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics (episode_key, payload) VALUES (?, ?)
		 ON CONFLICT(episode_key) DO NOTHING`,
		dm.EpisodeKey, payload,
	)
	if err != nil {
		return &PersistenceError{Op: "save metrics", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, episodeKey string) (*models.DerivedMetrics, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM metrics WHERE episode_key = ?`, episodeKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "metrics", Key: episodeKey}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get metrics", Err: err}
	}
	var dm models.DerivedMetrics
	if err := json.Unmarshal([]byte(payload), &dm); err != nil {
		return nil, &PersistenceError{Op: "decode metrics", Err: err}
	}
	return &dm, nil
}

// ── Dataset Store ───────────────────────────────────────────

func (s *SQLiteStore) SeedOriginal(ctx context.Context, agentID string, examples []models.TrainingExample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO original_seeded (agent_id) VALUES (?) ON CONFLICT(agent_id) DO NOTHING`, agentID)
	if err != nil {
		return &PersistenceError{Op: "seed original", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDatasetFrozen
	}
	for i, ex := range examples {
		payload, err := marshalRow(&ex)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO original_examples (id, agent_id, seq, payload) VALUES (?, ?, ?, ?)`,
			ex.ID, agentID, i+1, payload); err != nil {
			return &PersistenceError{Op: "seed original", Err: err}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendExample(ctx context.Context, ex *models.TrainingExample) (int, error) {
	payload, err := marshalRow(ex)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM self_learning_examples WHERE id = ?`, ex.ID).Scan(&existing)
	if err != nil {
		return 0, &PersistenceError{Op: "append example", Err: err}
	}
	if existing > 0 {
		// Retry of a committed write: refresh the payload, keep the version.
		if _, err := tx.ExecContext(ctx,
			`UPDATE self_learning_examples SET payload = ? WHERE id = ?`, payload, ex.ID); err != nil {
			return 0, &PersistenceError{Op: "append example", Err: err}
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO self_learning_examples (id, agent_id, seq, payload)
			 VALUES (?, ?, (SELECT COUNT(*) + 1 FROM self_learning_examples WHERE agent_id = ?), ?)`,
			ex.ID, ex.AgentID, ex.AgentID, payload); err != nil {
			return 0, &PersistenceError{Op: "append example", Err: err}
		}
	}

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM self_learning_examples WHERE agent_id = ?`, ex.AgentID).Scan(&version)
	if err != nil {
		return 0, &PersistenceError{Op: "append example", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "commit", Err: err}
	}
	return version, nil
}

func (s *SQLiteStore) GetDataset(ctx context.Context, agentID string, col models.DatasetCollection) (*models.Dataset, error) {
	switch col {
	case models.DatasetOriginal:
		examples, err := s.listExamples(ctx, "original_examples", agentID)
		if err != nil {
			return nil, err
		}
		version, err := s.DatasetVersion(ctx, agentID, col)
		if err != nil {
			return nil, err
		}
		return &models.Dataset{Collection: col, Version: version, Examples: examples}, nil
	case models.DatasetSelfLearning:
		examples, err := s.listExamples(ctx, "self_learning_examples", agentID)
		if err != nil {
			return nil, err
		}
		return &models.Dataset{Collection: col, Version: len(examples), Examples: examples}, nil
	case models.DatasetBlended:
		// Derived on demand, never stored.
		orig, err := s.GetDataset(ctx, agentID, models.DatasetOriginal)
		if err != nil {
			return nil, err
		}
		self, err := s.GetDataset(ctx, agentID, models.DatasetSelfLearning)
		if err != nil {
			return nil, err
		}
		return &models.Dataset{
			Collection: col,
			Version:    orig.Version + self.Version,
			Examples:   append(orig.Examples, self.Examples...),
		}, nil
	default:
		return nil, &ErrNotFound{Entity: "dataset", Key: string(col)}
	}
}

func (s *SQLiteStore) listExamples(ctx context.Context, table, agentID string) ([]models.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE agent_id = ? ORDER BY seq ASC`, table), agentID)
	if err != nil {
		return nil, &PersistenceError{Op: "list examples", Err: err}
	}
	defer rows.Close()
	var out []models.TrainingExample
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &PersistenceError{Op: "scan example", Err: err}
		}
		var ex models.TrainingExample
		if err := json.Unmarshal([]byte(payload), &ex); err != nil {
			return nil, &PersistenceError{Op: "decode example", Err: err}
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DatasetVersion(ctx context.Context, agentID string, col models.DatasetCollection) (int, error) {
	switch col {
	case models.DatasetOriginal:
		var seeded int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM original_seeded WHERE agent_id = ?`, agentID).Scan(&seeded)
		if err != nil {
			return 0, &PersistenceError{Op: "dataset version", Err: err}
		}
		return seeded, nil
	case models.DatasetSelfLearning:
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM self_learning_examples WHERE agent_id = ?`, agentID).Scan(&n)
		if err != nil {
			return 0, &PersistenceError{Op: "dataset version", Err: err}
		}
		return n, nil
	case models.DatasetBlended:
		orig, err := s.DatasetVersion(ctx, agentID, models.DatasetOriginal)
		if err != nil {
			return 0, err
		}
		self, err := s.DatasetVersion(ctx, agentID, models.DatasetSelfLearning)
		if err != nil {
			return 0, err
		}
		return orig + self, nil
	default:
		return 0, &ErrNotFound{Entity: "dataset", Key: string(col)}
	}
}

func (s *SQLiteStore) TruncateSelfLearning(ctx context.Context, agentID string, version int) error {
	if version < 0 {
		version = 0
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM self_learning_examples WHERE agent_id = ? AND seq > ?`, agentID, version)
	if err != nil {
		return &PersistenceError{Op: "truncate self_learning", Err: err}
	}
	return nil
}

// ── Prompt Template Store ───────────────────────────────────

func (s *SQLiteStore) GetTemplate(ctx context.Context, agentID string) (*models.PromptTemplate, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT t.payload FROM prompt_templates t
		 JOIN current_template c ON c.agent_id = t.agent_id AND c.version = t.version
		 WHERE t.agent_id = ?`, agentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "template", Key: agentID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get template", Err: err}
	}
	var t models.PromptTemplate
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, &PersistenceError{Op: "decode template", Err: err}
	}
	return &t, nil
}

func (s *SQLiteStore) PutTemplate(ctx context.Context, t *models.PromptTemplate) error {
	payload, err := marshalRow(t)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	// The chain is append-only: re-putting an existing version keeps the
	// stored row and only moves the pointer.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_templates (agent_id, version, payload) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id, version) DO NOTHING`,
		t.AgentID, t.Version, payload); err != nil {
		return &PersistenceError{Op: "put template", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current_template (agent_id, version) VALUES (?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET version = excluded.version`,
		t.AgentID, t.Version); err != nil {
		return &PersistenceError{Op: "set current template", Err: err}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetCurrentTemplate(ctx context.Context, agentID string, version int) error {
	if version == 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM current_template WHERE agent_id = ?`, agentID); err != nil {
			return &PersistenceError{Op: "clear current template", Err: err}
		}
		return nil
	}
	return s.repoint(ctx, "prompt_templates", "current_template", "template version", agentID, version)
}

// repoint moves a current-version pointer after verifying the target exists.
func (s *SQLiteStore) repoint(ctx context.Context, chainTable, pointerTable, entity, agentID string, version int) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE agent_id = ? AND version = ?`, chainTable),
		agentID, version).Scan(&exists)
	if err != nil {
		return &PersistenceError{Op: "check version", Err: err}
	}
	if exists == 0 {
		return &ErrNotFound{Entity: entity, Key: agentID}
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (agent_id, version) VALUES (?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET version = excluded.version`, pointerTable),
		agentID, version)
	if err != nil {
		return &PersistenceError{Op: "repoint", Err: err}
	}
	return nil
}

// ── Interface Config Store ──────────────────────────────────

func (s *SQLiteStore) GetInterfaceConfig(ctx context.Context, agentID, iface string) (*models.InterfaceConfig, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT i.payload FROM interface_configs i
		 JOIN current_interface_config c
		   ON c.agent_id = i.agent_id AND c.interface = i.interface AND c.version = i.version
		 WHERE i.agent_id = ? AND i.interface = ?`, agentID, iface).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "interface_config", Key: key(agentID, iface)}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get interface config", Err: err}
	}
	var c models.InterfaceConfig
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, &PersistenceError{Op: "decode interface config", Err: err}
	}
	return &c, nil
}

func (s *SQLiteStore) PutInterfaceConfig(ctx context.Context, c *models.InterfaceConfig) error {
	payload, err := marshalRow(c)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interface_configs (agent_id, interface, version, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, interface, version) DO NOTHING`,
		c.AgentID, c.Interface, c.Version, payload); err != nil {
		return &PersistenceError{Op: "put interface config", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current_interface_config (agent_id, interface, version) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id, interface) DO UPDATE SET version = excluded.version`,
		c.AgentID, c.Interface, c.Version); err != nil {
		return &PersistenceError{Op: "set current interface config", Err: err}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetCurrentInterfaceConfig(ctx context.Context, agentID, iface string, version int) error {
	if version == 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM current_interface_config WHERE agent_id = ? AND interface = ?`,
			agentID, iface); err != nil {
			return &PersistenceError{Op: "clear current interface config", Err: err}
		}
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interface_configs WHERE agent_id = ? AND interface = ? AND version = ?`,
		agentID, iface, version).Scan(&exists)
	if err != nil {
		return &PersistenceError{Op: "check version", Err: err}
	}
	if exists == 0 {
		return &ErrNotFound{Entity: "interface_config version", Key: key(agentID, iface)}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO current_interface_config (agent_id, interface, version) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id, interface) DO UPDATE SET version = excluded.version`,
		agentID, iface, version)
	if err != nil {
		return &PersistenceError{Op: "repoint interface config", Err: err}
	}
	return nil
}

// ── Context Store ───────────────────────────────────────────

func (s *SQLiteStore) GetContext(ctx context.Context, agentID string, version int) (*models.AbstractContext, error) {
	var payload string
	var err error
	if version == CurrentVersion {
		err = s.db.QueryRowContext(ctx,
			`SELECT v.payload FROM context_versions v
			 JOIN current_context c ON c.agent_id = v.agent_id AND c.version = v.version
			 WHERE v.agent_id = ?`, agentID).Scan(&payload)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT payload FROM context_versions WHERE agent_id = ? AND version = ?`,
			agentID, version).Scan(&payload)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "context", Key: agentID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get context", Err: err}
	}
	var c models.AbstractContext
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, &PersistenceError{Op: "decode context", Err: err}
	}
	return &c, nil
}

func (s *SQLiteStore) PutContext(ctx context.Context, c *models.AbstractContext) (int, error) {
	payload, err := marshalRow(c)
	if err != nil {
		return 0, err
	}
	// Append-only chain: an existing version is never overwritten.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_versions (agent_id, version, payload) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id, version) DO NOTHING`,
		c.AgentID, c.Version, payload)
	if err != nil {
		return 0, &PersistenceError{Op: "put context", Err: err}
	}
	return c.Version, nil
}

func (s *SQLiteStore) SetCurrentContext(ctx context.Context, agentID string, version int) error {
	return s.repoint(ctx, "context_versions", "current_context", "context version", agentID, version)
}

func (s *SQLiteStore) ListContextVersions(ctx context.Context, agentID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM context_versions WHERE agent_id = ? ORDER BY version ASC`, agentID)
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

// ── Rollback Store ──────────────────────────────────────────

func (s *SQLiteStore) SaveRollbackPoint(ctx context.Context, rp *models.RollbackPoint) error {
	payload, err := marshalRow(rp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollback_points (id, agent_id, taken_nanos, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		rp.ID, rp.AgentID, rp.TakenAt.UTC().UnixNano(), payload)
	if err != nil {
		return &PersistenceError{Op: "save rollback point", Err: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteRollbackPoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rollback_points WHERE id = ?`, id)
	if err != nil {
		return &PersistenceError{Op: "delete rollback point", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListRollbackPoints(ctx context.Context, agentID string) ([]models.RollbackPoint, error) {
	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT payload FROM rollback_points ORDER BY taken_nanos ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT payload FROM rollback_points WHERE agent_id = ? ORDER BY taken_nanos ASC`, agentID)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "list rollback points", Err: err}
	}
	defer rows.Close()
	var out []models.RollbackPoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &PersistenceError{Op: "scan rollback point", Err: err}
		}
		var rp models.RollbackPoint
		if err := json.Unmarshal([]byte(payload), &rp); err != nil {
			return nil, &PersistenceError{Op: "decode rollback point", Err: err}
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// ── Audit Store ─────────────────────────────────────────────

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	payload, err := marshalRow(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, agent_id, focus_area, created_nanos, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.AgentID, string(rec.FocusArea), rec.CreatedAt.UTC().UnixNano(), payload)
	if err != nil {
		return &PersistenceError{Op: "append audit", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT payload FROM audit_records`
	var conds []string
	var args []any
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Focus != "" {
		conds = append(conds, "focus_area = ?")
		args = append(args, string(filter.Focus))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_nanos DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list audit", Err: err}
	}
	return scanAudit(rows)
}

func (s *SQLiteStore) ListAuditBefore(ctx context.Context, cutoff time.Time) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM audit_records WHERE created_nanos < ? ORDER BY created_nanos ASC`,
		cutoff.UTC().UnixNano())
	if err != nil {
		return nil, &PersistenceError{Op: "list audit before", Err: err}
	}
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]models.AuditRecord, error) {
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &PersistenceError{Op: "scan audit", Err: err}
		}
		var rec models.AuditRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, &PersistenceError{Op: "decode audit", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAudit(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_records WHERE id = ?`, id); err != nil {
			return &PersistenceError{Op: "delete audit", Err: err}
		}
	}
	return tx.Commit()
}

// ── Progress Store ──────────────────────────────────────────

func (s *SQLiteStore) GetProgress(ctx context.Context, agentID string) (*models.LearningProgress, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM learning_progress WHERE agent_id = ?`, agentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "progress", Key: agentID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get progress", Err: err}
	}
	var p models.LearningProgress
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, &PersistenceError{Op: "decode progress", Err: err}
	}
	return &p, nil
}

func (s *SQLiteStore) PutProgress(ctx context.Context, p *models.LearningProgress) error {
	payload, err := marshalRow(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_progress (agent_id, payload) VALUES (?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET payload = excluded.payload`,
		p.AgentID, payload)
	if err != nil {
		return &PersistenceError{Op: "put progress", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListProgress(ctx context.Context) ([]models.LearningProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM learning_progress ORDER BY agent_id ASC`)
	if err != nil {
		return nil, &PersistenceError{Op: "list progress", Err: err}
	}
	defer rows.Close()
	var out []models.LearningProgress
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &PersistenceError{Op: "scan progress", Err: err}
		}
		var p models.LearningProgress
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, &PersistenceError{Op: "decode progress", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Compile-time checks that SQLiteStore implements both interfaces.
var (
	_ Store        = (*SQLiteStore)(nil)
	_ ContextStore = (*SQLiteStore)(nil)
)
