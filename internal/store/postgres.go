package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS turns (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	agent TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	request_body_bytes BIGINT NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	user_message_count INTEGER NOT NULL DEFAULT 0,
	assistant_message_count INTEGER NOT NULL DEFAULT 0,
	tool_count INTEGER NOT NULL DEFAULT 0,
	system_prompt_chars BIGINT NOT NULL DEFAULT 0,
	history_chars BIGINT NOT NULL DEFAULT 0,
	history_tokens_est BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT,
	output_tokens BIGINT,
	cache_read_tokens BIGINT,
	cache_write_tokens BIGINT,
	cost_usd DOUBLE PRECISION,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	stop_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
CREATE INDEX IF NOT EXISTS idx_turns_agent_ts ON turns(agent, timestamp);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	doc TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore backs the usage store with a shared PostgreSQL database.
// Unlike SQLite there is no writer queue: the server handles concurrent
// writers, and several proxy processes may share one database.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects with the given DSN and applies the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	log.Info().Msg("postgres usage store connected")
	return &PostgresStore{db: db}, nil
}

// LogTurn inserts one Turn. Synchronous; the caller already runs off the
// request path, and failures are logged and dropped upstream.
func (s *PostgresStore) LogTurn(ctx context.Context, t *Turn) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO turns (
			timestamp, agent, provider, model, request_id, status_code,
			request_body_bytes, message_count, user_message_count,
			assistant_message_count, tool_count, system_prompt_chars,
			history_chars, history_tokens_est, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_usd, duration_ms, stop_reason
		) VALUES (
			:timestamp, :agent, :provider, :model, :request_id, :status_code,
			:request_body_bytes, :message_count, :user_message_count,
			:assistant_message_count, :tool_count, :system_prompt_chars,
			:history_chars, :history_tokens_est, :input_tokens, :output_tokens,
			:cache_read_tokens, :cache_write_tokens, :cost_usd, :duration_ms, :stop_reason
		)`, t)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// QueryTurns returns Turns newest-first, optionally filtered by agent.
func (s *PostgresStore) QueryTurns(ctx context.Context, f TurnFilter) ([]Turn, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	window := f.Since
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().Add(-window)

	var turns []Turn
	var err error
	if f.Agent != "" {
		err = s.db.SelectContext(ctx, &turns,
			`SELECT * FROM turns WHERE timestamp >= $1 AND agent = $2 ORDER BY timestamp DESC LIMIT $3`,
			since, f.Agent, limit)
	} else {
		err = s.db.SelectContext(ctx, &turns,
			`SELECT * FROM turns WHERE timestamp >= $1 ORDER BY timestamp DESC LIMIT $2`,
			since, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return turns, nil
}

// AgentTurns returns one agent's Turns oldest-first within the window.
func (s *PostgresStore) AgentTurns(ctx context.Context, agent string, window time.Duration) ([]Turn, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	var turns []Turn
	err := s.db.SelectContext(ctx, &turns,
		`SELECT * FROM turns WHERE agent = $1 AND timestamp >= $2 ORDER BY timestamp ASC`,
		agent, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("query agent turns: %w", err)
	}
	return turns, nil
}

// Summary aggregates per agent over the window.
func (s *PostgresStore) Summary(ctx context.Context, window time.Duration) ([]AgentSummary, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	var out []AgentSummary
	err := s.db.SelectContext(ctx, &out, `
		SELECT agent,
			COUNT(*) AS turns,
			COALESCE(SUM(input_tokens), 0) AS total_input_tokens,
			COALESCE(SUM(output_tokens), 0) AS total_output_tokens,
			COALESCE(SUM(cache_read_tokens), 0) AS total_cache_read,
			COALESCE(SUM(cache_write_tokens), 0) AS total_cache_write,
			COALESCE(SUM(cost_usd), 0) AS total_cost,
			COALESCE(AVG(input_tokens), 0) AS avg_input_tokens,
			COALESCE(MAX(input_tokens), 0) AS max_input_tokens,
			COALESCE(AVG(history_chars), 0) AS avg_history_chars
		FROM turns WHERE timestamp >= $1
		GROUP BY agent ORDER BY agent`, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	return out, nil
}

// LoadSettings returns the persisted settings document, or nil when
// nothing has been saved.
func (s *PostgresStore) LoadSettings(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, `SELECT doc FROM settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return []byte(doc), nil
}

// SaveSettings upserts the single settings row. Last write wins across
// all proxy processes sharing the database.
func (s *PostgresStore) SaveSettings(ctx context.Context, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, doc, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		string(doc), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
