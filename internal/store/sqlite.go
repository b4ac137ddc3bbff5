package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/tokenspy/tokenspy/internal/config"
)

// ErrQueueFull means the async writer queue is saturated and the Turn was
// dropped. Observability must never block or fail traffic, so callers log
// the drop and move on.
var ErrQueueFull = errors.New("store: write queue full, turn dropped")

// sqliteTimeLayout is RFC 3339 with a fixed-width fractional second.
// RFC3339Nano drops trailing zeros, which breaks the lexicographic
// ordering the timestamp indexes rely on.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	agent TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	request_body_bytes INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	user_message_count INTEGER NOT NULL DEFAULT 0,
	assistant_message_count INTEGER NOT NULL DEFAULT 0,
	tool_count INTEGER NOT NULL DEFAULT 0,
	system_prompt_chars INTEGER NOT NULL DEFAULT 0,
	history_chars INTEGER NOT NULL DEFAULT 0,
	history_tokens_est INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER,
	output_tokens INTEGER,
	cache_read_tokens INTEGER,
	cache_write_tokens INTEGER,
	cost_usd REAL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	stop_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
CREATE INDEX IF NOT EXISTS idx_turns_agent_ts ON turns(agent, timestamp);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	doc TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const insertTurnSQL = `
INSERT INTO turns (
	timestamp, agent, provider, model, request_id, status_code,
	request_body_bytes, message_count, user_message_count,
	assistant_message_count, tool_count, system_prompt_chars,
	history_chars, history_tokens_est, input_tokens, output_tokens,
	cache_read_tokens, cache_write_tokens, cost_usd, duration_ms, stop_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectTurnCols = `
	id, timestamp, agent, provider, model, request_id, status_code,
	request_body_bytes, message_count, user_message_count,
	assistant_message_count, tool_count, system_prompt_chars,
	history_chars, history_tokens_est, input_tokens, output_tokens,
	cache_read_tokens, cache_write_tokens, cost_usd, duration_ms, stop_reason`

// SQLiteStore is the embedded backend. All inserts funnel through one
// writer goroutine; the database only ever sees a single writer, which
// keeps WAL mode uncontended under concurrent request handling.
type SQLiteStore struct {
	db    *sql.DB
	queue chan writeReq
	done  chan struct{}

	closeOnce sync.Once
}

// writeReq carries either a Turn to insert or, when ack is non-nil, a
// flush marker the writer acknowledges after everything before it landed.
type writeReq struct {
	turn *Turn
	ack  chan struct{}
}

// OpenSQLite opens (creating if needed) the database at path and starts
// the writer goroutine.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer goroutine plus read-only query traffic.
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		queue: make(chan writeReq, config.DefaultTurnQueueSize),
		done:  make(chan struct{}),
	}
	go s.writeLoop()

	log.Info().Str("path", path).Msg("sqlite usage store opened")
	return s, nil
}

// LogTurn enqueues a Turn for the writer goroutine. Returns ErrQueueFull
// instead of blocking when the queue is saturated.
func (s *SQLiteStore) LogTurn(_ context.Context, t *Turn) error {
	select {
	case s.queue <- writeReq{turn: t}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *SQLiteStore) writeLoop() {
	defer close(s.done)
	for req := range s.queue {
		if req.ack != nil {
			close(req.ack)
			continue
		}
		if err := s.insert(req.turn); err != nil {
			log.Error().Err(err).
				Str("agent", req.turn.Agent).
				Str("provider", req.turn.Provider).
				Msg("turn insert failed, dropping")
		}
	}
}

func (s *SQLiteStore) insert(t *Turn) error {
	_, err := s.db.Exec(insertTurnSQL,
		t.Timestamp.UTC().Format(sqliteTimeLayout),
		t.Agent, t.Provider, t.Model, t.RequestID, t.StatusCode,
		t.RequestBodyBytes, t.MessageCount, t.UserMessageCount,
		t.AssistantMessageCount, t.ToolCount, t.SystemPromptChars,
		t.HistoryChars, t.HistoryTokensEst,
		t.InputTokens, t.OutputTokens,
		t.CacheReadTokens, t.CacheWriteTokens,
		t.CostUSD, t.DurationMs, t.StopReason,
	)
	return err
}

// Flush blocks until every Turn enqueued before the call has been written.
// The writer processes in order, so acknowledging a marker placed at the
// back of the queue proves everything ahead of it landed.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.queue <- writeReq{ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueryTurns returns Turns newest-first, optionally filtered by agent.
func (s *SQLiteStore) QueryTurns(ctx context.Context, f TurnFilter) ([]Turn, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	window := f.Since
	if window <= 0 {
		window = config.DefaultSessionWindow
	}
	since := time.Now().Add(-window).UTC().Format(sqliteTimeLayout)

	var rows *sql.Rows
	var err error
	if f.Agent != "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT"+selectTurnCols+" FROM turns WHERE timestamp >= ? AND agent = ? ORDER BY timestamp DESC LIMIT ?",
			since, f.Agent, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT"+selectTurnCols+" FROM turns WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?",
			since, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// AgentTurns returns one agent's Turns oldest-first within the window.
func (s *SQLiteStore) AgentTurns(ctx context.Context, agent string, window time.Duration) ([]Turn, error) {
	if window <= 0 {
		window = config.DefaultSessionWindow
	}
	since := time.Now().Add(-window).UTC().Format(sqliteTimeLayout)
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectTurnCols+" FROM turns WHERE agent = ? AND timestamp >= ? ORDER BY timestamp ASC",
		agent, since)
	if err != nil {
		return nil, fmt.Errorf("query agent turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Summary aggregates per agent over the window. Null usage rows contribute
// to the turn count but not to token or cost totals.
func (s *SQLiteStore) Summary(ctx context.Context, window time.Duration) ([]AgentSummary, error) {
	if window <= 0 {
		window = config.DefaultSessionWindow
	}
	since := time.Now().Add(-window).UTC().Format(sqliteTimeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent,
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(input_tokens), 0),
			COALESCE(MAX(input_tokens), 0),
			COALESCE(AVG(history_chars), 0)
		FROM turns WHERE timestamp >= ?
		GROUP BY agent ORDER BY agent`, since)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		var a AgentSummary
		if err := rows.Scan(&a.Agent, &a.Turns,
			&a.TotalInputTokens, &a.TotalOutputTokens,
			&a.TotalCacheRead, &a.TotalCacheWrite,
			&a.TotalCostUSD, &a.AvgInputTokens,
			&a.MaxInputTokens, &a.AvgHistoryChars); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadSettings returns the persisted settings document, or nil when
// nothing has been saved.
func (s *SQLiteStore) LoadSettings(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM settings WHERE id = 1").Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return []byte(doc), nil
}

// SaveSettings upserts the single settings row. Last write wins.
func (s *SQLiteStore) SaveSettings(ctx context.Context, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, doc, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		string(doc), time.Now().UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Close drains the writer queue, stops the writer, and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var out []Turn
	for rows.Next() {
		var t Turn
		var ts string
		var input, output, cacheRead, cacheWrite sql.NullInt64
		var cost sql.NullFloat64
		var stop sql.NullString
		if err := rows.Scan(&t.ID, &ts, &t.Agent, &t.Provider, &t.Model,
			&t.RequestID, &t.StatusCode, &t.RequestBodyBytes,
			&t.MessageCount, &t.UserMessageCount, &t.AssistantMessageCount,
			&t.ToolCount, &t.SystemPromptChars, &t.HistoryChars,
			&t.HistoryTokensEst, &input, &output, &cacheRead, &cacheWrite,
			&cost, &t.DurationMs, &stop); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		parsed, err := time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse turn timestamp %q: %w", ts, err)
		}
		t.Timestamp = parsed
		if input.Valid {
			t.InputTokens = &input.Int64
		}
		if output.Valid {
			t.OutputTokens = &output.Int64
		}
		if cacheRead.Valid {
			t.CacheReadTokens = &cacheRead.Int64
		}
		if cacheWrite.Valid {
			t.CacheWriteTokens = &cacheWrite.Int64
		}
		if cost.Valid {
			t.CostUSD = &cost.Float64
		}
		if stop.Valid {
			t.StopReason = &stop.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
