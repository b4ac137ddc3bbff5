// Package store persists the append-only Turn log and the settings row.
//
// Two backends implement the same contract: an embedded SQLite database
// (single process per host, writes serialized through one goroutine) and
// PostgreSQL (multiple proxy processes sharing one database, concurrency
// handled by the server). Selection happens once at startup from config.
package store

import (
	"context"
	"time"
)

// Turn is one logged API call. Immutable once written; usage fields are
// pointers because a call can complete without measurable usage (parse
// failure, upstream error) and null must stay distinguishable from zero.
type Turn struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Agent     string    `db:"agent" json:"agent"`
	Provider  string    `db:"provider" json:"provider"`
	Model     string    `db:"model" json:"model"`
	RequestID string    `db:"request_id" json:"request_id"`

	StatusCode       int   `db:"status_code" json:"status_code"`
	RequestBodyBytes int64 `db:"request_body_bytes" json:"request_body_bytes"`

	MessageCount          int   `db:"message_count" json:"message_count"`
	UserMessageCount      int   `db:"user_message_count" json:"user_message_count"`
	AssistantMessageCount int   `db:"assistant_message_count" json:"assistant_message_count"`
	ToolCount             int   `db:"tool_count" json:"tool_count"`
	SystemPromptChars     int64 `db:"system_prompt_chars" json:"system_prompt_chars"`
	HistoryChars          int64 `db:"history_chars" json:"conversation_history_chars"`
	HistoryTokensEst      int64 `db:"history_tokens_est" json:"history_tokens_est"`

	InputTokens      *int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens     *int64   `db:"output_tokens" json:"output_tokens"`
	CacheReadTokens  *int64   `db:"cache_read_tokens" json:"cache_read_tokens"`
	CacheWriteTokens *int64   `db:"cache_write_tokens" json:"cache_write_tokens"`
	CostUSD          *float64 `db:"cost_usd" json:"cost_usd"`

	DurationMs int64   `db:"duration_ms" json:"duration_ms"`
	StopReason *string `db:"stop_reason" json:"stop_reason"`
}

// TurnFilter narrows Turn queries.
type TurnFilter struct {
	Agent string        // empty = all agents
	Since time.Duration // window back from now
	Limit int
}

// AgentSummary aggregates Turns for one agent over a window.
type AgentSummary struct {
	Agent             string  `db:"agent" json:"agent"`
	Turns             int64   `db:"turns" json:"turns"`
	TotalInputTokens  int64   `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64   `db:"total_output_tokens" json:"total_output_tokens"`
	TotalCacheRead    int64   `db:"total_cache_read" json:"total_cache_read"`
	TotalCacheWrite   int64   `db:"total_cache_write" json:"total_cache_write"`
	TotalCostUSD      float64 `db:"total_cost" json:"total_cost_usd"`
	AvgInputTokens    float64 `db:"avg_input_tokens" json:"avg_input_tokens"`
	MaxInputTokens    int64   `db:"max_input_tokens" json:"max_input_tokens"`
	AvgHistoryChars   float64 `db:"avg_history_chars" json:"avg_history_chars"`
}

// Store is the usage store contract shared by both backends.
type Store interface {
	// LogTurn appends one Turn. Implementations may complete the write
	// asynchronously; a nil return means the Turn was accepted, not
	// necessarily durable.
	LogTurn(ctx context.Context, t *Turn) error

	// QueryTurns returns Turns newest-first.
	QueryTurns(ctx context.Context, f TurnFilter) ([]Turn, error)

	// AgentTurns returns one agent's Turns oldest-first within the
	// window, for session derivation.
	AgentTurns(ctx context.Context, agent string, window time.Duration) ([]Turn, error)

	// Summary aggregates per agent over the window.
	Summary(ctx context.Context, window time.Duration) ([]AgentSummary, error)

	// LoadSettings returns the persisted settings document, or (nil, nil)
	// when none has been saved yet.
	LoadSettings(ctx context.Context) ([]byte, error)

	// SaveSettings replaces the settings document. Last write wins.
	SaveSettings(ctx context.Context, doc []byte) error

	Close() error
}
