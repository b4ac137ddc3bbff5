// Package config - defaults.go centralizes magic numbers and default values.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultPort is the proxy listen port.
const DefaultPort = 8321

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 2 * time.Minute

// DefaultServerWriteTimeout must stay generous: LLM responses stream for
// minutes and a tight write timeout would cut live SSE streams.
const DefaultServerWriteTimeout = 15 * time.Minute

// DefaultUpstreamTimeout bounds a full upstream round trip. It is looser
// than any provider-side timeout so the proxy never misattributes upstream
// slowness as its own failure.
const DefaultUpstreamTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultBufferSize is the standard streaming I/O buffer size.
const DefaultBufferSize = 4096

// =============================================================================
// PROVIDERS
// =============================================================================

// DefaultAnthropicBaseURL is the Anthropic Messages API endpoint.
const DefaultAnthropicBaseURL = "https://api.anthropic.com"

// DefaultOpenAIBaseURL is the OpenAI-compatible Chat Completions endpoint.
const DefaultOpenAIBaseURL = "https://api.openai.com"

// =============================================================================
// STORAGE
// =============================================================================

// BackendSQLite selects the embedded SQLite usage store.
const BackendSQLite = "sqlite"

// BackendPostgres selects the PostgreSQL usage store.
const BackendPostgres = "postgres"

// DefaultSQLitePath is the default embedded database location.
const DefaultSQLitePath = "data/usage.db"

// DefaultTurnQueueSize bounds the SQLite single-writer queue. Turns beyond
// this under a sustained storage stall are dropped, not buffered forever.
const DefaultTurnQueueSize = 1024

// =============================================================================
// SESSION HEALTH
// =============================================================================

// DefaultSessionCharLimit is the conversation-history size at which a
// session is considered over budget.
const DefaultSessionCharLimit = 200_000

// DefaultPollIntervalMinutes is the watchdog poll cadence.
const DefaultPollIntervalMinutes = 5

// DefaultSessionWindow is how far back the Turn log is scanned when
// deriving the current session.
const DefaultSessionWindow = 24 * time.Hour

// TokenEstimateRatio is the approximate number of characters per token,
// used when the tokenizer has no encoding for a model.
const TokenEstimateRatio = 4
