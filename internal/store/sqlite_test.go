package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func TestSQLite_LogAndQueryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	turn := &Turn{
		Timestamp:             time.Now().UTC(),
		Agent:                 "alpha",
		Provider:              "anthropic",
		Model:                 "claude-sonnet-4-5",
		RequestID:             "req-1",
		StatusCode:            200,
		RequestBodyBytes:      4096,
		MessageCount:          7,
		UserMessageCount:      4,
		AssistantMessageCount: 3,
		ToolCount:             12,
		SystemPromptChars:     2200,
		HistoryChars:          150_000,
		HistoryTokensEst:      37_500,
		InputTokens:           i64(1200),
		OutputTokens:          i64(340),
		CacheReadTokens:       i64(90_000),
		CacheWriteTokens:      i64(500),
		CostUSD:               f64(0.0421),
		DurationMs:            1830,
		StopReason:            str("end_turn"),
	}
	require.NoError(t, s.LogTurn(ctx, turn))
	require.NoError(t, s.Flush(ctx))

	turns, err := s.QueryTurns(ctx, TurnFilter{Agent: "alpha"})
	require.NoError(t, err)
	require.Len(t, turns, 1)

	got := turns[0]
	assert.Equal(t, "alpha", got.Agent)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)
	assert.Equal(t, int64(150_000), got.HistoryChars)
	require.NotNil(t, got.InputTokens)
	assert.Equal(t, int64(1200), *got.InputTokens)
	require.NotNil(t, got.CostUSD)
	assert.InDelta(t, 0.0421, *got.CostUSD, 1e-9)
	require.NotNil(t, got.StopReason)
	assert.Equal(t, "end_turn", *got.StopReason)
}

func TestSQLite_NullUsageStaysNull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A degraded turn: request metrics present, usage unreadable.
	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp:    time.Now().UTC(),
		Agent:        "alpha",
		Provider:     "openai",
		Model:        "mystery-model",
		HistoryChars: 5000,
		StatusCode:   200,
	}))
	require.NoError(t, s.Flush(ctx))

	turns, err := s.QueryTurns(ctx, TurnFilter{Agent: "alpha"})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Nil(t, turns[0].InputTokens)
	assert.Nil(t, turns[0].OutputTokens)
	assert.Nil(t, turns[0].CostUSD)
	assert.Nil(t, turns[0].StopReason)
}

func TestSQLite_QueryTurnsNewestFirstAndAgentFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		agent := "alpha"
		if i%2 == 1 {
			agent = "beta"
		}
		require.NoError(t, s.LogTurn(ctx, &Turn{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Agent:        agent,
			Provider:     "anthropic",
			HistoryChars: int64(i),
		}))
	}
	require.NoError(t, s.Flush(ctx))

	all, err := s.QueryTurns(ctx, TurnFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(4), all[0].HistoryChars)
	assert.Equal(t, int64(0), all[4].HistoryChars)

	alpha, err := s.QueryTurns(ctx, TurnFilter{Agent: "alpha"})
	require.NoError(t, err)
	require.Len(t, alpha, 3)
	for _, turn := range alpha {
		assert.Equal(t, "alpha", turn.Agent)
	}
}

func TestSQLite_AgentTurnsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-30 * time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.LogTurn(ctx, &Turn{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Agent:        "alpha",
			Provider:     "anthropic",
			HistoryChars: int64(100 * (i + 1)),
		}))
	}
	require.NoError(t, s.Flush(ctx))

	turns, err := s.AgentTurns(ctx, "alpha", 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, int64(100), turns[0].HistoryChars)
	assert.Equal(t, int64(300), turns[2].HistoryChars)
}

func TestSQLite_SubSecondTimestampOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Timestamps whose RFC3339Nano renderings sort wrong: ".15" would
	// compare after ".153" as text. The fixed-width layout keeps text
	// order equal to time order.
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	later := base.Add(153 * time.Millisecond)
	earlier := base.Add(150 * time.Millisecond)

	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: later, Agent: "alpha", Provider: "anthropic",
		HistoryChars: 2,
	}))
	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: earlier, Agent: "alpha", Provider: "anthropic",
		HistoryChars: 1,
	}))
	require.NoError(t, s.Flush(ctx))

	turns, err := s.AgentTurns(ctx, "alpha", 365*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, int64(1), turns[0].HistoryChars)
	assert.Equal(t, int64(2), turns[1].HistoryChars)
	assert.True(t, turns[0].Timestamp.Before(turns[1].Timestamp))

	newest, err := s.QueryTurns(ctx, TurnFilter{Agent: "alpha", Since: 365 * 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, int64(2), newest[0].HistoryChars)
}

func TestSQLite_WindowExcludesOldTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Agent:     "alpha", Provider: "anthropic",
	}))
	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: time.Now().UTC(),
		Agent:     "alpha", Provider: "anthropic",
	}))
	require.NoError(t, s.Flush(ctx))

	turns, err := s.AgentTurns(ctx, "alpha", 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestSQLite_SummaryAggregation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: now, Agent: "alpha", Provider: "anthropic",
		InputTokens: i64(1000), OutputTokens: i64(200), CostUSD: f64(0.01),
		HistoryChars: 1000,
	}))
	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: now, Agent: "alpha", Provider: "anthropic",
		InputTokens: i64(3000), OutputTokens: i64(400), CostUSD: f64(0.03),
		HistoryChars: 3000,
	}))
	// Degraded turn counts toward turns but not token totals.
	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: now, Agent: "alpha", Provider: "anthropic",
		HistoryChars: 2000,
	}))
	require.NoError(t, s.LogTurn(ctx, &Turn{
		Timestamp: now, Agent: "beta", Provider: "openai",
		InputTokens: i64(500), OutputTokens: i64(100), CostUSD: f64(0.002),
		HistoryChars: 500,
	}))
	require.NoError(t, s.Flush(ctx))

	summaries, err := s.Summary(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	alpha := summaries[0]
	assert.Equal(t, "alpha", alpha.Agent)
	assert.Equal(t, int64(3), alpha.Turns)
	assert.Equal(t, int64(4000), alpha.TotalInputTokens)
	assert.Equal(t, int64(600), alpha.TotalOutputTokens)
	assert.InDelta(t, 0.04, alpha.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(3000), alpha.MaxInputTokens)
	assert.InDelta(t, 2000, alpha.AvgHistoryChars, 1e-9)

	beta := summaries[1]
	assert.Equal(t, "beta", beta.Agent)
	assert.Equal(t, int64(1), beta.Turns)
}

func TestSQLite_SettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, s.SaveSettings(ctx, []byte(`{"session_char_limit":250000}`)))
	doc, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_char_limit":250000}`, string(doc))

	// Last write wins.
	require.NoError(t, s.SaveSettings(ctx, []byte(`{"session_char_limit":100000}`)))
	doc, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_char_limit":100000}`, string(doc))
}

func TestSQLite_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 20; i++ {
				_ = s.LogTurn(ctx, &Turn{
					Timestamp: time.Now().UTC(),
					Agent:     "alpha",
					Provider:  "anthropic",
				})
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	require.NoError(t, s.Flush(ctx))

	turns, err := s.QueryTurns(ctx, TurnFilter{Agent: "alpha", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, turns, 160)
}
