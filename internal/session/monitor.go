package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/metrics"
	"github.com/tokenspy/tokenspy/internal/settings"
	"github.com/tokenspy/tokenspy/internal/store"
)

// DirResolver maps an agent name to its session artifact directory.
// Returns "" when the agent has no configured directory, which disables
// the reset action for that agent.
type DirResolver func(agent string) string

type agentState struct {
	seen    bool
	history int64
	fired   bool // auto-reset already fired this session
}

// Monitor tracks per-agent history sizes and fires the automatic reset
// when an agent crosses the limit. Crossing state lives in memory and is
// seeded from the Turn log at startup, so detection never races the
// store's async writer.
type Monitor struct {
	settings *settings.Manager
	resolve  DirResolver

	mu     sync.Mutex
	agents map[string]*agentState
}

// NewMonitor builds a monitor. Call Seed before serving traffic.
func NewMonitor(s *settings.Manager, resolve DirResolver) *Monitor {
	return &Monitor{
		settings: s,
		resolve:  resolve,
		agents:   make(map[string]*agentState),
	}
}

// Seed primes crossing detection from the most recent Turn per agent, so
// a proxy restart in the middle of an oversized session does not re-fire
// the reset that already happened.
func (m *Monitor) Seed(ctx context.Context, st store.Store, window time.Duration) error {
	turns, err := st.QueryTurns(ctx, store.TurnFilter{Since: window, Limit: 1000})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Newest-first: the first row seen per agent is its latest turn.
	for _, t := range turns {
		if _, ok := m.agents[t.Agent]; ok {
			continue
		}
		m.agents[t.Agent] = &agentState{
			seen:    true,
			history: t.HistoryChars,
			fired:   t.HistoryChars >= m.settings.EffectiveLimit(t.Agent),
		}
	}
	return nil
}

// Observe records one turn's history size and returns its Status plus the
// reset result when the automatic reset fired. The reset fires only on
// the upward crossing of the limit, at most once per session.
func (m *Monitor) Observe(agent string, historyChars int64) (Status, *ResetResult) {
	limit := m.settings.EffectiveLimit(agent)
	autoReset := m.settings.Current().AutoResetEnabled
	status := Classify(historyChars, limit)
	metrics.SessionHistoryChars.WithLabelValues(agent).Set(float64(historyChars))

	m.mu.Lock()
	st, ok := m.agents[agent]
	if !ok {
		st = &agentState{}
		m.agents[agent] = st
	}
	prev := st.history
	prevSeen := st.seen
	if prevSeen && isBoundary(prev, historyChars) {
		st.fired = false
	}
	crossed := historyChars >= limit &&
		(!prevSeen || prev < limit)
	shouldReset := crossed && !st.fired && autoReset
	if shouldReset {
		st.fired = true
	}
	st.seen = true
	st.history = historyChars
	m.mu.Unlock()

	if status != StatusHealthy {
		log.Warn().
			Str("agent", agent).
			Int64("history_chars", historyChars).
			Int64("limit", limit).
			Str("status", string(status)).
			Msg("session over budget")
	}
	if !shouldReset {
		return status, nil
	}

	dir := m.resolve(agent)
	if dir == "" {
		log.Warn().Str("agent", agent).Msg("limit crossed but agent has no session directory, reset skipped")
		return status, nil
	}
	res, err := Reset(dir)
	if err != nil {
		log.Error().Err(err).Str("agent", agent).Msg("automatic session reset failed")
		return status, nil
	}
	metrics.SessionResetsTotal.WithLabelValues(agent, "auto").Inc()
	log.Info().
		Str("agent", agent).
		Bool("deleted", res.Deleted).
		Str("file", res.File).
		Msg("automatic session reset")
	return status, &res
}

// ResetAgent runs the reset action on demand, regardless of crossing
// state, and marks the current session as already handled.
func (m *Monitor) ResetAgent(agent string) (ResetResult, error) {
	dir := m.resolve(agent)
	if dir == "" {
		return ResetResult{}, nil
	}
	res, err := Reset(dir)
	if err != nil {
		return ResetResult{}, err
	}
	m.mu.Lock()
	if st, ok := m.agents[agent]; ok {
		st.fired = true
	}
	m.mu.Unlock()
	if res.Deleted {
		metrics.SessionResetsTotal.WithLabelValues(agent, "manual").Inc()
	}
	return res, nil
}
