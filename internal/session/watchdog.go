package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/settings"
	"github.com/tokenspy/tokenspy/internal/store"
)

// Watchdog periodically re-reads the Turn log and routes each agent's
// latest history size through the monitor, so an agent that went quiet
// while over budget still shows up in the gauges and still gets the
// automatic reset. The cron ticks every minute; the configured poll
// interval gates how often an evaluation actually runs, which lets the
// interval change at runtime without rescheduling.
type Watchdog struct {
	store    store.Store
	settings *settings.Manager
	monitor  *Monitor
	cron     *cron.Cron

	mu      sync.Mutex
	lastRun time.Time
}

// NewWatchdog builds a watchdog over the Turn log.
func NewWatchdog(st store.Store, s *settings.Manager, m *Monitor) *Watchdog {
	return &Watchdog{store: st, settings: s, monitor: m, cron: cron.New()}
}

// Start schedules the watchdog and runs one evaluation immediately.
func (w *Watchdog) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc("@every 1m", func() { w.tick(ctx) }); err != nil {
		return err
	}
	w.cron.Start()
	w.evaluate(ctx)
	return nil
}

// Stop halts the schedule and waits for a running evaluation to finish.
func (w *Watchdog) Stop() {
	<-w.cron.Stop().Done()
}

func (w *Watchdog) tick(ctx context.Context) {
	interval := time.Duration(w.settings.Current().PollIntervalMinutes) * time.Minute
	w.mu.Lock()
	due := time.Since(w.lastRun) >= interval
	w.mu.Unlock()
	if due {
		w.evaluate(ctx)
	}
}

func (w *Watchdog) evaluate(ctx context.Context) {
	w.mu.Lock()
	w.lastRun = time.Now()
	w.mu.Unlock()

	turns, err := w.store.QueryTurns(ctx, store.TurnFilter{Limit: 1000})
	if err != nil {
		log.Error().Err(err).Msg("watchdog query failed")
		return
	}

	// Newest-first: first row per agent is its latest turn. Observing it
	// again is harmless, and an agent the monitor has never seen gets
	// picked up here.
	seen := make(map[string]bool)
	for _, t := range turns {
		if seen[t.Agent] {
			continue
		}
		seen[t.Agent] = true

		status, _ := w.monitor.Observe(t.Agent, t.HistoryChars)
		log.Debug().
			Str("agent", t.Agent).
			Int64("history_chars", t.HistoryChars).
			Str("status", string(status)).
			Time("last_turn", t.Timestamp).
			Msg("watchdog session check")
	}
}
