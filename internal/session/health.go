// Package session tracks conversation health per agent and performs the
// reset action when a session outgrows its budget.
package session

// Status classifies a session by conversation-history size against the
// configured character limit.
type Status string

const (
	// StatusHealthy: history below the limit.
	StatusHealthy Status = "healthy"
	// StatusMonitor: at or past the limit, under twice it.
	StatusMonitor Status = "monitor"
	// StatusCompactSoon: at or past twice the limit, under 2.5x.
	StatusCompactSoon Status = "compact_soon"
	// StatusResetRecommended: at or past 2.5x the limit.
	StatusResetRecommended Status = "reset_recommended"
)

// Classify maps a history size to its Status. Thresholds are half-open
// on the left: exactly at a boundary lands in the higher band.
func Classify(historyChars, limit int64) Status {
	switch {
	case historyChars < limit:
		return StatusHealthy
	case historyChars < 2*limit:
		return StatusMonitor
	case historyChars*2 < 5*limit: // < 2.5x without float math
		return StatusCompactSoon
	default:
		return StatusResetRecommended
	}
}
