package session

import "github.com/tokenspy/tokenspy/internal/store"

// Sessions are not stored; they are derived from the Turn log. A new
// session starts where history size collapses: the previous turn carried
// real history (over noiseFloor chars) and the current turn carries less
// than half of it.
const noiseFloor = 1000

// isBoundary reports whether curr starts a new session after prev.
func isBoundary(prev, curr int64) bool {
	return prev > noiseFloor && curr*2 < prev
}

// Split partitions an agent's Turns (oldest-first) into sessions.
func Split(turns []store.Turn) [][]store.Turn {
	if len(turns) == 0 {
		return nil
	}
	var sessions [][]store.Turn
	start := 0
	for i := 1; i < len(turns); i++ {
		if isBoundary(turns[i-1].HistoryChars, turns[i].HistoryChars) {
			sessions = append(sessions, turns[start:i])
			start = i
		}
	}
	return append(sessions, turns[start:])
}

// Current returns the most recent session, or nil when there are no Turns.
func Current(turns []store.Turn) []store.Turn {
	sessions := Split(turns)
	if len(sessions) == 0 {
		return nil
	}
	return sessions[len(sessions)-1]
}
