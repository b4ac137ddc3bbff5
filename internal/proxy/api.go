package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/config"
	"github.com/tokenspy/tokenspy/internal/session"
	"github.com/tokenspy/tokenspy/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": "proxy_error"},
	})
}

// handleHealth reports liveness, the registered providers, and the
// effective limit for the configured agent.
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"time":               time.Now().UTC().Format(time.RFC3339),
		"providers":          p.registry.Names(),
		"agent":              p.cfg.AgentName,
		"session_char_limit": p.settings.EffectiveLimit(p.cfg.AgentName),
	})
}

// handleSettings serves the effective settings (GET) and applies partial
// updates (POST). An explicit null clears a field back to its config
// default.
func (p *Proxy) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, p.settings.Current())
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		doc, err := io.ReadAll(r.Body)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		v, err := p.settings.Apply(r.Context(), doc)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUsage returns logged Turns newest-first, optionally filtered by
// agent and bounded by limit.
func (p *Proxy) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f := store.TurnFilter{Agent: r.URL.Query().Get("agent")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10_000 {
			writeAPIError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		f.Since = time.Duration(n) * time.Hour
	}

	turns, err := p.store.QueryTurns(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("usage query failed")
		writeAPIError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleSummary returns per-agent aggregates over the window.
func (p *Proxy) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	window := config.DefaultSessionWindow
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		window = time.Duration(n) * time.Hour
	}

	summaries, err := p.store.Summary(r.Context(), window)
	if err != nil {
		log.Error().Err(err).Msg("summary query failed")
		writeAPIError(w, http.StatusInternalServerError, "summary query failed")
		return
	}
	if summaries == nil {
		summaries = []store.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": int(window.Hours()),
		"agents":       summaries,
	})
}

// agentStatus is one agent's session read-out.
type agentStatus struct {
	Agent            string         `json:"agent"`
	Status           session.Status `json:"status"`
	HistoryChars     int64          `json:"conversation_history_chars"`
	HistoryTokensEst int64          `json:"history_tokens_est"`
	Limit            int64          `json:"session_char_limit"`
	TurnsInSession   int            `json:"turns_in_session"`
	SessionsInWindow int            `json:"sessions_in_window"`
	LastTurnAt       time.Time      `json:"last_turn_at"`
}

// handleSessionStatus derives each agent's session health from the Turn
// log. Sessions are never stored; they are recomputed on every read.
func (p *Proxy) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agents := map[string]bool{}
	if only := r.URL.Query().Get("agent"); only != "" {
		agents[only] = true
	} else {
		for _, name := range p.cfg.AgentNames() {
			agents[name] = true
		}
		summaries, err := p.store.Summary(r.Context(), config.DefaultSessionWindow)
		if err != nil {
			log.Error().Err(err).Msg("session status query failed")
			writeAPIError(w, http.StatusInternalServerError, "session status query failed")
			return
		}
		for _, s := range summaries {
			agents[s.Agent] = true
		}
	}

	statuses := make([]agentStatus, 0, len(agents))
	for name := range agents {
		turns, err := p.store.AgentTurns(r.Context(), name, config.DefaultSessionWindow)
		if err != nil {
			log.Error().Err(err).Str("agent", name).Msg("session status query failed")
			continue
		}
		if len(turns) == 0 {
			continue
		}
		current := session.Current(turns)
		latest := current[len(current)-1]
		limit := p.settings.EffectiveLimit(name)
		statuses = append(statuses, agentStatus{
			Agent:            name,
			Status:           session.Classify(latest.HistoryChars, limit),
			HistoryChars:     latest.HistoryChars,
			HistoryTokensEst: latest.HistoryTokensEst,
			Limit:            limit,
			TurnsInSession:   len(current),
			SessionsInWindow: len(session.Split(turns)),
			LastTurnAt:       latest.Timestamp,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Agent < statuses[j].Agent })
	writeJSON(w, http.StatusOK, map[string]any{"agents": statuses})
}

// handleResetSession runs the reset action for one agent on demand. The
// agent comes from the ?agent= query parameter, or from a JSON body for
// clients that prefer one.
func (p *Proxy) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Agent string `json:"agent"`
	}
	req.Agent = r.URL.Query().Get("agent")
	if req.Agent == "" {
		r.Body = http.MaxBytesReader(w, r.Body, 1024)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
			writeAPIError(w, http.StatusBadRequest, "agent is required")
			return
		}
	}
	if p.cfg.AgentSessionDir(req.Agent) == "" {
		writeAPIError(w, http.StatusNotFound, "agent has no session directory")
		return
	}

	res, err := p.monitor.ResetAgent(req.Agent)
	if err != nil {
		log.Error().Err(err).Str("agent", req.Agent).Msg("manual session reset failed")
		writeAPIError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	log.Info().
		Str("agent", req.Agent).
		Bool("deleted", res.Deleted).
		Str("file", res.File).
		Msg("manual session reset")
	writeJSON(w, http.StatusOK, res)
}
