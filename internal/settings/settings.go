// Package settings holds the runtime-adjustable knobs.
//
// Every knob has a default from config; the API can override any subset at
// runtime, and overrides persist in the usage store so they survive
// restarts. A PATCH-style update distinguishes three cases per field:
// absent (keep current override), a value (set override), and explicit
// null (clear override, fall back to the config default).
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/store"
)

// Optional is a patch field that distinguishes absent, null, and set.
type Optional[T any] struct {
	Present bool // field appeared in the document
	Null    bool // field was explicit null
	Value   T
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Present = true
	if bytes.Equal(data, []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// AgentValues is the per-agent slice of the merged view.
type AgentValues struct {
	SessionCharLimit int64 `json:"session_char_limit"`
}

// Values is the effective settings snapshot served to callers. Agents
// lists only agents that carry an override; everyone else inherits the
// global values.
type Values struct {
	SessionCharLimit    int64                  `json:"session_char_limit"`
	AutoResetEnabled    bool                   `json:"auto_reset_enabled"`
	PollIntervalMinutes int                    `json:"poll_interval_minutes"`
	Agents              map[string]AgentValues `json:"agents,omitempty"`
}

// AgentPatch is the per-agent part of a partial update. An explicit null
// limit clears the override back to inheriting the global value.
type AgentPatch struct {
	SessionCharLimit Optional[int64] `json:"session_char_limit"`
}

// Patch is a partial update. Absent fields keep their current state.
// Unknown keys are ignored, not rejected, so forward-compatible clients
// keep working.
type Patch struct {
	SessionCharLimit    Optional[int64]       `json:"session_char_limit"`
	AutoResetEnabled    Optional[bool]        `json:"auto_reset_enabled"`
	PollIntervalMinutes Optional[int]         `json:"poll_interval_minutes"`
	Agents              map[string]AgentPatch `json:"agents"`
}

// agentOverride is one agent's persisted override.
type agentOverride struct {
	SessionCharLimit *int64 `json:"session_char_limit,omitempty"`
}

// overrides is the persisted document: only the overridden fields, as
// pointers so cleared overrides disappear from the stored JSON.
type overrides struct {
	SessionCharLimit    *int64                   `json:"session_char_limit,omitempty"`
	AutoResetEnabled    *bool                    `json:"auto_reset_enabled,omitempty"`
	PollIntervalMinutes *int                     `json:"poll_interval_minutes,omitempty"`
	Agents              map[string]agentOverride `json:"agents,omitempty"`
}

// Manager merges config defaults with persisted overrides.
type Manager struct {
	mu        sync.RWMutex
	defaults  Values
	overrides overrides
	st        store.Store
}

// NewManager builds a manager over the given defaults and loads any
// persisted overrides. A load failure is logged and ignored: the proxy
// starts on defaults rather than refusing to serve.
func NewManager(ctx context.Context, defaults Values, st store.Store) *Manager {
	m := &Manager{defaults: defaults, st: st}

	doc, err := st.LoadSettings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("settings load failed, starting on defaults")
		return m
	}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &m.overrides); err != nil {
			log.Warn().Err(err).Msg("persisted settings unreadable, starting on defaults")
			m.overrides = overrides{}
		}
	}
	return m
}

// Current returns the effective settings: defaults with overrides applied.
func (m *Manager) Current() Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveLocked()
}

func (m *Manager) effectiveLocked() Values {
	v := m.defaults
	if m.overrides.SessionCharLimit != nil {
		v.SessionCharLimit = *m.overrides.SessionCharLimit
	}
	if m.overrides.AutoResetEnabled != nil {
		v.AutoResetEnabled = *m.overrides.AutoResetEnabled
	}
	if m.overrides.PollIntervalMinutes != nil {
		v.PollIntervalMinutes = *m.overrides.PollIntervalMinutes
	}
	if len(m.overrides.Agents) > 0 {
		v.Agents = make(map[string]AgentValues, len(m.overrides.Agents))
		for name, o := range m.overrides.Agents {
			av := AgentValues{SessionCharLimit: v.SessionCharLimit}
			if o.SessionCharLimit != nil {
				av.SessionCharLimit = *o.SessionCharLimit
			}
			v.Agents[name] = av
		}
	}
	return v
}

// EffectiveLimit returns an agent's session char limit: its override when
// one is set, the global value otherwise.
func (m *Manager) EffectiveLimit(agent string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides.Agents[agent]; ok && o.SessionCharLimit != nil {
		return *o.SessionCharLimit
	}
	return m.effectiveLocked().SessionCharLimit
}

// Apply validates and applies a patch, persists the resulting overrides,
// and returns the new effective settings.
func (m *Manager) Apply(ctx context.Context, doc []byte) (Values, error) {
	var p Patch
	if err := json.Unmarshal(doc, &p); err != nil {
		return Values{}, fmt.Errorf("parse settings patch: %w", err)
	}

	if p.SessionCharLimit.Present && !p.SessionCharLimit.Null && p.SessionCharLimit.Value <= 0 {
		return Values{}, fmt.Errorf("session_char_limit must be positive, got %d", p.SessionCharLimit.Value)
	}
	if p.PollIntervalMinutes.Present && !p.PollIntervalMinutes.Null && p.PollIntervalMinutes.Value <= 0 {
		return Values{}, fmt.Errorf("poll_interval_minutes must be positive, got %d", p.PollIntervalMinutes.Value)
	}
	for name, ap := range p.Agents {
		if ap.SessionCharLimit.Present && !ap.SessionCharLimit.Null && ap.SessionCharLimit.Value <= 0 {
			return Values{}, fmt.Errorf("agents.%s.session_char_limit must be positive, got %d", name, ap.SessionCharLimit.Value)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	applyField(&m.overrides.SessionCharLimit, p.SessionCharLimit)
	applyField(&m.overrides.AutoResetEnabled, p.AutoResetEnabled)
	applyField(&m.overrides.PollIntervalMinutes, p.PollIntervalMinutes)
	for name, ap := range p.Agents {
		if !ap.SessionCharLimit.Present {
			continue
		}
		if ap.SessionCharLimit.Null {
			delete(m.overrides.Agents, name)
			continue
		}
		if m.overrides.Agents == nil {
			m.overrides.Agents = make(map[string]agentOverride)
		}
		limit := ap.SessionCharLimit.Value
		m.overrides.Agents[name] = agentOverride{SessionCharLimit: &limit}
	}

	persisted, err := json.Marshal(m.overrides)
	if err != nil {
		return Values{}, fmt.Errorf("encode settings overrides: %w", err)
	}
	if err := m.st.SaveSettings(ctx, persisted); err != nil {
		// The in-memory state already moved; report the persistence
		// failure so the caller knows a restart loses the change.
		log.Error().Err(err).Msg("settings persistence failed")
	}

	v := m.effectiveLocked()
	log.Info().
		Int64("session_char_limit", v.SessionCharLimit).
		Bool("auto_reset_enabled", v.AutoResetEnabled).
		Int("poll_interval_minutes", v.PollIntervalMinutes).
		Msg("settings updated")
	return v, nil
}

func applyField[T any](dst **T, o Optional[T]) {
	switch {
	case !o.Present:
	case o.Null:
		*dst = nil
	default:
		v := o.Value
		*dst = &v
	}
}
