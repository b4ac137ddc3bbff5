package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/adapters"
	"github.com/tokenspy/tokenspy/internal/config"
	"github.com/tokenspy/tokenspy/internal/metrics"
	"github.com/tokenspy/tokenspy/internal/pricing"
	"github.com/tokenspy/tokenspy/internal/store"
	"github.com/tokenspy/tokenspy/internal/tokens"
)

// errProviderDisabled means the provider has no usable base URL, either
// disabled in config or removed by a hot reload.
var errProviderDisabled = errors.New("provider disabled or missing base url")

// HeaderAgent names the agent a call belongs to. Stripped before
// forwarding; falls back to the configured agent name when absent.
const HeaderAgent = "X-Tokenspy-Agent"

// HeaderRequestID carries a caller-supplied correlation ID.
const HeaderRequestID = "X-Request-Id"

// forwardHeaders is the whitelist of request headers passed upstream.
// Credentials (Authorization, x-api-key) pass through untouched and are
// never logged or stored.
var forwardHeaders = []string{
	"Content-Type", "Accept", "Authorization", "x-api-key", "api-key",
	"anthropic-version", "anthropic-beta", "User-Agent",
}

// handleProxy relays one provider API call. The client sees exactly what
// the upstream sent, byte for byte; measurement happens on copies.
func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := p.requestID(r)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	adapter, err := p.registry.ByPath(r.URL.Path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeProviderError(w, adapter, http.StatusBadRequest,
			adapters.ErrTypeInvalid, "failed to read request body")
		return
	}

	agent := p.agentName(r)

	// Analysis failure degrades observability, never traffic: the raw
	// bytes still go upstream.
	stats, analyzeErr := adapter.AnalyzeRequest(body)
	if analyzeErr != nil {
		log.Warn().Err(analyzeErr).
			Str("request_id", requestID).
			Str("provider", adapter.Name()).
			Msg("request analysis failed, forwarding unparsed")
		stats = &adapters.RequestStats{}
	}

	forwardBody := adapter.RewriteRequest(body)

	resp, err := p.forward(r.Context(), r, adapter, forwardBody)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", requestID).
			Str("provider", adapter.Name()).
			Msg("upstream request failed")
		p.writeProviderError(w, adapter, http.StatusBadGateway,
			adapters.ErrTypeUpstreamDown, "upstream request failed")
		p.finishTurn(turnParams{
			requestID: requestID, agent: agent, adapter: adapter,
			stats: stats, analyzeOK: analyzeErr == nil,
			bodyBytes: int64(len(body)), statusCode: http.StatusBadGateway,
			start: start, outcome: "network_error",
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w, resp.Header)

	var usage adapters.UsageInfo
	clientGone := false
	if isEventStream(resp.Header) {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(resp.StatusCode)
		usage, clientGone = p.streamResponse(w, resp.Body, adapter.NewStreamParser())
	} else {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			log.Debug().Err(readErr).Str("request_id", requestID).Msg("upstream body read truncated")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		if resp.StatusCode < 400 {
			usage = adapter.ExtractUsage(respBody)
		}
	}
	// A disconnect usually surfaces as cancellation of the request context,
	// which aborts the upstream read, not as a write failure.
	if r.Context().Err() != nil {
		clientGone = true
	}

	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = "upstream_error"
	}
	p.finishTurn(turnParams{
		requestID: requestID, agent: agent, adapter: adapter,
		stats: stats, analyzeOK: analyzeErr == nil,
		bodyBytes: int64(len(body)), statusCode: resp.StatusCode,
		usage: usage, clientGone: clientGone,
		start: start, outcome: outcome,
	})
}

// forward POSTs the body to the provider's configured upstream, passing
// the whitelisted caller headers through unchanged.
func (p *Proxy) forward(ctx context.Context, r *http.Request, adapter adapters.Adapter, body []byte) (*http.Response, error) {
	base := p.cfg.ProviderBaseURL(adapter.Name())
	if base == "" {
		return nil, errProviderDisabled
	}
	target := base + r.URL.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, h := range forwardHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	log.Debug().
		Str("target", target).
		Str("provider", adapter.Name()).
		Int("body_bytes", len(body)).
		Msg("forwarding request")

	return p.httpClient.Do(req)
}

// streamResponse relays SSE chunks to the client as they arrive, feeding
// each chunk to the usage tap. Returns the tapped usage and whether a
// write to the client failed; most disconnects instead cancel the request
// context, which the caller checks after the stream ends.
func (p *Proxy) streamResponse(w http.ResponseWriter, reader io.Reader, parser adapters.StreamParser) (adapters.UsageInfo, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Warn().Msg("streaming not supported, falling back to buffered")
		var buf bytes.Buffer
		_, _ = io.Copy(io.MultiWriter(w, &buf), reader)
		parser.Feed(buf.Bytes())
		return parser.Usage(), false
	}

	clientGone := false
	buf := make([]byte, config.DefaultBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			parser.Feed(chunk)

			if !clientGone {
				if _, writeErr := w.Write(chunk); writeErr != nil {
					log.Debug().Err(writeErr).Msg("client disconnected mid-stream")
					clientGone = true
					// The shared request context aborts the upstream read
					// shortly; the loop just drains whatever is buffered.
				} else {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("upstream stream ended with error")
			}
			break
		}
	}
	return parser.Usage(), clientGone
}

// turnParams carries everything finishTurn needs to record one call.
type turnParams struct {
	requestID  string
	agent      string
	adapter    adapters.Adapter
	stats      *adapters.RequestStats
	analyzeOK  bool
	bodyBytes  int64
	statusCode int
	usage      adapters.UsageInfo
	clientGone bool
	start      time.Time
	outcome    string
}

// finishTurn runs after the last byte reached the client: it records the
// Turn, updates metrics, and feeds the session monitor. Nothing here can
// affect the response.
func (p *Proxy) finishTurn(tp turnParams) {
	duration := time.Since(tp.start)
	provider := tp.adapter.Name()

	turn := &store.Turn{
		Timestamp:             tp.start.UTC(),
		Agent:                 tp.agent,
		Provider:              provider,
		Model:                 tp.stats.Model,
		RequestID:             tp.requestID,
		StatusCode:            tp.statusCode,
		RequestBodyBytes:      tp.bodyBytes,
		MessageCount:          tp.stats.MessageCount,
		UserMessageCount:      tp.stats.UserMessageCount,
		AssistantMessageCount: tp.stats.AssistantMessageCount,
		ToolCount:             tp.stats.ToolCount,
		SystemPromptChars:     tp.stats.SystemPromptChars,
		HistoryChars:          tp.stats.HistoryChars,
		DurationMs:            duration.Milliseconds(),
	}
	if tp.analyzeOK {
		if tp.stats.HistoryRaw != "" {
			turn.HistoryTokensEst = p.estimator.Estimate(tp.stats.HistoryRaw)
		} else {
			turn.HistoryTokensEst = tokens.EstimateFromChars(tp.stats.HistoryChars)
		}
	}

	if tp.usage.Valid {
		turn.InputTokens = &tp.usage.InputTokens
		turn.OutputTokens = &tp.usage.OutputTokens
		turn.CacheReadTokens = &tp.usage.CacheReadTokens
		turn.CacheWriteTokens = &tp.usage.CacheWriteTokens

		// Cost is computed once, at write time. Unknown models store a
		// null cost rather than a guess.
		if table := pricing.ForProvider(provider); table != nil {
			if mp, err := table.Lookup(tp.stats.Model); err == nil {
				cost := pricing.Cost(mp, tp.usage.InputTokens, tp.usage.OutputTokens,
					tp.usage.CacheReadTokens, tp.usage.CacheWriteTokens)
				turn.CostUSD = &cost
			} else {
				log.Debug().Str("model", tp.stats.Model).Msg("no pricing entry, cost recorded as null")
			}
		}

		var costVal float64
		if turn.CostUSD != nil {
			costVal = *turn.CostUSD
		}
		metrics.RecordUsage(provider, tp.agent,
			tp.usage.InputTokens, tp.usage.OutputTokens,
			tp.usage.CacheReadTokens, tp.usage.CacheWriteTokens, costVal)
	}

	stopReason := tp.usage.StopReason
	if tp.clientGone && stopReason == "" {
		stopReason = "client_disconnected"
	}
	if stopReason != "" {
		turn.StopReason = &stopReason
	}

	metrics.RequestsTotal.WithLabelValues(provider, tp.agent, tp.outcome).Inc()
	metrics.RequestDuration.WithLabelValues(provider).Observe(duration.Seconds())

	if err := p.store.LogTurn(context.Background(), turn); err != nil {
		metrics.TurnDropsTotal.Inc()
		log.Error().Err(err).
			Str("request_id", tp.requestID).
			Str("agent", tp.agent).
			Msg("turn dropped")
	}

	log.Info().
		Str("request_id", tp.requestID).
		Str("agent", tp.agent).
		Str("provider", provider).
		Str("model", tp.stats.Model).
		Int("status", tp.statusCode).
		Int64("history_chars", tp.stats.HistoryChars).
		Int64("duration_ms", turn.DurationMs).
		Bool("usage_observed", tp.usage.Valid).
		Msg("turn logged")

	if tp.analyzeOK {
		p.monitor.Observe(tp.agent, tp.stats.HistoryChars)
	}
}

// writeProviderError renders a proxy-originated failure in the provider's
// own error shape.
func (p *Proxy) writeProviderError(w http.ResponseWriter, adapter adapters.Adapter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(adapter.ErrorBody(errType, msg))
}

// agentName resolves which agent a call belongs to.
func (p *Proxy) agentName(r *http.Request) string {
	if v := r.Header.Get(HeaderAgent); v != "" {
		return v
	}
	if p.cfg.AgentName != "" {
		return p.cfg.AgentName
	}
	return "default"
}

// requestID gets or generates a correlation ID.
func (p *Proxy) requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// isEventStream reports whether the upstream answered with SSE.
func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// copyHeaders copies HTTP headers from source to destination.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		w.Header()[k] = v
	}
}
