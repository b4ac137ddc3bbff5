package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tokenspy/tokenspy/internal/adapters"
	"github.com/tokenspy/tokenspy/internal/config"
	"github.com/tokenspy/tokenspy/internal/session"
	"github.com/tokenspy/tokenspy/internal/settings"
	"github.com/tokenspy/tokenspy/internal/store"
)

type testProxy struct {
	proxy  *Proxy
	store  *store.SQLiteStore
	server *httptest.Server
	cfg    *config.Config
}

func newTestProxy(t *testing.T, upstreamURL, sessionDir string) *testProxy {
	t.Helper()

	cfg := config.Default()
	cfg.AgentName = "alpha"
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {BaseURL: upstreamURL},
		"openai":    {BaseURL: upstreamURL},
	}
	if sessionDir != "" {
		cfg.Agents = map[string]config.AgentConfig{"alpha": {SessionDir: sessionDir}}
	}

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry, err := adapters.NewRegistry([]string{"anthropic", "openai"})
	require.NoError(t, err)

	mgr := settings.NewManager(context.Background(), settings.Values{
		SessionCharLimit:    cfg.Session.CharLimit,
		AutoResetEnabled:    true,
		PollIntervalMinutes: cfg.Session.PollIntervalMinutes,
	}, st)
	monitor := session.NewMonitor(mgr, cfg.AgentSessionDir)

	p := New(cfg, registry, st, mgr, monitor)
	front := httptest.NewServer(p.Handler())
	t.Cleanup(front.Close)

	return &testProxy{proxy: p, store: st, server: front, cfg: cfg}
}

// waitTurns polls until the agent has at least n Turns visible.
func (tp *testProxy) waitTurns(t *testing.T, agent string, n int) []store.Turn {
	t.Helper()
	var turns []store.Turn
	require.Eventually(t, func() bool {
		if err := tp.store.Flush(context.Background()); err != nil {
			return false
		}
		var err error
		turns, err = tp.store.QueryTurns(context.Background(), store.TurnFilter{Agent: agent})
		return err == nil && len(turns) >= n
	}, 3*time.Second, 10*time.Millisecond)
	return turns
}

func anthropicRequest(model string, contentLen int) []byte {
	return []byte(fmt.Sprintf(
		`{"model":%q,"max_tokens":1024,"system":"be brief","messages":[{"role":"user","content":%q}]}`,
		model, strings.Repeat("x", contentLen)))
}

func TestProxy_NonStreamingPassthrough(t *testing.T) {
	upstreamBody := []byte(`{"id":"msg_01","type":"message","model":"claude-sonnet-4-5","stop_reason":"end_turn","usage":{"input_tokens":100,"output_tokens":25,"cache_read_input_tokens":1000,"cache_creation_input_tokens":50}}`)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "req_upstream_7")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(upstreamBody)
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	resp, err := http.Post(tp.server.URL+"/v1/messages", "application/json",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 40)))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, upstreamBody, got, "response must be relayed byte for byte")
	assert.Equal(t, "req_upstream_7", resp.Header.Get("Request-Id"))

	turns := tp.waitTurns(t, "alpha", 1)
	turn := turns[0]
	assert.Equal(t, "anthropic", turn.Provider)
	assert.Equal(t, "claude-sonnet-4-5", turn.Model)
	assert.Equal(t, 200, turn.StatusCode)
	assert.Equal(t, 1, turn.MessageCount)
	assert.Equal(t, 1, turn.UserMessageCount)
	assert.Equal(t, int64(len("be brief")), turn.SystemPromptChars)
	assert.Positive(t, turn.HistoryChars)
	require.NotNil(t, turn.InputTokens)
	assert.Equal(t, int64(100), *turn.InputTokens)
	require.NotNil(t, turn.OutputTokens)
	assert.Equal(t, int64(25), *turn.OutputTokens)
	require.NotNil(t, turn.CacheReadTokens)
	assert.Equal(t, int64(1000), *turn.CacheReadTokens)
	require.NotNil(t, turn.StopReason)
	assert.Equal(t, "end_turn", *turn.StopReason)

	// Cost from the sonnet table entry, computed at write time.
	expected := 100.0/1e6*3 + 25.0/1e6*15 + 1000.0/1e6*0.30 + 50.0/1e6*3.75
	require.NotNil(t, turn.CostUSD)
	assert.InDelta(t, expected, *turn.CostUSD, 1e-9)
}

func TestProxy_StreamingPassthrough(t *testing.T) {
	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"cache_read_input_tokens":300,"cache_creation_input_tokens":0,"output_tokens":1}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
		``,
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// Deliver in fragments that split events mid-line.
		for i := 0; i < len(stream); i += 37 {
			end := min(i+37, len(stream))
			_, _ = w.Write([]byte(stream[i:end]))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	body := anthropicRequest("claude-opus-4-6", 40)
	body = body[:len(body)-1]
	body = append(body, []byte(`,"stream":true}`)...)

	resp, err := http.Post(tp.server.URL+"/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, stream, string(got), "SSE stream must be relayed byte for byte")

	turns := tp.waitTurns(t, "alpha", 1)
	turn := turns[0]
	require.NotNil(t, turn.InputTokens)
	assert.Equal(t, int64(25), *turn.InputTokens)
	require.NotNil(t, turn.OutputTokens)
	assert.Equal(t, int64(42), *turn.OutputTokens)
	require.NotNil(t, turn.CacheReadTokens)
	assert.Equal(t, int64(300), *turn.CacheReadTokens)
	require.NotNil(t, turn.StopReason)
	assert.Equal(t, "end_turn", *turn.StopReason)
	require.NotNil(t, turn.CostUSD)
	assert.Positive(t, *turn.CostUSD)
}

func TestProxy_ClientDisconnectMidStream(t *testing.T) {
	firstEvent := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"cache_read_input_tokens":300}}}` + "\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(firstEvent))
		w.(http.Flusher).Flush()
		// Hold the stream open until the proxy cancels it.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	body := anthropicRequest("claude-sonnet-4-5", 40)
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tp.server.URL+"/v1/messages", bytes.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	// Read the first event, then walk away mid-generation.
	buf := make([]byte, len(firstEvent))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	cancel()
	resp.Body.Close()

	turns := tp.waitTurns(t, "alpha", 1)
	turn := turns[0]
	require.NotNil(t, turn.StopReason)
	assert.Equal(t, "client_disconnected", *turn.StopReason)
	// Partial usage from message_start still lands.
	require.NotNil(t, turn.InputTokens)
	assert.Equal(t, int64(25), *turn.InputTokens)
	require.NotNil(t, turn.CacheReadTokens)
	assert.Equal(t, int64(300), *turn.CacheReadTokens)
}

func TestProxy_UpstreamErrorRelayedUnchanged(t *testing.T) {
	errorBody := []byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(errorBody)
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	resp, err := http.Post(tp.server.URL+"/v1/messages", "application/json",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 10)))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, errorBody, got)
	assert.Equal(t, "12", resp.Header.Get("Retry-After"))

	turns := tp.waitTurns(t, "alpha", 1)
	turn := turns[0]
	assert.Equal(t, http.StatusTooManyRequests, turn.StatusCode)
	assert.Nil(t, turn.InputTokens, "errors carry no usage")
	assert.Nil(t, turn.CostUSD)
}

func TestProxy_MalformedBodyStillForwarded(t *testing.T) {
	var received []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad json"}}`))
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	resp, err := http.Post(tp.server.URL+"/v1/messages", "application/json",
		strings.NewReader("this is not json{{"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "this is not json{{", string(received), "malformed bodies forward untouched")

	turns := tp.waitTurns(t, "alpha", 1)
	turn := turns[0]
	assert.Equal(t, "", turn.Model)
	assert.Zero(t, turn.MessageCount)
	assert.Zero(t, turn.HistoryChars)
}

func TestProxy_DeveloperRoleRewrite(t *testing.T) {
	var received []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	reqBody := `{"model":"gpt-4o","messages":[{"role":"developer","content":"rules"},{"role":"user","content":"hi"}]}`
	resp, err := http.Post(tp.server.URL+"/v1/chat/completions", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "system", gjson.GetBytes(received, "messages.0.role").String())
	assert.Equal(t, "rules", gjson.GetBytes(received, "messages.0.content").String())
	assert.Equal(t, "user", gjson.GetBytes(received, "messages.1.role").String())
	assert.Equal(t, "gpt-4o", gjson.GetBytes(received, "model").String())
}

func TestProxy_NetworkErrorProviderShapedBody(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close() // nothing listening

	tp := newTestProxy(t, dead.URL, "")

	resp, err := http.Post(tp.server.URL+"/v1/messages", "application/json",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 10)))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "error", gjson.GetBytes(got, "type").String())
	assert.Equal(t, "upstream_unavailable", gjson.GetBytes(got, "error.type").String())

	turns := tp.waitTurns(t, "alpha", 1)
	assert.Equal(t, http.StatusBadGateway, turns[0].StatusCode)
}

func TestProxy_CredentialsPassedThrough(t *testing.T) {
	var gotKey, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	req, _ := http.NewRequest(http.MethodPost, tp.server.URL+"/v1/messages",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 10)))
	req.Header.Set("x-api-key", "sk-ant-test-secret")
	req.Header.Set("Authorization", "Bearer oauth-token")
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "sk-ant-test-secret", gotKey)
	assert.Equal(t, "Bearer oauth-token", gotAuth)
}

func TestProxy_AgentHeaderOverride(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	req, _ := http.NewRequest(http.MethodPost, tp.server.URL+"/v1/messages",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 10)))
	req.Header.Set(HeaderAgent, "beta")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	turns := tp.waitTurns(t, "beta", 1)
	assert.Equal(t, "beta", turns[0].Agent)
}

func TestProxy_AutoResetOnLimitCrossing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	sessionDir := t.TempDir()
	artifact := filepath.Join(sessionDir, "transcript.jsonl")
	require.NoError(t, os.WriteFile(artifact, make([]byte, 2048), 0o644))

	tp := newTestProxy(t, upstream.URL, sessionDir)

	// Under the limit: nothing happens.
	resp, err := http.Post(tp.server.URL+"/v1/messages", "application/json",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 1000)))
	require.NoError(t, err)
	resp.Body.Close()
	tp.waitTurns(t, "alpha", 1)
	assert.FileExists(t, artifact)

	// History crosses the default 200k limit: the largest artifact goes.
	resp, err = http.Post(tp.server.URL+"/v1/messages", "application/json",
		bytes.NewReader(anthropicRequest("claude-sonnet-4-5", 210_000)))
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		_, err := os.Stat(artifact)
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	tp := newTestProxy(t, upstream.URL, "")

	resp, err := http.Get(tp.server.URL + "/v1/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
