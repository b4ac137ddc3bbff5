// Anthropic Messages API adapter.
//
// Request shape: {model, system, messages:[{role, content}], tools:[...]}
// where system is either a string or a list of text blocks, and streaming
// responses use typed SSE events (message_start, message_delta, message_stop).
package adapters

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// AnthropicAdapter implements the Adapter contract for the Anthropic
// Messages API.
type AnthropicAdapter struct{}

// NewAnthropic returns the Anthropic adapter.
func NewAnthropic() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

func (a *AnthropicAdapter) Name() string       { return "anthropic" }
func (a *AnthropicAdapter) Provider() Provider { return ProviderAnthropic }
func (a *AnthropicAdapter) APIPath() string    { return "/v1/messages" }

// AnalyzeRequest extracts message counts, tool count, system prompt size,
// and the serialized conversation-history size.
func (a *AnthropicAdapter) AnalyzeRequest(body []byte) (*RequestStats, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("anthropic: %w: not valid JSON", ErrMalformedRequest)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("anthropic: %w: body is not a JSON object", ErrMalformedRequest)
	}
	messages := root.Get("messages")
	if messages.Exists() && !messages.IsArray() {
		return nil, fmt.Errorf("anthropic: %w: messages is not an array", ErrMalformedRequest)
	}

	stats := &RequestStats{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}

	messages.ForEach(func(_, msg gjson.Result) bool {
		stats.MessageCount++
		switch msg.Get("role").String() {
		case "user":
			stats.UserMessageCount++
		case "assistant":
			stats.AssistantMessageCount++
		}
		return true
	})
	stats.HistoryChars = int64(len(messages.Raw))
	stats.HistoryRaw = messages.Raw
	stats.ToolCount = int(root.Get("tools.#").Int())
	stats.SystemPromptChars = anthropicSystemChars(root.Get("system"))

	return stats, nil
}

// anthropicSystemChars sizes the system prompt, which is either a plain
// string or a list of text blocks with optional cache_control.
func anthropicSystemChars(system gjson.Result) int64 {
	switch {
	case system.Type == gjson.String:
		return int64(len(system.String()))
	case system.IsArray():
		var total int64
		system.ForEach(func(_, block gjson.Result) bool {
			total += int64(len(block.Get("text").String()))
			return true
		})
		return total
	default:
		return 0
	}
}

// RewriteRequest is the identity: Anthropic is the reference vocabulary.
func (a *AnthropicAdapter) RewriteRequest(body []byte) []byte {
	return body
}

// ExtractUsage parses usage from a complete Messages API response.
func (a *AnthropicAdapter) ExtractUsage(body []byte) UsageInfo {
	root := gjson.ParseBytes(body)
	usage := root.Get("usage")
	if !usage.Exists() {
		return UsageInfo{}
	}
	return UsageInfo{
		InputTokens:      usage.Get("input_tokens").Int(),
		OutputTokens:     usage.Get("output_tokens").Int(),
		CacheReadTokens:  usage.Get("cache_read_input_tokens").Int(),
		CacheWriteTokens: usage.Get("cache_creation_input_tokens").Int(),
		StopReason:       root.Get("stop_reason").String(),
		Valid:            true,
	}
}

// NewStreamParser returns a tap for Anthropic SSE streams. Input tokens and
// cache stats arrive in message_start; output tokens and the stop reason in
// message_delta events.
func (a *AnthropicAdapter) NewStreamParser() StreamParser {
	return &anthropicStreamParser{scanner: newSSEScanner()}
}

type anthropicStreamParser struct {
	scanner *sseScanner
	usage   UsageInfo
}

func (p *anthropicStreamParser) Feed(chunk []byte) {
	for _, ev := range p.scanner.feed(chunk) {
		p.apply(ev)
	}
}

func (p *anthropicStreamParser) Usage() UsageInfo {
	for _, ev := range p.scanner.flush() {
		p.apply(ev)
	}
	return p.usage
}

func (p *anthropicStreamParser) apply(ev sseEvent) {
	data := gjson.ParseBytes(ev.data)
	eventType := ev.eventType
	if eventType == "" {
		eventType = data.Get("type").String()
	}

	switch eventType {
	case "message_start":
		usage := data.Get("message.usage")
		if !usage.Exists() {
			return
		}
		p.usage.InputTokens = usage.Get("input_tokens").Int()
		p.usage.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
		p.usage.CacheWriteTokens = usage.Get("cache_creation_input_tokens").Int()
		p.usage.Valid = true
	case "message_delta":
		if out := data.Get("usage.output_tokens"); out.Exists() {
			p.usage.OutputTokens = out.Int()
			p.usage.Valid = true
		}
		if stop := data.Get("delta.stop_reason"); stop.Exists() && stop.String() != "" {
			p.usage.StopReason = stop.String()
		}
	}
}

// ErrorBody renders an Anthropic-shaped error object.
func (a *AnthropicAdapter) ErrorBody(errType, message string) []byte {
	body, _ := marshalError(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
	return body
}
