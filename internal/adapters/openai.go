// OpenAI-compatible Chat Completions adapter.
//
// Covers the OpenAI native API plus compatible upstreams (Moonshot, vLLM,
// local servers). The main quirk handled here is the "developer" role:
// several compatible upstreams reject it, so it is rewritten to "system"
// before forwarding.
package adapters

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIAdapter implements the Adapter contract for OpenAI-compatible
// Chat Completions APIs.
type OpenAIAdapter struct{}

// NewOpenAI returns the OpenAI-compatible adapter.
func NewOpenAI() *OpenAIAdapter {
	return &OpenAIAdapter{}
}

func (a *OpenAIAdapter) Name() string       { return "openai" }
func (a *OpenAIAdapter) Provider() Provider { return ProviderOpenAI }
func (a *OpenAIAdapter) APIPath() string    { return "/v1/chat/completions" }

// AnalyzeRequest extracts message counts, tool count, system prompt size,
// and the serialized conversation-history size.
func (a *OpenAIAdapter) AnalyzeRequest(body []byte) (*RequestStats, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("openai: %w: not valid JSON", ErrMalformedRequest)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("openai: %w: body is not a JSON object", ErrMalformedRequest)
	}
	messages := root.Get("messages")
	if messages.Exists() && !messages.IsArray() {
		return nil, fmt.Errorf("openai: %w: messages is not an array", ErrMalformedRequest)
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
		case "system", "developer":
			stats.SystemPromptChars += openaiContentChars(msg.Get("content"))
		}
		return true
	})
	stats.HistoryChars = int64(len(messages.Raw))
	stats.HistoryRaw = messages.Raw

	// Legacy clients send "functions" instead of "tools".
	stats.ToolCount = int(root.Get("tools.#").Int())
	if stats.ToolCount == 0 {
		stats.ToolCount = int(root.Get("functions.#").Int())
	}

	return stats, nil
}

// openaiContentChars sizes message content, which is either a string or an
// array of typed content parts.
func openaiContentChars(content gjson.Result) int64 {
	switch {
	case content.Type == gjson.String:
		return int64(len(content.String()))
	case content.IsArray():
		var total int64
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				total += int64(len(part.String()))
			} else {
				total += int64(len(part.Get("text").String()))
			}
			return true
		})
		return total
	default:
		return int64(len(content.Raw))
	}
}

// RewriteRequest converts "developer" roles to "system" for upstreams that
// do not recognize the newer vocabulary. Any rewrite failure returns the
// original body untouched: the rewrite must never block traffic.
func (a *OpenAIAdapter) RewriteRequest(body []byte) []byte {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return body
	}

	rewritten := body
	idx := 0
	ok := true
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "developer" {
			patched, err := sjson.SetBytes(rewritten, fmt.Sprintf("messages.%d.role", idx), "system")
			if err != nil {
				ok = false
				return false
			}
			rewritten = patched
		}
		idx++
		return true
	})
	if !ok {
		return body
	}
	return rewritten
}

// ExtractUsage parses usage from a complete Chat Completions response.
// OpenAI reports cache reads under prompt_tokens_details and does not
// expose cache writes.
func (a *OpenAIAdapter) ExtractUsage(body []byte) UsageInfo {
	root := gjson.ParseBytes(body)
	usage := root.Get("usage")
	if !usage.Exists() {
		return UsageInfo{}
	}
	return UsageInfo{
		InputTokens:     usage.Get("prompt_tokens").Int(),
		OutputTokens:    usage.Get("completion_tokens").Int(),
		CacheReadTokens: usage.Get("prompt_tokens_details.cached_tokens").Int(),
		StopReason:      root.Get("choices.0.finish_reason").String(),
		Valid:           true,
	}
}

// NewStreamParser returns a tap for OpenAI SSE streams. Usage arrives in a
// final chunk with empty choices; the finish reason in the last content
// chunk that carries one.
func (a *OpenAIAdapter) NewStreamParser() StreamParser {
	return &openaiStreamParser{scanner: newSSEScanner()}
}

type openaiStreamParser struct {
	scanner *sseScanner
	usage   UsageInfo
}

func (p *openaiStreamParser) Feed(chunk []byte) {
	for _, ev := range p.scanner.feed(chunk) {
		p.apply(ev)
	}
}

func (p *openaiStreamParser) Usage() UsageInfo {
	for _, ev := range p.scanner.flush() {
		p.apply(ev)
	}
	return p.usage
}

func (p *openaiStreamParser) apply(ev sseEvent) {
	data := gjson.ParseBytes(ev.data)

	if usage := data.Get("usage"); usage.IsObject() {
		p.usage.InputTokens = usage.Get("prompt_tokens").Int()
		p.usage.OutputTokens = usage.Get("completion_tokens").Int()
		if cached := usage.Get("prompt_tokens_details.cached_tokens"); cached.Exists() {
			p.usage.CacheReadTokens = cached.Int()
		}
		p.usage.Valid = true
	}

	if finish := data.Get("choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
		p.usage.StopReason = finish.String()
	}
}

// ErrorBody renders an OpenAI-shaped error object.
func (a *OpenAIAdapter) ErrorBody(errType, message string) []byte {
	body, _ := marshalError(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    nil,
		},
	})
	return body
}
