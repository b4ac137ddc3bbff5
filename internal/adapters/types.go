// Package adapters translates provider-specific wire formats into
// normalized usage records.
//
// DESIGN: One Adapter per upstream wire format (Anthropic Messages,
// OpenAI-compatible Chat Completions). The proxy core never inspects
// provider JSON directly; everything format-specific lives behind the
// Adapter contract:
//   - AnalyzeRequest: request-side metrics (never mutates the body)
//   - RewriteRequest: the only permitted request mutation (role mapping)
//   - ExtractUsage:   token usage from a complete response body
//   - NewStreamParser: incremental usage tap for SSE responses
package adapters

import "errors"

// Provider identifies which LLM wire format is being used.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderUnknown   Provider = "unknown"
)

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// ProviderFromString converts a string to a Provider type.
func ProviderFromString(s string) Provider {
	switch s {
	case "anthropic":
		return ProviderAnthropic
	case "openai":
		return ProviderOpenAI
	default:
		return ProviderUnknown
	}
}

// ErrMalformedRequest means the body could not be parsed as the provider's
// expected JSON shape. The proxy still forwards the raw bytes upstream;
// only observability degrades.
var ErrMalformedRequest = errors.New("malformed request body")

// ErrUnknownProvider means no configured adapter matches the request path.
var ErrUnknownProvider = errors.New("unknown provider")

// RequestStats is the normalized analysis of an inbound request body.
type RequestStats struct {
	Model  string
	Stream bool

	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	ToolCount             int

	// SystemPromptChars is the total size of system/developer prompt text.
	SystemPromptChars int64

	// HistoryChars is the serialized size of the messages array. This is
	// the signal session health is derived from.
	HistoryChars int64

	// HistoryRaw is the serialized messages array itself, aliased from the
	// request body for token estimation. Never mutated, never stored.
	HistoryRaw string
}

// UsageInfo holds token usage extracted from an API response. Valid
// keeps "provider reported zero" and "nothing observed" distinguishable
// all the way into the Turn log.
type UsageInfo struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	StopReason       string

	// Valid is true once any usage field has been observed.
	Valid bool
}

// StreamParser taps an SSE response stream for usage without altering it.
// Feed receives the exact chunks written to the client; Usage is called
// once after the final byte.
type StreamParser interface {
	Feed(chunk []byte)
	Usage() UsageInfo
}

// Adapter is the per-provider contract.
type Adapter interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Provider returns the typed provider identifier.
	Provider() Provider

	// APIPath returns the canonical endpoint path for this provider.
	APIPath() string

	// AnalyzeRequest extracts request metrics. Returns ErrMalformedRequest
	// (wrapped) if the body is not the expected JSON shape. Must not
	// mutate or consume the body.
	AnalyzeRequest(body []byte) (*RequestStats, error)

	// RewriteRequest maps roles the upstream does not accept to their
	// nearest supported equivalent. Returns the body unchanged when no
	// rewrite is needed. This is the only permitted request mutation.
	RewriteRequest(body []byte) []byte

	// ExtractUsage parses token usage from a complete (non-streaming)
	// response body.
	ExtractUsage(body []byte) UsageInfo

	// NewStreamParser returns a fresh usage tap for one SSE response.
	NewStreamParser() StreamParser

	// ErrorBody renders an error in this provider's response shape, so a
	// proxy-originated failure is indistinguishable in form from an
	// upstream one.
	ErrorBody(errType, message string) []byte
}
