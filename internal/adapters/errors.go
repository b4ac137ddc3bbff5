package adapters

import "github.com/tokenspy/tokenspy/internal/utils"

// Error type identifiers shared across providers.
const (
	ErrTypeAPIError     = "api_error"
	ErrTypeInvalid      = "invalid_request_error"
	ErrTypeOverloaded   = "overloaded_error"
	ErrTypeUpstreamDown = "upstream_unavailable"
)

func marshalError(v any) ([]byte, error) {
	return utils.MarshalNoEscape(v)
}
