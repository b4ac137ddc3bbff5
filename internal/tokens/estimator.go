// Package tokens estimates token counts for conversation history.
//
// The estimate rides on the cl100k_base BPE when the encoding is
// available, and falls back to the chars/4 heuristic when it is not
// (first run without a cached BPE, offline hosts). Estimates inform the
// session health read-out only; billing numbers always come from
// provider-reported usage.
package tokens

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/config"
)

// Estimator converts text to an approximate token count.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns an estimator. Encoding setup is deferred to the
// first Estimate call so startup never blocks on BPE loading.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the approximate token count of text.
func (e *Estimator) Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			log.Warn().Err(err).Msg("cl100k_base unavailable, estimating tokens as chars/4")
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return EstimateFromChars(int64(len(text)))
	}
	return int64(len(e.enc.Encode(text, nil, nil)))
}

// EstimateFromChars applies the chars-per-token heuristic to a size that
// is already known without the text itself.
func EstimateFromChars(chars int64) int64 {
	return chars / config.TokenEstimateRatio
}
