// Package pricing computes per-call cost from token counts.
//
// Each provider carries its own table of per-million-token unit prices
// (input, output, cache read, cache write). Tables are fixed at process
// start; cost is a pure function of a table entry and the token counts, so
// a Turn's stored cost can always be recomputed and verified.
package pricing

import (
	"errors"
	"strings"
)

// ErrUnknownModel means no pricing entry exists for a model. The caller
// records cost as null rather than guessing.
var ErrUnknownModel = errors.New("no pricing entry for model")

// ModelPricing holds per-million-token unit prices in USD.
type ModelPricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheReadPerMTok  float64
	CacheWritePerMTok float64
}

// Table maps model identifiers to pricing for one provider.
type Table struct {
	exact  map[string]ModelPricing
	family map[string]ModelPricing
}

// Lookup returns pricing for a model: exact match first, then longest
// family prefix (so "claude-opus-4-6-20260101" matches "claude-opus-4-6",
// not the broader "claude-opus").
func (t *Table) Lookup(model string) (ModelPricing, error) {
	m := strings.ToLower(model)

	if p, ok := t.exact[m]; ok {
		return p, nil
	}

	bestPrefix := ""
	var best ModelPricing
	for prefix, p := range t.family {
		if strings.HasPrefix(m, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = p
		}
	}
	if bestPrefix != "" {
		return best, nil
	}

	return ModelPricing{}, ErrUnknownModel
}

// Cost computes the USD cost of one call. Cached input tokens are separate
// from and additional to input_tokens for providers that report them.
func Cost(p ModelPricing, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMTok +
		float64(outputTokens)/1_000_000*p.OutputPerMTok +
		float64(cacheReadTokens)/1_000_000*p.CacheReadPerMTok +
		float64(cacheWriteTokens)/1_000_000*p.CacheWritePerMTok
}

// ForProvider returns the pricing table for a provider name, or nil if the
// provider has no table.
func ForProvider(provider string) *Table {
	switch strings.ToLower(provider) {
	case "anthropic":
		return anthropicTable
	case "openai":
		return openaiTable
	default:
		return nil
	}
}

// anthropicTable prices Claude models. Cache writes bill at 1.25x input,
// cache reads at 0.1x.
var anthropicTable = &Table{
	exact: map[string]ModelPricing{
		"claude-opus-4-6":   {InputPerMTok: 5, OutputPerMTok: 25, CacheReadPerMTok: 0.50, CacheWritePerMTok: 6.25},
		"claude-opus-4-5":   {InputPerMTok: 5, OutputPerMTok: 25, CacheReadPerMTok: 0.50, CacheWritePerMTok: 6.25},
		"claude-opus-4-1":   {InputPerMTok: 15, OutputPerMTok: 75, CacheReadPerMTok: 1.50, CacheWritePerMTok: 18.75},
		"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
		"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5, CacheReadPerMTok: 0.10, CacheWritePerMTok: 1.25},
		"claude-haiku-3-5":  {InputPerMTok: 0.80, OutputPerMTok: 4, CacheReadPerMTok: 0.08, CacheWritePerMTok: 1},
	},
	family: map[string]ModelPricing{
		// Version-specific families must win over broad families.
		"claude-opus-4-6":   {InputPerMTok: 5, OutputPerMTok: 25, CacheReadPerMTok: 0.50, CacheWritePerMTok: 6.25},
		"claude-opus-4-5":   {InputPerMTok: 5, OutputPerMTok: 25, CacheReadPerMTok: 0.50, CacheWritePerMTok: 6.25},
		"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
		"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5, CacheReadPerMTok: 0.10, CacheWritePerMTok: 1.25},
		"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
		"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4, CacheReadPerMTok: 0.08, CacheWritePerMTok: 1},

		// Broad families (fallback).
		"claude-opus":   {InputPerMTok: 15, OutputPerMTok: 75, CacheReadPerMTok: 1.50, CacheWritePerMTok: 18.75},
		"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
		"claude-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4, CacheReadPerMTok: 0.08, CacheWritePerMTok: 1},
	},
}

// openaiTable prices OpenAI-compatible models, including Moonshot/Kimi and
// DeepSeek upstreams served through the same wire format. Local models
// (qwen, llama, mistral) are free.
var openaiTable = &Table{
	exact: map[string]ModelPricing{
		"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10, CacheReadPerMTok: 1.25},
		"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60, CacheReadPerMTok: 0.075},
		"gpt-4-turbo":   {InputPerMTok: 10, OutputPerMTok: 30},
		"gpt-4":         {InputPerMTok: 30, OutputPerMTok: 60},
		"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
		"o1":            {InputPerMTok: 15, OutputPerMTok: 60, CacheReadPerMTok: 7.50},
		"o1-mini":       {InputPerMTok: 3, OutputPerMTok: 12, CacheReadPerMTok: 1.50},
		"o1-pro":        {InputPerMTok: 150, OutputPerMTok: 600},
	},
	family: map[string]ModelPricing{
		"kimi-k2-0711":      {InputPerMTok: 0.60, OutputPerMTok: 3, CacheReadPerMTok: 0.10, CacheWritePerMTok: 0.60},
		"kimi-k2":           {InputPerMTok: 0.60, OutputPerMTok: 2.50, CacheReadPerMTok: 0.15, CacheWritePerMTok: 0.60},
		"deepseek-chat":     {InputPerMTok: 0.27, OutputPerMTok: 1.10, CacheReadPerMTok: 0.07, CacheWritePerMTok: 0.27},
		"deepseek-reasoner": {InputPerMTok: 0.55, OutputPerMTok: 2.19, CacheReadPerMTok: 0.14, CacheWritePerMTok: 0.55},
		"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60, CacheReadPerMTok: 0.075},
		"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10, CacheReadPerMTok: 1.25},
		"gpt-4":             {InputPerMTok: 10, OutputPerMTok: 30},
		"o1-mini":           {InputPerMTok: 3, OutputPerMTok: 12, CacheReadPerMTok: 1.50},
		"qwen":              {},
		"llama":             {},
		"mistral":           {},
	},
}
