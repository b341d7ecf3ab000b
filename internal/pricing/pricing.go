// Package pricing normalizes raw per-turn model usage into the
// {tokens, cost} envelope SessionClient reports via "usage-report" (spec
// §4.4, §6).
package pricing

// Usage is the raw usage counters an agent turn may report.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Totals is the normalized envelope sent on the wire.
type Totals struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// rate is USD per token, already divided down from the usual per-million-token
// list prices so Compute stays a single multiply-accumulate.
type rate struct {
	input         float64
	output        float64
	cacheRead     float64
	cacheCreation float64
}

// table holds the known model rates. Unknown models fall back to
// defaultRate so a usage-report is still emitted with a conservative cost
// estimate rather than being dropped.
var table = map[string]rate{
	"claude-opus-4":      {input: 15.0 / 1e6, output: 75.0 / 1e6, cacheRead: 1.5 / 1e6, cacheCreation: 18.75 / 1e6},
	"claude-sonnet-4":    {input: 3.0 / 1e6, output: 15.0 / 1e6, cacheRead: 0.3 / 1e6, cacheCreation: 3.75 / 1e6},
	"claude-haiku-3.5":   {input: 0.8 / 1e6, output: 4.0 / 1e6, cacheRead: 0.08 / 1e6, cacheCreation: 1.0 / 1e6},
	"gpt-4.1":            {input: 2.0 / 1e6, output: 8.0 / 1e6, cacheRead: 0.5 / 1e6, cacheCreation: 0},
	"gpt-4.1-mini":       {input: 0.4 / 1e6, output: 1.6 / 1e6, cacheRead: 0.1 / 1e6, cacheCreation: 0},
	"o4-mini":            {input: 1.1 / 1e6, output: 4.4 / 1e6, cacheRead: 0.275 / 1e6, cacheCreation: 0},
}

var defaultRate = rate{input: 3.0 / 1e6, output: 15.0 / 1e6, cacheRead: 0.3 / 1e6, cacheCreation: 3.75 / 1e6}

// Compute normalizes usage under model into the {tokens, cost} envelope.
// tokens is the plain sum of all four counters; cost applies the model's
// per-token rates, falling back to a conservative default for an unknown
// model rather than reporting zero cost.
func Compute(model string, u Usage) Totals {
	r, ok := table[model]
	if !ok {
		r = defaultRate
	}

	cost := float64(u.InputTokens)*r.input +
		float64(u.OutputTokens)*r.output +
		float64(u.CacheReadTokens)*r.cacheRead +
		float64(u.CacheCreationTokens)*r.cacheCreation

	tokens := u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens

	return Totals{Tokens: tokens, Cost: cost}
}

// KnownModel reports whether model has an explicit entry in the rate table
// (as opposed to falling back to defaultRate).
func KnownModel(model string) bool {
	_, ok := table[model]
	return ok
}
