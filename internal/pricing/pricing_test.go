package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		desc       string
		model      string
		usage      Usage
		wantTokens int
	}{
		{
			desc:       "known model sums all counters",
			model:      "claude-sonnet-4",
			usage:      Usage{InputTokens: 100, OutputTokens: 50, CacheReadTokens: 10, CacheCreationTokens: 5},
			wantTokens: 165,
		},
		{
			desc:       "unknown model still reports tokens and a nonzero cost",
			model:      "some-future-model",
			usage:      Usage{InputTokens: 100, OutputTokens: 50},
			wantTokens: 150,
		},
		{
			desc:       "zero usage is zero cost",
			model:      "claude-opus-4",
			usage:      Usage{},
			wantTokens: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got := Compute(tt.model, tt.usage)
			require.Equal(t, tt.wantTokens, got.Tokens)
			if tt.wantTokens == 0 {
				require.Zero(t, got.Cost)
			} else {
				require.Greater(t, got.Cost, 0.0)
			}
		})
	}
}

func TestKnownModel(t *testing.T) {
	require.True(t, KnownModel("claude-sonnet-4"))
	require.False(t, KnownModel("totally-made-up"))
}
