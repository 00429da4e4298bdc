package verify

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   any
		want   float64
		wantOK bool
	}{
		{"identical", []any{1.0, 0.0}, []any{1.0, 0.0}, 1.0, true},
		{"orthogonal", []any{1.0, 0.0}, []any{0.0, 1.0}, 0.0, true},
		{"opposite", []any{1.0}, []any{-1.0}, -1.0, true},
		{"length mismatch", []any{1.0, 0.0}, []any{1.0}, 0, false},
		{"empty vectors", []any{}, []any{}, 0, false},
		{"non-numeric element", []any{1.0, "x"}, []any{1.0, 0.0}, 0, false},
		{"not a list", "scalar", []any{1.0}, 0, false},
		{"nil input", nil, []any{1.0}, 0, false},
		{"zero norm", []any{0.0, 0.0}, []any{1.0, 0.0}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cosineSimilarity(tt.a, tt.b)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.InDelta(t, tt.want, got, 1e-12)
			}
		})
	}
}

// Two near-identical embeddings clear the 0.985 default threshold; a pair
// of orthogonal ones lands far below it.
func TestCosineSimilarityAgainstThreshold(t *testing.T) {
	const threshold = 0.985

	sim, ok := cosineSimilarity([]any{1.0, 0.0}, []any{0.999, 0.001})
	require.True(t, ok)
	require.GreaterOrEqual(t, sim, threshold)

	sim, ok = cosineSimilarity([]any{1.0, 0.0}, []any{0.0, 1.0})
	require.True(t, ok)
	require.Less(t, sim, threshold)
}

// The verified/disputed decision is `similarity >= threshold`: a similarity
// exactly at the threshold verifies, just below disputes.
func TestThresholdBoundary(t *testing.T) {
	const threshold = 0.985
	require.True(t, threshold >= threshold)
	require.False(t, math.Nextafter(threshold, 0) >= threshold)
}

func TestExtractEmbedding(t *testing.T) {
	vec := []any{1.0, 2.0}

	// Map output with an "embedding" key: use the value.
	require.Equal(t, vec, extractEmbedding(map[string]any{"embedding": vec}))

	// Map without the key: nothing to compare.
	require.Nil(t, extractEmbedding(map[string]any{"text": "hi"}))

	// Bare list output: use it directly.
	require.Equal(t, vec, extractEmbedding(vec))

	require.Nil(t, extractEmbedding(nil))
}

func TestExtractEmbeddingFeedsSimilarity(t *testing.T) {
	a := extractEmbedding(map[string]any{"embedding": []any{1.0, 0.0}})
	b := extractEmbedding([]any{1.0, 0.0})
	sim, ok := cosineSimilarity(a, b)
	require.True(t, ok)
	require.InDelta(t, 1.0, sim, 1e-12)

	// An embedding key holding garbage aborts comparison.
	bad := extractEmbedding(map[string]any{"embedding": "not-a-vector"})
	_, ok = cosineSimilarity(bad, b)
	require.False(t, ok)
}

func TestClamp01(t *testing.T) {
	require.Equal(t, 0.0, clamp01(-0.5))
	require.Equal(t, 1.0, clamp01(1.5))
	require.Equal(t, 0.42, clamp01(0.42))
}

func TestAsFloatSlice(t *testing.T) {
	out, ok := asFloatSlice([]any{1, int64(2), 3.5})
	require.True(t, ok)
	require.Equal(t, []float64{1, 2, 3.5}, out)

	_, ok = asFloatSlice([]any{1.0, true})
	require.False(t, ok)

	_, ok = asFloatSlice(map[string]any{})
	require.False(t, ok)
}
