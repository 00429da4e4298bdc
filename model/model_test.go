package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerSpecDefaults(t *testing.T) {
	w := &Worker{Specs: map[string]any{}}
	require.Equal(t, DefaultReputation, w.Reputation())
	require.Equal(t, DefaultEstimatedLatencyMs, w.EstimatedLatencyMs())
	require.Equal(t, DefaultPriceMultiplier, w.PriceMultiplier())
	require.Equal(t, int64(0), w.RejectedSubmissions())

	// A nil specs map behaves the same as an empty one.
	w = &Worker{}
	require.Equal(t, DefaultReputation, w.Reputation())
}

func TestWorkerSpecReads(t *testing.T) {
	w := &Worker{Specs: map[string]any{
		SpecReputation:          0.9,
		SpecEstimatedLatencyMs:  float64(100),
		SpecPriceMultiplier:     2.0,
		SpecRejectedSubmissions: float64(3), // JSON round-trip turns ints into float64
	}}
	require.Equal(t, 0.9, w.Reputation())
	require.Equal(t, 100.0, w.EstimatedLatencyMs())
	require.Equal(t, 2.0, w.PriceMultiplier())
	require.Equal(t, int64(3), w.RejectedSubmissions())
}

func TestWorkerPriceMultiplierRejectsNonPositive(t *testing.T) {
	w := &Worker{Specs: map[string]any{SpecPriceMultiplier: -1.0}}
	require.Equal(t, DefaultPriceMultiplier, w.PriceMultiplier())
	w.Specs[SpecPriceMultiplier] = 0.0
	require.Equal(t, DefaultPriceMultiplier, w.PriceMultiplier())
}

func TestWithSpecCopies(t *testing.T) {
	w := &Worker{Specs: map[string]any{SpecReputation: 0.5, "gpu": "a100"}}
	out := w.WithSpec(SpecReputation, 0.51)

	require.Equal(t, 0.51, out[SpecReputation])
	require.Equal(t, "a100", out["gpu"])
	// Original untouched: replace-wholesale, never mutate in place.
	require.Equal(t, 0.5, w.Specs[SpecReputation])
}

func TestJobIsAudit(t *testing.T) {
	h := "abc123"
	empty := ""
	require.True(t, (&Job{CanonicalExpectedHash: &h}).IsAudit())
	require.False(t, (&Job{}).IsAudit())
	require.False(t, (&Job{CanonicalExpectedHash: &empty}).IsAudit())
}

func TestJobPriceMultiplier(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    float64
	}{
		{"absent", map[string]any{}, 1.0},
		{"nil payload", nil, 1.0},
		{"float", map[string]any{"price_multiplier": 1.5}, 1.5},
		{"int", map[string]any{"price_multiplier": 2}, 2.0},
		{"zero falls back", map[string]any{"price_multiplier": 0.0}, 1.0},
		{"negative falls back", map[string]any{"price_multiplier": -3.0}, 1.0},
		{"non-numeric falls back", map[string]any{"price_multiplier": "cheap"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Payload: tt.payload}
			require.Equal(t, tt.want, j.PriceMultiplier())
		})
	}
}

func TestAssignmentStatusTerminal(t *testing.T) {
	require.False(t, AssignmentAssigned.Terminal())
	require.False(t, AssignmentStarted.Terminal())
	require.True(t, AssignmentCompleted.Terminal())
	require.True(t, AssignmentFailed.Terminal())
	require.True(t, AssignmentCanceled.Terminal())
}
