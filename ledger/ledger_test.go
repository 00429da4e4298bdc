package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimatePayloadUnits(t *testing.T) {
	require.Equal(t, 1, EstimatePayloadUnits(nil))
	require.Equal(t, 1, EstimatePayloadUnits(map[string]any{}))
	require.Equal(t, 1, EstimatePayloadUnits(map[string]any{"k": "v"}))

	// {"data":"aaa...a"} with 1500 a's serializes to 1511 chars: 2 units.
	big := map[string]any{"data": strings.Repeat("a", 1500)}
	require.Equal(t, 2, EstimatePayloadUnits(big))

	// Exactly 1000 serialized chars stays at 1 unit; 1001 tips to 2.
	exact := map[string]any{"data": strings.Repeat("a", 1000-11)}
	require.Equal(t, 1, EstimatePayloadUnits(exact))
	over := map[string]any{"data": strings.Repeat("a", 1001-11)}
	require.Equal(t, 2, EstimatePayloadUnits(over))
}

// Pricing rule unit_cost_tokens=50, pool_fee_bps=1000, payload 1500 chars:
// units=2, cost=100, pool_fee=10, worker_reward=90.
func TestComputeCharge(t *testing.T) {
	units := EstimatePayloadUnits(map[string]any{"data": strings.Repeat("a", 1500)})
	require.Equal(t, 2, units)

	c := computeCharge(units, 50, 1000)
	require.Equal(t, 100.0, c.Cost)
	require.Equal(t, 10.0, c.PoolFee)
	require.Equal(t, 90.0, c.WorkerReward)
}

func TestComputeChargeZeroSum(t *testing.T) {
	tests := []struct {
		units    int
		unitCost float64
		feeBps   int
	}{
		{1, 50, 0},
		{2, 50, 1000},
		{3, 0.33333333, 2500},
		{7, 19.99999999, 10000},
		{1, 0.00000001, 1},
	}
	for _, tt := range tests {
		c := computeCharge(tt.units, tt.unitCost, tt.feeBps)
		// job_charge (−Cost) + pool_fee (+PoolFee) + worker_reward
		// (+WorkerReward) must cancel exactly.
		require.Zero(t, -c.Cost+c.PoolFee+c.WorkerReward)
		require.GreaterOrEqual(t, c.PoolFee, 0.0)
		require.LessOrEqual(t, c.PoolFee, c.Cost)
	}
}

func TestRound8(t *testing.T) {
	require.Equal(t, 0.12345679, round8(0.123456789))
	require.Equal(t, 100.0, round8(100.0))
	require.Equal(t, -0.00000001, round8(-0.000000009))
}
