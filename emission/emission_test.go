package emission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	windowEnd   = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	windowStart = windowEnd.Add(-24 * time.Hour)
)

func TestCoveredSecondsSingleHeartbeat(t *testing.T) {
	hb := windowStart.Add(1 * time.Hour)
	got := coveredSeconds([]time.Time{hb}, 60*time.Second, windowStart, windowEnd)
	require.Equal(t, 60.0, got)
}

func TestCoveredSecondsOverlapNotDoubleCounted(t *testing.T) {
	// Heartbeats every 30s with a 60s timeout: each interval overlaps the
	// next by 30s. Union coverage is 30+30+60, not 3×60.
	base := windowStart.Add(1 * time.Hour)
	points := []time.Time{base, base.Add(30 * time.Second), base.Add(60 * time.Second)}
	got := coveredSeconds(points, 60*time.Second, windowStart, windowEnd)
	require.Equal(t, 120.0, got)
}

func TestCoveredSecondsDisjointIntervals(t *testing.T) {
	points := []time.Time{
		windowStart.Add(1 * time.Hour),
		windowStart.Add(5 * time.Hour),
	}
	got := coveredSeconds(points, 120*time.Second, windowStart, windowEnd)
	require.Equal(t, 240.0, got)
}

func TestCoveredSecondsCarryOverClippedToWindow(t *testing.T) {
	// The prior heartbeat fired 30s before the window opens with a 90s
	// timeout: only the 60s inside the window count.
	prior := windowStart.Add(-30 * time.Second)
	got := coveredSeconds([]time.Time{prior}, 90*time.Second, windowStart, windowEnd)
	require.Equal(t, 60.0, got)
}

func TestCoveredSecondsClippedAtWindowEnd(t *testing.T) {
	late := windowEnd.Add(-10 * time.Second)
	got := coveredSeconds([]time.Time{late}, 60*time.Second, windowStart, windowEnd)
	require.Equal(t, 10.0, got)
}

func TestCoveredSecondsExpiredCarryOver(t *testing.T) {
	// Prior heartbeat whose coverage ends before the window opens
	// contributes nothing.
	prior := windowStart.Add(-10 * time.Minute)
	got := coveredSeconds([]time.Time{prior}, 60*time.Second, windowStart, windowEnd)
	require.Equal(t, 0.0, got)
}

func TestCoveredSecondsFullDayTimeout(t *testing.T) {
	// One heartbeat with an 86400s timeout covers the whole remaining
	// window: operators who configure day-long timeouts credit a full day
	// per heartbeat.
	hb := windowStart
	got := coveredSeconds([]time.Time{hb}, 86400*time.Second, windowStart, windowEnd)
	require.Equal(t, secondsPerDay, got)
}

func TestCoveredSecondsEmpty(t *testing.T) {
	require.Equal(t, 0.0, coveredSeconds(nil, time.Minute, windowStart, windowEnd))
}

// Cap 3, two workers each at full-day uptime and reputation 1.0 with base
// 24: raw total 48 scales to exactly 3.0, split 1.5/1.5.
func TestEmissionScaleMath(t *testing.T) {
	const (
		cap  = 3.0
		base = 24.0
	)
	provisional := []float64{
		round8(base * 1.0 * 1.0),
		round8(base * 1.0 * 1.0),
	}
	var total float64
	for _, p := range provisional {
		total += p
	}
	require.Equal(t, 48.0, total)

	scale := 1.0
	if total > cap {
		scale = cap / total
	}
	var emitted float64
	for _, p := range provisional {
		final := round8(p * scale)
		require.Equal(t, 1.5, final)
		emitted = round8(emitted + final)
	}
	require.Equal(t, cap, emitted)
	require.Equal(t, 0.0, cap-emitted)
}

func TestClamp01AndRound8(t *testing.T) {
	require.Equal(t, 1.0, clamp01(1.0000001))
	require.Equal(t, 0.0, clamp01(-1))
	require.Equal(t, 0.5, clamp01(0.5))
	require.Equal(t, 0.00000001, round8(0.000000014))
	require.Equal(t, 0.99999999, round8(0.999999985000001))
}

func TestUTCMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 02:30 on March 10 in UTC+5 is 21:30 on March 9 UTC; the emission day
	// boundary follows UTC, not local time.
	local := time.Date(2026, 3, 10, 2, 30, 0, 0, loc)
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), utcMidnight(local))

	utc := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), utcMidnight(utc))
}
