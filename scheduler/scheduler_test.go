package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCronReached(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name         string
		now          time.Time
		hour, minute int
		want         bool
	}{
		{"before hour", at(3, 59), 4, 30, false},
		{"same hour before minute", at(4, 29), 4, 30, false},
		{"exactly on schedule", at(4, 30), 4, 30, true},
		{"same hour after minute", at(4, 45), 4, 30, true},
		{"later hour earlier minute", at(5, 0), 4, 30, true},
		{"midnight schedule", at(0, 5), 0, 5, true},
		{"just before midnight schedule", at(0, 4), 0, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, cronReached(tt.now, tt.hour, tt.minute))
		})
	}
}

func TestSleepOrStop(t *testing.T) {
	s := &Scheduler{stop: make(chan struct{})}

	// Timer elapses first: keep looping.
	require.True(t, s.sleepOrStop(time.Millisecond))

	// Stop closes the channel: exit, and keep exiting on subsequent calls.
	close(s.stop)
	require.False(t, s.sleepOrStop(time.Hour))
	require.False(t, s.sleepOrStop(time.Hour))
}

func TestOptions(t *testing.T) {
	s := New(nil, nil, nil,
		WithDispatchInterval(5*time.Second),
		WithEmissionPollInterval(30*time.Second),
	)
	require.Equal(t, 5*time.Second, s.dispatchInterval)
	require.Equal(t, 30*time.Second, s.emissionPoll)

	d := New(nil, nil, nil)
	require.Equal(t, defaultDispatchInterval, d.dispatchInterval)
	require.Equal(t, defaultEmissionPoll, d.emissionPoll)
}
