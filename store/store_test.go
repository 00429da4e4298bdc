package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestNewNonceFormat(t *testing.T) {
	n, err := NewNonce(42, "job")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(n, "job-42-"))
	require.Len(t, n, len("job-42-")+32, "uuid4 hex suffix")
	require.LessOrEqual(t, len(n), 128, "fits the wire nonce limit")

	third, err := NewNonce(42, "audit-third")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(third, "audit-third-42-"))

	// Empty prefix falls back to "job".
	fallback, err := NewNonce(7, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(fallback, "job-7-"))
}

func TestNewNonceUniqueAcrossCalls(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n, err := NewNonce(1, "job")
		require.NoError(t, err)
		require.False(t, seen[n], "nonce repeated within process")
		seen[n] = true
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	require.True(t, isUniqueViolation(unique))
	require.True(t, isUniqueViolation(fmt.Errorf("create assignment: %w", unique)))

	fk := &pgconn.PgError{Code: "23503"}
	require.False(t, isUniqueViolation(fk))
	require.False(t, isUniqueViolation(errors.New("plain")))
	require.False(t, isUniqueViolation(nil))
}

func TestDefaultPoolSettings(t *testing.T) {
	s := defaultPoolSettings()
	require.Equal(t, int64(1), s.ID)
	require.Equal(t, 0.985, s.EmbedSimilarityThreshold)
	require.GreaterOrEqual(t, s.PoolFeeBps, 0)
	require.LessOrEqual(t, s.PoolFeeBps, 10000)
	require.Greater(t, s.FraudBanThreshold, int64(0))
	require.Greater(t, s.DailyEmissionCapTokens, 0.0)
}
