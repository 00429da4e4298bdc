package gethlog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetOutputAndLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelInfo)
	t.Cleanup(func() { root = newDefault() })

	Info("assignment bound", "job", 7, "worker", 3)
	out := buf.String()
	require.Contains(t, out, "assignment bound")
	require.Contains(t, out, "job=7")
	require.Contains(t, out, "worker=3")

	buf.Reset()
	Debug("below threshold")
	require.Empty(t, buf.String())
}

func TestWithTags(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelInfo)
	t.Cleanup(func() { root = newDefault() })

	l := Root().With("component", "dispatch")
	l.Info("tick")
	require.Contains(t, buf.String(), "component=dispatch")

	// With returns a child; the parent is unchanged.
	buf.Reset()
	Root().Info("bare")
	require.NotContains(t, buf.String(), "component=dispatch")
}

func TestWarnCarriesCaller(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelWarn)
	t.Cleanup(func() { root = newDefault() })

	Root().Warn("worker banned for fraud", "worker", 9)
	require.Contains(t, buf.String(), "caller=")
}
