// Package gethlog is a small structured logger in the style of
// github.com/ethereum/go-ethereum/log: leveled, key=value pairs, colorized
// on an interactive terminal, plain otherwise. Call sites use the same
// idiom geth's own source does: log.Info("message", "key", value, ...).
package gethlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Logger is the interface call sites depend on; Root() returns the
// process-wide default, and With attaches persistent key/value pairs the
// way geth's logger does per-component.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	base *slog.Logger
	tags []any
}

var (
	rootMu sync.Mutex
	root   Logger = newDefault()
)

func newDefault() Logger {
	color := isatty.IsTerminal(os.Stdout.Fd())
	var w io.Writer = os.Stdout
	if color {
		w = colorable.NewColorableStdout()
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &logger{base: slog.New(h)}
}

// Root returns the process-wide logger.
func Root() Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	return root
}

// SetOutput redirects the root logger to w, used when the config points
// logging at a rotating file (see internal/config and lumberjack wiring in
// cmd/coordinatord).
func SetOutput(w io.Writer, level slog.Level) {
	rootMu.Lock()
	defer rootMu.Unlock()
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	root = &logger{base: slog.New(h)}
}

func (l *logger) log(level slog.Level, msg string, ctx []any) {
	args := append(append([]any{}, l.tags...), ctx...)
	if level >= slog.LevelWarn {
		if frame := callerFrame(); frame != "" {
			args = append(args, "caller", frame)
		}
	}
	l.base.Log(context.Background(), level, msg, args...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(slog.LevelDebug-4, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(slog.LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(slog.LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(slog.LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(slog.LevelError, msg, ctx) }

func (l *logger) With(ctx ...any) Logger {
	return &logger{base: l.base, tags: append(append([]any{}, l.tags...), ctx...)}
}

// callerFrame returns "file.go:line" for the first frame outside this
// package, the same caller-tagging geth's logger performs via go-stack.
func callerFrame() string {
	for _, call := range stack.Trace().TrimRuntime() {
		if !strings.HasPrefix(call.Frame().Function, pkgPath+".") {
			return fmt.Sprintf("%+v", call)
		}
	}
	return ""
}

const pkgPath = "github.com/openmesh-labs/pool-coordinator/internal/gethlog"

// New returns a fresh root-style logger; useful in tests that want
// isolation from the process-wide root.
func New() Logger { return newDefault() }

// Package-level helpers delegate to Root(), mirroring geth's log.Info/Warn/
// Error top-level call sites.
func Trace(msg string, ctx ...any) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Error(msg, ctx...) }
