// Package logging wires the slog loggers of all packages to one handler.
//
// Packages keep a package-level logger created at init:
//
//	var log = logging.Logger("pipeline")
//
// Such a logger resolves slog.Default() on every record, so Setup called
// later from main still reaches it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger returns a logger tagged with component that follows the current
// default handler.
func Logger(component string) *slog.Logger {
	return slog.New(handler{}).With("component", component)
}

// Setup installs the default handler. level is one of debug, info, warn,
// error; format is text or json.
func Setup(w io.Writer, level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// handler forwards to slog.Default().Handler(), replaying the attributes
// and groups added through With and WithGroup.
type handler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h handler) target() slog.Handler {
	t := slog.Default().Handler()
	for _, op := range h.ops {
		t = op(t)
	}
	return t
}

func (h handler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h handler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h handler) WithGroup(name string) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}

func (h handler) with(op func(slog.Handler) slog.Handler) handler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return handler{ops: append(ops, op)}
}
