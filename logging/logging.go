// Package logging configures the process-wide logger: a zerolog backend,
// set up the way OtchereDev-ris-dicom-connector's pkg/logger does it
// (global level from a string, console writer for human-facing output),
// exposed as a *slog.Logger so the rest of pacscore never imports
// zerolog directly.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog logger for the given level
// ("debug", "info", "warn", "error") and format ("console" or "json"),
// and returns a *slog.Logger backed by it.
func Init(level, format string) *slog.Logger {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var writer zerolog.ConsoleWriter
	var zl zerolog.Logger
	if format == "console" {
		writer = zerolog.ConsoleWriter{Out: os.Stdout}
		zl = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return slog.New(&handler{logger: zl})
}

// handler adapts a zerolog.Logger to the slog.Handler interface so every
// package in pacscore can keep taking a *slog.Logger without knowing
// zerolog backs it.
type handler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	group  string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return zerologLevel(level) >= zerolog.GlobalLevel()
}

func (h *handler) Handle(_ context.Context, record slog.Record) error {
	event := h.logger.WithLevel(zerologLevel(record.Level))
	for _, attr := range h.attrs {
		event = addAttr(event, h.group, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = addAttr(event, h.group, attr)
		return true
	})
	event.Msg(record.Message)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &handler{logger: h.logger, group: h.group}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *handler) WithGroup(name string) slog.Handler {
	next := &handler{logger: h.logger, attrs: h.attrs, group: name}
	return next
}

func addAttr(event *zerolog.Event, group string, attr slog.Attr) *zerolog.Event {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	switch attr.Value.Kind() {
	case slog.KindString:
		return event.Str(key, attr.Value.String())
	case slog.KindInt64:
		return event.Int64(key, attr.Value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, attr.Value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, attr.Value.Float64())
	case slog.KindBool:
		return event.Bool(key, attr.Value.Bool())
	case slog.KindDuration:
		return event.Dur(key, attr.Value.Duration())
	case slog.KindTime:
		return event.Time(key, attr.Value.Time())
	default:
		return event.Interface(key, attr.Value.Any())
	}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
