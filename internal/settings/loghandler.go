package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LogHandler records log lines into the settings log buffer. Records are
// forwarded to next while log-console is enabled; warnings and errors are
// always forwarded.
type LogHandler struct {
	settings *Settings
	next     slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
	group    string
}

func NewLogHandler(s *Settings, next slog.Handler, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{settings: s, next: next, level: level}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || (h.next != nil && h.next.Enabled(ctx, level))
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var forwardErr error
	if h.next != nil && h.next.Enabled(ctx, r.Level) &&
		(r.Level >= slog.LevelWarn || h.settings.LogConsole.Snapshot().Enabled) {
		forwardErr = h.next.Handle(ctx, r)
	}
	if r.Level < h.level.Level() {
		return forwardErr
	}

	data := make(map[string]any)
	for _, a := range h.attrs {
		addAttr(data, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(data, h.group, a)
		return true
	})
	if len(data) == 0 {
		data = nil
	}
	if err := h.settings.AddEntry(context.WithoutCancel(ctx), levelName(r.Level), r.Message, data); err != nil {
		return err
	}
	return forwardErr
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		if key == "" {
			for _, ga := range group {
				addAttr(dst, prefix, ga)
			}
			return
		}
		for _, ga := range group {
			addAttr(dst, key, ga)
		}
	case slog.KindString, slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool:
		if key != "" {
			dst[key] = v.Any()
		}
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	case slog.KindTime:
		dst[key] = v.Time().Format(time.RFC3339Nano)
	default:
		if key == "" {
			return
		}
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
			return
		}
		dst[key] = strings.TrimSpace(fmt.Sprint(v.Any()))
	}
}
