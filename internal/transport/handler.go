package transport

import (
	"context"
	"log/slog"
	"slices"

	"github.com/dreschagin/logrelay/internal/loki"
	"github.com/google/uuid"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Level is the minimum level shipped. Defaults to info.
	Level slog.Leveler
	// SessionID tags every entry. A random one is generated when empty.
	SessionID string
}

// Handler is a slog.Handler that pushes records into a Transport.
//
// Top-level attributes named url, user_agent, user_id and session_id fill
// the matching Entry fields; the rest go to Entry.Data, with group names
// joined by dots.
type Handler struct {
	transport *Transport
	level     slog.Leveler
	sessionID string
	attrs     []prefixedAttr
	prefix    string
}

type prefixedAttr struct {
	prefix string
	attr   slog.Attr
}

func NewHandler(t *Transport, opts HandlerOptions) *Handler {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{transport: t, level: level, sessionID: sessionID}
}

// SessionID returns the session identifier attached to entries.
func (h *Handler) SessionID() string {
	return h.sessionID
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.transport.Active()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	entry := loki.Entry{
		Timestamp: r.Time,
		Level:     levelOf(r.Level),
		Message:   r.Message,
		SessionID: h.sessionID,
	}
	data := make(map[string]any)

	for _, pa := range h.attrs {
		applyAttr(&entry, data, pa.prefix, pa.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		applyAttr(&entry, data, h.prefix, a)
		return true
	})
	if len(data) > 0 {
		entry.Data = data
	}

	h.transport.Push(entry)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, prefixedAttr{prefix: h.prefix, attr: a})
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func applyAttr(entry *loki.Entry, data map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			applyAttr(entry, data, groupPrefix, ga)
		}
		return
	}

	if prefix == "" {
		switch a.Key {
		case "url":
			entry.URL = a.Value.String()
			return
		case "user_agent":
			entry.UserAgent = a.Value.String()
			return
		case "user_id":
			entry.User = &loki.User{ID: a.Value.String()}
			return
		case "session_id":
			entry.SessionID = a.Value.String()
			return
		}
	}

	data[prefix+a.Key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func levelOf(l slog.Level) loki.Level {
	switch {
	case l < slog.LevelInfo:
		return loki.LevelDebug
	case l < slog.LevelWarn:
		return loki.LevelInfo
	case l < slog.LevelError:
		return loki.LevelWarn
	default:
		return loki.LevelError
	}
}
