package log

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

const redacted = "[REDACTED]"

// secretKeys are attribute key fragments whose values are never logged.
// "key" is deliberately absent: WMI key properties are logged freely.
var secretKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"thumbprint",
	"authorization",
	"ticket",
	"keytab",
	"ccache",
}

// RedactingHandler is a slog.Handler that scrubs secrets from attributes
// before passing records on.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redact(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(clean)}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

func isSecret(key string) bool {
	key = strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch {
	case v.Kind() == slog.KindGroup:
		group := v.Group()
		args := make([]any, len(group))
		for i, g := range group {
			args[i] = redact(g)
		}
		return slog.Group(a.Key, args...)
	case isSecret(a.Key):
		return slog.String(a.Key, redacted)
	case v.Kind() == slog.KindAny:
		switch c := v.Any().(type) {
		case mi.Credentials:
			return credentialsAttr(a.Key, &c)
		case *mi.Credentials:
			if c != nil {
				return credentialsAttr(a.Key, c)
			}
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// credentialsAttr logs who authenticates and how, never with what.
func credentialsAttr(key string, c *mi.Credentials) slog.Attr {
	attrs := []any{
		slog.String("auth", c.AuthType),
		slog.String("domain", c.Domain),
		slog.String("user", c.Username),
	}
	if c.Password != "" {
		attrs = append(attrs, slog.String("password", redacted))
	}
	if c.CertThumbprint != "" {
		attrs = append(attrs, slog.String("cert_thumbprint", redacted))
	}
	return slog.Group(key, attrs...)
}

// NewLogger returns a text or JSON logger writing to w at level, with
// secrets redacted.
func NewLogger(w io.Writer, level slog.Leveler, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewRedactingHandler(h))
}
