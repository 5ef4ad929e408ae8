// Package logctx carries the request-scoped logger on the context. The HTTP
// middleware stores a logger enriched with trace_id, span_id and request_id;
// use cases and workers retrieve it so every line of a payment flow shares
// those fields.
package logctx

import (
	"context"

	"github.com/openstall/marketplace-payments/internal/observability"
)

type loggerKey struct{}

// With returns a context that carries logger. A nil logger leaves the
// context untouched.
func With(ctx context.Context, logger observability.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// From returns the logger stored on the context, or nil.
func From(ctx context.Context) observability.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(observability.Logger)
	return logger
}

// FromOr returns the context logger when present and fallback otherwise.
// Callers outside a request scope (pollers, event handlers) pass their
// component logger as the fallback.
func FromOr(ctx context.Context, fallback observability.Logger) observability.Logger {
	if logger := From(ctx); logger != nil {
		return logger
	}
	return fallback
}
