// Package correlation propagates per-operation correlation and causation ids
// across asynchronous hops.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	causationKey
)

// With returns a context carrying the given correlation and causation ids.
func With(ctx context.Context, correlationID, causationID string) context.Context {
	if correlationID != "" {
		ctx = context.WithValue(ctx, correlationKey, correlationID)
	}
	if causationID != "" {
		ctx = context.WithValue(ctx, causationKey, causationID)
	}
	return ctx
}

// ID returns the correlation id carried by ctx, or "".
func ID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey).(string)
	return v
}

// CausationID returns the causation id carried by ctx, or "".
func CausationID(ctx context.Context) string {
	v, _ := ctx.Value(causationKey).(string)
	return v
}

// Ensure returns ctx with a correlation id, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return context.WithValue(ctx, correlationKey, id), id
}
