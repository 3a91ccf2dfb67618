// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// contextKey is the private type for context keys used by this package.
type contextKey string

// invocationIDKey is the context key for invocation correlation IDs.
const invocationIDKey contextKey = "invocation_id"

// NewInvocationID creates a new unique invocation correlation ID: the
// first 8 characters of a UUID, short enough to read in a log line. The
// daemon mints one when a booster reports an accepted launch and carries
// it until the application is reaped, so the accept and reap records of
// one invocation can be joined.
func NewInvocationID() string {
	return uuid.New().String()[:8]
}

// ContextWithInvocationID returns a new context carrying the invocation ID.
func ContextWithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationIDFromContext retrieves the invocation ID from the context.
// Returns empty string if not present.
func InvocationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(invocationIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns the global logger, with the context's invocation ID
// attached as a field when one is present.
func Ctx(ctx context.Context) zerolog.Logger {
	logger := Logger()
	if id := InvocationIDFromContext(ctx); id != "" {
		logger = logger.With().Str("invocation_id", id).Logger()
	}
	return logger
}
