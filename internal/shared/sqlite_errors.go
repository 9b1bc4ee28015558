// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteConflictError reports whether err is a SQLite concurrency error
// (SQLITE_BUSY or "database is locked") that warrants a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryOnConflict runs fn up to attempts times, doubling baseDelay after
// each SQLite conflict. Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) || i == attempts-1 {
			return err
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
