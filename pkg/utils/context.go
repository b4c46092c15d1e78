package utils

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SleepResult represents the outcome of a context-aware sleep operation.
type SleepResult int

const (
	// SleepCompleted indicates the sleep duration completed normally.
	SleepCompleted SleepResult = iota
	// SleepCancelled indicates the context was cancelled during sleep.
	SleepCancelled
)

// ContextSleep sleeps for the specified duration while respecting context cancellation.
// Returns SleepCompleted if the full duration elapsed, SleepCancelled if context was cancelled.
func ContextSleep(ctx context.Context, duration time.Duration) SleepResult {
	if duration <= 0 {
		return SleepCompleted
	}

	select {
	case <-time.After(duration):
		return SleepCompleted
	case <-ctx.Done():
		return SleepCancelled
	}
}

// ContextSleepWithLog sleeps for the specified duration while respecting context cancellation,
// logging a message if the context is cancelled.
func ContextSleepWithLog(ctx context.Context, duration time.Duration, logger *zap.Logger, cancelMessage string) SleepResult {
	result := ContextSleep(ctx, duration)
	if result == SleepCancelled && logger != nil && cancelMessage != "" {
		logger.Info(cancelMessage)
	}

	return result
}

// ContextGuard checks if the context is cancelled and returns true if so.
// This is useful at the beginning of loops or before starting long-running operations.
func ContextGuard(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// ContextGuardWithLog checks if the context is cancelled and logs a message if so.
// Returns true if context is cancelled, false otherwise.
func ContextGuardWithLog(ctx context.Context, logger *zap.Logger, cancelMessage string) bool {
	if ContextGuard(ctx) {
		if logger != nil && cancelMessage != "" {
			logger.Info(cancelMessage)
		}

		return true
	}

	return false
}

// CooldownSleep pauses after a platform feedback signal, respecting context cancellation.
// Returns true if should continue (sleep completed), false if should return (context cancelled).
func CooldownSleep(ctx context.Context, duration time.Duration, logger *zap.Logger, name string) bool {
	result := ContextSleepWithLog(ctx, duration, logger,
		"Context cancelled during cooldown, stopping "+name)

	return result == SleepCompleted
}
