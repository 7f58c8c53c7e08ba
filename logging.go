// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package-level structured logging, wired to logiface.
//
// Logging is an infrastructure cross-cutting concern shared by the whole
// process-global registry, so the logger slot is package-level rather than
// per-handle. The dispatch fast path never logs; only registration, the
// state-dump machine, and the agent lifecycle do.

package tracepoint

import (
	"sync"

	"github.com/joeycumines/logiface"
)

var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetLogger sets the package-level logger. A nil logger (the default)
// disables all diagnostics. Pass the generic form of a typed logiface
// logger, e.g. logiface.New[E](...).Logger().
//
// Warnings that can repeat per event use logiface's caller-category rate
// limiting ([logiface.Builder.Limit]); configure the logger with
// WithCategoryRateLimits to throttle them.
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

// getLogger returns the configured logger, possibly nil. All logiface
// builder methods are nil-safe, so call sites chain without guarding.
func getLogger() *logiface.Logger[logiface.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}
