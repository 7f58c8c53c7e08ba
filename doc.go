// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package tracepoint provides user-space instrumentation events with
// dynamically attachable tracer callbacks, in the style of kernel
// tracepoints.
//
// An application (the "producer") declares named events, registers them in
// batches, and calls them from instrumentation sites. Independent tracers
// attach callbacks to individual events, subscribe to registration
// notifications, and request state dumps. The dispatch path is designed to be
// cheap when no tracer is attached, and lock-free always.
//
// # Architecture
//
// The package is process-global, mirroring the usual deployment of an
// instrumentation runtime: one registry of event batches, one list of tracer
// notification subscribers, one state-dump machine, and one optional agent
// goroutine servicing asynchronous state-dump requests.
//
// Per event, the attached callbacks live in an immutable table published
// through an atomic pointer. Attach and detach copy the table, publish the
// replacement, and let the garbage collector reclaim the old one, so readers
// never synchronize with writers. A word-sized atomic bitmask per event
// ([EventState]) gates dispatch: the low bits count private (in-process)
// attachments, the high byte is reserved for external tracers (kernel user
// events, ptrace) and is never clobbered by this package.
//
// # Dispatch
//
// [Call] and [CallVariadic] dispatch with the match-all key. The state-dump
// variants [StatedumpCall] and [StatedumpCallVariadic] take the key by
// pointer; producers forward the pointer handed to their
// [StatedumpCallback], which scopes the key to the current dump. Callbacks
// are filtered by key: a callback attached with [KeyMatchAll] sees every
// dispatch, and a dispatch with [KeyMatchAll] reaches every callback.
//
// # Thread safety
//
// All exported functions are safe for concurrent use. Registration APIs may
// be re-entered from notification callbacks (the registry lock is
// goroutine-reentrant). The dispatch path never blocks, never allocates, and
// never takes a lock; it observes some linearisation of the attach/detach
// operations that completed before it loaded the callback table.
//
// # State dumps
//
// A producer that can replay its current state registers a
// [StatedumpHandle] with a name, a callback, and a mode. In
// [StatedumpPolling] mode the producer drains requests itself via
// [StatedumpRunPendingRequests]; in [StatedumpAgent] mode a shared agent
// goroutine runs them. Each dump is bracketed by the built-in
// tracepoint_statedump_begin and tracepoint_statedump_end events, dispatched
// with the request's key. [PauseAgent] and [ResumeAgent] quiesce the agent,
// e.g. around fork-style operations performed via cgo.
//
// # Logging
//
// Diagnostics on the slow paths go through an optional
// [github.com/joeycumines/logiface] logger, see [SetLogger]. The dispatch
// fast path never logs.
package tracepoint
