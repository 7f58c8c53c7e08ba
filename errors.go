package tracepoint

import (
	"errors"
)

var (
	// ErrInvalid indicates an argument that can never be valid: a nil
	// callback, a variadic mismatch, [KeyMatchAll] where a concrete key is
	// required, or a saturated callback count.
	ErrInvalid = errors.New(`tracepoint: invalid argument`)

	// ErrExists indicates an attempt to attach a callback with a
	// (function, priv, key) tuple that is already attached to the event.
	ErrExists = errors.New(`tracepoint: callback already registered`)

	// ErrNoMem indicates resource exhaustion, e.g. the key counter wrapped.
	ErrNoMem = errors.New(`tracepoint: out of resources`)

	// ErrNotFound indicates the callback or handle is not registered.
	ErrNotFound = errors.New(`tracepoint: not found`)

	// ErrExiting indicates the library has been shut down via [Exit];
	// mutating operations are permanently refused.
	ErrExiting = errors.New(`tracepoint: exiting`)
)
