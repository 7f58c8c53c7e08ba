package tracepoint

import (
	"sync"
	"sync/atomic"
)

var lifecycle struct {
	initOnce sync.Once
	exitOnce sync.Once
	exiting  atomic.Bool
}

// Init initialises the package: it registers the built-in state-dump
// boundary events. It is idempotent, and called lazily from the first
// registration or dispatch, so calling it explicitly is optional.
func Init() {
	lifecycle.initOnce.Do(func() {
		registerStatedumpEvents()
		getLogger().Debug().
			Log(`tracepoint: initialised`)
	})
}

// Exit shuts the package down: every remaining event batch is unregistered
// (with removal notifications fanned out to subscribed tracers), the
// state-dump machine is torn down, and the agent goroutine, if running, is
// stopped and joined. Dispatch becomes a silent no-op, and every later
// mutating call returns [ErrExiting], including repeated calls to Exit.
func Exit() error {
	if lifecycle.exiting.Load() {
		return ErrExiting
	}
	var first bool
	lifecycle.exitOnce.Do(func() {
		first = true
		// Flip the flag before tearing down: concurrent dispatch drops out
		// silently, concurrent registration fails with ErrExiting.
		lifecycle.exiting.Store(true)
		unregisterAllEvents()
		shutdownStatedump()
		getLogger().Info().
			Log(`tracepoint: exited`)
	})
	if !first {
		return ErrExiting
	}
	return nil
}

// exiting reports whether Exit has begun.
func exiting() bool {
	return lifecycle.exiting.Load()
}
