package tracepoint

import (
	"fmt"
	"runtime"
)

// The dispatch fast path: no locks, no allocation, no blocking. The enabled
// word decides in one atomic load whether anything is attached; the callback
// table is an immutable snapshot behind an atomic pointer.

// Call dispatches one call of the event to every attached callback, with the
// match-all key. args is passed through opaquely. Safe to call from any
// goroutine; a no-op after [Exit]; panics if the event state's version is
// unsupported or the event is variadic.
func Call(state *EventState, args any) {
	caller, _, _, _ := runtime.Caller(1)
	dispatch(state, args, nil, KeyMatchAll, false, caller)
}

// CallVariadic is [Call] for variadic events, with the call site's variadic
// struct passed through as varArgs.
func CallVariadic(state *EventState, args any, varArgs any) {
	caller, _, _, _ := runtime.Caller(1)
	dispatch(state, args, varArgs, KeyMatchAll, true, caller)
}

// StatedumpCall dispatches one state-dump call of the event, filtered to the
// request key behind key. Producers call it from their [StatedumpCallback],
// forwarding the key pointer they were handed; the pointer is read exactly
// once, and is only valid for the duration of the callback.
func StatedumpCall(state *EventState, args any, key *uint64) {
	caller, _, _, _ := runtime.Caller(1)
	dispatch(state, args, nil, *key, false, caller)
}

// StatedumpCallVariadic is [StatedumpCall] for variadic events.
func StatedumpCallVariadic(state *EventState, args any, varArgs any, key *uint64) {
	caller, _, _, _ := runtime.Caller(1)
	dispatch(state, args, varArgs, *key, true, caller)
}

func dispatch(st *EventState, args, varArgs any, key uint64, variadic bool, caller uintptr) {
	if exiting() {
		return
	}
	Init()

	if st.Version != 0 {
		// a newer producer emitted a state layout this package cannot read;
		// dropping it silently would corrupt downstream tracers
		panic(fmt.Sprintf(`tracepoint: unsupported event state version %d`, st.Version))
	}
	if desc := st.desc; desc != nil && (desc.Flags&FlagVariadic != 0) != variadic {
		if variadic {
			panic(`tracepoint: variadic dispatch of non-variadic event ` + desc.Name)
		}
		panic(`tracepoint: non-variadic dispatch of variadic event ` + desc.Name)
	}

	enabled := st.enabled.Load()
	if enabled == 0 {
		return
	}

	if enabled&enabledSharedMask != 0 {
		if enabled&EnabledUserEvent != 0 && (key == KeyMatchAll || key == KeyUserEvent) {
			userEventHook(st, args)
		}
		if enabled&EnabledPtrace != 0 && (key == KeyMatchAll || key == KeyPtrace) {
			ptraceHook()
		}
	}

	tab := st.callbacks.Load()
	if tab == nil {
		return
	}
	for i := range *tab {
		e := &(*tab)[i]
		if key != KeyMatchAll && e.key != KeyMatchAll && e.key != key {
			continue
		}
		if variadic {
			e.fnVariadic(st.desc, args, varArgs, e.priv, caller)
		} else {
			e.fn(st.desc, args, e.priv, caller)
		}
	}
}

// userEventHook is the integration point for kernel user-event writes. The
// concrete integration lives outside this package; the hook is reserved.
func userEventHook(_ *EventState, _ any) {
}

// ptraceHook exists solely as a stable address for ptrace-based tracers to
// plant a breakpoint on; it must never be inlined away.
//
//go:noinline
func ptraceHook() {
}
