package tracepoint

import (
	"math"
	"reflect"
)

// Callback tables are copy-on-write: attach and detach build a fresh table
// under the event lock and publish it with an atomic store, so dispatch
// never observes a partially updated table. The garbage collector reclaims
// replaced tables once the last in-flight dispatch drops its reference.

// CallbackRegister attaches fn to the event, to be invoked for dispatches
// whose key matches key (see [KeyMatchAll]). The (fn, priv, key) tuple
// identifies the attachment: registering the same tuple twice returns
// [ErrExists], and the same tuple must be passed to [CallbackUnregister].
// priv must be comparable (or nil); it is handed back to fn on every
// invocation.
//
// The event must not be variadic; use [CallbackVariadicRegister] for
// variadic events.
func CallbackRegister(desc *EventDescription, fn Callback, priv any, key uint64) error {
	if fn == nil {
		return ErrInvalid
	}
	return callbackRegister(desc, callbackEntry{
		fn:   fn,
		fnID: reflect.ValueOf(fn).Pointer(),
		priv: priv,
		key:  key,
	}, false)
}

// CallbackVariadicRegister is [CallbackRegister] for variadic events.
func CallbackVariadicRegister(desc *EventDescription, fn VariadicCallback, priv any, key uint64) error {
	if fn == nil {
		return ErrInvalid
	}
	return callbackRegister(desc, callbackEntry{
		fnVariadic: fn,
		fnID:       reflect.ValueOf(fn).Pointer(),
		priv:       priv,
		key:        key,
	}, true)
}

// CallbackUnregister detaches a callback attached with [CallbackRegister],
// identified by the same (fn, priv, key) tuple. Returns [ErrNotFound] if no
// such attachment exists.
func CallbackUnregister(desc *EventDescription, fn Callback, priv any, key uint64) error {
	if fn == nil {
		return ErrInvalid
	}
	return callbackUnregister(desc, reflect.ValueOf(fn).Pointer(), priv, key, false)
}

// CallbackVariadicUnregister is [CallbackUnregister] for variadic events.
func CallbackVariadicUnregister(desc *EventDescription, fn VariadicCallback, priv any, key uint64) error {
	if fn == nil {
		return ErrInvalid
	}
	return callbackUnregister(desc, reflect.ValueOf(fn).Pointer(), priv, key, true)
}

func callbackRegister(desc *EventDescription, entry callbackEntry, variadic bool) error {
	if exiting() {
		return ErrExiting
	}
	Init()
	if desc == nil || desc.State == nil {
		return ErrInvalid
	}
	if (desc.Flags&FlagVariadic != 0) != variadic {
		return ErrInvalid
	}

	registry.mu.lock()
	defer registry.mu.unlock()

	st := desc.State
	if st.nrCallbacks == math.MaxUint32 {
		return ErrInvalid
	}
	old := st.callbacks.Load()
	if old == nil {
		old = emptyCallbacks
	}
	if tableIndex(*old, entry.fnID, entry.priv, entry.key) >= 0 {
		return ErrExists
	}

	next := make(callbackTable, len(*old)+1)
	copy(next, *old)
	next[len(*old)] = entry
	st.callbacks.Store(&next)

	st.nrCallbacks++
	if st.nrCallbacks == 1 {
		// 0 -> 1: take the private enabled reference; atomic add so the
		// externally owned high bits are never clobbered
		st.enabled.Add(1)
	}
	getLogger().Debug().
		Str(`event`, desc.Name).
		Uint64(`key`, entry.key).
		Log(`tracepoint: registered callback`)
	return nil
}

func callbackUnregister(desc *EventDescription, fnID uintptr, priv any, key uint64, variadic bool) error {
	if exiting() {
		return ErrExiting
	}
	if desc == nil || desc.State == nil {
		return ErrInvalid
	}
	if (desc.Flags&FlagVariadic != 0) != variadic {
		return ErrInvalid
	}

	registry.mu.lock()
	defer registry.mu.unlock()

	st := desc.State
	old := st.callbacks.Load()
	if old == nil {
		return ErrNotFound
	}
	i := tableIndex(*old, fnID, priv, key)
	if i < 0 {
		return ErrNotFound
	}

	if len(*old) == 1 {
		st.callbacks.Store(emptyCallbacks)
	} else {
		next := make(callbackTable, len(*old)-1)
		copy(next, (*old)[:i])
		copy(next[i:], (*old)[i+1:])
		st.callbacks.Store(&next)
	}

	st.nrCallbacks--
	if st.nrCallbacks == 0 {
		// 1 -> 0: drop the private enabled reference
		st.enabled.Add(^uint64(0))
	}
	getLogger().Debug().
		Str(`event`, desc.Name).
		Uint64(`key`, key).
		Log(`tracepoint: unregistered callback`)
	return nil
}

// tableIndex locates the attachment with the given identity tuple, or -1.
func tableIndex(table callbackTable, fnID uintptr, priv any, key uint64) int {
	for i := range table {
		if table[i].fnID == fnID && table[i].priv == priv && table[i].key == key {
			return i
		}
	}
	return -1
}

// clearCallbacksLocked resets an event to the detached state, as part of
// batch unregistration: the batch is unreachable by contract, so the table
// is dropped without coordinating with dispatch.
func clearCallbacksLocked(st *EventState) {
	st.callbacks.Store(emptyCallbacks)
	if st.nrCallbacks > 0 {
		st.enabled.Add(^uint64(0))
	}
	st.nrCallbacks = 0
}
