package tracepoint

import (
	"sync/atomic"
)

// Reserved dispatch keys. Dynamically allocated keys (see [RequestKey])
// start at 8; values 3 through 7 are reserved for future channels.
const (
	// KeyMatchAll pairs with everything: a callback attached with it sees
	// every dispatch of its event, and a dispatch with it reaches every
	// attached callback. It is rejected where a concrete key is required.
	KeyMatchAll uint64 = 0
	// KeyUserEvent is the reserved channel for kernel user events.
	KeyUserEvent uint64 = 1
	// KeyPtrace is the reserved channel for ptrace-based tracers.
	KeyPtrace uint64 = 2

	firstDynamicKey uint64 = 8
)

// Enabled-word bit assignments. The high 8 bits of [EventState]'s enabled
// word are owned by external (kernel-side) tracers and may be flipped
// concurrently by them; this package only ever touches the low bits, with
// atomic read-modify-writes. The positions are a wire contract and must not
// change.
const (
	// EnabledUserEvent gates the kernel user-event write hook.
	EnabledUserEvent uint64 = 1 << 63
	// EnabledPtrace gates the ptrace breakpoint hook.
	EnabledPtrace uint64 = 1 << 62

	enabledSharedMask  = uint64(0xff00000000000000)
	enabledPrivateMask = ^enabledSharedMask
)

// EventFlags is the flags bitfield of an [EventDescription]. Only
// [FlagVariadic] is consulted by this package; the remaining bits belong to
// the event description layer.
type EventFlags uint32

// FlagVariadic marks an event whose call sites pass a trailing variadic
// struct; such events take [VariadicCallback] attachments and must be
// dispatched through [CallVariadic] or [StatedumpCallVariadic].
const FlagVariadic EventFlags = 1 << 0

type (
	// EventDescription describes one instrumentation event. It is produced
	// by the event description layer and treated as opaque here beyond the
	// fields below. The registrant owns it, and must not mutate it between
	// [RegisterEvents] and [UnregisterEvents].
	EventDescription struct {
		// Name identifies the event, for tracer consumption.
		Name string
		// Flags carries the event flags; only [FlagVariadic] is consulted.
		Flags EventFlags
		// State is the dispatch state of the event. Required.
		State *EventState
	}

	// EventState holds the per-event dispatch state: the published callback
	// table and the enabled bitmask. The zero value is ready for
	// registration. Embed or reference one per event; it must not be shared
	// between events.
	EventState struct {
		// Version is the layout version of this record. This package
		// implements version 0; dispatching an event with any other version
		// panics, as it indicates a forward-incompatible producer.
		Version uint32

		// nrCallbacks is the number of attached callbacks. Guarded by the
		// event lock.
		nrCallbacks uint32

		// enabled is the dispatch gate: bits 0..55 count private
		// attachments (as a 0/1 refcount), bit 63 and 62 are the external
		// user-event and ptrace enables. The event is enabled iff non-zero.
		enabled atomic.Uint64

		// callbacks is the published, immutable callback table. Replaced
		// wholesale on attach/detach; never mutated in place.
		callbacks atomic.Pointer[callbackTable]

		// desc points back to the owning description, set at batch
		// registration.
		desc *EventDescription
	}

	// Callback is invoked for each matching dispatch of a non-variadic
	// event. The args value is the opaque argument vector from the call
	// site, priv is the value supplied at attach, and caller is the program
	// counter of the dispatching call site (zero if unavailable).
	Callback func(desc *EventDescription, args any, priv any, caller uintptr)

	// VariadicCallback is the [Callback] form for variadic events, with the
	// call site's variadic struct passed through as varArgs.
	VariadicCallback func(desc *EventDescription, args any, varArgs any, priv any, caller uintptr)

	// callbackEntry is one attached callback. Exactly one of fn/fnVariadic
	// is set, matching the event's variadic flag. fnID is the comparable
	// identity of the function value, for duplicate detection.
	callbackEntry struct {
		fn         Callback
		fnVariadic VariadicCallback
		fnID       uintptr
		priv       any
		key        uint64
	}

	// callbackTable is an immutable snapshot of an event's attachments.
	callbackTable []callbackEntry
)

// emptyCallbacks is the shared table of every event that has no attachments.
// Its identity (pointer equality of the published snapshot) distinguishes
// "no callbacks" without a per-event allocation.
var emptyCallbacks = &callbackTable{}

// Enabled reports whether any tracer (private or external) has enabled the
// event. Producers may use it to skip expensive argument marshalling.
func (x *EventState) Enabled() bool {
	return x.enabled.Load() != 0
}

// Desc returns the owning event description, or nil before registration.
func (x *EventState) Desc() *EventDescription {
	return x.desc
}
