package tracepoint

import (
	"fmt"
)

type (
	// NotificationOp distinguishes the two notification fan-outs delivered
	// to subscribed tracers.
	NotificationOp uint8

	// EventNotification is invoked under the registry lock, once per event
	// batch, on registration and unregistration of batches and on
	// registration and unregistration of the subscription itself (replay
	// semantics). It may re-enter registration APIs.
	EventNotification func(op NotificationOp, events []*EventDescription, priv any)

	// EventsHandle represents one registered event batch, returned by
	// [RegisterEvents] and consumed by [UnregisterEvents].
	EventsHandle struct {
		events []*EventDescription
	}

	// NotificationHandle represents one registered [EventNotification]
	// subscription.
	NotificationHandle struct {
		cb   EventNotification
		priv any
	}
)

const (
	// NotifyInsert reports an event batch becoming visible to tracers.
	NotifyInsert NotificationOp = iota
	// NotifyRemove reports an event batch going away; tracers must drop any
	// reference to the batch before the notifier returns.
	NotifyRemove
)

// String returns a human-readable representation of the operation.
func (x NotificationOp) String() string {
	switch x {
	case NotifyInsert:
		return "insert"
	case NotifyRemove:
		return "remove"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(x))
	}
}

// registry is the process-global event registry: the registered batches and
// the notification subscriptions, both guarded by the (goroutine-reentrant)
// event lock.
var registry struct {
	mu        reentrantMutex
	batches   []*EventsHandle
	notifiers []*NotificationHandle
}

// RegisterEvents registers a batch of events, making them visible to
// tracers: every subscribed [EventNotification] is invoked with
// [NotifyInsert] before RegisterEvents returns. Each description must carry
// a non-nil State that is not registered elsewhere.
//
// The returned handle unregisters the batch via [UnregisterEvents].
func RegisterEvents(events []*EventDescription) (*EventsHandle, error) {
	if exiting() {
		return nil, ErrExiting
	}
	Init()
	if len(events) == 0 {
		return nil, ErrInvalid
	}
	for _, desc := range events {
		if desc == nil || desc.State == nil {
			return nil, ErrInvalid
		}
	}
	h := &EventsHandle{events: events}
	registry.mu.lock()
	defer registry.mu.unlock()
	registerEventsLocked(h)
	return h, nil
}

// registerEventsLocked links the batch and fans out the insert
// notification. Shared with the built-in state-dump event registration,
// which runs inside Init.
func registerEventsLocked(h *EventsHandle) {
	for _, desc := range h.events {
		st := desc.State
		st.desc = desc
		st.callbacks.CompareAndSwap(nil, emptyCallbacks)
	}
	registry.batches = append(registry.batches, h)
	notifyLocked(NotifyInsert, h.events)
	getLogger().Debug().
		Int(`events`, len(h.events)).
		Log(`tracepoint: registered event batch`)
}

// UnregisterEvents removes a batch registered by [RegisterEvents]. Every
// subscribed notifier observes [NotifyRemove], then each event's callback
// table is cleared; by contract the producer stops dispatching the batch
// before calling this, so the tables are not observable afterwards.
func UnregisterEvents(h *EventsHandle) error {
	if exiting() {
		return ErrExiting
	}
	if h == nil {
		return ErrInvalid
	}
	registry.mu.lock()
	defer registry.mu.unlock()
	return unregisterEventsLocked(h)
}

func unregisterEventsLocked(h *EventsHandle) error {
	i := batchIndexLocked(h)
	if i < 0 {
		return ErrNotFound
	}
	registry.batches = append(registry.batches[:i], registry.batches[i+1:]...)
	notifyLocked(NotifyRemove, h.events)
	for _, desc := range h.events {
		clearCallbacksLocked(desc.State)
	}
	getLogger().Debug().
		Int(`events`, len(h.events)).
		Log(`tracepoint: unregistered event batch`)
	return nil
}

func batchIndexLocked(h *EventsHandle) int {
	for i, b := range registry.batches {
		if b == h {
			return i
		}
	}
	return -1
}

// notifyLocked fans one operation out to every subscription. Runs under the
// event lock; the callbacks may re-enter registration APIs.
func notifyLocked(op NotificationOp, events []*EventDescription) {
	for _, n := range registry.notifiers {
		n.cb(op, events, n.priv)
	}
}

// EventNotificationRegister subscribes cb to event batch registration and
// unregistration. The current state is replayed: cb is invoked with
// [NotifyInsert] for every batch already registered, before
// EventNotificationRegister returns.
func EventNotificationRegister(cb EventNotification, priv any) (*NotificationHandle, error) {
	if exiting() {
		return nil, ErrExiting
	}
	Init()
	if cb == nil {
		return nil, ErrInvalid
	}
	h := &NotificationHandle{cb: cb, priv: priv}
	registry.mu.lock()
	defer registry.mu.unlock()
	registry.notifiers = append(registry.notifiers, h)
	for _, b := range registry.batches {
		cb(NotifyInsert, b.events, priv)
	}
	getLogger().Debug().
		Log(`tracepoint: registered event notification`)
	return h, nil
}

// EventNotificationUnregister removes a subscription registered by
// [EventNotificationRegister]. The current state is replayed as removals: cb
// observes [NotifyRemove] for every batch still registered, in registration
// order, before the subscription is dropped.
func EventNotificationUnregister(h *NotificationHandle) error {
	if exiting() {
		return ErrExiting
	}
	if h == nil {
		return ErrInvalid
	}
	registry.mu.lock()
	defer registry.mu.unlock()
	for i, n := range registry.notifiers {
		if n != h {
			continue
		}
		for _, b := range registry.batches {
			h.cb(NotifyRemove, b.events, h.priv)
		}
		registry.notifiers = append(registry.notifiers[:i], registry.notifiers[i+1:]...)
		getLogger().Debug().
			Log(`tracepoint: unregistered event notification`)
		return nil
	}
	return ErrNotFound
}

// unregisterAllEvents drops every remaining batch, notifying subscribers.
// Runs from Exit, after the exiting flag is set, so it bypasses the public
// entry points.
func unregisterAllEvents() {
	registry.mu.lock()
	defer registry.mu.unlock()
	for len(registry.batches) > 0 {
		// last-first, mirroring typical teardown order
		_ = unregisterEventsLocked(registry.batches[len(registry.batches)-1])
	}
}
