package tracepoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dumpRecorder attaches to the built-in begin/end events and records the
// full bracketing sequence around producer callbacks.
type dumpRecorder struct {
	t      *testing.T
	events []dumpEvent
}

type dumpEvent struct {
	kind string // "begin", "dump", "end"
	name string
	key  uint64
}

func newDumpRecorder(t *testing.T) *dumpRecorder {
	t.Helper()
	r := &dumpRecorder{t: t}
	begin := func(desc *EventDescription, args, priv any, caller uintptr) {
		r.events = append(r.events, dumpEvent{kind: `begin`, name: args.(string)})
	}
	end := func(desc *EventDescription, args, priv any, caller uintptr) {
		r.events = append(r.events, dumpEvent{kind: `end`, name: args.(string)})
	}
	require.NoError(t, CallbackRegister(statedumpBeginDesc, begin, nil, KeyMatchAll))
	require.NoError(t, CallbackRegister(statedumpEndDesc, end, nil, KeyMatchAll))
	t.Cleanup(func() {
		_ = CallbackUnregister(statedumpBeginDesc, begin, nil, KeyMatchAll)
		_ = CallbackUnregister(statedumpEndDesc, end, nil, KeyMatchAll)
	})
	return r
}

func TestStatedumpPolling_initialDump(t *testing.T) {
	resetLibrary(t)
	Init()
	rec := newDumpRecorder(t)

	var dumped []uint64
	h, err := StatedumpRequestNotificationRegister(`proc`, func(key *uint64) {
		dumped = append(dumped, *key)
		rec.events = append(rec.events, dumpEvent{kind: `dump`, name: `proc`, key: *key})
	}, StatedumpPolling)
	require.NoError(t, err)
	defer StatedumpRequestNotificationUnregister(h)

	assert.True(t, StatedumpPollPendingRequests(h), `initial dump queued at registration`)
	require.NoError(t, StatedumpRunPendingRequests(h))
	assert.False(t, StatedumpPollPendingRequests(h))

	require.Equal(t, []uint64{KeyMatchAll}, dumped)
	require.Len(t, rec.events, 3)
	assert.Equal(t, `begin`, rec.events[0].kind)
	assert.Equal(t, `proc`, rec.events[0].name)
	assert.Equal(t, `dump`, rec.events[1].kind)
	assert.Equal(t, `end`, rec.events[2].kind)
	assert.Equal(t, `proc`, rec.events[2].name)

	// nothing left: running again is a no-op
	require.NoError(t, StatedumpRunPendingRequests(h))
	require.Len(t, rec.events, 3)
}

func TestStatedumpRequest_fifoOrder(t *testing.T) {
	resetLibrary(t)
	Init()

	var dumped []uint64
	h, err := StatedumpRequestNotificationRegister(`proc`, func(key *uint64) {
		dumped = append(dumped, *key)
	}, StatedumpPolling)
	require.NoError(t, err)
	defer StatedumpRequestNotificationUnregister(h)
	require.NoError(t, StatedumpRunPendingRequests(h)) // drain the initial dump
	dumped = nil

	require.NoError(t, StatedumpRequest(9))
	require.NoError(t, StatedumpRequest(10))
	require.NoError(t, StatedumpRequest(9))
	require.NoError(t, StatedumpRunPendingRequests(h))
	assert.Equal(t, []uint64{9, 10, 9}, dumped)
}

func TestStatedumpRequest_matchAllRejected(t *testing.T) {
	resetLibrary(t)
	assert.ErrorIs(t, StatedumpRequest(KeyMatchAll), ErrInvalid)
	assert.ErrorIs(t, StatedumpRequestCancel(KeyMatchAll), ErrInvalid)
}

func TestStatedumpRequestCancel(t *testing.T) {
	resetLibrary(t)
	Init()
	rec := newDumpRecorder(t)

	h, err := StatedumpRequestNotificationRegister(`proc`, func(key *uint64) {
		rec.events = append(rec.events, dumpEvent{kind: `dump`, key: *key})
	}, StatedumpPolling)
	require.NoError(t, err)
	defer StatedumpRequestNotificationUnregister(h)
	require.NoError(t, StatedumpRunPendingRequests(h))
	rec.events = nil

	require.NoError(t, StatedumpRequest(9))
	assert.True(t, StatedumpPollPendingRequests(h))
	require.NoError(t, StatedumpRequestCancel(9))
	assert.False(t, StatedumpPollPendingRequests(h))
	require.NoError(t, StatedumpRunPendingRequests(h))
	assert.Empty(t, rec.events, `cancelled requests produce no dump events`)

	// cancel is selective: only the matching key is discarded
	require.NoError(t, StatedumpRequest(9))
	require.NoError(t, StatedumpRequest(10))
	require.NoError(t, StatedumpRequestCancel(9))
	require.NoError(t, StatedumpRunPendingRequests(h))
	require.Len(t, rec.events, 3) // begin, dump, end
	assert.Equal(t, uint64(10), rec.events[1].key)
}

func TestStatedumpRegister_validation(t *testing.T) {
	resetLibrary(t)
	if h, err := StatedumpRequestNotificationRegister(`p`, nil, StatedumpPolling); err != ErrInvalid || h != nil {
		t.Fatal(h, err)
	}
	if h, err := StatedumpRequestNotificationRegister(`p`, func(*uint64) {}, StatedumpMode(9)); err != ErrInvalid || h != nil {
		t.Fatal(h, err)
	}
	if err := StatedumpRequestNotificationUnregister(nil); err != ErrInvalid {
		t.Fatal(err)
	}
	h, err := StatedumpRequestNotificationRegister(`p`, func(*uint64) {}, StatedumpPolling)
	if err != nil {
		t.Fatal(h, err)
	}
	if err := StatedumpRequestNotificationUnregister(h); err != nil {
		t.Fatal(err)
	}
	if err := StatedumpRequestNotificationUnregister(h); err != ErrNotFound {
		t.Fatal(err)
	}
}

func TestStatedumpRunPendingRequests_agentHandleRejected(t *testing.T) {
	resetLibrary(t)
	defer checkNumGoroutines(time.Second * 3)(t)

	h, err := StatedumpRequestNotificationRegister(`agent`, func(*uint64) {}, StatedumpAgent)
	require.NoError(t, err)
	defer StatedumpRequestNotificationUnregister(h)

	assert.ErrorIs(t, StatedumpRunPendingRequests(h), ErrInvalid)
	assert.False(t, StatedumpPollPendingRequests(h))
}

func TestStatedumpHandle_accessors(t *testing.T) {
	resetLibrary(t)
	h, err := StatedumpRequestNotificationRegister(`named`, func(*uint64) {}, StatedumpPolling)
	require.NoError(t, err)
	defer StatedumpRequestNotificationUnregister(h)
	assert.Equal(t, `named`, h.Name())
	assert.Equal(t, StatedumpPolling, h.Mode())
}

func TestStatedumpMode_String(t *testing.T) {
	assert.Equal(t, `polling`, StatedumpPolling.String())
	assert.Equal(t, `agent`, StatedumpAgent.String())
	assert.Equal(t, `unknown(9)`, StatedumpMode(9).String())
}

// The begin/end events are dispatched with the notification's key, so a
// callback attached with a concrete key only sees the dumps for that key.
func TestStatedump_beginEndCarryRequestKey(t *testing.T) {
	resetLibrary(t)
	Init()

	var begins, ends int
	begin := func(desc *EventDescription, args, priv any, caller uintptr) { begins++ }
	end := func(desc *EventDescription, args, priv any, caller uintptr) { ends++ }
	require.NoError(t, CallbackRegister(statedumpBeginDesc, begin, nil, 9))
	require.NoError(t, CallbackRegister(statedumpEndDesc, end, nil, 9))
	defer CallbackUnregister(statedumpBeginDesc, begin, nil, 9)
	defer CallbackUnregister(statedumpEndDesc, end, nil, 9)

	h, err := StatedumpRequestNotificationRegister(`proc`, func(*uint64) {}, StatedumpPolling)
	require.NoError(t, err)
	defer StatedumpRequestNotificationUnregister(h)

	require.NoError(t, StatedumpRequest(9))
	require.NoError(t, StatedumpRequest(10))
	require.NoError(t, StatedumpRunPendingRequests(h))

	// the initial MATCH_ALL dump reaches the keyed callback too; the key-10
	// dump does not
	assert.Equal(t, 2, begins)
	assert.Equal(t, 2, ends)
}

func TestStatedumpUnregister_discardsQueued(t *testing.T) {
	resetLibrary(t)
	Init()

	var dumped int
	h, err := StatedumpRequestNotificationRegister(`proc`, func(*uint64) { dumped++ }, StatedumpPolling)
	require.NoError(t, err)
	require.NoError(t, StatedumpRequest(9))
	require.NoError(t, StatedumpRequestNotificationUnregister(h))
	assert.Zero(t, dumped, `queued requests are discarded, not run`)
}
