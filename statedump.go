package tracepoint

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// StatedumpMode selects how a producer's pending state-dump requests are
// run: by the producer itself ([StatedumpPolling]) or by the shared agent
// goroutine ([StatedumpAgent]).
type StatedumpMode uint8

const (
	// StatedumpPolling leaves execution to the producer, via
	// [StatedumpPollPendingRequests] and [StatedumpRunPendingRequests].
	StatedumpPolling StatedumpMode = iota
	// StatedumpAgent runs pending requests on the shared agent goroutine,
	// which exists while at least one handle uses this mode.
	StatedumpAgent
)

// String returns a human-readable representation of the mode.
func (x StatedumpMode) String() string {
	switch x {
	case StatedumpPolling:
		return "polling"
	case StatedumpAgent:
		return "agent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(x))
	}
}

// StatedumpCallback replays the producer's current state as a burst of
// [StatedumpCall] dispatches, forwarding the key pointer to each. The
// pointer is only valid until the callback returns.
type StatedumpCallback func(key *uint64)

// StatedumpHandle represents one registered state-dump producer.
type StatedumpHandle struct {
	name string
	cb   StatedumpCallback
	mode StatedumpMode

	// queue is the FIFO of requested dump keys, pending the count of
	// queued plus in-flight notifications; both statedump.mu guarded.
	queue   []uint64
	pending int
}

// Name returns the producer name the handle was registered with.
func (x *StatedumpHandle) Name() string { return x.name }

// Mode returns the handle's execution mode.
func (x *StatedumpHandle) Mode() StatedumpMode { return x.mode }

// Names of the built-in events bracketing every state dump. Both carry the
// producer's registered name as their argument and are dispatched with the
// request's key; tracers discover their descriptions through the usual
// registration notifications.
const (
	StatedumpBeginEventName = `tracepoint_statedump_begin`
	StatedumpEndEventName   = `tracepoint_statedump_end`
)

var (
	statedumpBeginDesc = &EventDescription{Name: StatedumpBeginEventName, State: &EventState{}}
	statedumpEndDesc   = &EventDescription{Name: StatedumpEndEventName, State: &EventState{}}
)

// registerStatedumpEvents registers the built-in boundary events as an
// internal batch; runs once, from Init.
func registerStatedumpEvents() {
	registry.mu.lock()
	defer registry.mu.unlock()
	registerEventsLocked(&EventsHandle{events: []*EventDescription{statedumpBeginDesc, statedumpEndDesc}})
}

// statedump is the machine's shared state. The handle list is published
// copy-on-write so the agent iterates it without taking the lock; every
// other access, and all queue state, is statedump.mu guarded.
var statedump struct {
	mu      sync.Mutex
	worker  *sync.Cond
	waiter  *sync.Cond
	handles atomic.Pointer[[]*StatedumpHandle]
}

func init() {
	statedump.worker = sync.NewCond(&statedump.mu)
	statedump.waiter = sync.NewCond(&statedump.mu)
}

// Agent state flags. The blocked state is the zero word.
const (
	agentHandleRequest uint32 = 1 << iota
	agentExit
	agentPause
	agentPauseAck
)

// pauseSpinIterations bounds the busy phase of the pause/ack loops before
// they fall back to 1ms sleeps.
const pauseSpinIterations = 128

// agent is the singleton worker servicing [StatedumpAgent] handles,
// refcounted by them. agent.mu is the outermost lock (order: agent.mu, then
// statedump.mu); refs, done and gen are guarded by it.
var agent struct {
	mu    sync.Mutex
	refs  int
	state atomic.Uint32
	gen   atomic.Uint64
	done  chan struct{}
}

// StatedumpRequestNotificationRegister registers a state-dump producer
// under name, with an initial dump: a [KeyMatchAll] request is queued
// immediately, and for [StatedumpAgent] handles the call only returns once
// that dump has completed.
func StatedumpRequestNotificationRegister(name string, cb StatedumpCallback, mode StatedumpMode) (*StatedumpHandle, error) {
	if exiting() {
		return nil, ErrExiting
	}
	Init()
	if cb == nil {
		return nil, ErrInvalid
	}
	switch mode {
	case StatedumpPolling, StatedumpAgent:
	default:
		return nil, ErrInvalid
	}

	h := &StatedumpHandle{name: name, cb: cb, mode: mode}

	if mode == StatedumpAgent {
		agent.mu.Lock()
	}
	statedump.mu.Lock()
	if mode == StatedumpAgent {
		agent.refs++
		if agent.refs == 1 {
			spawnAgentLocked()
		}
	}
	handlesInsertLocked(h)
	h.queue = append(h.queue, KeyMatchAll)
	h.pending++
	if mode == StatedumpAgent {
		agent.state.Or(agentHandleRequest)
		statedump.worker.Broadcast()
	}
	statedump.mu.Unlock()
	if mode == StatedumpAgent {
		agent.mu.Unlock()

		// the initial dump is synchronous from the caller's perspective
		statedump.mu.Lock()
		for h.pending > 0 {
			statedump.waiter.Wait()
		}
		statedump.mu.Unlock()
	}

	getLogger().Debug().
		Str(`name`, name).
		Stringer(`mode`, mode).
		Log(`tracepoint: registered statedump handle`)
	return h, nil
}

// StatedumpRequestNotificationUnregister removes a handle registered by
// [StatedumpRequestNotificationRegister], discarding its queued requests.
// Unregistering the last [StatedumpAgent] handle stops and joins the agent.
func StatedumpRequestNotificationUnregister(h *StatedumpHandle) error {
	if exiting() {
		return ErrExiting
	}
	if h == nil {
		return ErrInvalid
	}
	if h.mode == StatedumpAgent {
		agent.mu.Lock()
		defer agent.mu.Unlock()
	}
	statedump.mu.Lock()
	if !handlesRemoveLocked(h) {
		statedump.mu.Unlock()
		return ErrNotFound
	}
	h.pending -= len(h.queue)
	h.queue = nil
	var join chan struct{}
	if h.mode == StatedumpAgent {
		agent.refs--
		if agent.refs == 0 {
			agent.state.Or(agentExit)
			statedump.worker.Broadcast()
			join = agent.done
		}
	}
	statedump.mu.Unlock()
	if join != nil {
		// outside the statedump lock (the agent may need it to finish),
		// inside the agent lock
		<-join
		agent.done = nil
		agent.state.Store(0)
	}
	getLogger().Debug().
		Str(`name`, h.name).
		Log(`tracepoint: unregistered statedump handle`)
	return nil
}

// StatedumpRequest asks every registered producer to dump the state
// associated with key. key must not be [KeyMatchAll]; a full dump happens
// only at registration. [StatedumpPolling] producers pick the request up on
// their next run; the agent is woken for [StatedumpAgent] producers.
func StatedumpRequest(key uint64) error {
	if key == KeyMatchAll {
		return ErrInvalid
	}
	if exiting() {
		return ErrExiting
	}
	Init()
	statedump.mu.Lock()
	defer statedump.mu.Unlock()
	var notifyAgent bool
	if handles := statedump.handles.Load(); handles != nil {
		for _, h := range *handles {
			h.queue = append(h.queue, key)
			h.pending++
			if h.mode == StatedumpAgent {
				notifyAgent = true
			}
		}
	}
	if notifyAgent {
		agent.state.Or(agentHandleRequest)
		statedump.worker.Broadcast()
	}
	getLogger().Debug().
		Uint64(`key`, key).
		Log(`tracepoint: statedump requested`)
	return nil
}

// StatedumpRequestCancel discards every not-yet-run request for key, on
// every handle. key must not be [KeyMatchAll]. Requests already being run
// are not interrupted.
func StatedumpRequestCancel(key uint64) error {
	if key == KeyMatchAll {
		return ErrInvalid
	}
	if exiting() {
		return ErrExiting
	}
	statedump.mu.Lock()
	defer statedump.mu.Unlock()
	if handles := statedump.handles.Load(); handles != nil {
		for _, h := range *handles {
			kept := h.queue[:0]
			for _, k := range h.queue {
				if k != key {
					kept = append(kept, k)
				}
			}
			h.pending -= len(h.queue) - len(kept)
			h.queue = kept
		}
	}
	return nil
}

// StatedumpPollPendingRequests reports whether the handle has requests
// waiting to be run. Always false for [StatedumpAgent] handles, whose
// requests the agent runs.
func StatedumpPollPendingRequests(h *StatedumpHandle) bool {
	if h == nil || h.mode == StatedumpAgent {
		return false
	}
	statedump.mu.Lock()
	defer statedump.mu.Unlock()
	return len(h.queue) > 0
}

// StatedumpRunPendingRequests runs the handle's pending requests on the
// calling goroutine, in FIFO order, each bracketed by the built-in begin
// and end events. Returns [ErrInvalid] for [StatedumpAgent] handles.
func StatedumpRunPendingRequests(h *StatedumpHandle) error {
	if h == nil || h.mode == StatedumpAgent {
		return ErrInvalid
	}
	if exiting() {
		return ErrExiting
	}
	h.runPending(false)
	return nil
}

// runPending splices the queue and runs each notification in order. For
// agent runs, panics from the producer callback are contained so one broken
// producer cannot kill the shared agent.
func (x *StatedumpHandle) runPending(recoverPanics bool) {
	statedump.mu.Lock()
	local := x.queue
	x.queue = nil
	statedump.mu.Unlock()

	for i := range local {
		key := local[i]
		x.dumpOne(&key, recoverPanics)
		statedump.mu.Lock()
		x.pending--
		statedump.mu.Unlock()
	}

	if x.mode == StatedumpAgent {
		statedump.waiter.Broadcast()
	}
}

// dumpOne emits one begin/dump/end triple. The key pointer is scoped to
// this call; the producer forwards it to its statedump dispatches.
func (x *StatedumpHandle) dumpOne(key *uint64, recoverPanics bool) {
	if recoverPanics {
		defer func() {
			if r := recover(); r != nil {
				getLogger().Err().Limit().
					Str(`name`, x.name).
					Interface(`recovered`, r).
					Log(`tracepoint: panic in statedump producer callback`)
			}
		}()
	}
	StatedumpCall(statedumpBeginDesc.State, x.name, key)
	x.cb(key)
	StatedumpCall(statedumpEndDesc.State, x.name, key)
}

// handlesInsertLocked publishes a copy of the handle list with h appended.
func handlesInsertLocked(h *StatedumpHandle) {
	old := statedump.handles.Load()
	var next []*StatedumpHandle
	if old != nil {
		next = append(next, *old...)
	}
	next = append(next, h)
	statedump.handles.Store(&next)
}

// handlesRemoveLocked publishes a copy of the handle list without h.
func handlesRemoveLocked(h *StatedumpHandle) bool {
	old := statedump.handles.Load()
	if old == nil {
		return false
	}
	for i, v := range *old {
		if v != h {
			continue
		}
		next := make([]*StatedumpHandle, 0, len(*old)-1)
		next = append(next, (*old)[:i]...)
		next = append(next, (*old)[i+1:]...)
		statedump.handles.Store(&next)
		return true
	}
	return false
}

// spawnAgentLocked starts the agent goroutine. Both locks held.
func spawnAgentLocked() {
	agent.state.Store(0)
	agent.done = make(chan struct{})
	gen := agent.gen.Add(1)
	go agentMain(gen, agent.done)
}

// agentMain is the agent goroutine: it sleeps while there is nothing to do,
// and otherwise handles, in priority order, exit, pause, and pending
// requests. gen detects having been replaced (see respawnAgentAfterFork).
func agentMain(gen uint64, done chan struct{}) {
	getLogger().Info().
		Log(`tracepoint: statedump agent started`)
	defer close(done)
	for {
		statedump.mu.Lock()
		for agent.state.Load() == 0 && agent.gen.Load() == gen {
			statedump.worker.Wait()
		}
		st := agent.state.Load()
		statedump.mu.Unlock()

		if agent.gen.Load() != gen {
			// replaced by a respawn; the successor owns the state word
			return
		}
		if st&agentExit != 0 {
			getLogger().Info().
				Log(`tracepoint: statedump agent exiting`)
			return
		}
		if st&agentPause != 0 {
			agent.state.Or(agentPauseAck)
			getLogger().Debug().
				Log(`tracepoint: statedump agent paused`)
			awaitAgentState(func(s uint32) bool { return s&agentPause == 0 })
			getLogger().Debug().
				Log(`tracepoint: statedump agent resumed`)
			continue
		}
		agent.state.And(^agentHandleRequest)

		// lock-free read of the published handle list; a slow producer
		// callback must not block handle registration
		if handles := statedump.handles.Load(); handles != nil {
			for _, h := range *handles {
				if h.mode != StatedumpAgent {
					continue
				}
				h.runPending(true)
			}
		}
	}
}

// awaitAgentState busy-waits for the predicate: a bounded spin, then 1ms
// sleeps. Shared by the agent's pause response and PauseAgent's ack wait, so
// neither side holds a condvar across a fork-style quiescence window.
func awaitAgentState(ok func(uint32) bool) {
	for i := 0; i < pauseSpinIterations; i++ {
		if ok(agent.state.Load()) {
			return
		}
		runtime.Gosched()
	}
	for !ok(agent.state.Load()) {
		time.Sleep(time.Millisecond)
	}
}

// PauseAgent quiesces the agent goroutine, returning once it acknowledges
// the pause (immediately if it is not running). Intended to bracket
// fork-style operations performed via cgo, where the agent must not hold
// locks or be mid-dump. The agent lock is held from PauseAgent until the
// paired [ResumeAgent]; registration and unregistration of [StatedumpAgent]
// handles block in between ([StatedumpPolling] handles do not take it).
func PauseAgent() {
	agent.mu.Lock()
	if agent.refs == 0 {
		// nothing to pause; the lock stays held until ResumeAgent
		return
	}
	// the statedump lock is taken only to set the flag, never across the
	// wait: the agent may legitimately hold it
	statedump.mu.Lock()
	agent.state.Or(agentPause)
	statedump.worker.Broadcast()
	statedump.mu.Unlock()
	awaitAgentState(func(s uint32) bool { return s&agentPauseAck != 0 })
}

// ResumeAgent releases a pause established by [PauseAgent]. Every
// PauseAgent call must be paired with exactly one ResumeAgent call.
func ResumeAgent() {
	agent.state.And(^(agentPause | agentPauseAck))
	agent.mu.Unlock()
}

// respawnAgentAfterFork is the child-side half of fork handling: in a
// forked child the agent goroutine no longer exists, so, with the agent
// lock still held from the pre-fork PauseAgent, reinitialise the agent
// state and spawn a fresh worker if any handle still needs one. Releases
// the agent lock.
func respawnAgentAfterFork() {
	agent.state.Store(0)
	if agent.refs > 0 {
		agent.done = make(chan struct{})
		gen := agent.gen.Add(1)
		go agentMain(gen, agent.done)
		// wake any predecessor (outside a real fork, i.e. in tests) so it
		// observes the generation change and exits
		statedump.mu.Lock()
		statedump.worker.Broadcast()
		statedump.mu.Unlock()
	}
	agent.mu.Unlock()
}

// shutdownStatedump tears the machine down, from Exit: drops every handle,
// wakes any waiters, and stops and joins the agent.
func shutdownStatedump() {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	statedump.mu.Lock()
	var join chan struct{}
	if agent.refs > 0 {
		agent.refs = 0
		agent.state.Or(agentExit)
		statedump.worker.Broadcast()
		join = agent.done
	}
	if handles := statedump.handles.Load(); handles != nil {
		for _, h := range *handles {
			h.queue = nil
			h.pending = 0
		}
	}
	statedump.handles.Store(nil)
	statedump.waiter.Broadcast()
	statedump.mu.Unlock()
	if join != nil {
		<-join
		agent.done = nil
		agent.state.Store(0)
	}
}
