package tracepoint

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// resetLibrary returns the package-global state to a pristine condition.
// Tests share the process-global registry, so every test that touches it
// calls this first; sequential execution (no t.Parallel) keeps it safe.
func resetLibrary(t *testing.T) {
	t.Helper()

	// stop a still-running agent from a previous test, if any
	agent.mu.Lock()
	if agent.refs > 0 && agent.done != nil {
		statedump.mu.Lock()
		agent.state.Or(agentExit)
		statedump.worker.Broadcast()
		join := agent.done
		statedump.mu.Unlock()
		<-join
	}
	agent.refs = 0
	agent.done = nil
	agent.state.Store(0)
	agent.mu.Unlock()

	registry.mu.lock()
	registry.batches = nil
	registry.notifiers = nil
	registry.mu.unlock()

	statedump.mu.Lock()
	statedump.handles.Store(nil)
	statedump.mu.Unlock()

	clearState(statedumpBeginDesc.State)
	clearState(statedumpEndDesc.State)

	lifecycle.initOnce = sync.Once{}
	lifecycle.exitOnce = sync.Once{}
	lifecycle.exiting.Store(false)

	SetLogger(nil)
}

func clearState(st *EventState) {
	st.nrCallbacks = 0
	st.enabled.Store(0)
	st.callbacks.Store(emptyCallbacks)
}

// checkNumGoroutines returns a func that fails the test if the goroutine
// count has not returned to its current value within the timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for runtime.NumGoroutine() > before {
			if time.Now().After(deadline) {
				t.Errorf(`leaked goroutines: started with %d now %d`, before, runtime.NumGoroutine())
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// waitFor spins until the condition holds, with a deadline guard.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(`timed out waiting for ` + msg)
		}
		runtime.Gosched()
	}
}

// newTestEvent builds a registrable single-event description.
func newTestEvent(name string, flags EventFlags) *EventDescription {
	return &EventDescription{Name: name, Flags: flags, State: &EventState{}}
}
