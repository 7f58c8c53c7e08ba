package tracepoint

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// reentrantMutex is a mutex that may be re-acquired by the goroutine that
// holds it. The registry uses one so that notification callbacks can legally
// re-enter registration APIs (a tracer may react to an event batch by
// attaching to another event).
//
// Ownership is tracked by goroutine id. Lock and unlock must be paired on
// the same goroutine.
type reentrantMutex struct {
	mu    sync.Mutex
	owner atomic.Int64
	depth int
}

func (x *reentrantMutex) lock() {
	gid := goroutineID()
	if x.owner.Load() == gid {
		x.depth++
		return
	}
	x.mu.Lock()
	x.owner.Store(gid)
	x.depth = 1
}

func (x *reentrantMutex) unlock() {
	if x.owner.Load() != goroutineID() {
		panic(`tracepoint: unlock of reentrant mutex not held by this goroutine`)
	}
	x.depth--
	if x.depth == 0 {
		x.owner.Store(0)
		x.mu.Unlock()
	}
}

// goroutineID parses the current goroutine's id from the first line of its
// stack trace, "goroutine N [...". Ids are positive and never reused within
// a process lifetime, so 0 is a safe "unowned" marker.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = len("goroutine ")
	var id int64
	for _, c := range buf[prefix:n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
