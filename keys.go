package tracepoint

import (
	"sync"
)

// keyAllocator issues unique tracer keys from a monotonic counter. Keys are
// never recycled; the reserved range below firstDynamicKey is never issued.
var keyAllocator = struct {
	mu   sync.Mutex
	next uint64
}{next: firstDynamicKey}

// RequestKey returns a key unique within the process, for pairing callback
// attachments with state-dump requests. Successive calls return strictly
// increasing values, all >= 8. Returns [ErrNoMem] in the (practically
// unreachable) case that the 64-bit counter wrapped.
func RequestKey() (uint64, error) {
	keyAllocator.mu.Lock()
	defer keyAllocator.mu.Unlock()
	if keyAllocator.next == 0 {
		// wrapped; keys are never recycled, so the space is exhausted
		return 0, ErrNoMem
	}
	key := keyAllocator.next
	keyAllocator.next++
	return key, nil
}
