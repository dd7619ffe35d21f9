package memtrace

import (
	"sync"
	"sync/atomic"
)

// poisonValue is the sentinel a poisoned thread's counter is set to. It is
// chosen far from zero so that no plausible number of paired enter/leave
// calls issued by a destructor running during thread teardown can underflow
// it back to zero, which keeps the hot-path check a single compare-to-zero
// rather than a separate "poisoned" flag.
const poisonValue = 1 << 32

// reentrancyGuard is a per-thread non-negative counter enforcing that the
// engine's own bookkeeping never observes allocations it triggers itself
//. It is cycle-breaking, not mutual exclusion: nested
// enter/leave pairs compose, and a poisoned thread never reports
// non-reentrant again.
type reentrancyGuard struct {
	counters sync.Map // ThreadID -> *int64
}

var guard = &reentrancyGuard{}

func (g *reentrancyGuard) counter(id ThreadID) *int64 {
	if v, ok := g.counters.Load(id); ok {
		return v.(*int64)
	}
	c := new(int64)
	v, _ := g.counters.LoadOrStore(id, c)
	return v.(*int64)
}

// enter marks the calling thread as having entered a reentrant region of
// engine code. Must be paired with a later call to leave on the same
// thread.
func (g *reentrancyGuard) enter() {
	atomic.AddInt64(g.counter(currentThreadID()), 1)
}

// leave ends the region started by the most recent enter on this thread.
func (g *reentrancyGuard) leave() {
	atomic.AddInt64(g.counter(currentThreadID()), -1)
}

// isReentrant reports whether the calling thread is currently inside a
// region started by enter, or has been poisoned.
func (g *reentrancyGuard) isReentrant() bool {
	return atomic.LoadInt64(g.counter(currentThreadID())) != 0
}

// poison permanently marks the calling thread as reentrant. Invoked from
// thread-cleanup hooks so that allocations issued by destructors running
// after thread-local storage becomes unreliable are never observed by the
// ledger, even though they still reach the real allocator.
func (g *reentrancyGuard) poison() {
	atomic.StoreInt64(g.counter(currentThreadID()), poisonValue)
}

// forget drops the bookkeeping entry for the calling thread's id. Safe to
// call after poison; mainly useful so long-lived processes that spawn and
// join many threads don't grow the counters map without bound once a
// thread's id can no longer recur... except POSIX/Linux thread ids are
// reused, so forgetting early would let a new thread inherit a poisoned
// counter. Thread ids are therefore intentionally never forgotten; the map
// is bounded in practice by the number of concurrently live threads.
func (g *reentrancyGuard) forget(ThreadID) {}

// enterGuard, leaveGuard, isReentrantGuard and poisonGuard are the
// package-level entry points the hot path and control surface use; they
// exist so call sites read as plain function calls rather than going
// through the package-level guard variable directly.
func enterGuard()            { guard.enter() }
func leaveGuard()            { guard.leave() }
func isReentrantGuard() bool { return guard.isReentrant() }
func poisonGuard()           { guard.poison() }
