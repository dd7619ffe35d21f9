//go:build linux

package memtrace

import "golang.org/x/sys/unix"

// ThreadID identifies the OS thread a mutator is running on. On Linux this
// is the kernel task id, the same identity pthread_create-equivalent
// wrappers and the reentrancy guard key their per-thread state on.
type ThreadID int32

// currentThreadID returns the calling OS thread's identity.
//
// Callers that intend to keep attributing allocations to one logical
// thread across multiple calls (e.g. a goroutine driving an embedded
// interpreter) must pin themselves with runtime.LockOSThread first:
// otherwise the Go scheduler is free to migrate the goroutine onto a
// different M between events, which would silently split one logical call
// stack across two ThreadIDs. RegisterTracer does this for the calling
// goroutine.
func currentThreadID() ThreadID {
	return ThreadID(unix.Gettid())
}
