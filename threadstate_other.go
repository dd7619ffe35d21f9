//go:build !linux

package memtrace

import "os"

// ThreadID identifies the OS thread a mutator is running on.
type ThreadID int32

// currentThreadID falls back to the process id on platforms where this
// package does not have a cheap kernel thread id. Pure-Go callers on
// these platforms must still pin with runtime.LockOSThread as documented
// on the Linux implementation.
func currentThreadID() ThreadID {
	return ThreadID(os.Getpid())
}
