// Package memtrace attributes every heap and anonymous-map allocation made
// by a running interpreted scripting host to the source location that
// requested it, and reports the peak resident allocation set as a pprof
// profile suitable for flamegraph rendering.
//
// The package implements the allocation-interception and call-context
// engine only: symbol preemption wrappers, the per-thread call stack
// tracker, the reentrancy guard, the allocation ledger and its peak
// watermark, the thread-lifecycle bridge, and the control surface consumed
// by an embedding interpreter host. Rendering a flamegraph image, launching
// a profiled subprocess, and the Jupyter integration glue live outside this
// package.
package memtrace
