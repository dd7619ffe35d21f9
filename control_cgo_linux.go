//go:build linux && cgo

package memtrace

/*
#include <stdint.h>
*/
import "C"

// These exported C symbols are the native ABI the Control Surface
// promises to an interpreter host embedding this shared library directly:
// a host that is not itself a wasm-hosted guest calls these instead of
// the Go-level Engine methods, since it cannot import a Go package.

//export memtrace_initialize
func memtrace_initialize() {
	if _, err := InitializeFromHost(); err != nil {
		fatal("initialization failed: %v", err)
	}
}

//export memtrace_start_tracking
func memtrace_start_tracking() {
	if e := CurrentEngine(); e != nil {
		e.StartTracking()
	}
}

//export memtrace_stop_tracking
func memtrace_stop_tracking() {
	if e := CurrentEngine(); e != nil {
		e.StopTracking()
	}
}

//export memtrace_reset
func memtrace_reset() {
	if e := CurrentEngine(); e != nil {
		e.Reset()
	}
}

//export memtrace_dump_peak
func memtrace_dump_peak(path *C.char) C.int {
	e := CurrentEngine()
	if e == nil {
		return -1
	}
	goPath := C.GoString(path)
	prof := e.DumpPeak().BuildProfile()
	if err := WriteProfile(goPath, prof); err != nil {
		logf("dump_peak failed: %v", err)
		return -1
	}
	return 0
}

//export memtrace_register_tracer
func memtrace_register_tracer() {
	e := CurrentEngine()
	if e == nil {
		return
	}
	e.RegisterTracer(func() {})
}

//export memtrace_shutting_down
func memtrace_shutting_down() {
	if e := CurrentEngine(); e != nil {
		e.ShuttingDown()
	}
}
