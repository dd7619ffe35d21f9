// Command memtrace-preload builds a shared library that intercepts the C
// allocator and thread/process primitives of any process that preloads
// it, attributing every allocation to the call stack reported by whatever
// interpreter host has called memtrace.RegisterTracer in that process.
//
// Build with:
//
//	go build -buildmode=c-shared -o memtrace_preload.so ./cmd/memtrace-preload
//
// and run a target program with:
//
//	LD_PRELOAD=./memtrace_preload.so ./target
package main

// #cgo LDFLAGS: -ldl
import "C"

import (
	_ "github.com/memtrace-dev/memtrace" // registers the malloc/calloc/realloc/free/... wrappers
)

// main is required by the toolchain for a c-shared buildmode binary but
// is never the program's entry point: the preloaded shared object's
// exported C symbols (malloc, free, pthread_create, ...) are resolved
// directly by the dynamic linker, not by running this function.
func main() {}
