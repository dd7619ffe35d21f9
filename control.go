package memtrace

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
)

// Engine is the whole allocation-interception and call-context machine:
// one reentrancy guard, one interned function table, one per-thread
// call-stack registry, and one allocation ledger, wired together behind
// a control surface of initialize_from_python, start_tracking,
// stop_tracking, reset, dump_peak, and register_tracer operations.
//
// There is ordinarily exactly one Engine per process, created by
// InitializeFromHost.
type Engine struct {
	cfg         Config
	versionCons HostVersionConstraint
	functions   *functionInterner
	callStacks  *threadCallStacks
	ledger      *Ledger
	lifecycle   *ThreadLifecycle

	initialized int32 // atomic bool
	tracking    int32 // atomic bool
}

var globalEngine atomic.Pointer[Engine]

// InitializeFromHost brings the engine up for a given host process: it is
// the Go-native name for initialize_from_python, the
// control surface's entry point called once, before any tracking can
// begin (grounded in _filpreload.c's fil_initialize, which performs the
// one-time setup a later should_track_memory check depends on).
func InitializeFromHost(opts ...Option) (*Engine, error) {
	cfg := NewConfig(opts...)
	versionConstraint, err := NewHostVersionConstraint(cfg.hostVersionConstraint)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		versionCons: versionConstraint,
		functions:   newFunctionInterner(),
		callStacks:  newThreadCallStacks(),
	}
	e.ledger = NewLedger(cfg)
	e.lifecycle = newThreadLifecycle(e)
	atomic.StoreInt32(&e.initialized, 1)
	globalEngine.Store(e)
	return e, nil
}

// AttachCPythonHost attaches this engine to a CPython-on-wasm guest module
// instance, rejecting the attach if the guest's reported interpreter
// version falls outside this engine's configured constraint.
func (e *Engine) AttachCPythonHost(mod api.Module) (*cpythonHostAdapter, error) {
	return attachCPythonHost(mod, e.versionCons)
}

// CurrentEngine returns the process-wide engine set up by
// InitializeFromHost, or nil if none has been initialized yet.
func CurrentEngine() *Engine {
	return globalEngine.Load()
}

// StartTracking turns allocation bookkeeping on. Safe to call repeatedly.
func (e *Engine) StartTracking() {
	atomic.StoreInt32(&e.tracking, 1)
}

// StopTracking turns allocation bookkeeping off without discarding
// anything already recorded, so a host can pause tracking around a region
// it knows is uninteresting and resume it later.
func (e *Engine) StopTracking() {
	atomic.StoreInt32(&e.tracking, 0)
}

func (e *Engine) stopTrackingInternal() {
	atomic.StoreInt32(&e.tracking, 0)
}

// ShuttingDown notifies the engine that the embedding interpreter is
// tearing down: symbol resolution on the host side (e.g. CPython's
// PyCode_Addr2Line) can no longer be trusted once this is called, so
// tracking stops and the reentrancy guard is poisoned for good, mirroring
// _filpreload.c's fil_shutting_down.
func (e *Engine) ShuttingDown() {
	e.stopTrackingInternal()
	poisonGuard()
}

// ShouldTrack is the single hot-path predicate every intercepted
// allocation call consults before doing any bookkeeping: initialized,
// currently tracking, and not already inside the engine's own code.
func (e *Engine) ShouldTrack() bool {
	return atomic.LoadInt32(&e.initialized) != 0 &&
		atomic.LoadInt32(&e.tracking) != 0 &&
		!isReentrantGuard()
}

// Reset clears the ledger and peak watermark back to empty, as though
// tracking had just started, without touching the interned function table
// or any thread's live call stack.
func (e *Engine) Reset() {
	e.ledger.Reset()
}

// DumpPeak returns the current peak snapshot as a PeakReport. Actual file
// encoding (pprof profile, flamegraph HTML, ...) is the caller's choice of
// renderer; DumpPeak only resolves call-stack ids back to symbol
// information.
func (e *Engine) DumpPeak() *PeakReport {
	bySstack := e.ledger.PeakSnapshot()
	report := &PeakReport{
		PeakLiveBytes: e.ledger.PeakLiveBytes(),
		Stacks:        make([]PeakStackEntry, 0, len(bySstack)),
	}
	for id, bytes := range bySstack {
		frames := e.callStacks.frames(id)
		entry := PeakStackEntry{Bytes: bytes, Frames: make([]ResolvedFrame, 0, len(frames))}
		for _, f := range frames {
			loc, _ := e.functions.Lookup(f.FunctionID)
			entry.Frames = append(entry.Frames, ResolvedFrame{
				FilePath:     loc.FilePath,
				FunctionName: loc.FunctionName,
				Line:         f.Line,
			})
		}
		report.Stacks = append(report.Stacks, entry)
	}
	return report
}

// PeakReport is the fully symbolized form of a peak snapshot, ready for a
// renderer to turn into a pprof profile or a flamegraph.
type PeakReport struct {
	PeakLiveBytes int64
	Stacks        []PeakStackEntry
}

// PeakStackEntry is the bytes attributed to one call stack at the moment
// of peak live memory.
type PeakStackEntry struct {
	Bytes  uint64
	Frames []ResolvedFrame
}

// ResolvedFrame is a Frame with its function id resolved back to source
// location.
type ResolvedFrame struct {
	FilePath     string
	FunctionName string
	Line         uint16
}

func (f ResolvedFrame) String() string {
	return fmt.Sprintf("%s:%d (%s)", f.FilePath, f.Line, f.FunctionName)
}

// RegisterTracer pins the calling goroutine to its current OS thread for
// the duration of fn, so every currentThreadID() call fn makes resolves to
// the same thread identity throughout. Any goroutine that will drive an
// embedded interpreter across multiple call/return events must be wrapped
// this way, or the Go scheduler could migrate it mid-trace and silently
// split one logical call stack across two thread ids.
func (e *Engine) RegisterTracer(fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	e.callStacks.clear(currentThreadID())
	fn()
}

// Functions exposes the engine's function interner to the host adapter,
// which is the only caller that needs to mint new function ids.
func (e *Engine) Functions() *functionInterner { return e.functions }

// CallStacks exposes the engine's per-thread call-stack registry to the
// host adapter.
func (e *Engine) CallStacks() *threadCallStacks { return e.callStacks }

// Ledger exposes the engine's allocation ledger to the symbol preemption
// layer.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Lifecycle exposes the engine's thread lifecycle bridge to the symbol
// preemption layer's pthread_create and fork wrappers.
func (e *Engine) Lifecycle() *ThreadLifecycle { return e.lifecycle }
