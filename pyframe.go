package memtrace

import (
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// runtimeAddrFunc is the name of the guest-exported function the engine
// calls once, at attach time, to learn where the host's interpreter
// runtime state lives in guest linear memory. A guest that wants its
// allocations and calls tracked exports this the same way it exports
// wasi_snapshot_preview1 imports; CPython-on-wasm builds used here do so
// through a small shim compiled alongside the interpreter.
//
// This replaces walking the module's DWARF info for the runtime state
// global's address: the export is a single stable ABI boundary instead of
// a debug-info implementation detail that moves between compiler
// versions.
const runtimeAddrFunc = "__memtrace_runtime_state_addr"

// cpythonHostAdapter implements the interpreter-host adapter for a CPython
// interpreter compiled to wasm and hosted under wazero. It is the concrete
// stand-in this engine ships for the otherwise host-specific "report
// call/return/line events and expose frame state" contract, grounded in
// the guest-frame walker previously named python.go.
type cpythonHostAdapter struct {
	pyrtaddr         ptr
	counter          uint64
	extraSlotClaimed bool
}

var _ HostAdapter = (*cpythonHostAdapter)(nil)

// RequestExtraSlot reserves this adapter's single code-object extra-data
// slot index, the Go realization of initialize_from_python. attachCPythonHost
// calls it exactly once, right after a guest's runtime state address has
// been resolved; a second call is a caller bug, not a valid re-request.
func (a *cpythonHostAdapter) RequestExtraSlot() (int, error) {
	if a.extraSlotClaimed {
		return 0, fmt.Errorf("memtrace: extra-data slot already requested for this adapter")
	}
	a.extraSlotClaimed = true
	return 0, nil
}

// attachCPythonHost resolves the guest's runtime state address by invoking
// its exported locator function, checks the reported interpreter version
// against the configured constraint (version.go), and reserves the
// adapter's extra-data slot before returning an adapter willing to walk
// that guest's frames.
func attachCPythonHost(mod api.Module, versionConstraint HostVersionConstraint) (*cpythonHostAdapter, error) {
	fn := mod.ExportedFunction(runtimeAddrFunc)
	if fn == nil {
		return nil, fmt.Errorf("memtrace: guest module does not export %s", runtimeAddrFunc)
	}
	results, err := fn.Call(nil)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("memtrace: could not resolve interpreter runtime state address: %w", err)
	}
	addr := ptr(results[0])

	versionFn := mod.ExportedFunction("__memtrace_host_version")
	if versionFn != nil {
		if vres, err := versionFn.Call(nil); err == nil && len(vres) == 1 {
			versionhex := uint32(vres[0])
			// see cpython patchlevel.h: (major << 24) | (minor << 16) | ...
			major := (versionhex >> 24) & 0xFF
			minor := (versionhex >> 16) & 0xFF
			version := fmt.Sprintf("%d.%d.0", major, minor)
			if err := versionConstraint.Check(version); err != nil {
				return nil, fmt.Errorf("memtrace: unsupported interpreter version: %w", err)
			}
		}
	}

	adapter := &cpythonHostAdapter{pyrtaddr: addr}
	if _, err := adapter.RequestExtraSlot(); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Padding of fields in various CPython structs, calculated against the
// layout of the CPython versions this engine's version constraint
// accepts (version.go). A guest built from a CPython release with a
// different struct layout needs its own padding table; these are not
// discovered at runtime because wasm builds of CPython do not ship DWARF
// info precise enough to compute them reliably.
const (
	// _PyRuntimeState.
	padTstateCurrentInRT = 360
	// PyThreadState.
	padCframeInThreadState = 40
	// _PyCFrame.
	padCurrentFrameInCFrame = 4
	// _PyInterpreterFrame.
	padPreviousInFrame  = 24
	padCodeInFrame      = 16
	padPrevInstrInFrame = 28
	// PyCodeObject.
	padFilenameInCodeObject     = 80
	padNameInCodeObject         = 84
	padCodeAdaptiveInCodeObject = 116
	padFirstlinenoInCodeObject  = 48
	padLinearrayInCodeObject    = 104
	padLinetableInCodeObject    = 92
	sizeCodeUnit                = 2
	// PyASCIIObject.
	padStateInAsciiObject  = 16
	padLengthInAsciiObject = 8
	sizeAsciiObject        = 24
	// PyBytesObject.
	padSvalInBytesObject = 16
	padSizeInBytesObject = 8
	// Enum constants for the compact line-number table encoding.
	enumCodeLocation1     = 11
	enumCodeLocation2     = 12
	enumCodeLocationNoCol = 13
	enumCodeLocationLong  = 14
)

// currentFrame walks the guest's thread state to find the interpreter
// frame currently executing, the starting point for a Before hook (new
// top frame).
func (a *cpythonHostAdapter) currentFrame(m api.Memory) ptr {
	tsp := deref[ptr](m, a.pyrtaddr+padTstateCurrentInRT)
	cframep := deref[ptr](m, tsp+padCframeInThreadState)
	return deref[ptr](m, cframep+padCurrentFrameInCFrame)
}

// describeFrame extracts the (file, function, line) triple for a guest
// interpreter frame, resolving the frame's code object's name fields
// through the ASCII/bytes unicode representations CPython uses internally.
func (a *cpythonHostAdapter) describeFrame(m api.Memory, framep ptr) HostFrameInfo {
	codep := deref[ptr](m, framep+padCodeInFrame)
	line, _ := lineForFrame(m, framep, codep)
	file := derefPyUnicodeUTF8(m, codep+padFilenameInCodeObject)
	name := derefPyUnicodeUTF8(m, codep+padNameInCodeObject)
	return HostFrameInfo{
		FilePath:     file,
		FunctionName: functionName(file, name),
		Line:         uint16(line),
	}
}

// parentFrame returns the frame that called framep, or zero if framep is
// the outermost frame currently known to the interpreter.
func (a *cpythonHostAdapter) parentFrame(m api.Memory, framep ptr) ptr {
	prev := deref[ptr](m, framep+padPreviousInFrame)
	if prev == framep {
		return 0
	}
	return prev
}

// HostFrameInfo is the symbol triple a host adapter reports for one
// interpreter frame.
type HostFrameInfo struct {
	FilePath     string
	FunctionName string
	Line         uint16
}

// wazeroCallListener bridges wazero's experimental.FunctionListener
// hooks (Before/After, invoked around every guest function call) into the
// engine's start_call/finish_call operations, the realization of the
// CALL and RETURN events of the on_interpreter_event contract for a
// wasm-hosted interpreter. It reports no LINE events: new_line is never
// called, so a frame keeps the line it had when it was pushed, apart from
// the parent-line update a nested call makes. It uses the same
// Before/After listener wiring as the CPU companion profiler in
// cpuprofile.go, driving call-stack bookkeeping instead of timing.
type wazeroCallListener struct {
	engine *Engine
	host   *cpythonHostAdapter
	mem    api.Memory
	thread ThreadID
}

func newWazeroCallListener(e *Engine, host *cpythonHostAdapter, mem api.Memory) *wazeroCallListener {
	return &wazeroCallListener{engine: e, host: host, mem: mem, thread: currentThreadID()}
}

// Before is invoked by wazero immediately before a guest function runs. It
// resolves the frame CPython just pushed and reports it to this thread's
// call-stack tracker.
func (l *wazeroCallListener) Before(ctx interface{}, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) interface{} {
	if !l.engine.ShouldTrack() {
		return ctx
	}
	framep := l.host.currentFrame(l.mem)
	if framep == 0 {
		return ctx
	}
	info := l.host.describeFrame(l.mem, framep)
	functionID := l.engine.Functions().Intern(FunctionLocation{FilePath: info.FilePath, FunctionName: info.FunctionName})

	var parentLine uint16
	if parent := l.host.parentFrame(l.mem, framep); parent != 0 {
		parentLine = l.host.describeFrame(l.mem, parent).Line
	}

	l.engine.CallStacks().startCall(l.thread, parentLine, functionID, info.Line)
	return ctx
}

// After is invoked by wazero immediately after a guest function returns,
// normally or via a panic/trap.
func (l *wazeroCallListener) After(ctx interface{}, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	if !l.engine.ShouldTrack() {
		return
	}
	l.engine.CallStacks().finishCall(l.thread)
}

func functionName(path, function string) string {
	mod := ""
	const frozenPrefix = "<frozen "
	if strings.HasPrefix(path, frozenPrefix) {
		mod = path[len(frozenPrefix) : len(path)-1]
	} else {
		file := filepath.Base(path)
		mod = file[:len(file)-len(filepath.Ext(file))]
	}

	if function == "<module>" {
		return mod
	}
	return mod + "." + function
}

// Return the utf8 encoding of a PyUnicode object. It is a re-implementation
// of PyUnicode_AsUTF8, restricted to the ascii-compact representation
// every CPython source filename and function name uses in practice.
func pyUnicodeUTF8(m vmem, p ptr) string {
	statep := p + padStateInAsciiObject
	state := deref[uint8](m, statep)
	compact := state&(1<<5) > 0
	ascii := state&(1<<6) > 0
	if !compact || !ascii {
		panic("memtrace: only ascii-compact unicode objects are supported")
	}

	length := deref[int32](m, p+padLengthInAsciiObject)
	bytes := derefArray[byte](m, p+sizeAsciiObject, uint32(length))
	return unsafe.String(unsafe.SliceData(bytes), len(bytes))
}

func derefPyUnicodeUTF8(m vmem, p ptr) string {
	x := deref[ptr](m, p)
	return pyUnicodeUTF8(m, x)
}

func derefArray[T any](r vmem, p ptr, count uint32) []T {
	res := make([]T, count)
	for i := uint32(0); i < count; i++ {
		res[i] = derefArrayIndex[T](r, p, int32(i))
	}
	return res
}

// lineForFrame decodes the PEP 626 compact line-number table to find the
// source line the frame is currently executing, falling back to the
// code object's first line when the frame has not advanced past its
// entry point yet.
func lineForFrame(m vmem, framep, codep ptr) (int32, bool) {
	codestart := codep + padCodeAdaptiveInCodeObject
	previnstr := deref[ptr](m, framep+padPrevInstrInFrame)
	firstlineno := deref[int32](m, codep+padFirstlinenoInCodeObject)

	if previnstr < codestart {
		return firstlineno, false
	}

	linearray := deref[ptr](m, codep+padLinearrayInCodeObject)
	if linearray != 0 {
		panic("memtrace: code objects with a separate line array are not supported")
	}

	codebytes := deref[ptr](m, codep+padLinetableInCodeObject)
	if codebytes == 0 {
		panic("memtrace: code object has no line table")
	}

	length := deref[int32](m, codebytes+padSizeInBytesObject)
	linetable := codebytes + padSvalInBytesObject
	addrq := int32(previnstr - codestart)

	loNext := linetable
	limit := loNext + ptr(length)
	arEnd := int32(0)
	computedLine := firstlineno
	arLine := int32(-1)

	for arEnd <= addrq && loNext < limit {
		lineDelta := int32(0)
		p := loNext

		entry := deref[uint8](m, p)
		code := (entry >> 3) & 15
		switch code {
		case enumCodeLocation1:
			lineDelta = 1
		case enumCodeLocation2:
			lineDelta = 2
		case enumCodeLocationNoCol, enumCodeLocationLong:
			lineDelta = pysvarint(m, p+1)
		}

		computedLine += lineDelta

		if (entry >> 3) == 0x1F {
			arLine = -1
		} else {
			arLine = computedLine
		}

		arEnd += (int32(entry&7) + 1) * sizeCodeUnit

		loNext++
		for loNext < limit && (deref[uint8](m, loNext)&128 == 0) {
			loNext++
		}
	}

	return arLine, true
}

// pysvarint decodes CPython's compact 7-bit varint encoding, used by the
// line-number table. It differs from a standard protobuf varint in
// carrying 6 payload bits per byte, with bit 6 (0x40) as the continuation
// marker, and in reserving bit 0 of the fully decoded value as a sign flag.
func pysvarint(m vmem, p ptr) int32 {
	read := deref[uint8](m, p)
	val := uint32(read & 63)
	shift := 0
	for read&64 > 0 {
		p++
		read = deref[uint8](m, p)
		shift += 6
		val |= uint32(read&63) << shift
	}

	x := int32(val >> 1)
	if val&1 > 0 {
		x = -x
	}
	return x
}
