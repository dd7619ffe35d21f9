//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrace

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// wasmAllocatorKind classifies a recognized guest export by how its
// parameters and result map to a ledger operation, the wasm-guest
// realization of symbol interpose table: instead of
// resolving real addresses for malloc/calloc/realloc/free via the dynamic
// loader, the engine recognizes guest exports by name and instruments
// their call boundary directly through wazero's FunctionListener.
type wasmAllocatorKind int

const (
	wasmAllocMalloc wasmAllocatorKind = iota
	wasmAllocCalloc
	wasmAllocRealloc
	wasmAllocFree
	wasmAllocAlignedAlloc
)

// wasmAllocatorTable maps recognized guest export names to the calling
// convention the listener needs to interpret their parameters (grounded
// in the Listen() name table, previously mem.go).
var wasmAllocatorTable = map[string]wasmAllocatorKind{
	// C standard library, Rust.
	"malloc":        wasmAllocMalloc,
	"calloc":        wasmAllocCalloc,
	"realloc":       wasmAllocRealloc,
	"free":          wasmAllocFree,
	"aligned_alloc": wasmAllocAlignedAlloc,

	// Go.
	"runtime.mallocgc": wasmAllocMalloc,

	// TinyGo.
	"runtime.alloc": wasmAllocMalloc,
}

// wasmAllocationListener is the experimental.FunctionListener that turns
// guest calls to a recognized allocator export into Ledger Add/Remove
// calls, attributing each to the calling thread's current call stack.
type wasmAllocationListener struct {
	engine *Engine
	kind   wasmAllocatorKind
	thread ThreadID
}

type wasmAllocPending struct {
	size    uint64
	oldAddr uintptr
}

type wasmAllocPendingKey struct{}

func newWasmAllocationListener(e *Engine, exportName string) (*wasmAllocationListener, bool) {
	kind, ok := wasmAllocatorTable[exportName]
	if !ok {
		return nil, false
	}
	return &wasmAllocationListener{engine: e, kind: kind, thread: currentThreadID()}, true
}

// NewAllocationListenerFactory returns a wazero FunctionListenerFactory
// that instruments every recognized guest allocator export so calls to it
// are reflected into e's Allocation Ledger. Functions that are not
// recognized allocator exports are not instrumented (NewListener returns
// nil for them), matching the symbol interpose table's all-or-nothing
// recognition by name.
func NewAllocationListenerFactory(e *Engine) experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		l, ok := newWasmAllocationListener(e, def.Name())
		if !ok {
			return nil
		}
		return l
	})
}

func (l *wasmAllocationListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	if !l.engine.ShouldTrack() {
		return ctx
	}
	enterGuard()
	defer leaveGuard()

	switch l.kind {
	case wasmAllocMalloc, wasmAllocAlignedAlloc:
		return context.WithValue(ctx, wasmAllocPendingKey{}, wasmAllocPending{size: uint64(int32(params[0]))})
	case wasmAllocCalloc:
		count := uint64(int32(params[0]))
		size := uint64(int32(params[1]))
		return context.WithValue(ctx, wasmAllocPendingKey{}, wasmAllocPending{size: count * size})
	case wasmAllocRealloc:
		oldAddr := uintptr(int32(params[0]))
		size := uint64(int32(params[1]))
		return context.WithValue(ctx, wasmAllocPendingKey{}, wasmAllocPending{size: size, oldAddr: oldAddr})
	case wasmAllocFree:
		addr := uintptr(int32(params[0]))
		if addr != 0 {
			l.engine.Ledger().Remove(addr)
		}
	}
	return ctx
}

func (l *wasmAllocationListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	if err != nil || !l.engine.ShouldTrack() {
		return
	}
	enterGuard()
	defer leaveGuard()

	pending, ok := ctx.Value(wasmAllocPendingKey{}).(wasmAllocPending)
	if !ok {
		return
	}

	switch l.kind {
	case wasmAllocMalloc, wasmAllocAlignedAlloc, wasmAllocCalloc:
		addr := uintptr(int32(results[0]))
		l.recordNew(addr, pending.size)
	case wasmAllocRealloc:
		newAddr := uintptr(int32(results[0]))
		if pending.oldAddr != 0 {
			l.engine.Ledger().Remove(pending.oldAddr)
		}
		l.recordNew(newAddr, pending.size)
	}
}

func (l *wasmAllocationListener) recordNew(addr uintptr, size uint64) {
	if addr == 0 || size == 0 {
		return
	}
	stack := l.engine.CallStacks().current(l.thread)
	l.engine.Ledger().Add(AllocationRecord{
		Address:   addr,
		Size:      size,
		Kind:      AllocationKindHeap,
		CallStack: stack,
	})
}

// readGoStackArg reads the i-th argument of a Go-calling-convention
// function from its caller's stack frame, used for runtime.mallocgc-style
// exports whose arguments don't arrive in params (they are passed on the
// Go stack, not in wasm locals). Grounded in profileGoStack0int32,
// previously mem.go.
func readGoStackArg(mod experimental.InternalModule, i int32) (uint64, bool) {
	mem := mod.Memory()
	sp := int32(mod.Global(0).Get())
	offset := sp + 8*(i+1) // +1 skips the return address
	b, ok := mem.Read(uint32(offset), 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
