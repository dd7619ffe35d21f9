package memtrace

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// SampledFunctionListenerFactory wraps factory so that the listeners it
// produces only forward a fraction of their Before/After calls to the
// underlying listener, cycling a shared counter across every function the
// factory instruments. The CLI uses this to keep the CPU companion
// profiler's overhead bounded on a hot wasm guest, the same way the
// allocation tracker keeps its own overhead bounded with the reentrancy
// guard instead of sampling.
//
// Giving a zero or negative sampling rate disables the function listeners
// entirely.
//
// Giving a sampling rate of one or more disables sampling, function listeners
// are invoked for all function calls.
func SampledFunctionListenerFactory(sampleRate float64, factory experimental.FunctionListenerFactory) experimental.FunctionListenerFactory {
	if sampleRate <= 0 {
		return emptyFunctionListenerFactory{}
	}
	if sampleRate >= 1 {
		return factory
	}
	gate := new(samplingGate)
	gate.cycle = uint64(math.Ceil(1 / sampleRate))
	gate.count = gate.cycle
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		lstn := factory.NewListener(def)
		if lstn == nil {
			return nil
		}
		return &sampledListener{
			samplingGate: gate,
			lstn:         lstn,
		}
	})
}

type emptyFunctionListenerFactory struct{}

func (emptyFunctionListenerFactory) NewListener(api.FunctionDefinition) experimental.FunctionListener {
	return nil
}

// samplingGate decides, once every cycle calls, whether the next Before/After
// pair is let through. It is shared across every listener a single
// SampledFunctionListenerFactory produces, so the sampling rate applies to
// the instrumented module as a whole rather than per function.
type samplingGate struct {
	count uint64
	cycle uint64
	stack bitstack
}

// sampledListener forwards one call in every cycle to lstn and silently
// drops the rest. The bit pushed in Before records which outcome happened so
// After, called later and possibly after other nested calls have pushed
// their own bits, knows whether to forward too.
type sampledListener struct {
	*samplingGate
	lstn experimental.FunctionListener
}

func (s *sampledListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) context.Context {
	bit := uint(0)

	if s.count--; s.count == 0 {
		s.count = s.cycle
		bit = 1
		ctx = s.lstn.Before(ctx, mod, def, params, stack)
	}

	s.stack.push(bit)
	return ctx
}

func (s *sampledListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	if s.stack.pop() != 0 {
		s.lstn.After(ctx, mod, def, err, results)
	}
}

// bitstack is a LIFO of single bits, packed 64 to a word. Each samplingGate
// holds one, shared by every sampledListener of its factory, to remember,
// for each in-flight call, whether Before decided to forward it, since
// calls can nest arbitrarily deep between a Before and its matching After.
type bitstack struct {
	bits []uint64
	size uint
}

func (s *bitstack) push(bit uint) {
	index := s.size / 64
	shift := s.size % 64

	if index >= uint(len(s.bits)) {
		bits := make([]uint64, index+1)
		copy(bits, s.bits)
		s.bits = bits
	}

	s.bits[index] &= ^(uint64(1) << shift)
	s.bits[index] |= uint64(bit&1) << shift
	s.size++
}

func (s *bitstack) pop() uint {
	s.size--
	index := s.size / 64
	shift := s.size % 64
	return uint(s.bits[index]>>shift) & 1
}
