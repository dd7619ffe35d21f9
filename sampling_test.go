package memtrace

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/experimental/wazerotest"
)

func TestSampledFunctionListener(t *testing.T) {
	module := wazerotest.NewModule(nil,
		wazerotest.NewFunction(func(ctx context.Context, mod api.Module) {}),
	)

	n := 0
	f := func(context.Context, api.Module, api.FunctionDefinition, []uint64, experimental.StackIterator) { n++ }

	factory := SampledFunctionListenerFactory(0.1, experimental.FunctionListenerFactoryFunc(
		func(def api.FunctionDefinition) experimental.FunctionListener {
			return experimental.FunctionListenerFunc(f)
		},
	))

	function := module.Function(0).Definition()
	listener := factory.NewListener(function)

	for i := 0; i < 20; i++ {
		ctx := listener.Before(context.Background(), module, function, nil, nil)
		listener.After(ctx, module, function, nil, nil)
	}

	if n != 2 {
		t.Errorf("wrong number of calls to sampled listener: want=2 got=%d", n)
	}
}

func TestSampledFunctionListenerFactoryZeroRateDisables(t *testing.T) {
	module := wazerotest.NewModule(nil, wazerotest.NewFunction(func(context.Context, api.Module) {}))
	called := false
	inner := experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		called = true
		return nil
	})

	factory := SampledFunctionListenerFactory(0, inner)
	if l := factory.NewListener(module.Function(0).Definition()); l != nil {
		t.Errorf("NewListener() = %v; want nil for a zero sample rate", l)
	}
	if called {
		t.Error("inner factory must not be consulted when sampling is disabled")
	}
}

func TestSampledFunctionListenerFactoryFullRatePassesThrough(t *testing.T) {
	inner := experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		return nil
	})
	factory := SampledFunctionListenerFactory(1, inner)
	if _, ok := factory.(experimental.FunctionListenerFactoryFunc); !ok {
		t.Error("SampledFunctionListenerFactory(1, ...) must return the inner factory unchanged")
	}
}

func TestBitstackPushPopOrdersLIFO(t *testing.T) {
	var s bitstack
	s.push(1)
	s.push(0)
	s.push(1)

	if got := s.pop(); got != 1 {
		t.Errorf("pop() = %d; want 1", got)
	}
	if got := s.pop(); got != 0 {
		t.Errorf("pop() = %d; want 0", got)
	}
	if got := s.pop(); got != 1 {
		t.Errorf("pop() = %d; want 1", got)
	}
}
