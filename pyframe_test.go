package memtrace

import "testing"

func TestFunctionNameModuleLevel(t *testing.T) {
	if got, want := functionName("/app/work.py", "<module>"), "work"; got != want {
		t.Errorf("functionName() = %q; want %q", got, want)
	}
}

func TestFunctionNameQualifiesWithModule(t *testing.T) {
	if got, want := functionName("/app/work.py", "do_thing"), "work.do_thing"; got != want {
		t.Errorf("functionName() = %q; want %q", got, want)
	}
}

func TestFunctionNameFrozenModule(t *testing.T) {
	if got, want := functionName("<frozen importlib._bootstrap>", "<module>"), "importlib._bootstrap"; got != want {
		t.Errorf("functionName() = %q; want %q", got, want)
	}
}

func TestFunctionNameFrozenModuleQualified(t *testing.T) {
	if got, want := functionName("<frozen importlib._bootstrap>", "_find_spec"), "importlib._bootstrap._find_spec"; got != want {
		t.Errorf("functionName() = %q; want %q", got, want)
	}
}
