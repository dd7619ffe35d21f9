package memtrace

import "testing"

func TestSortProfilesOrdersByName(t *testing.T) {
	entries := []profileEntry{
		{Name: "peak_heap"},
		{Name: "cpu"},
		{Name: "allocs"},
	}

	sortProfiles(entries)

	want := []string{"allocs", "cpu", "peak_heap"}
	for i, name := range want {
		if entries[i].Name != name {
			t.Fatalf("entries[%d].Name = %q; want %q", i, entries[i].Name, name)
		}
	}
}

func TestEngineSatisfiesProfilerInterface(t *testing.T) {
	var _ Profiler = (*Engine)(nil)
}

func TestCPUProfilerSatisfiesProfilerInterface(t *testing.T) {
	var _ Profiler = (*CPUProfiler)(nil)
}
