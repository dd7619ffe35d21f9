package memtrace

import (
	"sync"
	"testing"
)

func TestFunctionInternerInternIsStable(t *testing.T) {
	fi := newFunctionInterner()
	loc := FunctionLocation{FilePath: "a.py", FunctionName: "f"}

	id1 := fi.Intern(loc)
	id2 := fi.Intern(loc)

	if id1 != id2 {
		t.Fatalf("Intern() of the same location returned different ids: %d != %d", id1, id2)
	}
	if id1 == uninternedFunctionID {
		t.Fatalf("Intern() returned the reserved uninterned id")
	}
}

func TestFunctionInternerDistinctLocationsGetDistinctIDs(t *testing.T) {
	fi := newFunctionInterner()
	id1 := fi.Intern(FunctionLocation{FilePath: "a.py", FunctionName: "f"})
	id2 := fi.Intern(FunctionLocation{FilePath: "a.py", FunctionName: "g"})

	if id1 == id2 {
		t.Fatalf("distinct locations interned to the same id %d", id1)
	}
}

func TestFunctionInternerLookupRoundTrips(t *testing.T) {
	fi := newFunctionInterner()
	loc := FunctionLocation{FilePath: "a.py", FunctionName: "f"}
	id := fi.Intern(loc)

	got, ok := fi.Lookup(id)
	if !ok || got != loc {
		t.Fatalf("Lookup(%d) = %v, %v; want %v, true", id, got, ok, loc)
	}
}

func TestFunctionInternerLookupUnknownID(t *testing.T) {
	fi := newFunctionInterner()
	if _, ok := fi.Lookup(uninternedFunctionID); ok {
		t.Fatal("Lookup(uninternedFunctionID) ok = true; want false")
	}
	if _, ok := fi.Lookup(999); ok {
		t.Fatal("Lookup(999) ok = true; want false")
	}
}

func TestFunctionInternerConcurrentInternCoalesces(t *testing.T) {
	fi := newFunctionInterner()
	loc := FunctionLocation{FilePath: "a.py", FunctionName: "f"}

	var wg sync.WaitGroup
	ids := make([]uint64, 50)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = fi.Intern(loc)
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent Intern() of the same location produced different ids: %v", ids)
		}
	}
}
