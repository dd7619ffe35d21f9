package memtrace

import "testing"

func TestCallStackInternerInternIsStable(t *testing.T) {
	ci := newCallStackInterner()
	frames := []Frame{{FunctionID: 1, Line: 10}, {FunctionID: 2, Line: 20}}

	id1 := ci.intern(frames)
	id2 := ci.intern([]Frame{{FunctionID: 1, Line: 10}, {FunctionID: 2, Line: 20}})

	if id1 != id2 {
		t.Fatalf("intern() of equal frame sequences returned different ids: %d != %d", id1, id2)
	}
}

func TestCallStackInternerEmptyIsReserved(t *testing.T) {
	ci := newCallStackInterner()
	if id := ci.intern(nil); id != emptyCallStackID {
		t.Fatalf("intern(nil) = %d; want emptyCallStackID (%d)", id, emptyCallStackID)
	}
}

func TestCallStackInternerLookupRoundTrips(t *testing.T) {
	ci := newCallStackInterner()
	frames := []Frame{{FunctionID: 7, Line: 3}}
	id := ci.intern(frames)

	got := ci.lookup(id)
	if len(got) != 1 || got[0] != frames[0] {
		t.Fatalf("lookup(%d) = %v; want %v", id, got, frames)
	}
}

func TestCallStackInternerLookupUnknownIsNil(t *testing.T) {
	ci := newCallStackInterner()
	if got := ci.lookup(CallStackID(999)); got != nil {
		t.Fatalf("lookup(999) = %v; want nil", got)
	}
}

func TestCallStackTrackerStartFinishCall(t *testing.T) {
	tr := newCallStackTracker()
	tr.startCall(0, 1, 10)
	tr.startCall(15, 2, 20)

	if len(tr.live) != 2 {
		t.Fatalf("len(live) = %d; want 2", len(tr.live))
	}
	if tr.live[0].Line != 15 {
		t.Fatalf("caller frame line = %d; want 15 (updated by the nested call)", tr.live[0].Line)
	}

	tr.finishCall()
	if len(tr.live) != 1 {
		t.Fatalf("len(live) after finishCall = %d; want 1", len(tr.live))
	}
}

func TestCallStackTrackerFinishCallOnEmptyIsNoop(t *testing.T) {
	tr := newCallStackTracker()
	tr.finishCall()
	if len(tr.live) != 0 {
		t.Fatalf("len(live) = %d; want 0", len(tr.live))
	}
}

func TestCallStackTrackerNewLineUpdatesTopFrame(t *testing.T) {
	tr := newCallStackTracker()
	tr.startCall(0, 1, 10)
	tr.newLine(42)

	if tr.live[0].Line != 42 {
		t.Fatalf("top frame line = %d; want 42", tr.live[0].Line)
	}
}

func TestCallStackTrackerClear(t *testing.T) {
	tr := newCallStackTracker()
	tr.startCall(0, 1, 10)
	tr.clear()
	if len(tr.live) != 0 {
		t.Fatalf("len(live) after clear = %d; want 0", len(tr.live))
	}
}

func TestThreadCallStacksInstallInheritsHandoff(t *testing.T) {
	r := newThreadCallStacks()
	const parent ThreadID = 1
	const child ThreadID = 2

	r.startCall(parent, 0, 1, 10)
	r.startCall(parent, 5, 2, 20)

	handle := r.cloneCurrent(parent)
	r.install(child, handle)

	if r.current(child) != handle {
		t.Fatalf("current(child) = %v; want %v (installed handle)", r.current(child), handle)
	}
	if got := r.frames(handle); len(got) != 2 {
		t.Fatalf("frames(handle) = %v; want 2 frames", got)
	}
}

func TestThreadCallStacksClearIsPerThread(t *testing.T) {
	r := newThreadCallStacks()
	const t1 ThreadID = 1
	const t2 ThreadID = 2

	r.startCall(t1, 0, 1, 10)
	r.startCall(t2, 0, 2, 20)

	r.clear(t1)

	if r.current(t1) != emptyCallStackID {
		t.Fatalf("current(t1) after clear = %v; want emptyCallStackID", r.current(t1))
	}
	if r.current(t2) == emptyCallStackID {
		t.Fatalf("current(t2) after clearing t1 = emptyCallStackID; t2's stack must be unaffected")
	}
}
