package memtrace

import (
	"runtime"
	"testing"
)

func TestEngineStartStopTracking(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}

	if e.ShouldTrack() {
		t.Fatal("ShouldTrack() = true before StartTracking()")
	}

	e.StartTracking()
	if !e.ShouldTrack() {
		t.Fatal("ShouldTrack() = false after StartTracking()")
	}

	e.StopTracking()
	if e.ShouldTrack() {
		t.Fatal("ShouldTrack() = true after StopTracking()")
	}
}

func TestEngineShouldTrackRespectsReentrancyGuard(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}
	e.StartTracking()

	// The guard is per OS thread: pin so enter, check and leave all see
	// the same counter.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	enterGuard()
	defer leaveGuard()

	if e.ShouldTrack() {
		t.Fatal("ShouldTrack() = true while inside the engine's own reentrant region")
	}
}

func TestEngineResetClearsLedgerNotInterning(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}
	e.StartTracking()

	loc := FunctionLocation{FilePath: "a.py", FunctionName: "f"}
	fnID := e.Functions().Intern(loc)
	e.Ledger().Add(AllocationRecord{Address: 0x1000, Size: 10, CallStack: emptyCallStackID})

	e.Reset()

	if got := e.Ledger().TotalLiveBytes(); got != 0 {
		t.Fatalf("TotalLiveBytes() after Reset() = %d; want 0", got)
	}
	if got, ok := e.Functions().Lookup(fnID); !ok || got != loc {
		t.Fatalf("Reset() must not clear the interned function table; got %v, %v", got, ok)
	}
}

func TestEngineDumpPeakResolvesFrames(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}
	e.StartTracking()

	fnID := e.Functions().Intern(FunctionLocation{FilePath: "a.py", FunctionName: "f"})
	stackID := e.CallStacks().interner.intern([]Frame{{FunctionID: fnID, Line: 7}})
	e.Ledger().Add(AllocationRecord{Address: 0x1000, Size: 128, CallStack: stackID})

	report := e.DumpPeak()
	if report.PeakLiveBytes != 128 {
		t.Fatalf("PeakLiveBytes = %d; want 128", report.PeakLiveBytes)
	}
	if len(report.Stacks) != 1 {
		t.Fatalf("len(Stacks) = %d; want 1", len(report.Stacks))
	}
	entry := report.Stacks[0]
	if entry.Bytes != 128 || len(entry.Frames) != 1 {
		t.Fatalf("unexpected stack entry: %+v", entry)
	}
	if entry.Frames[0].FunctionName != "f" || entry.Frames[0].FilePath != "a.py" || entry.Frames[0].Line != 7 {
		t.Fatalf("unexpected resolved frame: %+v", entry.Frames[0])
	}
}

func TestInitializeFromHostRejectsInvalidVersionConstraint(t *testing.T) {
	if _, err := InitializeFromHost(WithHostVersionConstraint("???")); err == nil {
		t.Fatal("InitializeFromHost() with an invalid version constraint error = nil; want an error")
	}
}
