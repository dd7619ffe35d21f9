package memtrace

import "testing"

func TestThreadLifecycleHandoffInheritsCallStack(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}

	const parent ThreadID = 101
	const child ThreadID = 102

	e.CallStacks().startCall(parent, 0, 1, 10)
	e.CallStacks().startCall(parent, 5, 2, 20)

	handle := e.Lifecycle().BeforeThreadStart()
	// BeforeThreadStart runs on the parent thread; its result is only
	// meaningful once delivered to OnThreadStart on the new thread, but
	// callStacks.current(parent) should be unaffected by capturing it.
	if got := e.CallStacks().current(parent); got != handle {
		t.Fatalf("current(parent) = %v; want %v (capturing must not mutate the parent's stack)", got, handle)
	}

	var child ThreadID
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		child = currentThreadID()
		e.Lifecycle().OnThreadStart(handle)
	}()
	<-done
	if got := e.CallStacks().current(child); got != handle {
		t.Fatalf("current(child) = %v; want %v (inherited handle)", got, handle)
	}
}

func TestThreadLifecycleOnThreadExitPoisonsGuard(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}

	e.Lifecycle().OnThreadExit()
	if !isReentrantGuard() {
		t.Fatal("isReentrantGuard() = false after OnThreadExit(); exiting thread must be poisoned")
	}
}

func TestThreadLifecycleOnForkStopsTracking(t *testing.T) {
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}
	e.StartTracking()

	e.Lifecycle().OnFork()

	if e.ShouldTrack() {
		t.Fatal("ShouldTrack() = true after OnFork(); child process must come up with tracking disabled")
	}
}
