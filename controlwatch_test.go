package memtrace

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestControlWatcher(t *testing.T) (*ControlWatcher, *Engine, string) {
	t.Helper()
	e, err := InitializeFromHost()
	if err != nil {
		t.Fatalf("InitializeFromHost() error = %v", err)
	}
	dir := t.TempDir()
	w, err := NewControlWatcher(e, dir)
	if err != nil {
		t.Fatalf("NewControlWatcher() error = %v", err)
	}
	t.Cleanup(func() { w.watch.Close() })
	return w, e, dir
}

func TestControlWatcherHandleMarkerStartStop(t *testing.T) {
	w, e, _ := newTestControlWatcher(t)

	if err := w.HandleMarker(markerStart); err != nil {
		t.Fatalf("HandleMarker(start) error = %v", err)
	}
	if !e.ShouldTrack() {
		t.Fatal("ShouldTrack() = false after markerStart")
	}

	if err := w.HandleMarker(markerStop); err != nil {
		t.Fatalf("HandleMarker(stop) error = %v", err)
	}
	if e.ShouldTrack() {
		t.Fatal("ShouldTrack() = true after markerStop")
	}
}

func TestControlWatcherHandleMarkerReset(t *testing.T) {
	w, e, _ := newTestControlWatcher(t)

	e.Ledger().Add(AllocationRecord{Address: 0x1000, Size: 64, CallStack: emptyCallStackID})
	if err := w.HandleMarker(markerReset); err != nil {
		t.Fatalf("HandleMarker(reset) error = %v", err)
	}
	if n := e.Ledger().TotalLiveBytes(); n != 0 {
		t.Fatalf("TotalLiveBytes() after reset = %d; want 0", n)
	}
}

func TestControlWatcherHandleMarkerDumpWritesProfile(t *testing.T) {
	w, e, dir := newTestControlWatcher(t)

	e.Ledger().Add(AllocationRecord{Address: 0x2000, Size: 128, CallStack: emptyCallStackID})
	if err := w.HandleMarker(markerDump); err != nil {
		t.Fatalf("HandleMarker(dump) error = %v", err)
	}

	path := filepath.Join(dir, dumpFileName)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected dump profile at %s: %v", path, err)
	}
}

func TestControlWatcherHandleMarkerUnknownReturnsError(t *testing.T) {
	w, _, _ := newTestControlWatcher(t)

	if err := w.HandleMarker("bogus"); err == nil {
		t.Fatal("HandleMarker(bogus) error = nil; want non-nil")
	}
}

func TestControlWatcherHandleMarkerFileRemovesNonDumpMarkers(t *testing.T) {
	w, e, dir := newTestControlWatcher(t)

	markerPath := filepath.Join(dir, markerStart)
	if err := os.WriteFile(markerPath, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w.handleMarkerFile(markerPath)

	if !e.ShouldTrack() {
		t.Fatal("ShouldTrack() = false after handleMarkerFile(start)")
	}
	if _, err := os.Stat(markerPath); !os.IsNotExist(err) {
		t.Fatalf("marker file still exists after handling: err = %v", err)
	}
}
