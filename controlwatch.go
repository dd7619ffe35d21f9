package memtrace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Control marker file names recognized inside a watched control directory.
// An out-of-process supervisor that cannot import this package (a shell
// script, a sidecar process) drives the Control Surface by creating one of
// these files; ControlWatcher consumes it and deletes it.
const (
	markerStart = "start"
	markerStop  = "stop"
	markerReset = "reset"
	markerDump  = "dump"

	dumpFileName = "peak.pb.gz"
)

// ControlWatcher drives an Engine's control operations from marker files
// dropped into a directory, a filesystem-based alternative to calling
// Engine's methods directly or through the native ABI in
// control_cgo_linux.go, for a supervisor that only speaks "drop a file".
type ControlWatcher struct {
	engine *Engine
	dir    string
	watch  *fsnotify.Watcher
}

// NewControlWatcher begins watching dir for control marker files. dir must
// already exist.
func NewControlWatcher(e *Engine, dir string) (*ControlWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("memtrace: creating control directory watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("memtrace: watching control directory %s: %w", dir, err)
	}
	return &ControlWatcher{engine: e, dir: dir, watch: w}, nil
}

// Run consumes filesystem events until ctx is done or the watcher is
// closed, dispatching each recognized marker file to the engine and
// removing it afterward so a marker is only ever acted on once.
func (c *ControlWatcher) Run(ctx context.Context) error {
	defer c.watch.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-c.watch.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			c.handleMarkerFile(event.Name)
		case err, ok := <-c.watch.Errors:
			if !ok {
				return nil
			}
			logf("control directory watch error: %v", err)
		}
	}
}

func (c *ControlWatcher) handleMarkerFile(path string) {
	name := filepath.Base(path)
	if err := c.HandleMarker(name); err != nil {
		logf("control marker %q: %v", name, err)
	}
	if name != dumpFileName {
		os.Remove(path)
	}
}

// HandleMarker applies the Control Surface operation named by marker,
// writing the peak snapshot to dumpFileName inside the watched directory
// for markerDump. Exposed separately from Run so the dispatch logic can be
// exercised without a real filesystem watch.
func (c *ControlWatcher) HandleMarker(marker string) error {
	switch marker {
	case markerStart:
		c.engine.StartTracking()
	case markerStop:
		c.engine.StopTracking()
	case markerReset:
		c.engine.Reset()
	case markerDump:
		prof := c.engine.DumpPeak().BuildProfile()
		if err := WriteProfile(filepath.Join(c.dir, dumpFileName), prof); err != nil {
			return fmt.Errorf("writing peak snapshot: %w", err)
		}
	default:
		return fmt.Errorf("unrecognized control marker %q", marker)
	}
	return nil
}
