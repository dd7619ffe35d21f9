package memtrace

import (
	"hash/maphash"
	"sync"
)

// Frame is a single activation record on an interned call stack: a
// function id paired with the line currently executing in it.
type Frame struct {
	FunctionID uint64
	Line       uint16
}

// CallStackID identifies a unique, root-first ordered sequence of Frames.
// Two equal sequences always share the same id.
type CallStackID uint64

// emptyCallStackID is the id of the zero-length call stack, always present
// so a freshly cleared or never-initialized tracker has a well-defined
// current().
const emptyCallStackID CallStackID = 1

var callStackHashSeed = maphash.MakeSeed()

func hashFrames(frames []Frame) uint64 {
	var h maphash.Hash
	h.SetSeed(callStackHashSeed)
	buf := make([]byte, 10)
	for _, f := range frames {
		putUint64Uint16(buf, f.FunctionID, f.Line)
		h.Write(buf)
	}
	return h.Sum64()
}

func putUint64Uint16(buf []byte, fn uint64, line uint16) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(fn >> (8 * i))
	}
	buf[8] = byte(line)
	buf[9] = byte(line >> 8)
}

// callStackInterner hash-conses Frame sequences into small integer ids, so
// the Allocation Ledger stores one CallStackID per record instead of a full
// stack.
//
// Like the capturedTrace hashing in cpustack.go, equality is decided by a
// 64-bit maphash of the frame sequence without a fallback byte-compare on
// collision: an acceptable risk at this table's expected cardinality.
type callStackInterner struct {
	mu     sync.RWMutex
	byHash map[uint64]CallStackID
	frames [][]Frame // index id-1
}

func newCallStackInterner() *callStackInterner {
	ci := &callStackInterner{
		byHash: make(map[uint64]CallStackID),
	}
	id := ci.intern(nil)
	if id != emptyCallStackID {
		panic("memtrace: empty call stack must intern to emptyCallStackID")
	}
	return ci
}

func (ci *callStackInterner) intern(frames []Frame) CallStackID {
	h := hashFrames(frames)

	ci.mu.RLock()
	if id, ok := ci.byHash[h]; ok {
		ci.mu.RUnlock()
		return id
	}
	ci.mu.RUnlock()

	ci.mu.Lock()
	defer ci.mu.Unlock()
	if id, ok := ci.byHash[h]; ok {
		return id
	}
	cloned := make([]Frame, len(frames))
	copy(cloned, frames)
	ci.frames = append(ci.frames, cloned)
	id := CallStackID(len(ci.frames))
	ci.byHash[h] = id
	return id
}

func (ci *callStackInterner) lookup(id CallStackID) []Frame {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	if id == 0 || int(id) > len(ci.frames) {
		return nil
	}
	return ci.frames[id-1]
}

// callStackTracker is a single thread's logical call stack, mutated only by
// its owning thread.
type callStackTracker struct {
	live []Frame
}

func newCallStackTracker() *callStackTracker {
	return &callStackTracker{}
}

// startCall pushes a new frame. parentLine, when nonzero, updates the
// *previous* top frame's line, matching the host adapter reporting the
// caller's line at the moment of the call.
func (t *callStackTracker) startCall(parentLine uint16, functionID uint64, line uint16) {
	if parentLine != 0 && len(t.live) > 0 {
		t.live[len(t.live)-1].Line = parentLine
	}
	t.live = append(t.live, Frame{FunctionID: functionID, Line: line})
}

// finishCall pops the top frame. A return without a matching call (a
// thread unwinding through a frame created before tracing began) is a
// no-op.4.
func (t *callStackTracker) finishCall() {
	if len(t.live) == 0 {
		return
	}
	t.live = t.live[:len(t.live)-1]
}

// newLine updates the currently executing line of the top frame.
func (t *callStackTracker) newLine(line uint16) {
	if len(t.live) == 0 {
		return
	}
	t.live[len(t.live)-1].Line = line
}

// clear empties the stack, used when the host adapter attaches the tracer
// to a genuine new interpreter thread whose inherited call stack is stale.
func (t *callStackTracker) clear() {
	t.live = t.live[:0]
}

// install replaces this thread's stack with the frames of an interned
// call stack, used on thread handoff.
func (t *callStackTracker) install(frames []Frame) {
	t.live = append(t.live[:0], frames...)
}

// registry owns one callStackTracker per live OS thread.
type threadCallStacks struct {
	interner *callStackInterner
	trackers sync.Map // ThreadID -> *callStackTracker
}

func newThreadCallStacks() *threadCallStacks {
	return &threadCallStacks{interner: newCallStackInterner()}
}

func (r *threadCallStacks) tracker(id ThreadID) *callStackTracker {
	if v, ok := r.trackers.Load(id); ok {
		return v.(*callStackTracker)
	}
	t := newCallStackTracker()
	v, _ := r.trackers.LoadOrStore(id, t)
	return v.(*callStackTracker)
}

func (r *threadCallStacks) startCall(id ThreadID, parentLine uint16, functionID uint64, line uint16) {
	r.tracker(id).startCall(parentLine, functionID, line)
}

func (r *threadCallStacks) finishCall(id ThreadID) {
	r.tracker(id).finishCall()
}

func (r *threadCallStacks) newLine(id ThreadID, line uint16) {
	r.tracker(id).newLine(line)
}

func (r *threadCallStacks) clear(id ThreadID) {
	r.tracker(id).clear()
}

// current returns the interned id of id's current call stack.
func (r *threadCallStacks) current(id ThreadID) CallStackID {
	return r.interner.intern(r.tracker(id).live)
}

// cloneCurrent returns a detached handle for handoff to a new thread.
// Because call stacks are interned, "cloning" is just returning the
// current interned id: the underlying frame slice is never shared or
// mutated across threads.
func (r *threadCallStacks) cloneCurrent(id ThreadID) CallStackID {
	return r.current(id)
}

// install replaces dst's current stack with the contents of handle.
func (r *threadCallStacks) install(dst ThreadID, handle CallStackID) {
	r.tracker(dst).install(r.interner.lookup(handle))
}

// frames resolves an interned call stack back to its frame sequence, used
// when rendering the peak snapshot as an ordered list of (file, function,
// line) frames.
func (r *threadCallStacks) frames(id CallStackID) []Frame {
	return r.interner.lookup(id)
}
