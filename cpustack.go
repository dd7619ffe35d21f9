package memtrace

import (
	"bytes"
	"fmt"
	"hash/maphash"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/google/pprof/profile"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"golang.org/x/exp/slices"
)

//go:linkname nanotime runtime.nanotime
func nanotime() int64

// WriteProfile writes a pprof-encoded profile to a file at the given path.
// Both the CPU companion profiler and the peak-memory renderer in
// flamegraph.go funnel their output through this one writer.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// Symbolizer resolves a guest program counter back to source locations, so
// a captured trace can be rendered with file/line/function names instead of
// bare addresses. The allocation ledger never needs one: it already stores
// interned Frames resolved through the engine's own function table. Only
// the CPU companion profiler, which walks raw wazero stacks, depends on
// this.
type Symbolizer interface {
	// LocationsForPC returns a list of function locations for a given program
	// counter, starting from current function followed by the inlined
	// functions, in order of inlining. Result if empty if the pc cannot
	// be resolved in the dwarf data.
	LocationsForPC(pc uint64) []Location
}

type Location struct {
	File    string
	Line    int64
	Column  int64
	Inlined bool
	PC      uint64
	// Linkage Name if present, Name otherwise.
	// Only present for inlined functions.
	StableName string
	HumanName  string
}

func resolveLocations(symbols Symbolizer, def api.FunctionDefinition, pc uint64, funcs map[string]*profile.Function) []profile.Line {
	// Cache miss. Get or create function and all the line
	// locations associated with inlining.
	var locations []Location
	var symbolFound bool

	if symbols != nil && pc > 0 {
		locations = symbols.LocationsForPC(pc)
		symbolFound = len(locations) > 0
	}
	if len(locations) == 0 {
		// If we don't have a source location, attach to a
		// generic location whithin the function.
		locations = []Location{{}}
	}
	// Provide defaults in case we couldn't resolve DWARF informations for
	// the main function call's PC.
	if locations[0].StableName == "" {
		locations[0].StableName = def.Name()
	}
	if locations[0].HumanName == "" {
		locations[0].HumanName = def.Name()
	}

	lines := make([]profile.Line, len(locations))

	for i, loc := range locations {
		pprofFn := funcs[loc.StableName]

		if pprofFn == nil {
			pprofFn = &profile.Function{
				ID:         uint64(len(funcs)) + 1, // 0 is reserved by pprof
				Name:       loc.HumanName,
				SystemName: loc.StableName,
				Filename:   loc.File,
			}
			funcs[loc.StableName] = pprofFn
		} else if symbolFound {
			// Sometimes the function had to be created while the PC
			// wasn't found by the symbol mapper. Attempt to correct
			// it if we had a successful match this time.
			pprofFn.Name = locations[i].HumanName
			pprofFn.SystemName = locations[i].StableName
			pprofFn.Filename = locations[i].File
		}

		// Pprof expects lines to start with the root of the inlined
		// calls. DWARF encodes that information the other way around,
		// so we fill lines backwards.
		lines[len(locations)-(i+1)] = profile.Line{
			Function: pprofFn,
			Line:     loc.Line,
		}
	}

	return lines
}

type locationKey struct {
	module string
	index  uint32
	name   string
	pc     uint64
}

func makeLocationKey(fn api.FunctionDefinition, pc uint64) locationKey {
	return locationKey{
		module: fn.ModuleName(),
		index:  fn.Index(),
		name:   fn.Name(),
		pc:     pc,
	}
}

// traceCounterMap accumulates call counts and totals per unique captured
// trace, keyed by the trace's content hash. The CPU companion profiler uses
// one of these to tally time spent under each call stack it samples.
type traceCounterMap map[uint64]*traceCounter

func (tcm traceCounterMap) lookup(ct capturedTrace) *traceCounter {
	tc := tcm[ct.key]
	if tc == nil {
		tc = &traceCounter{trace: ct.clone()}
		tcm[ct.key] = tc
	}
	return tc
}

func (tcm traceCounterMap) observe(ct capturedTrace, val int64) {
	tcm.lookup(ct).observe(val)
}

// traceCounter pairs a captured trace with the running (count, total) pair
// observed under it — invocations and nanoseconds for the CPU profiler,
// for instance.
type traceCounter struct {
	trace capturedTrace
	value [2]int64 // count, total
}

func (tc *traceCounter) observe(value int64) {
	tc.value[0] += 1
	tc.value[1] += value
}

func (tc *traceCounter) count() int64 {
	return tc.value[0]
}

func (tc *traceCounter) total() int64 {
	return tc.value[1]
}

func (tc *traceCounter) subtract(value int64) {
	if total := tc.total(); total < value {
		tc.value[1] = 0
	} else {
		tc.value[1] -= value
	}
}

func (tc *traceCounter) sampleLocation() capturedTrace {
	return tc.trace
}

func (tc *traceCounter) sampleValue() []int64 {
	return tc.value[:]
}

// tracedFrame is one activation record of a capturedTrace: the wazero
// function definition a guest call stack was walking through, paired with
// the program counter active in it at capture time.
type tracedFrame struct {
	fn api.FunctionDefinition
	pc uint64
}

// capturedTrace is a raw wazero call stack walked at one instant, kept
// around long enough to be rendered into a pprof profile sample. Unlike the
// engine's interned Frame/CallStackID pairs, which persist for the life of
// the ledger, a capturedTrace is a scratch value reused across successive
// walks by the CPU companion profiler.
type capturedTrace struct {
	fns []api.FunctionDefinition
	pcs []uint64
	key uint64
}

func captureTrace(ct capturedTrace, si experimental.StackIterator) capturedTrace {
	ct.fns = ct.fns[:0]
	ct.pcs = ct.pcs[:0]
	for si.Next() {
		ct.fns = append(ct.fns, si.FunctionDefinition())
		ct.pcs = append(ct.pcs, si.SourceOffset())
	}
	ct.key = maphash.Bytes(traceHashSeed, ct.bytes())
	return ct
}

func (ct capturedTrace) host() bool {
	return len(ct.fns) > 0 && ct.fns[0].GoFunction() != nil
}

func (ct capturedTrace) contains(other capturedTrace) bool {
	if len(ct.fns) < len(other.fns) {
		return false
	}
	n := len(ct.fns) - len(other.fns)
	ct.fns = ct.fns[n:]
	ct.pcs = ct.pcs[n:]
	if ct.fns[0] != other.fns[0] {
		return false
	}
	ct.pcs = ct.pcs[1:]
	other.pcs = other.pcs[1:]
	return bytes.Equal(ct.bytes(), other.bytes())
}

func (ct capturedTrace) len() int {
	return len(ct.pcs)
}

func (ct capturedTrace) index(i int) tracedFrame {
	return tracedFrame{
		fn: ct.fns[i],
		pc: ct.pcs[i],
	}
}

func (ct capturedTrace) clone() capturedTrace {
	return capturedTrace{
		fns: slices.Clone(ct.fns),
		pcs: slices.Clone(ct.pcs),
		key: ct.key,
	}
}

func (ct capturedTrace) bytes() []byte {
	pcs := unsafe.SliceData(ct.pcs)
	return unsafe.Slice((*byte)(unsafe.Pointer(pcs)), 8*len(ct.pcs))
}

func (ct capturedTrace) String() string {
	sb := new(strings.Builder)
	for i, n := 0, ct.len(); i < n; i++ {
		frame := ct.index(i)
		fmt.Fprintf(sb, "@%016x: %s\n", frame.pc, frame.fn.Name())
	}
	return sb.String()
}

var traceHashSeed = maphash.MakeSeed()

// traceSample is anything a pprof profile can be rendered from: a captured
// trace plus the numeric values pprof attaches to it (count, bytes,
// nanoseconds, ...).
type traceSample interface {
	sampleLocation() capturedTrace
	sampleValue() []int64
}

// renderSampleProfile turns a map of traceSamples into a pprof profile.Profile,
// resolving each distinct (function, pc) pair at most once regardless of how
// many samples share it.
func renderSampleProfile[T traceSample](sampleRate float64, symbols Symbolizer, samples map[uint64]T, start time.Time, duration time.Duration, sampleType []*profile.ValueType) *profile.Profile {
	prof := &profile.Profile{
		SampleType:    sampleType,
		Sample:        make([]*profile.Sample, 0, len(samples)),
		TimeNanos:     start.UnixNano(),
		DurationNanos: int64(duration),
	}

	locationID := uint64(1)
	locationCache := make(map[locationKey]*profile.Location)
	functionCache := make(map[string]*profile.Function)

	for _, sample := range samples {
		trace := sample.sampleLocation()
		location := make([]*profile.Location, trace.len())

		for i := range location {
			fn := trace.fns[i]
			pc := trace.pcs[i]

			key := makeLocationKey(fn, pc)
			loc := locationCache[key]
			if loc == nil {
				loc = &profile.Location{
					ID:      locationID,
					Line:    resolveLocations(symbols, fn, pc, functionCache),
					Address: pc,
				}
				locationID++
				locationCache[key] = loc
			}

			location[i] = loc
		}

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: location,
			Value:    sample.sampleValue(),
		})
	}

	prof.Location = make([]*profile.Location, len(locationCache))
	prof.Function = make([]*profile.Function, len(functionCache))

	for _, loc := range locationCache {
		prof.Location[loc.ID-1] = loc
	}

	for _, fn := range functionCache {
		prof.Function[fn.ID-1] = fn
	}

	if sampleRate < 1 {
		prof.Scale(1 / sampleRate)
	}
	return prof
}
