package memtrace

import "github.com/google/pprof/profile"

// BuildProfile renders a PeakReport into a pprof profile.Profile, the same
// on-disk representation the CPU companion profiler emits (cpuprofile.go),
// so both can be opened with the same pprof tooling.
func (r *PeakReport) BuildProfile() *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_space", Unit: "bytes"},
		},
	}

	functions := make(map[string]*profile.Function)
	locations := make(map[ResolvedFrame]*profile.Location)

	functionFor := func(f ResolvedFrame) *profile.Function {
		key := f.FilePath + "\x00" + f.FunctionName
		if fn, ok := functions[key]; ok {
			return fn
		}
		fn := &profile.Function{
			ID:         uint64(len(functions)) + 1,
			Name:       f.FunctionName,
			SystemName: f.FunctionName,
			Filename:   f.FilePath,
		}
		functions[key] = fn
		return fn
	}

	locationFor := func(f ResolvedFrame) *profile.Location {
		if loc, ok := locations[f]; ok {
			return loc
		}
		loc := &profile.Location{
			ID: uint64(len(locations)) + 1,
			Line: []profile.Line{
				{Function: functionFor(f), Line: int64(f.Line)},
			},
		}
		locations[f] = loc
		return loc
	}

	for _, entry := range r.Stacks {
		// pprof expects the leaf frame first; Frames are stored root-first.
		loc := make([]*profile.Location, 0, len(entry.Frames))
		for i := len(entry.Frames) - 1; i >= 0; i-- {
			loc = append(loc, locationFor(entry.Frames[i]))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: loc,
			Value:    []int64{int64(entry.Bytes)},
		})
	}

	prof.Function = make([]*profile.Function, len(functions))
	for _, fn := range functions {
		prof.Function[fn.ID-1] = fn
	}
	prof.Location = make([]*profile.Location, len(locations))
	for _, loc := range locations {
		prof.Location[loc.ID-1] = loc
	}

	return prof
}
