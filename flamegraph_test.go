package memtrace

import "testing"

func TestPeakReportBuildProfileOrdersLeafFirst(t *testing.T) {
	report := &PeakReport{
		PeakLiveBytes: 128,
		Stacks: []PeakStackEntry{
			{
				Bytes: 128,
				Frames: []ResolvedFrame{
					{FilePath: "main.py", FunctionName: "main", Line: 1},
					{FilePath: "work.py", FunctionName: "do_work", Line: 42},
				},
			},
		},
	}

	prof := report.BuildProfile()

	if len(prof.Sample) != 1 {
		t.Fatalf("len(Sample) = %d; want 1", len(prof.Sample))
	}
	sample := prof.Sample[0]
	if sample.Value[0] != 128 {
		t.Fatalf("Value[0] = %d; want 128", sample.Value[0])
	}
	if len(sample.Location) != 2 {
		t.Fatalf("len(Location) = %d; want 2", len(sample.Location))
	}
	if got := sample.Location[0].Line[0].Function.Name; got != "do_work" {
		t.Fatalf("leaf location function = %q; want %q (pprof expects leaf frame first)", got, "do_work")
	}
	if got := sample.Location[1].Line[0].Function.Name; got != "main" {
		t.Fatalf("root location function = %q; want %q", got, "main")
	}
}

func TestPeakReportBuildProfileDedupesSharedFrames(t *testing.T) {
	shared := ResolvedFrame{FilePath: "lib.py", FunctionName: "helper", Line: 5}
	report := &PeakReport{
		Stacks: []PeakStackEntry{
			{Bytes: 10, Frames: []ResolvedFrame{shared}},
			{Bytes: 20, Frames: []ResolvedFrame{shared}},
		},
	}

	prof := report.BuildProfile()

	if len(prof.Function) != 1 {
		t.Fatalf("len(Function) = %d; want 1 (shared frame must be deduplicated)", len(prof.Function))
	}
	if len(prof.Location) != 1 {
		t.Fatalf("len(Location) = %d; want 1 (shared frame must be deduplicated)", len(prof.Location))
	}
}
