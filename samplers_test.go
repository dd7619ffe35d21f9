package memtrace

import "testing"

func TestAlwaysSamplerAlwaysDoes(t *testing.T) {
	s := newAlwaysSampler()
	for i := 0; i < 10; i++ {
		if !s.Do() {
			t.Fatal("Do() = false; alwaysSampler must always return true")
		}
	}
}

func TestRandomSamplerIsDeterministicForASeed(t *testing.T) {
	a := newRandomSampler(42, 0.5)
	b := newRandomSampler(42, 0.5)

	for i := 0; i < 20; i++ {
		if a.Do() != b.Do() {
			t.Fatalf("samplers seeded identically diverged at iteration %d", i)
		}
	}
}

func TestRandomSamplerZeroChanceNeverSamples(t *testing.T) {
	s := newRandomSampler(1, 0)
	for i := 0; i < 100; i++ {
		if s.Do() {
			t.Fatal("Do() = true with zero chance; want always false")
		}
	}
}
