package memtrace

import "testing"

func TestPysvarintSingleBytePositive(t *testing.T) {
	mem := fakeGuestMemory{0b00000100} // val=4, no continuation, sign bit clear -> 2
	if got, want := pysvarint(mem, 0), int32(2); got != want {
		t.Errorf("pysvarint() = %d; want %d", got, want)
	}
}

func TestPysvarintSingleByteNegative(t *testing.T) {
	mem := fakeGuestMemory{0b00000101} // val=5, sign bit set -> -2
	if got, want := pysvarint(mem, 0), int32(-2); got != want {
		t.Errorf("pysvarint() = %d; want %d", got, want)
	}
}

func TestPysvarintZero(t *testing.T) {
	mem := fakeGuestMemory{0}
	if got, want := pysvarint(mem, 0), int32(0); got != want {
		t.Errorf("pysvarint() = %d; want %d", got, want)
	}
}
