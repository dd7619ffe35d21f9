package memtrace

import (
	"testing"

	"go.uber.org/mock/gomock"
)

func TestMockHostAdapterRequestExtraSlot(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := NewMockHostAdapter(ctrl)

	adapter.EXPECT().RequestExtraSlot().Return(3, nil)

	slot, err := adapter.RequestExtraSlot()
	if err != nil {
		t.Fatalf("RequestExtraSlot() error = %v", err)
	}
	if slot != 3 {
		t.Fatalf("RequestExtraSlot() = %d; want 3", slot)
	}
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventCall:      "CALL",
		EventReturn:    "RETURN",
		EventLine:      "LINE",
		EventKind(999): "UNKNOWN",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("EventKind(%d).String() = %q; want %q", kind, got, want)
		}
	}
}
