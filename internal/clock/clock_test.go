package clock

import (
	"testing"
	"time"
)

func Test_Manual_Advance(t *testing.T) {
	m := NewManual(1000)
	if got := m.Advance(5 * time.Millisecond); got != 6000 {
		t.Fatalf("Advance(5ms) = %d, want 6000", got)
	}
	if got := m.NowUS(); got != 6000 {
		t.Fatalf("NowUS() = %d, want 6000", got)
	}
}

func Test_Manual_SetNowUS(t *testing.T) {
	m := NewManual(0)
	m.SetNowUS(42)
	if got := m.NowUS(); got != 42 {
		t.Fatalf("NowUS() = %d, want 42", got)
	}
}

func Test_SyncClock_ToSyncUS_AppliesOffset(t *testing.T) {
	offset := int64(-250)
	sc := NewSyncClock(nil, func() int64 { return offset })

	if got := sc.ToSyncUS(10_000); got != 9_750 {
		t.Fatalf("ToSyncUS(10000) = %d, want 9750", got)
	}
}

func Test_SyncClock_SyncNowUS_AddsOffsetToSource(t *testing.T) {
	src := NewManual(5_000)
	sc := NewSyncClock(src, func() int64 { return 100 })

	if got := sc.SyncNowUS(); got != 5_100 {
		t.Fatalf("SyncNowUS() = %d, want 5100", got)
	}

	src.SetNowUS(6_000)
	if got := sc.SyncNowUS(); got != 6_100 {
		t.Fatalf("SyncNowUS() after advance = %d, want 6100", got)
	}
}
