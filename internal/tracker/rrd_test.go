package tracker

import (
	"testing"
	"time"
)

func TestRRD_AddAndLast(t *testing.T) {
	r := NewRRD()
	now := time.Unix(1000000, 0)

	r.Add(3, now)
	r.Add(2, now)

	if got := r.Last(now); got != 5 {
		t.Errorf("Last() = %d, want 5", got)
	}
}

func TestRRD_TotalOverWindow(t *testing.T) {
	r := NewRRD()
	base := time.Unix(1000000, 0)

	for i := 0; i < 10; i++ {
		r.Add(1, base.Add(time.Duration(i)*time.Second))
	}

	if got := r.Total(base.Add(9 * time.Second)); got != 10 {
		t.Errorf("Total() = %d, want 10", got)
	}
}

func TestRRD_OldSlotsExpire(t *testing.T) {
	r := NewRRD()
	base := time.Unix(1000000, 0)

	r.Add(5, base)

	// One window later everything has aged out.
	if got := r.Total(base.Add(rrdWindow * time.Second)); got != 0 {
		t.Errorf("Total() after window = %d, want 0", got)
	}
}

func TestRRD_PartialExpiry(t *testing.T) {
	r := NewRRD()
	base := time.Unix(1000000, 0)

	r.Add(5, base)
	r.Add(7, base.Add(30*time.Second))

	// 40 seconds after base: the first sample is still inside the
	// window, so both survive.
	if got := r.Total(base.Add(40 * time.Second)); got != 12 {
		t.Errorf("Total() = %d, want 12", got)
	}

	// 70 seconds after base: only the second sample remains.
	if got := r.Total(base.Add(70 * time.Second)); got != 7 {
		t.Errorf("Total() = %d, want 7", got)
	}
}

func TestRRD_SnapshotOrder(t *testing.T) {
	r := NewRRD()
	base := time.Unix(1000000, 0)

	r.Add(1, base.Add(-2*time.Second))
	r.Add(2, base.Add(-time.Second))
	r.Add(3, base)

	snap := r.Snapshot(base)
	if len(snap) != rrdWindow {
		t.Fatalf("snapshot length = %d, want %d", len(snap), rrdWindow)
	}

	// Newest slot is last.
	if snap[rrdWindow-1] != 3 || snap[rrdWindow-2] != 2 || snap[rrdWindow-3] != 1 {
		t.Errorf("snapshot tail = %v, want ... 1 2 3", snap[rrdWindow-3:])
	}
}
