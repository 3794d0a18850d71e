package timetracker

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterTimer_Fires(t *testing.T) {
	tt := New()
	defer tt.Close()

	var fired atomic.Int64
	id := tt.RegisterTimer(10*time.Millisecond, func() bool {
		fired.Add(1)
		return true
	})
	if id <= 0 {
		t.Fatalf("RegisterTimer returned %d, want positive id", id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() < 3 {
		t.Errorf("timer fired %d times, want at least 3", fired.Load())
	}
}

func TestCallbackReturningFalse_Cancels(t *testing.T) {
	tt := New()
	defer tt.Close()

	var fired atomic.Int64
	tt.RegisterTimer(10*time.Millisecond, func() bool {
		fired.Add(1)
		return false
	})

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Allow a few more ticks' worth of time; count must not advance.
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("timer fired %d times after returning false, want 1", got)
	}
}

func TestRemoveTimer(t *testing.T) {
	tt := New()
	defer tt.Close()

	var fired atomic.Int64
	id := tt.RegisterTimer(10*time.Millisecond, func() bool {
		fired.Add(1)
		return true
	})
	tt.RemoveTimer(id)

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("removed timer fired %d times, want 0", got)
	}
}

func TestClose_StopsTimersAndRejectsNew(t *testing.T) {
	tt := New()

	tt.RegisterTimer(10*time.Millisecond, func() bool { return true })
	tt.Close()

	if id := tt.RegisterTimer(10*time.Millisecond, func() bool { return true }); id != -1 {
		t.Errorf("RegisterTimer after Close returned %d, want -1", id)
	}
}

func TestCallbackPanic_CancelsTimer(t *testing.T) {
	tt := New()
	defer tt.Close()

	var fired atomic.Int64
	tt.RegisterTimer(10*time.Millisecond, func() bool {
		fired.Add(1)
		panic("boom")
	})

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("panicking timer fired %d times, want 1", got)
	}
}
