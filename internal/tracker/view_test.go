package tracker

import (
	"testing"
)

func TestView_AdmitAndOrder(t *testing.T) {
	v := NewView("all", func(*Device) bool { return true })

	// Admit out of ordinal order; Devices() must come back sorted.
	a := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)
	a.Ordinal = 2
	b := newIndexDevice(t, "aa:bb:cc:dd:ee:02", 0)
	b.Ordinal = 0
	c := newIndexDevice(t, "aa:bb:cc:dd:ee:03", 0)
	c.Ordinal = 1

	v.newDevice(a)
	v.newDevice(b)
	v.newDevice(c)

	devs := v.Devices()
	if len(devs) != 3 {
		t.Fatalf("length = %d, want 3", len(devs))
	}
	for i := 1; i < len(devs); i++ {
		if devs[i-1].Ordinal > devs[i].Ordinal {
			t.Fatalf("contents not in ordinal order: %d before %d", devs[i-1].Ordinal, devs[i].Ordinal)
		}
	}
}

func TestView_PredicateFiltersAdmission(t *testing.T) {
	v := NewView("phy0", PhyViewMatcher(0))

	match := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)
	miss := newIndexDevice(t, "aa:bb:cc:dd:ee:02", 1)

	v.newDevice(match)
	v.newDevice(miss)

	if !v.Contains(match.Key) {
		t.Error("matching device should be admitted")
	}
	if v.Contains(miss.Key) {
		t.Error("non-matching device should be rejected")
	}
}

func TestView_UpdatePromotesAndDemotes(t *testing.T) {
	v := NewView("named", func(d *Device) bool {
		d.Lock()
		defer d.Unlock()
		return d.UserName != ""
	})

	d := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)
	v.newDevice(d)
	if v.Contains(d.Key) {
		t.Fatal("unnamed device should not be admitted")
	}

	d.Lock()
	d.UserName = "printer"
	d.Unlock()
	v.updateDevice(d)
	if !v.Contains(d.Key) {
		t.Fatal("named device should be promoted on update")
	}

	d.Lock()
	d.UserName = ""
	d.Unlock()
	v.updateDevice(d)
	if v.Contains(d.Key) {
		t.Fatal("renamed-empty device should be demoted on update")
	}
}

func TestView_RemoveIgnoresPredicate(t *testing.T) {
	v := NewView("all", func(*Device) bool { return true })
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)

	v.newDevice(d)
	v.removeDevice(d)

	if v.Contains(d.Key) || v.Length() != 0 {
		t.Error("removed device must leave the view regardless of predicate")
	}
}

func TestView_AdmitIdempotent(t *testing.T) {
	v := NewView("all", func(*Device) bool { return true })
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)

	v.newDevice(d)
	v.newDevice(d)
	v.updateDevice(d)

	if v.Length() != 1 {
		t.Errorf("length = %d after repeated admits, want 1", v.Length())
	}
}
