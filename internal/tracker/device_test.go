package tracker

import (
	"testing"
)

func TestDeviceView_IsolatedFromLiveRecord(t *testing.T) {
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 0)

	d.Lock()
	d.Tags["owner"] = "alice"
	d.Frequencies[2412000000] = 4
	d.Unlock()

	view := d.View()

	// Mutating the view must not leak into the record.
	view.Tags["owner"] = "mallory"
	view.Frequencies[2412000000] = 99

	if d.View().Tags["owner"] != "alice" {
		t.Error("view tag mutation leaked into the live record")
	}
	if d.View().Frequencies[2412000000] != 4 {
		t.Error("view histogram mutation leaked into the live record")
	}
}

func TestLocationRecord_RunningAverageAndBBox(t *testing.T) {
	var loc LocationRecord

	loc.merge(GPSFix{Lat: 10, Lon: 20, Alt: 100, Fix: 3}, false)
	loc.merge(GPSFix{Lat: 20, Lon: 40, Alt: 300, Fix: 3}, false)

	if loc.NumFixes != 2 {
		t.Fatalf("NumFixes = %d, want 2", loc.NumFixes)
	}
	if loc.AvgLat != 15 || loc.AvgLon != 30 || loc.AvgAlt != 200 {
		t.Errorf("averages = %v/%v/%v, want 15/30/200", loc.AvgLat, loc.AvgLon, loc.AvgAlt)
	}
	if loc.MinLat != 10 || loc.MaxLat != 20 || loc.MinLon != 20 || loc.MaxLon != 40 {
		t.Errorf("bbox = %v..%v / %v..%v", loc.MinLat, loc.MaxLat, loc.MinLon, loc.MaxLon)
	}
	if loc.Last.Lat != 20 {
		t.Errorf("last fix = %+v", loc.Last)
	}
	if loc.Cloud != nil {
		t.Error("cloud should stay empty when history is disabled")
	}
}

func TestLocationRecord_CloudBounded(t *testing.T) {
	var loc LocationRecord

	for i := 0; i < locationCloudMax+10; i++ {
		loc.merge(GPSFix{Lat: float64(i), Fix: 3}, true)
	}

	if len(loc.Cloud) != locationCloudMax {
		t.Errorf("cloud length = %d, want %d", len(loc.Cloud), locationCloudMax)
	}
	// Oldest entries fall off the front.
	if loc.Cloud[0].Lat != 10 {
		t.Errorf("cloud[0].Lat = %v, want 10", loc.Cloud[0].Lat)
	}
}

func TestSignalRecord_Seen(t *testing.T) {
	var sig SignalRecord
	if sig.Seen() {
		t.Error("zero record should not report seen")
	}
	sig.LastSignal = -40
	if !sig.Seen() {
		t.Error("record with a reading should report seen")
	}
}

func TestDevice_ModificationCounter(t *testing.T) {
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 0)

	if d.Modified() != 0 {
		t.Errorf("fresh device mod = %d, want 0", d.Modified())
	}

	d.Lock()
	d.bumpModified()
	d.bumpModified()
	d.Unlock()

	if d.Modified() != 2 {
		t.Errorf("mod = %d, want 2", d.Modified())
	}
	if !d.Dirty() {
		t.Error("modified device should be dirty")
	}

	d.CommitStored(2)
	if d.Dirty() {
		t.Error("device should be clean after CommitStored at current mod")
	}

	d.Lock()
	d.bumpModified()
	d.Unlock()
	if !d.Dirty() {
		t.Error("device should dirty again after further modification")
	}
}
