package tracker

import (
	"errors"
	"testing"
)

func newIndexDevice(t *testing.T, mac string, phyID int) *Device {
	t.Helper()
	m := mustMAC(t, mac)
	return NewDevice(NewDeviceKey(phyID, m, 0), m, phyID, "test", "device", 1000, false)
}

func TestIndex_InsertFetch(t *testing.T) {
	idx := newDeviceIndex()
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 0)

	ordinal, err := idx.insert(d)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ordinal != 0 || d.Ordinal != 0 {
		t.Errorf("ordinal = %d (device %d), want 0", ordinal, d.Ordinal)
	}

	if got := idx.fetch(d.Key); got != d {
		t.Error("fetch should return the inserted device")
	}
	if got := idx.byOrdinal(0); got != d {
		t.Error("byOrdinal(0) should return the inserted device")
	}
}

func TestIndex_InsertDuplicate(t *testing.T) {
	idx := newDeviceIndex()
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 0)

	if _, err := idx.insert(d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 0)
	if _, err := idx.insert(dup); !errors.Is(err, ErrDuplicateDevice) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateDevice", err)
	}
}

func TestIndex_MACMultimap(t *testing.T) {
	idx := newDeviceIndex()

	// Same MAC under two PHYs: both must be returned.
	a := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 0)
	b := newIndexDevice(t, "aa:bb:cc:dd:ee:ff", 1)
	other := newIndexDevice(t, "11:22:33:44:55:66", 0)

	for _, d := range []*Device{a, b, other} {
		if _, err := idx.insert(d); err != nil {
			t.Fatalf("insert %s: %v", d.Key.String(), err)
		}
	}

	got := idx.fetchByMAC(mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	if len(got) != 2 {
		t.Fatalf("fetchByMAC = %d devices, want 2", len(got))
	}
	for _, d := range got {
		if d != a && d != b {
			t.Errorf("unexpected device %s in MAC lookup", d.Key.String())
		}
	}
}

func TestIndex_RemoveTombstonesOrdinal(t *testing.T) {
	idx := newDeviceIndex()
	a := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)
	b := newIndexDevice(t, "aa:bb:cc:dd:ee:02", 0)
	c := newIndexDevice(t, "aa:bb:cc:dd:ee:03", 0)
	for _, d := range []*Device{a, b, c} {
		if _, err := idx.insert(d); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	before := idx.fullRefreshTime()
	if removed := idx.remove(b.Key); removed != b {
		t.Fatalf("remove returned %v, want b", removed)
	}

	if idx.fetch(b.Key) != nil {
		t.Error("removed device still in primary map")
	}
	if idx.byOrdinal(1) != nil {
		t.Error("ordinal slot should be tombstoned, not reused")
	}
	if len(idx.fetchByMAC(b.Mac)) != 0 {
		t.Error("removed device still in MAC multimap")
	}
	if idx.fullRefreshTime() < before || idx.fullRefreshTime() == 0 {
		t.Error("full refresh watermark should advance on removal")
	}

	// New inserts continue from the next ordinal; tombstones are never reused.
	d := newIndexDevice(t, "aa:bb:cc:dd:ee:04", 0)
	ordinal, err := idx.insert(d)
	if err != nil {
		t.Fatalf("insert after remove: %v", err)
	}
	if ordinal != 3 {
		t.Errorf("ordinal after tombstone = %d, want 3", ordinal)
	}
}

func TestIndex_SnapshotIsImmutable(t *testing.T) {
	idx := newDeviceIndex()
	a := newIndexDevice(t, "aa:bb:cc:dd:ee:01", 0)
	if _, err := idx.insert(a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	snap := idx.snapshotVec()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(snap))
	}

	// Structural changes must not mutate an already-taken snapshot.
	b := newIndexDevice(t, "aa:bb:cc:dd:ee:02", 0)
	if _, err := idx.insert(b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	idx.remove(a.Key)

	if len(snap) != 1 || snap[0] != a {
		t.Error("earlier snapshot changed under structural mutation")
	}

	fresh := idx.snapshotVec()
	if len(fresh) != 1 || fresh[0] != b {
		t.Errorf("fresh snapshot = %v, want just b", fresh)
	}
}

func TestIndex_PrimaryInvariants(t *testing.T) {
	idx := newDeviceIndex()
	macs := []string{
		"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03",
	}
	for _, m := range macs {
		if _, err := idx.insert(newIndexDevice(t, m, 0)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// primary[d.key] == d, mac multimap contains d, ordinal slot holds d.
	for _, d := range idx.snapshotVec() {
		if idx.fetch(d.Key) != d {
			t.Errorf("primary map broken for %s", d.Key.String())
		}
		if idx.byOrdinal(d.Ordinal) != d {
			t.Errorf("ordinal vector broken for %s", d.Key.String())
		}
		found := false
		for _, cand := range idx.fetchByMAC(d.Mac) {
			if cand == d {
				found = true
			}
		}
		if !found {
			t.Errorf("MAC multimap broken for %s", d.Key.String())
		}
	}
}
