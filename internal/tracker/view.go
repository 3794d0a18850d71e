package tracker

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ViewMatcher decides whether a device belongs to a view. Matchers must
// not mutate the device; they may take the device lock to read guarded
// fields (the view lock sits above the device lock in the lock order).
type ViewMatcher func(*Device) bool

// View is a predicate-filtered projection of the device index. It holds
// non-owning references ordered by ordinal; membership tracks the
// predicate as devices are added, updated, and removed.
type View struct {
	id      string
	matcher ViewMatcher

	mu      sync.Mutex
	members map[DeviceKey]struct{}
	ordered []*Device
}

// NewView creates a view with the given id and matcher.
func NewView(id string, matcher ViewMatcher) *View {
	return &View{
		id:      id,
		matcher: matcher,
		members: make(map[DeviceKey]struct{}),
	}
}

// ID returns the view id.
func (v *View) ID() string { return v.id }

// Length returns the current membership count.
func (v *View) Length() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.ordered)
}

// Devices returns the membership in ordinal order. The returned slice
// is owned by the caller.
func (v *View) Devices() []*Device {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*Device, len(v.ordered))
	copy(out, v.ordered)
	return out
}

// Contains reports whether a device key is currently a member.
func (v *View) Contains(key DeviceKey) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.members[key]
	return ok
}

// newDevice evaluates the matcher for a just-inserted device and admits
// it on match.
func (v *View) newDevice(d *Device) {
	if !v.matcher(d) {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.admitLocked(d)
}

// updateDevice re-evaluates the matcher, promoting or demoting the
// device as its state dictates.
func (v *View) updateDevice(d *Device) {
	match := v.matcher(d)

	v.mu.Lock()
	defer v.mu.Unlock()

	_, member := v.members[d.Key]
	switch {
	case match && !member:
		v.admitLocked(d)
	case !match && member:
		v.evictLocked(d)
	}
}

// removeDevice drops the device regardless of predicate state.
func (v *View) removeDevice(d *Device) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, member := v.members[d.Key]; member {
		v.evictLocked(d)
	}
}

// admitLocked inserts preserving ordinal order. Devices arrive mostly
// in increasing ordinal order, so the append path dominates.
func (v *View) admitLocked(d *Device) {
	if _, exists := v.members[d.Key]; exists {
		return
	}
	v.members[d.Key] = struct{}{}

	n := len(v.ordered)
	if n == 0 || v.ordered[n-1].Ordinal < d.Ordinal {
		v.ordered = append(v.ordered, d)
		return
	}

	pos := sort.Search(n, func(i int) bool {
		return v.ordered[i].Ordinal >= d.Ordinal
	})
	v.ordered = append(v.ordered, nil)
	copy(v.ordered[pos+1:], v.ordered[pos:])
	v.ordered[pos] = d
}

func (v *View) evictLocked(d *Device) {
	delete(v.members, d.Key)
	for i, cand := range v.ordered {
		if cand == d {
			v.ordered = append(v.ordered[:i], v.ordered[i+1:]...)
			return
		}
	}
}

// PhyViewMatcher matches devices on a specific PHY. Used by the
// built-in per-PHY view family.
func PhyViewMatcher(phyID int) ViewMatcher {
	return func(d *Device) bool {
		return d.PhyID == phyID
	}
}

// SeenByViewMatcher matches devices observed by a specific data source.
// Used by the built-in per-source view family.
func SeenByViewMatcher(source uuid.UUID) ViewMatcher {
	return func(d *Device) bool {
		d.Lock()
		defer d.Unlock()
		_, ok := d.SeenBy[source]
		return ok
	}
}
