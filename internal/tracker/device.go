package tracker

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// locationCloudMax bounds the per-device location history cloud.
const locationCloudMax = 512

// GPSFix is a single position sample. Fix is the GPS lock quality;
// samples below a 2D lock are not merged into location records.
type GPSFix struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
	Fix int     `json:"fix"`
}

// SignalRecord aggregates RF signal observations for one device.
// A zero LastSignal means no signal has been recorded yet.
type SignalRecord struct {
	LastSignal int `json:"last_signal"`
	MinSignal  int `json:"min_signal"`
	MaxSignal  int `json:"max_signal"`

	LastNoise int `json:"last_noise"`
	MinNoise  int `json:"min_noise"`
	MaxNoise  int `json:"max_noise"`

	// PeakLocation is where the strongest signal was observed.
	PeakLocation *GPSFix `json:"peak_location,omitempty"`
}

// Seen reports whether any signal has been merged.
func (s *SignalRecord) Seen() bool {
	return s.LastSignal != 0 || s.MinSignal != 0 || s.MaxSignal != 0
}

// LocationRecord aggregates position observations: a running average,
// a bounding box, the last fix, and an optional history cloud.
type LocationRecord struct {
	Valid    bool   `json:"valid"`
	NumFixes uint64 `json:"num_fixes"`

	AvgLat float64 `json:"avg_lat"`
	AvgLon float64 `json:"avg_lon"`
	AvgAlt float64 `json:"avg_alt"`

	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`

	Last GPSFix `json:"last"`

	// Cloud is the recent fix history, kept only when history tracking
	// is enabled. Oldest entries are discarded beyond locationCloudMax.
	Cloud []GPSFix `json:"cloud,omitempty"`
}

// merge folds a fix into the record.
func (l *LocationRecord) merge(fix GPSFix, keepCloud bool) {
	l.NumFixes++
	n := float64(l.NumFixes)
	l.AvgLat += (fix.Lat - l.AvgLat) / n
	l.AvgLon += (fix.Lon - l.AvgLon) / n
	l.AvgAlt += (fix.Alt - l.AvgAlt) / n

	if !l.Valid {
		l.MinLat, l.MaxLat = fix.Lat, fix.Lat
		l.MinLon, l.MaxLon = fix.Lon, fix.Lon
	} else {
		if fix.Lat < l.MinLat {
			l.MinLat = fix.Lat
		}
		if fix.Lat > l.MaxLat {
			l.MaxLat = fix.Lat
		}
		if fix.Lon < l.MinLon {
			l.MinLon = fix.Lon
		}
		if fix.Lon > l.MaxLon {
			l.MaxLon = fix.Lon
		}
	}

	l.Last = fix
	l.Valid = true

	if keepCloud {
		l.Cloud = append(l.Cloud, fix)
		if len(l.Cloud) > locationCloudMax {
			l.Cloud = l.Cloud[len(l.Cloud)-locationCloudMax:]
		}
	}
}

// SeenBy records which data source observed a device, with timing,
// packet counts, and an optional per-source frequency histogram.
type SeenBy struct {
	UUID        uuid.UUID         `json:"uuid"`
	FirstSeen   int64             `json:"first_seen"`
	LastSeen    int64             `json:"last_seen"`
	NumPackets  uint64            `json:"num_packets"`
	Frequencies map[uint64]uint64 `json:"frequencies,omitempty"`
}

// PacketCounters are the per-device packet totals.
type PacketCounters struct {
	Total  uint64 `json:"total"`
	Data   uint64 `json:"data"`
	Error  uint64 `json:"error"`
	Filter uint64 `json:"filter"`
	Crypt  uint64 `json:"crypt"`
	TX     uint64 `json:"tx"`
	RX     uint64 `json:"rx"`
}

// Device is a tracked entity.
//
// A device is shared between the primary index, the MAC index, the
// ordinal vector, and any views containing it. All mutable state is
// guarded by the per-device lock; the Key, Ordinal, PhyID, and PhyName
// fields are immutable after insertion and may be read without it.
//
// Lock ordering: the device lock is below the index and view locks and
// must never be held while acquiring either.
type Device struct {
	mu sync.Mutex

	// Immutable after insertion.
	Key     DeviceKey
	Ordinal int
	Mac     MAC
	PhyID   int
	PhyName string

	// Mutable; guarded by the device lock.
	BasicType  string
	CommonName string
	UserName   string
	Tags       map[string]string

	FirstSeen int64
	LastSeen  int64

	Packets     PacketCounters
	Frequencies map[uint64]uint64
	Frequency   uint64
	Channel     string
	CryptSet    uint64

	Signal   SignalRecord
	Location LocationRecord
	SeenBy   map[uuid.UUID]*SeenBy

	// rrd is the per-device packet rate record; nil when disabled.
	rrd *RRD

	// mod is the modification counter, incremented on every observable
	// change. storedMod is the counter value at the last successful
	// state store flush.
	mod       uint64
	storedMod uint64
}

// NewDevice creates a device record. The ordinal is assigned by the
// index at insertion.
func NewDevice(key DeviceKey, mac MAC, phyID int, phyName, basicType string, now int64, withRRD bool) *Device {
	d := &Device{
		Key:         key,
		Ordinal:     -1,
		Mac:         mac,
		PhyID:       phyID,
		PhyName:     phyName,
		BasicType:   basicType,
		CommonName:  mac.String(),
		Tags:        make(map[string]string),
		FirstSeen:   now,
		LastSeen:    now,
		Frequencies: make(map[uint64]uint64),
		SeenBy:      make(map[uuid.UUID]*SeenBy),
	}
	if withRRD {
		d.rrd = NewRRD()
	}
	return d
}

// Lock acquires the per-device mutation lock.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the per-device mutation lock.
func (d *Device) Unlock() { d.mu.Unlock() }

// bumpModified increments the modification counter.
// Must be called with the device lock held.
func (d *Device) bumpModified() {
	d.mod++
}

// Modified returns the modification counter.
func (d *Device) Modified() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mod
}

// Dirty reports whether the device changed since the last store flush.
func (d *Device) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mod != d.storedMod
}

// RRD returns the per-device rate record, or nil when disabled.
func (d *Device) RRD() *RRD {
	return d.rrd
}

// DeviceView is an immutable JSON-renderable snapshot of a device.
type DeviceView struct {
	Key        string            `json:"key"`
	Mac        string            `json:"mac"`
	PhyID      int               `json:"phy_id"`
	PhyName    string            `json:"phy_name"`
	Ordinal    int               `json:"ordinal"`
	BasicType  string            `json:"basic_type"`
	CommonName string            `json:"commonname"`
	UserName   string            `json:"username,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`

	FirstSeen int64 `json:"first_seen"`
	LastSeen  int64 `json:"last_seen"`

	Packets     PacketCounters    `json:"packets"`
	Frequencies map[uint64]uint64 `json:"freq_hist,omitempty"`
	Frequency   uint64            `json:"frequency,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	CryptSet    uint64            `json:"crypt_set"`

	Signal   SignalRecord   `json:"signal"`
	Location LocationRecord `json:"location"`
	SeenBy   []SeenBy       `json:"seenby,omitempty"`

	Modified uint64 `json:"modified"`
}

// View builds a snapshot of the device under its lock. The returned
// value shares nothing with the live record and is safe to serialize
// without further locking.
func (d *Device) View() DeviceView {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := DeviceView{
		Key:        d.Key.String(),
		Mac:        d.Mac.String(),
		PhyID:      d.PhyID,
		PhyName:    d.PhyName,
		Ordinal:    d.Ordinal,
		BasicType:  d.BasicType,
		CommonName: d.CommonName,
		UserName:   d.UserName,
		FirstSeen:  d.FirstSeen,
		LastSeen:   d.LastSeen,
		Packets:    d.Packets,
		Frequency:  d.Frequency,
		Channel:    d.Channel,
		CryptSet:   d.CryptSet,
		Signal:     d.Signal,
		Location:   d.Location,
		Modified:   d.mod,
	}

	if d.Signal.PeakLocation != nil {
		peak := *d.Signal.PeakLocation
		v.Signal.PeakLocation = &peak
	}
	if len(d.Location.Cloud) > 0 {
		v.Location.Cloud = append([]GPSFix(nil), d.Location.Cloud...)
	}
	if len(d.Tags) > 0 {
		v.Tags = make(map[string]string, len(d.Tags))
		for k, val := range d.Tags {
			v.Tags[k] = val
		}
	}
	if len(d.Frequencies) > 0 {
		v.Frequencies = make(map[uint64]uint64, len(d.Frequencies))
		for f, c := range d.Frequencies {
			v.Frequencies[f] = c
		}
	}
	if len(d.SeenBy) > 0 {
		v.SeenBy = make([]SeenBy, 0, len(d.SeenBy))
		for _, sb := range d.SeenBy {
			entry := *sb
			if len(sb.Frequencies) > 0 {
				entry.Frequencies = make(map[uint64]uint64, len(sb.Frequencies))
				for f, c := range sb.Frequencies {
					entry.Frequencies[f] = c
				}
			}
			v.SeenBy = append(v.SeenBy, entry)
		}
		sort.Slice(v.SeenBy, func(i, j int) bool {
			return v.SeenBy[i].UUID.String() < v.SeenBy[j].UUID.String()
		})
	}

	return v
}
