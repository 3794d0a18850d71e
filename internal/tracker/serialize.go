package tracker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// storedVersion is the current blob format version. Older versions are
// upgraded in memory on load; newer versions are rejected.
const storedVersion = 2

// oldestStoredVersion is the oldest blob version still accepted.
const oldestStoredVersion = 1

// StoredDevice is a serialized device ready for the state store: the
// row columns plus the blob. Mod is the modification counter captured
// at serialization time, handed back to CommitStored once the row is
// durably written.
type StoredDevice struct {
	PhyName   string
	Mac       MAC
	Key       DeviceKey
	FirstSeen int64
	LastSeen  int64
	Blob      []byte
	Mod       uint64
}

// storedEnvelope is the self-describing blob header plus the record
// tree. The header fields are duplicated outside the record so loads
// can triage rows without decoding the whole tree.
type storedEnvelope struct {
	Version   int          `json:"version"`
	PhyName   string       `json:"phy_name"`
	Mac       string       `json:"mac"`
	FirstSeen int64        `json:"first_seen"`
	LastSeen  int64        `json:"last_seen"`
	Record    storedRecord `json:"record"`
}

// storedRecord is the encoded mutable state of a device.
type storedRecord struct {
	Salt       uint64            `json:"salt"`
	BasicType  string            `json:"basic_type"`
	CommonName string            `json:"commonname"`
	UserName   string            `json:"username,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`

	Packets     PacketCounters    `json:"packets"`
	Frequencies map[uint64]uint64 `json:"freq_hist,omitempty"`
	Frequency   uint64            `json:"frequency,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	CryptSet    uint64            `json:"crypt_set"`

	Signal   SignalRecord   `json:"signal"`
	Location LocationRecord `json:"location"`

	// SeenBy entries; per-source frequency histograms appeared in
	// version 2 and decode as empty from version 1 blobs.
	SeenBy []SeenBy `json:"seenby,omitempty"`
}

// MarshalStored serializes the device under its lock.
func (d *Device) MarshalStored() (StoredDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	env := storedEnvelope{
		Version:   storedVersion,
		PhyName:   d.PhyName,
		Mac:       d.Mac.String(),
		FirstSeen: d.FirstSeen,
		LastSeen:  d.LastSeen,
		Record: storedRecord{
			Salt:        d.Key.Salt,
			BasicType:   d.BasicType,
			CommonName:  d.CommonName,
			UserName:    d.UserName,
			Tags:        d.Tags,
			Packets:     d.Packets,
			Frequencies: d.Frequencies,
			Frequency:   d.Frequency,
			Channel:     d.Channel,
			CryptSet:    d.CryptSet,
			Signal:      d.Signal,
			Location:    d.Location,
		},
	}

	for _, sb := range d.SeenBy {
		env.Record.SeenBy = append(env.Record.SeenBy, *sb)
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return StoredDevice{}, fmt.Errorf("serializing device %s: %w", d.Key.String(), err)
	}

	return StoredDevice{
		PhyName:   d.PhyName,
		Mac:       d.Mac,
		Key:       d.Key,
		FirstSeen: d.FirstSeen,
		LastSeen:  d.LastSeen,
		Blob:      blob,
		Mod:       d.mod,
	}, nil
}

// CommitStored records that the state serialized at modification
// counter mod reached durable storage.
func (d *Device) CommitStored(mod uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mod > d.storedMod {
		d.storedMod = mod
	}
}

// UnmarshalStoredDevice decodes a blob into a fresh device record for
// the given registered PHY id. Counters and timestamps are restored
// verbatim. Returns ErrDeserialize for malformed or unsupported blobs.
func UnmarshalStoredDevice(blob []byte, phyID int, withRRD bool) (*Device, error) {
	var env storedEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}

	if env.Version < oldestStoredVersion || env.Version > storedVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDeserialize, env.Version)
	}

	mac, err := ParseMAC(env.Mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}

	rec := env.Record

	d := NewDevice(NewDeviceKey(phyID, mac, rec.Salt), mac, phyID, env.PhyName, rec.BasicType, env.FirstSeen, withRRD)
	d.LastSeen = env.LastSeen
	if d.FirstSeen > d.LastSeen {
		d.FirstSeen = d.LastSeen
	}

	if rec.CommonName != "" {
		d.CommonName = rec.CommonName
	}
	d.UserName = rec.UserName
	for k, v := range rec.Tags {
		d.Tags[k] = v
	}

	d.Packets = rec.Packets
	for f, c := range rec.Frequencies {
		d.Frequencies[f] = c
	}
	d.Frequency = rec.Frequency
	d.Channel = rec.Channel
	d.CryptSet = rec.CryptSet
	d.Signal = rec.Signal
	d.Location = rec.Location

	for i := range rec.SeenBy {
		sb := rec.SeenBy[i]
		if sb.UUID == uuid.Nil {
			continue
		}
		entry := sb
		d.SeenBy[sb.UUID] = &entry
	}

	return d, nil
}
