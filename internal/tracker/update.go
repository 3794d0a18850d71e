package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PacketType classifies a common-info component for counter purposes.
type PacketType int

// Packet classifications.
const (
	PacketTypeUnknown PacketType = iota
	PacketTypeManagement
	PacketTypeData
)

// Direction is the transmit direction of a component relative to the
// tracked device.
type Direction int

// Direction values.
const (
	DirectionUnknown Direction = iota
	DirectionTX
	DirectionRX
)

// CommonInfo is the per-packet parsed metadata shared across PHYs. PHY
// parsers produce one record per addressable entity in a packet.
type CommonInfo struct {
	// Device is the address this record attributes activity to.
	Device MAC

	// PhyID is the registered id of the PHY that parsed the packet.
	PhyID int

	Type      PacketType
	Direction Direction

	// Signal and Noise are dBm readings; zero means not measured.
	Signal int
	Noise  int

	// Frequency is the channel center frequency in Hz; zero when the
	// capture source did not report one.
	Frequency uint64
	Channel   string

	// CryptSet is the observed encryption option bitset.
	CryptSet uint64

	// Source identifies the data source that captured the packet.
	Source uuid.UUID
}

// Packet is the unit handed to the tracker by the packet chain. It
// carries zero or more common-info components plus capture metadata.
type Packet struct {
	Ts       time.Time
	Size     int
	Error    bool
	Filtered bool

	// GPS is the capture location; nil or a fix below 2D is ignored.
	GPS *GPSFix

	Common []*CommonInfo
}

// UpdateFlags select which device facets the update pipeline merges
// from a common-info record.
type UpdateFlags uint32

// Update pipeline flags.
const (
	// UpdateSignal merges signal readings: min/max/last RSSI and noise.
	UpdateSignal UpdateFlags = 1 << iota

	// UpdateFrequencies increments the frequency histogram.
	UpdateFrequencies

	// UpdatePackets increments packet counters per classification.
	UpdatePackets

	// UpdateLocation merges the packet's GPS fix.
	UpdateLocation

	// UpdateSeenBy upserts the seenby record for the capture source.
	UpdateSeenBy

	// UpdateEncryption overwrites the crypt set.
	UpdateEncryption

	// UpdateExistingOnly fails instead of creating a missing device.
	UpdateExistingOnly

	// UpdateEmptySignal writes signal only if none has been recorded.
	UpdateEmptySignal

	// UpdateEmptyLocation writes location only if none has been recorded.
	UpdateEmptyLocation
)

// UpdateAll is the all-facets flag set used by the packet entry point.
const UpdateAll = UpdateSignal | UpdateFrequencies | UpdatePackets |
	UpdateLocation | UpdateSeenBy | UpdateEncryption

// minGPSFix is the minimum lock quality merged into location records.
const minGPSFix = 2

// ClassifyPacket applies the lightweight per-packet classification:
// total and per-PHY packet counters plus the packets rate record. Every
// call counts the packet again; repeated calls for the same packet are
// not detected. OnPacket calls it once for each distinct PHY a packet
// references.
func (t *Tracker) ClassifyPacket(p *Packet, phy *Phy) {
	now := p.Ts
	if now.IsZero() {
		now = time.Now()
	}

	t.numPackets.Add(1)
	phy.packets.Add(1)

	switch {
	case p.Error:
		t.numErrorPackets.Add(1)
		phy.errorPackets.Add(1)
	case p.Filtered:
		t.numFilterPackets.Add(1)
		phy.filterPackets.Add(1)
	default:
		for _, ci := range p.Common {
			if ci.Type == PacketTypeData {
				t.numDataPackets.Add(1)
				phy.dataPackets.Add(1)
				break
			}
		}
	}

	if t.packetsRRD != nil {
		t.packetsRRD.Add(1, now)
	}
}

// OnPacket is the packet-chain entry point. It classifies the packet
// against each referenced PHY and runs the update pipeline for every
// common-info component with the full flag set.
func (t *Tracker) OnPacket(ctx context.Context, p *Packet) {
	classified := make(map[int]bool)

	for _, ci := range p.Common {
		phy, ok := t.phys.fetchByID(ci.PhyID)
		if !ok {
			t.logger.Warn("packet references unregistered phy", "phy_id", ci.PhyID)
			continue
		}

		if !classified[ci.PhyID] {
			t.ClassifyPacket(p, phy)
			classified[ci.PhyID] = true
		}

		if ci.Device.IsZero() {
			continue
		}

		if _, err := t.UpdateCommonDevice(ctx, ci, ci.Device, phy, p, UpdateAll, "device"); err != nil {
			t.logger.Warn("common update failed",
				"mac", ci.Device.String(),
				"phy", phy.Name(),
				"error", err,
			)
		}
	}
}

// UpdateCommonDevice is the single entry point PHY handlers call per
// packet. It looks up or creates the device for (phy, mac), merges the
// facets selected by flags from the common-info record, and re-evaluates
// view membership.
//
// Returns ErrNoExistingDevice when UpdateExistingOnly is set and no
// device matches.
func (t *Tracker) UpdateCommonDevice(ctx context.Context, common *CommonInfo, mac MAC, phy *Phy,
	pack *Packet, flags UpdateFlags, basicType string) (*Device, error) {

	now := time.Now().Unix()
	if pack != nil && !pack.Ts.IsZero() {
		now = pack.Ts.Unix()
	}

	key := NewDeviceKey(phy.ID(), mac, 0)

	d := t.index.fetch(key)
	created := false

	if d == nil {
		if flags&UpdateExistingOnly != 0 {
			return nil, ErrNoExistingDevice
		}

		var err error
		d, created, err = t.createOrRace(ctx, key, mac, phy, basicType, now)
		if err != nil {
			return nil, err
		}
	}

	d.Lock()
	newSources := t.mergeCommon(d, common, pack, flags, now)
	d.Unlock()

	// Datasource bookkeeping happens outside the device lock; creating
	// a seenby view takes the view registry lock, which sits above the
	// device lock in the lock order.
	for _, src := range newSources {
		t.observeDatasource(src)
	}

	// Views got their insert notification inside insertDevice; after the
	// merge every membership is re-evaluated against the new state.
	t.notifyUpdateDevice(d)

	if created {
		t.bus.Publish(NewDeviceEvent{Device: d})
	}

	return d, nil
}

// createOrRace builds and inserts a new device for key, resolving the
// race where another packet thread inserts it first. When persistence
// runs in on-demand mode the state store is consulted before a fresh
// record is built.
func (t *Tracker) createOrRace(ctx context.Context, key DeviceKey, mac MAC, phy *Phy,
	basicType string, now int64) (d *Device, created bool, err error) {

	if t.store != nil && t.onDemand {
		stored, loadErr := t.store.LoadDevice(ctx, phy.Name(), phy.ID(), mac)
		if loadErr != nil && !errors.Is(loadErr, ErrNotFound) {
			t.logger.Warn("on-demand device load failed", "mac", mac.String(), "error", loadErr)
		}
		if stored != nil {
			if insErr := t.insertDevice(ctx, stored, false); insErr == nil {
				return stored, false, nil
			}
			// Raced with another inserter; fall through to fetch.
			if raced := t.index.fetch(key); raced != nil {
				return raced, false, nil
			}
		}
	}

	d = NewDevice(key, mac, phy.ID(), phy.Name(), basicType, now, !t.cfg.RAMNoRRD)
	t.applyStoredIdentity(ctx, d)

	if err = t.insertDevice(ctx, d, true); err != nil {
		if errors.Is(err, ErrDuplicateDevice) {
			// Another packet thread created it between fetch and insert.
			if raced := t.index.fetch(key); raced != nil {
				return raced, false, nil
			}
		}
		return nil, false, err
	}

	return d, true, nil
}

// mergeCommon applies the flagged facets and returns any capture
// sources seen for the first time on this device. Must be called with
// the device lock held.
func (t *Tracker) mergeCommon(d *Device, common *CommonInfo, pack *Packet, flags UpdateFlags, now int64) []uuid.UUID {
	if common == nil {
		if now > d.LastSeen {
			d.LastSeen = now
		}
		d.bumpModified()
		return nil
	}

	var newSources []uuid.UUID

	if flags&UpdateSignal != 0 || flags&UpdateEmptySignal != 0 {
		emptyOnly := flags&UpdateEmptySignal != 0 && flags&UpdateSignal == 0
		if !emptyOnly || !d.Signal.Seen() {
			t.mergeSignal(d, common, pack)
		}
	}

	if flags&UpdateFrequencies != 0 && common.Frequency != 0 {
		d.Frequencies[common.Frequency]++
		d.Frequency = common.Frequency
		if common.Channel != "" {
			d.Channel = common.Channel
		}
	}

	if flags&UpdatePackets != 0 {
		d.Packets.Total++
		switch {
		case pack != nil && pack.Error:
			d.Packets.Error++
		case pack != nil && pack.Filtered:
			d.Packets.Filter++
		case common.Type == PacketTypeData:
			d.Packets.Data++
		}
		if common.CryptSet != 0 {
			d.Packets.Crypt++
		}
		switch common.Direction {
		case DirectionTX:
			d.Packets.TX++
		case DirectionRX:
			d.Packets.RX++
		}
		if d.rrd != nil {
			ts := time.Unix(now, 0)
			d.rrd.Add(1, ts)
		}
	}

	if flags&UpdateLocation != 0 || flags&UpdateEmptyLocation != 0 {
		if pack != nil && pack.GPS != nil && pack.GPS.Fix >= minGPSFix {
			emptyOnly := flags&UpdateEmptyLocation != 0 && flags&UpdateLocation == 0
			if !emptyOnly || !d.Location.Valid {
				d.Location.merge(*pack.GPS, t.cfg.TrackHistoryCloud)
			}
		}
	}

	if flags&UpdateSeenBy != 0 && common.Source != uuid.Nil {
		if t.mergeSeenBy(d, common, now) {
			newSources = append(newSources, common.Source)
		}
	}

	if flags&UpdateEncryption != 0 {
		d.CryptSet = common.CryptSet
	}

	// Counters accept out-of-order packets, but last_seen never moves
	// backward.
	if now > d.LastSeen {
		d.LastSeen = now
	}

	d.bumpModified()

	return newSources
}

// mergeSignal folds a signal reading in. Must be called with the device
// lock held.
func (t *Tracker) mergeSignal(d *Device, common *CommonInfo, pack *Packet) {
	if common.Signal == 0 {
		return
	}

	sig := &d.Signal
	first := !sig.Seen()

	sig.LastSignal = common.Signal
	if first || common.Signal < sig.MinSignal {
		sig.MinSignal = common.Signal
	}
	if first || common.Signal > sig.MaxSignal {
		sig.MaxSignal = common.Signal
		if pack != nil && pack.GPS != nil && pack.GPS.Fix >= minGPSFix {
			peak := *pack.GPS
			sig.PeakLocation = &peak
		}
	}

	if common.Noise != 0 {
		sig.LastNoise = common.Noise
		if sig.MinNoise == 0 || common.Noise < sig.MinNoise {
			sig.MinNoise = common.Noise
		}
		if sig.MaxNoise == 0 || common.Noise > sig.MaxNoise {
			sig.MaxNoise = common.Noise
		}
	}
}

// mergeSeenBy upserts the seenby record for a capture source, reporting
// whether this device had not seen the source before. Must be called
// with the device lock held.
func (t *Tracker) mergeSeenBy(d *Device, common *CommonInfo, now int64) bool {
	sb, ok := d.SeenBy[common.Source]
	if !ok {
		sb = &SeenBy{
			UUID:      common.Source,
			FirstSeen: now,
			LastSeen:  now,
		}
		d.SeenBy[common.Source] = sb
	}

	sb.NumPackets++
	if now > sb.LastSeen {
		sb.LastSeen = now
	}

	if t.cfg.TrackPersourceHistory && common.Frequency != 0 {
		if sb.Frequencies == nil {
			sb.Frequencies = make(map[uint64]uint64)
		}
		sb.Frequencies[common.Frequency]++
	}

	return !ok
}
