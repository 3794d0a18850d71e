package tracker

import (
	"context"
	"sort"
	"time"
)

// startHousekeeping registers the background sweeps with the time
// tracker: idle eviction plus max-device enforcement on one tick, the
// state store flush on another.
func (t *Tracker) startHousekeeping() {
	if t.timers == nil {
		return
	}

	id := t.timers.RegisterTimer(t.cfg.HousekeepingInterval, func() bool {
		t.RunHousekeeping()
		return true
	})
	t.timerIDs = append(t.timerIDs, id)

	if t.store != nil && t.cfg.StorageInterval > 0 {
		id = t.timers.RegisterTimer(t.cfg.StorageInterval, func() bool {
			if err := t.FlushDevices(t.backgroundCtx); err != nil {
				// StoreFailure is recoverable: log and retry next tick.
				t.logger.Error("device flush failed", "error", err)
			}
			return true
		})
		t.timerIDs = append(t.timerIDs, id)
	}
}

// RunHousekeeping executes one eviction pass: the idle-timeout sweep
// followed by max-device enforcement. Exposed for the timer callback
// and for deterministic tests.
func (t *Tracker) RunHousekeeping() {
	now := time.Now().Unix()

	if t.cfg.DeviceTimeout > 0 {
		t.sweepIdleDevices(now)
	}
	if t.cfg.MaxDevices > 0 {
		t.enforceMaxDevices()
	}
	t.overBudget.Store(false)
}

// RemoveDevice removes a device from the index and all views,
// tombstones its ordinal slot, and publishes DEVICE_REMOVED. The record
// stays alive for readers still holding older snapshots.
func (t *Tracker) RemoveDevice(key DeviceKey) error {
	d := t.index.remove(key)
	if d == nil {
		return ErrNotFound
	}

	t.notifyRemoveDevice(d)
	t.bus.Publish(DeviceRemovedEvent{Key: key})

	t.logger.Debug("device removed", "key", key.String(), "mac", d.Mac.String())
	return nil
}

// sweepIdleDevices removes devices idle beyond the timeout. The
// minimum-packet gate keeps a device out of the sweep until it has
// accumulated enough packets to be worth persisting at all.
func (t *Tracker) sweepIdleDevices(now int64) {
	threshold := int64(t.cfg.DeviceTimeout / time.Second)

	var expired []DeviceKey
	for _, d := range t.index.snapshotVec() {
		d.Lock()
		idle := now-d.LastSeen > threshold
		packets := d.Packets.Total
		d.Unlock()

		if !idle {
			continue
		}
		if t.cfg.DeviceIdleMinPackets > 0 && packets < t.cfg.DeviceIdleMinPackets {
			continue
		}
		expired = append(expired, d.Key)
	}

	for _, key := range expired {
		if err := t.RemoveDevice(key); err == nil {
			t.logger.Debug("idle device evicted", "key", key.String())
		}
	}

	if len(expired) > 0 {
		t.logger.Info("idle sweep complete", "evicted", len(expired))
	}
}

// enforceMaxDevices evicts the oldest-by-last-seen devices until the
// population fits the configured cap.
func (t *Tracker) enforceMaxDevices() {
	over := t.index.length() - t.cfg.MaxDevices
	if over <= 0 {
		return
	}

	type aged struct {
		key      DeviceKey
		lastSeen int64
	}

	snapshot := t.index.snapshotVec()
	ages := make([]aged, 0, len(snapshot))
	for _, d := range snapshot {
		d.Lock()
		ages = append(ages, aged{key: d.Key, lastSeen: d.LastSeen})
		d.Unlock()
	}

	sort.Slice(ages, func(i, j int) bool {
		return ages[i].lastSeen < ages[j].lastSeen
	})

	evicted := 0
	for _, a := range ages {
		if t.index.length() <= t.cfg.MaxDevices {
			break
		}
		if err := t.RemoveDevice(a.key); err == nil {
			evicted++
		}
	}

	if evicted > 0 {
		t.logger.Info("max-device enforcement complete",
			"evicted", evicted,
			"max", t.cfg.MaxDevices,
		)
	}
}

// FlushDevices writes dirty devices to the state store. Overlapping
// calls are skipped via the storing flag rather than queued.
func (t *Tracker) FlushDevices(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	if !t.storing.CompareAndSwap(false, true) {
		t.logger.Debug("device flush already in progress, skipping")
		return nil
	}
	defer t.storing.Store(false)

	var dirty []*Device
	for _, d := range t.index.snapshotVec() {
		if d.Dirty() {
			dirty = append(dirty, d)
		}
	}

	if len(dirty) == 0 {
		return nil
	}

	if err := t.store.StoreDevices(ctx, dirty); err != nil {
		return err
	}

	t.lastStored.Store(time.Now().Unix())
	t.logger.Debug("devices flushed", "count", len(dirty))
	return nil
}

// FlushAllDevices writes every device regardless of dirtiness. Used at
// shutdown.
func (t *Tracker) FlushAllDevices(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	if !t.storing.CompareAndSwap(false, true) {
		return nil
	}
	defer t.storing.Store(false)

	snapshot := t.index.snapshotVec()
	if len(snapshot) == 0 {
		return nil
	}

	if err := t.store.StoreDevices(ctx, snapshot); err != nil {
		return err
	}

	t.lastStored.Store(time.Now().Unix())
	return nil
}

// LastStored returns the unix time of the last completed flush.
func (t *Tracker) LastStored() int64 {
	return t.lastStored.Load()
}
