package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/radiowatch/radiowatch-core/internal/eventbus"
	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

type wifiPhy struct{}

func (wifiPhy) Name() string { return "IEEE802.11" }

func newTrackerWithStore(t *testing.T, dbPath string) (*tracker.Tracker, *eventbus.Bus, *Store) {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, Config{
		Path:              dbPath,
		WALMode:           true,
		BusyTimeout:       5 * time.Second,
		Compression:       true,
		PersistentTimeout: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	tr, err := tracker.New(tracker.Options{
		Config: tracker.Config{
			TrackHistoryCloud:     true,
			TrackPersourceHistory: true,
			MapPhyViews:           true,
			MapSeenbyViews:        true,
		},
		Bus:   bus,
		Store: s,
	})
	if err != nil {
		t.Fatalf("creating tracker: %v", err)
	}
	t.Cleanup(tr.Close)

	return tr, bus, s
}

// TestPersistentRoundTrip walks the full persistence cycle: observe a
// device, name and tag it, flush, restart, rehydrate.
func TestPersistentRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	src := uuid.New()

	mac, err := tracker.ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}

	var originalKey tracker.DeviceKey
	var originalPackets tracker.PacketCounters

	// First run: observe, annotate, flush.
	{
		tr, _, _ := newTrackerWithStore(t, dbPath)
		id, err := tr.RegisterPhy(wifiPhy{})
		if err != nil {
			t.Fatalf("RegisterPhy: %v", err)
		}
		phy, _ := tr.FetchPhy(id)

		common := &tracker.CommonInfo{
			Device:    mac,
			PhyID:     id,
			Type:      tracker.PacketTypeData,
			Signal:    -51,
			Frequency: 2437000000,
			Source:    src,
		}
		var d *tracker.Device
		for i := 0; i < 4; i++ {
			d, err = tr.UpdateCommonDevice(ctx, common, mac, phy, &tracker.Packet{Ts: time.Now()}, tracker.UpdateAll, "Wi-Fi Device")
			if err != nil {
				t.Fatalf("UpdateCommonDevice: %v", err)
			}
		}

		if err := tr.SetDeviceUserName(ctx, d, "ceiling ap"); err != nil {
			t.Fatalf("SetDeviceUserName: %v", err)
		}
		if err := tr.SetDeviceTag(ctx, d, "site", "hq"); err != nil {
			t.Fatalf("SetDeviceTag: %v", err)
		}

		originalKey = d.Key
		originalPackets = d.View().Packets

		if err := tr.FlushAllDevices(ctx); err != nil {
			t.Fatalf("FlushAllDevices: %v", err)
		}
	}

	// Second run: rehydrate on start.
	{
		tr, bus, _ := newTrackerWithStore(t, dbPath)
		newDevices := 0
		bus.Subscribe(tracker.EventNewDevice, func(eventbus.Event) { newDevices++ })

		if _, err := tr.RegisterPhy(wifiPhy{}); err != nil {
			t.Fatalf("RegisterPhy: %v", err)
		}
		if err := tr.LoadStoredDevices(ctx); err != nil {
			t.Fatalf("LoadStoredDevices: %v", err)
		}

		d, err := tr.FetchDevice(originalKey)
		if err != nil {
			t.Fatalf("device missing after rehydration: %v", err)
		}

		view := d.View()
		if view.Packets != originalPackets {
			t.Errorf("packets = %+v, want %+v restored verbatim", view.Packets, originalPackets)
		}
		if view.UserName != "ceiling ap" {
			t.Errorf("username = %q, want restored", view.UserName)
		}
		if view.Tags["site"] != "hq" {
			t.Errorf("tags = %v, want restored", view.Tags)
		}

		// Rehydration fires view-insert but never NEW_DEVICE.
		time.Sleep(50 * time.Millisecond)
		if newDevices != 0 {
			t.Errorf("NEW_DEVICE events during rehydration = %d, want 0", newDevices)
		}

		phyView, err := tr.GetView("phy-IEEE802.11")
		if err != nil {
			t.Fatalf("per-phy view: %v", err)
		}
		if !phyView.Contains(originalKey) {
			t.Error("per-phy view should be repopulated from storage")
		}
	}
}

// TestOnDemandRehydration exercises on-demand mode: a stored device is
// restored when its first packet of the new run arrives.
func TestOnDemandRehydration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	mac, _ := tracker.ParseMAC("aa:bb:cc:dd:ee:ff")

	// Seed storage through a normal run.
	{
		tr, _, _ := newTrackerWithStore(t, dbPath)
		id, _ := tr.RegisterPhy(wifiPhy{})
		phy, _ := tr.FetchPhy(id)

		common := &tracker.CommonInfo{Device: mac, PhyID: id}
		for i := 0; i < 9; i++ {
			if _, err := tr.UpdateCommonDevice(ctx, common, mac, phy, &tracker.Packet{Ts: time.Now()}, tracker.UpdatePackets, "device"); err != nil {
				t.Fatalf("seeding: %v", err)
			}
		}
		if err := tr.FlushAllDevices(ctx); err != nil {
			t.Fatalf("FlushAllDevices: %v", err)
		}
	}

	// New run in on-demand mode: no boot load.
	s, err := Open(ctx, Config{Path: dbPath, WALMode: true, BusyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	tr, err := tracker.New(tracker.Options{
		Config:   tracker.Config{MapPhyViews: true},
		Bus:      bus,
		Store:    s,
		OnDemand: true,
	})
	if err != nil {
		t.Fatalf("creating tracker: %v", err)
	}
	t.Cleanup(tr.Close)

	id, _ := tr.RegisterPhy(wifiPhy{})
	phy, _ := tr.FetchPhy(id)

	if tr.NumDevices() != 0 {
		t.Fatalf("on-demand mode should not preload devices, have %d", tr.NumDevices())
	}

	common := &tracker.CommonInfo{Device: mac, PhyID: id}
	d, err := tr.UpdateCommonDevice(ctx, common, mac, phy, &tracker.Packet{Ts: time.Now()}, tracker.UpdatePackets, "device")
	if err != nil {
		t.Fatalf("UpdateCommonDevice: %v", err)
	}

	// 9 stored packets + this one.
	if got := d.View().Packets.Total; got != 10 {
		t.Errorf("packets = %d, want 10 (stored counters restored before merge)", got)
	}
}
