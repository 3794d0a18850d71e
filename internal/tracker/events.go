package tracker

import "github.com/google/uuid"

// Event type names published to and consumed from the event bus.
const (
	// EventNewPhy is published when a PHY handler registers.
	EventNewPhy = "NEW_PHY"

	// EventNewDevice is published when the update pipeline creates a
	// device. Rehydration from the state store does not publish it.
	EventNewDevice = "NEW_DEVICE"

	// EventDeviceRemoved is published when eviction removes a device.
	EventDeviceRemoved = "DEVICE_REMOVED"

	// EventNewDatasource is consumed from the datasource layer; it
	// triggers lazy creation of the per-source seenby view.
	EventNewDatasource = "NEW_DATASOURCE"
)

// NewPhyEvent carries a newly registered PHY.
type NewPhyEvent struct {
	Phy *Phy
}

// EventType implements eventbus.Event.
func (NewPhyEvent) EventType() string { return EventNewPhy }

// NewDeviceEvent carries a newly created device.
type NewDeviceEvent struct {
	Device *Device
}

// EventType implements eventbus.Event.
func (NewDeviceEvent) EventType() string { return EventNewDevice }

// DeviceRemovedEvent carries the key of an evicted device.
type DeviceRemovedEvent struct {
	Key DeviceKey
}

// EventType implements eventbus.Event.
func (DeviceRemovedEvent) EventType() string { return EventDeviceRemoved }

// NewDatasourceEvent announces a data source the tracker has not seen.
type NewDatasourceEvent struct {
	UUID uuid.UUID
}

// EventType implements eventbus.Event.
func (NewDatasourceEvent) EventType() string { return EventNewDatasource }
