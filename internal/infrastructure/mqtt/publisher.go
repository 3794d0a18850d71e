package mqtt

import (
	"encoding/json"

	"github.com/radiowatch/radiowatch-core/internal/eventbus"
	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

// Logger is the logging interface used by the EventPublisher.
type Logger interface {
	Warn(msg string, args ...any)
}

// EventPublisher bridges tracker bus events onto MQTT so external
// consumers (SIEMs, dashboards, other sniffer nodes) can follow the
// tracked population without touching the HTTP API.
type EventPublisher struct {
	client *Client
	bus    *eventbus.Bus
	logger Logger
	qos    byte
	subIDs []uint64
}

// NewEventPublisher subscribes to the tracker's events and republishes
// them as JSON on radiowatch/events/{type} topics. Call Close to stop.
func NewEventPublisher(client *Client, bus *eventbus.Bus, qos byte, logger Logger) *EventPublisher {
	p := &EventPublisher{
		client: client,
		bus:    bus,
		logger: logger,
		qos:    qos,
	}

	p.subIDs = append(p.subIDs,
		bus.Subscribe(tracker.EventNewDevice, func(evt eventbus.Event) {
			if e, ok := evt.(tracker.NewDeviceEvent); ok {
				p.publish("new_device", e.Device.View())
			}
		}),
		bus.Subscribe(tracker.EventDeviceRemoved, func(evt eventbus.Event) {
			if e, ok := evt.(tracker.DeviceRemovedEvent); ok {
				p.publish("device_removed", map[string]string{"key": e.Key.String()})
			}
		}),
		bus.Subscribe(tracker.EventNewPhy, func(evt eventbus.Event) {
			if e, ok := evt.(tracker.NewPhyEvent); ok {
				p.publish("new_phy", map[string]any{
					"id":   e.Phy.ID(),
					"name": e.Phy.Name(),
				})
			}
		}),
	)

	return p
}

// publish marshals a payload and sends it on the event topic. Broker
// outages are tolerated: the event stream is best-effort and the
// authoritative state stays in the tracker.
func (p *EventPublisher) publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("event payload marshal failed", "event", eventType, "error", err)
		}
		return
	}

	if err := p.client.Publish(Topics{}.Event(eventType), data, p.qos, false); err != nil {
		if p.logger != nil {
			p.logger.Warn("event publish failed", "event", eventType, "error", err)
		}
	}
}

// Close unsubscribes from the bus.
func (p *EventPublisher) Close() {
	for _, id := range p.subIDs {
		p.bus.Unsubscribe(id)
	}
}
