// Package mqtt provides the optional outbound MQTT mirror for tracker
// events.
//
// When enabled in configuration, the EventPublisher republishes
// NEW_DEVICE, DEVICE_REMOVED, and NEW_PHY bus events as JSON under
// radiowatch/events/, and the client maintains an online/offline status
// topic with Last Will and Testament. The mirror is best-effort: broker
// outages never affect the tracker itself.
package mqtt
