package mqtt

import "fmt"

// Topic prefixes for the RadioWatch MQTT event mirror.
//
// All topics live under a flat scheme: radiowatch/{category}/{name}.
const (
	// TopicPrefix is the base for all RadioWatch topics.
	TopicPrefix = "radiowatch"

	// TopicPrefixEvents is the base for tracker event topics.
	TopicPrefixEvents = "radiowatch/events"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "radiowatch/system"
)

// Topics provides builders for RadioWatch MQTT topics. Using these
// helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// Event returns the topic for a tracker event type.
//
// Example: radiowatch/events/new_device
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixEvents, eventType)
}

// SystemStatus returns the online/offline status topic.
//
// Example: radiowatch/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
