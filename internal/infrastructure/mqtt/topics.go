package mqtt

import "fmt"

// DefaultBaseTopic is the Zigbee2MQTT default base topic.
// Installations that changed it set mqtt.base_topic in config.
const DefaultBaseTopic = "zigbee2mqtt"

// StatusTopic is where this service publishes its own online/offline status,
// including the broker-delivered LWT on unexpected disconnect.
const StatusTopic = "nativesync/status"

// CommandTopic receives inbound service-call requests to route through
// native primitives, with platform fallback for unmapped targets.
const CommandTopic = "nativesync/command"

// Topics builds Zigbee2MQTT topic strings rooted at a base topic.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.NewTopics("zigbee2mqtt")
//	topic := topics.Set("ha_kitchen_zigbee2mqtt")
//	// Returns: "zigbee2mqtt/ha_kitchen_zigbee2mqtt/set"
type Topics struct {
	Base string
}

// NewTopics returns a Topics builder for the given base topic.
// An empty base falls back to DefaultBaseTopic.
func NewTopics(base string) Topics {
	if base == "" {
		base = DefaultBaseTopic
	}
	return Topics{Base: base}
}

// =============================================================================
// Bridge Request Topics
// =============================================================================

// GroupAdd returns the bridge request topic for creating a group.
//
// Example: zigbee2mqtt/bridge/request/group/add
func (t Topics) GroupAdd() string {
	return fmt.Sprintf("%s/bridge/request/group/add", t.Base)
}

// GroupRemove returns the bridge request topic for deleting a group.
//
// Example: zigbee2mqtt/bridge/request/group/remove
func (t Topics) GroupRemove() string {
	return fmt.Sprintf("%s/bridge/request/group/remove", t.Base)
}

// GroupMembersAdd returns the bridge request topic for adding a device
// to a group.
//
// Example: zigbee2mqtt/bridge/request/group/members/add
func (t Topics) GroupMembersAdd() string {
	return fmt.Sprintf("%s/bridge/request/group/members/add", t.Base)
}

// GroupMembersRemove returns the bridge request topic for removing a device
// from a group.
//
// Example: zigbee2mqtt/bridge/request/group/members/remove
func (t Topics) GroupMembersRemove() string {
	return fmt.Sprintf("%s/bridge/request/group/members/remove", t.Base)
}

// GroupResponse returns the bridge response topic for a group request action.
//
// Example: zigbee2mqtt/bridge/response/group/add
func (t Topics) GroupResponse(action string) string {
	return fmt.Sprintf("%s/bridge/response/group/%s", t.Base, action)
}

// =============================================================================
// Device and Group Topics
// =============================================================================

// Set returns the command topic for a device or group friendly name.
// Group commands and scene store/recall/remove all publish here.
//
// Example: zigbee2mqtt/ha_kitchen_zigbee2mqtt/set
func (t Topics) Set(target string) string {
	return fmt.Sprintf("%s/%s/set", t.Base, target)
}

// Get returns the state request topic for a device or group friendly name.
//
// Example: zigbee2mqtt/ha_kitchen_zigbee2mqtt/get
func (t Topics) Get(target string) string {
	return fmt.Sprintf("%s/%s/get", t.Base, target)
}

// =============================================================================
// Bridge State Topics
// =============================================================================

// BridgeGroups returns the retained topic carrying the broker's group list.
// Subscribed during reconciliation to discover existing native groups.
//
// Example: zigbee2mqtt/bridge/groups
func (t Topics) BridgeGroups() string {
	return fmt.Sprintf("%s/bridge/groups", t.Base)
}

// BridgeDevices returns the retained topic carrying the broker's device list.
//
// Example: zigbee2mqtt/bridge/devices
func (t Topics) BridgeDevices() string {
	return fmt.Sprintf("%s/bridge/devices", t.Base)
}

// BridgeState returns the broker availability topic.
//
// Example: zigbee2mqtt/bridge/state
func (t Topics) BridgeState() string {
	return fmt.Sprintf("%s/bridge/state", t.Base)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllGroupResponses returns a pattern matching all group request responses.
//
// Pattern: zigbee2mqtt/bridge/response/group/#
func (t Topics) AllGroupResponses() string {
	return fmt.Sprintf("%s/bridge/response/group/#", t.Base)
}
