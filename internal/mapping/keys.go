package mapping

import (
	"fmt"
	"strings"
)

// ManagedNamePrefix marks native group names as owned by the sync engine.
// Reconciliation treats prefixed groups it does not track as orphans.
const ManagedNamePrefix = "ha_"

// AreaKey returns the grouping key for an area registry id.
func AreaKey(areaID string) string { return "area." + areaID }

// FloorKey returns the grouping key for a floor registry id.
func FloorKey(floorID string) string { return "floor." + floorID }

// LabelKey returns the grouping key for a label registry id.
func LabelKey(labelID string) string { return "label." + labelID }

// KeyType derives the grouping type from a key's prefix. Returns false for
// keys outside the five recognized namespaces.
func KeyType(key string) (GroupingType, bool) {
	switch {
	case strings.HasPrefix(key, "group."):
		return GroupingGroup, true
	case strings.HasPrefix(key, "scene."):
		return GroupingScene, true
	case strings.HasPrefix(key, "area."):
		return GroupingArea, true
	case strings.HasPrefix(key, "floor."):
		return GroupingFloor, true
	case strings.HasPrefix(key, "label."):
		return GroupingLabel, true
	default:
		return "", false
	}
}

// NativeGroupName builds the deterministic native group name for a grouping
// key on a protocol. The dot in the key becomes an underscore so the name
// survives protocols that treat dots as separators.
//
// Example: NativeGroupName("group.kitchen", ProtocolZigbee2MQTT)
// returns "ha_group_kitchen_zigbee2mqtt".
func NativeGroupName(key string, protocol Protocol) string {
	return fmt.Sprintf("%s%s_%s", ManagedNamePrefix, strings.ReplaceAll(key, ".", "_"), protocol)
}

// IsManagedName reports whether a native group name carries the reserved
// prefix, marking it as provisioned by this engine (or an earlier run of it).
func IsManagedName(name string) bool {
	return strings.HasPrefix(name, ManagedNamePrefix)
}
