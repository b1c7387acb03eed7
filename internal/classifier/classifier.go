package classifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
)

// Domains eligible for capability-based native grouping. Other domains
// (climate, lock, fan) use different command classes and stay ungrouped.
var groupableDomains = map[string]bool{
	"light":  true,
	"switch": true,
	"cover":  true,
}

// Light color modes that carry color information.
var colorModes = map[string]bool{
	"hs":    true,
	"xy":    true,
	"rgb":   true,
	"rgbw":  true,
	"rgbww": true,
}

// Light color modes that carry brightness (color modes imply brightness).
var brightnessModes = map[string]bool{
	"brightness": true,
	"color_temp": true,
	"white":      true,
	"hs":         true,
	"xy":         true,
	"rgb":        true,
	"rgbw":       true,
	"rgbww":      true,
}

// ieeePattern matches the hex IEEE address embedded in broker device
// identifiers like "zigbee2mqtt_0x00158d0001abcdef".
var ieeePattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// coverSupportsPosition is the supported_features bit for position control.
const coverSupportsPosition = 4

// Classify determines which protocol owns an entity and how that protocol
// addresses it natively. Entities missing from the registry, and entities
// whose integration is none of the three mesh protocols, come back with
// ProtocolUnknown. Classification reads only the snapshot, so the same
// snapshot always yields the same result.
func Classify(snap *platform.Snapshot, entityID string) mapping.ProtocolInfo {
	entry, ok := snap.Entity(entityID)
	if !ok {
		return mapping.ProtocolInfo{
			Protocol: mapping.ProtocolUnknown,
			EntityID: entityID,
		}
	}

	capability := detectCapability(snap, entityID)

	switch entry.Platform {
	case "zwave_js":
		info := mapping.ProtocolInfo{
			Protocol:   mapping.ProtocolZWaveJS,
			EntityID:   entityID,
			Capability: capability,
		}
		if node, ok := zwaveNodeID(entry.UniqueID); ok {
			info.NodeID = node
			info.NativeID = strconv.Itoa(node)
		}
		return info

	case "zha":
		ieee := zhaIEEE(entry.UniqueID)
		return mapping.ProtocolInfo{
			Protocol:    mapping.ProtocolZHA,
			EntityID:    entityID,
			NativeID:    ieee,
			IEEEAddress: ieee,
			Capability:  capability,
		}

	case "mqtt":
		if entry.DeviceID != "" {
			if device, ok := snap.Device(entry.DeviceID); ok {
				if id, ok := z2mIdentifier(device); ok {
					return mapping.ProtocolInfo{
						Protocol:     mapping.ProtocolZigbee2MQTT,
						EntityID:     entityID,
						NativeID:     id,
						IEEEAddress:  id,
						FriendlyName: device.Name,
						Capability:   capability,
					}
				}
			}
		}
	}

	return mapping.ProtocolInfo{
		Protocol:   mapping.ProtocolUnknown,
		EntityID:   entityID,
		Capability: capability,
	}
}

// ClassifyAll classifies a member list and buckets the results by protocol.
// Every input entity appears in exactly one bucket, unknowns included.
func ClassifyAll(snap *platform.Snapshot, entityIDs []string) map[mapping.Protocol][]mapping.ProtocolInfo {
	byProtocol := make(map[mapping.Protocol][]mapping.ProtocolInfo)
	for _, id := range entityIDs {
		info := Classify(snap, id)
		byProtocol[info.Protocol] = append(byProtocol[info.Protocol], info)
	}
	return byProtocol
}

// zwaveNodeID parses the node id out of a Z-Wave JS unique id, which has
// the form "<home_id>-<node_id>-<endpoint>-...".
func zwaveNodeID(uniqueID string) (int, bool) {
	parts := strings.Split(uniqueID, "-")
	if len(parts) < 2 {
		return 0, false
	}
	node, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return node, true
}

// zhaIEEE extracts the IEEE address from a ZHA unique id, which has the
// form "aa:bb:cc:dd:ee:ff:00:11-<endpoint>-<cluster>".
func zhaIEEE(uniqueID string) string {
	if i := strings.IndexByte(uniqueID, '-'); i >= 0 {
		return uniqueID[:i]
	}
	return uniqueID
}

// z2mIdentifier extracts the broker-side device identifier from a device
// registry entry. Broker devices carry identifiers like
// ("mqtt", "zigbee2mqtt_0x00158d..."); the IEEE address is preferred,
// falling back to the identifier with its prefix stripped.
func z2mIdentifier(device platform.Device) (string, bool) {
	for _, ident := range device.Identifiers {
		if ident.Domain != "mqtt" || !strings.Contains(ident.ID, "zigbee2mqtt") {
			continue
		}
		if m := ieeePattern.FindString(ident.ID); m != "" {
			return m, true
		}
		if rest, found := strings.CutPrefix(ident.ID, "zigbee2mqtt_"); found {
			return rest, true
		}
	}
	return "", false
}

// detectCapability inspects an entity's domain and state attributes to
// decide its command surface. Non-groupable domains return the empty
// capability, which excludes the entity from capability sub-grouping.
func detectCapability(snap *platform.Snapshot, entityID string) mapping.Capability {
	domain := entityID
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		domain = entityID[:i]
	}

	if !groupableDomains[domain] {
		return ""
	}

	switch domain {
	case "switch":
		return mapping.CapabilityBinary

	case "light":
		if state, ok := snap.State(entityID); ok {
			if modes := stringList(state.Attributes["supported_color_modes"]); len(modes) > 0 {
				hasColor, hasBrightness := false, false
				for _, mode := range modes {
					if colorModes[mode] {
						hasColor = true
					}
					if brightnessModes[mode] {
						hasBrightness = true
					}
				}
				if hasColor {
					return mapping.CapabilityColor
				}
				if hasBrightness {
					return mapping.CapabilityDimmer
				}
			}
		}
		// Lights without mode information are most commonly dimmable.
		return mapping.CapabilityDimmer

	case "cover":
		if state, ok := snap.State(entityID); ok {
			if features, ok := state.Attributes["supported_features"].(float64); ok {
				if int(features)&coverSupportsPosition != 0 {
					return mapping.CapabilityDimmer
				}
			}
		}
		return mapping.CapabilityBinary
	}

	return mapping.CapabilityBinary
}

// stringList coerces a JSON-decoded attribute into a string slice.
func stringList(v any) []string {
	switch list := v.(type) {
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return list
	default:
		return nil
	}
}
