package mapping

import "time"

// Protocol identifies which mesh protocol an entity belongs to.
type Protocol string

// Supported protocols.
const (
	ProtocolZWaveJS     Protocol = "zwave_js"
	ProtocolZigbee2MQTT Protocol = "zigbee2mqtt"
	ProtocolZHA         Protocol = "zha"
	ProtocolUnknown     Protocol = "unknown"
)

// Valid reports whether p names one of the three supported protocols.
// ProtocolUnknown is not valid: entities classified as unknown are
// excluded from provisioning.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolZWaveJS, ProtocolZigbee2MQTT, ProtocolZHA:
		return true
	default:
		return false
	}
}

// Capability describes the command surface of a device, used for
// capability-based sub-grouping on protocols where mixed-capability
// multicast would misbehave.
type Capability string

// Capabilities in ascending order of richness.
const (
	CapabilityBinary Capability = "binary" // on/off only
	CapabilityDimmer Capability = "dimmer" // supports brightness
	CapabilityColor  Capability = "color"  // supports color
)

// Rank returns the ordering position of a capability: binary < dimmer < color.
// Unknown capabilities rank below binary so they sort first and surface early.
func (c Capability) Rank() int {
	switch c {
	case CapabilityBinary:
		return 1
	case CapabilityDimmer:
		return 2
	case CapabilityColor:
		return 3
	default:
		return 0
	}
}

// GroupingType identifies the kind of logical grouping a mapping was
// provisioned from.
type GroupingType string

// Grouping types.
const (
	GroupingGroup GroupingType = "group"
	GroupingScene GroupingType = "scene"
	GroupingArea  GroupingType = "area"
	GroupingFloor GroupingType = "floor"
	GroupingLabel GroupingType = "label"
)

// ProtocolInfo is the classification result for a single entity: which
// protocol owns it, how the protocol addresses it natively, and what
// command surface it exposes.
type ProtocolInfo struct {
	Protocol Protocol `json:"protocol"`
	EntityID string   `json:"entity_id"`

	// NativeID is the protocol-native device identifier: a decimal node id
	// for Z-Wave, an IEEE/friendly-name identifier for Zigbee variants.
	// Carried as a string so mappings round-trip losslessly through JSON.
	NativeID string `json:"native_id"`

	// NodeID is set for Z-Wave entities (parsed form of NativeID).
	NodeID int `json:"node_id,omitempty"`

	// IEEEAddress is set for ZHA entities.
	IEEEAddress string `json:"ieee_address,omitempty"`

	// FriendlyName is set for Zigbee2MQTT entities.
	FriendlyName string `json:"friendly_name,omitempty"`

	Endpoint int `json:"endpoint,omitempty"`

	Capability Capability `json:"capability,omitempty"`
}

// NativeGroupRef records one native group provisioned on a protocol.
type NativeGroupRef struct {
	Protocol Protocol `json:"protocol"`

	// GroupID is the protocol-native group identifier. Empty when the
	// protocol tracks the group purely by name (single-member optimization
	// or name-addressed brokers).
	GroupID string `json:"group_id,omitempty"`

	// GroupName is the reserved-prefix name the group was created under.
	GroupName string `json:"group_name"`

	MemberEntityIDs []string `json:"member_entity_ids"`
	MemberNativeIDs []string `json:"member_native_ids"`
}

// NativeSceneRef records one native scene stored against a native group.
type NativeSceneRef struct {
	Protocol Protocol `json:"protocol"`

	// GroupName is the native group the scene was stored on.
	GroupName string `json:"group_name"`

	// GroupID is the protocol-native id of that group, used for recall
	// and teardown. Equals GroupName on name-addressed protocols.
	GroupID string `json:"group_id,omitempty"`

	// SceneID is the allocated native scene id (100-255).
	SceneID int `json:"scene_id"`

	MemberEntityIDs []string `json:"member_entity_ids"`
}

// GroupMapping is the complete record of native resources provisioned for
// one logical grouping. Provisioning replaces a mapping wholesale; partial
// in-place mutation of a stored mapping is never performed.
type GroupMapping struct {
	// Key is the grouping key: an entity id for groups and scenes
	// ("group.living_room", "scene.movie_night") or a prefixed registry id
	// for areas, floors, and labels ("area.kitchen", "floor.upstairs").
	Key string `json:"ha_entity_id"`

	Type GroupingType `json:"ha_entity_type"`

	// NativeGroups holds one group per protocol (or per capability
	// sub-group, keyed "zwave_js_dimmer" etc. on capability splits).
	NativeGroups map[string]NativeGroupRef `json:"native_groups,omitempty"`

	// NativeScenes holds one scene per protocol for scene mappings.
	NativeScenes map[string]NativeSceneRef `json:"native_scenes,omitempty"`

	// UngroupedEntities are members that could not be placed in any native
	// group: unknown protocol, disabled protocol, or single-member sets.
	// Dispatch falls back to per-entity service calls for these.
	UngroupedEntities []string `json:"ungrouped_entities,omitempty"`

	// LastSynced is when this mapping was last provisioned (unix seconds).
	LastSynced float64 `json:"last_synced"`

	// SyncError records the most recent provisioning failure, if any.
	SyncError string `json:"sync_error,omitempty"`
}

// NewGroupMapping returns an empty mapping for a grouping key, stamped now.
func NewGroupMapping(key string, groupingType GroupingType) *GroupMapping {
	return &GroupMapping{
		Key:          key,
		Type:         groupingType,
		NativeGroups: make(map[string]NativeGroupRef),
		NativeScenes: make(map[string]NativeSceneRef),
		LastSynced:   float64(time.Now().Unix()),
	}
}

// MemberEntityIDs returns the union of all member entity ids across native
// groups, native scenes, and the ungrouped remainder, without duplicates.
func (m *GroupMapping) MemberEntityIDs() []string {
	seen := make(map[string]bool)
	var out []string

	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	for _, ref := range m.NativeGroups {
		add(ref.MemberEntityIDs)
	}
	for _, ref := range m.NativeScenes {
		add(ref.MemberEntityIDs)
	}
	add(m.UngroupedEntities)

	return out
}

// DeepCopy creates an independent copy of the mapping so callers can hand
// out snapshots without exposing internal state to mutation.
func (m *GroupMapping) DeepCopy() *GroupMapping {
	if m == nil {
		return nil
	}

	cpy := *m

	if m.NativeGroups != nil {
		cpy.NativeGroups = make(map[string]NativeGroupRef, len(m.NativeGroups))
		for k, v := range m.NativeGroups {
			ref := v
			ref.MemberEntityIDs = append([]string(nil), v.MemberEntityIDs...)
			ref.MemberNativeIDs = append([]string(nil), v.MemberNativeIDs...)
			cpy.NativeGroups[k] = ref
		}
	}

	if m.NativeScenes != nil {
		cpy.NativeScenes = make(map[string]NativeSceneRef, len(m.NativeScenes))
		for k, v := range m.NativeScenes {
			ref := v
			ref.MemberEntityIDs = append([]string(nil), v.MemberEntityIDs...)
			cpy.NativeScenes[k] = ref
		}
	}

	if m.UngroupedEntities != nil {
		cpy.UngroupedEntities = append([]string(nil), m.UngroupedEntities...)
	}

	return &cpy
}
