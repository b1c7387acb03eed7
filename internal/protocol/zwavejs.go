package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/nativesync/internal/classifier"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
)

// Z-Wave command class numbers.
const (
	ccBinarySwitch        = 37 // 0x25
	ccMultilevelSwitch    = 38 // 0x26
	ccSceneActivation     = 43 // 0x2B
	ccSceneActuatorConfig = 44 // 0x2C
	ccColorSwitch         = 51 // 0x33
)

// Reserved group id range for managed Z-Wave groups. User-facing
// association groups live far below this range.
const (
	zwaveGroupIDStart = 0x1000
	zwaveGroupIDEnd   = 0x1FFF
)

// zwaveGroup is one tracked group: either a flat node list or a
// capability-split set of node lists.
type zwaveGroup struct {
	name         string
	nodes        []int
	byCapability map[mapping.Capability][]int
}

// allNodes returns every node in the group across all sub-groups.
func (g *zwaveGroup) allNodes() []int {
	if g.byCapability == nil {
		return g.nodes
	}
	seen := make(map[int]bool)
	var out []int
	for _, nodes := range g.byCapability {
		for _, n := range nodes {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// ZWaveJSHandler adapts group and scene provisioning onto Z-Wave JS.
//
// The mesh has no persistent multicast groups, so groups are tracked
// locally and commands fan out as ad-hoc multicast. Mixed-capability
// groups split into per-capability sub-groups because a multicast frame
// carries exactly one command class: switches get Binary Switch, dimmers
// get Multilevel Switch, color devices get Color Switch plus a secondary
// brightness frame when both are requested.
//
// Scenes use the Scene Actuator Configuration CC to program a per-device
// (level, duration) entry and the Scene Activation CC to recall it.
//
// Thread Safety: all methods are safe for concurrent use.
type ZWaveJSHandler struct {
	client platform.Client
	logger *logging.Logger

	mu           sync.Mutex
	groups       map[int]*zwaveGroup
	nameToID     map[string]int
	nodeToDevice map[int]string
	nextGroupID  int
}

// NewZWaveJSHandler creates a Z-Wave JS handler over the platform client.
func NewZWaveJSHandler(client platform.Client, logger *logging.Logger) *ZWaveJSHandler {
	return &ZWaveJSHandler{
		client:       client,
		logger:       logger.With("component", "zwave_js"),
		groups:       make(map[int]*zwaveGroup),
		nameToID:     make(map[string]int),
		nodeToDevice: make(map[int]string),
	}
}

// Protocol returns the protocol identifier.
func (h *ZWaveJSHandler) Protocol() mapping.Protocol {
	return mapping.ProtocolZWaveJS
}

// IsAvailable reports whether any Z-Wave JS entity is registered.
func (h *ZWaveJSHandler) IsAvailable(_ context.Context, snap *platform.Snapshot) bool {
	if snap == nil {
		return false
	}
	for _, e := range snap.Entities {
		if e.Platform == "zwave_js" {
			return true
		}
	}
	return false
}

// Cleanup drops all tracked groups and caches.
func (h *ZWaveJSHandler) Cleanup(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = make(map[int]*zwaveGroup)
	h.nameToID = make(map[string]int)
	h.nodeToDevice = make(map[int]string)
	h.nextGroupID = 0
}

// allocateGroupID hands out the next id from the reserved range. The
// first allocation probes existing tracked groups for the highest id so
// re-registration after partial state restores does not collide.
func (h *ZWaveJSHandler) allocateGroupID() int {
	if h.nextGroupID == 0 {
		h.nextGroupID = zwaveGroupIDStart
		for id := range h.groups {
			if id >= h.nextGroupID && id < zwaveGroupIDEnd {
				h.nextGroupID = id + 1
			}
		}
	}

	id := h.nextGroupID
	h.nextGroupID++
	if h.nextGroupID > zwaveGroupIDEnd {
		h.nextGroupID = zwaveGroupIDStart
	}
	return id
}

// parseNodes converts native id strings to node numbers, skipping ids
// that never parsed into a node.
func (h *ZWaveJSHandler) parseNodes(nativeIDs []string) []int {
	nodes := make([]int, 0, len(nativeIDs))
	for _, id := range nativeIDs {
		n, err := strconv.Atoi(id)
		if err != nil {
			h.logger.Warn("skipping invalid node id", "native_id", id)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// CreateGroup registers a flat group and returns its allocated id.
func (h *ZWaveJSHandler) CreateGroup(_ context.Context, name string, memberNativeIDs []string) (string, error) {
	nodes := h.parseNodes(memberNativeIDs)

	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.nameToID[name]
	if !ok {
		id = h.allocateGroupID()
		h.nameToID[name] = id
	}
	h.groups[id] = &zwaveGroup{name: name, nodes: nodes}

	h.logger.Debug("registered group", "name", name, "group_id", id, "nodes", nodes)
	return strconv.Itoa(id), nil
}

// CreateCapabilityGroups registers a capability-split group and returns
// the base group id. Empty capability buckets are dropped.
func (h *ZWaveJSHandler) CreateCapabilityGroups(_ context.Context, name string, members map[mapping.Capability][]string) (string, error) {
	byCap := make(map[mapping.Capability][]int)
	for capability, nativeIDs := range members {
		if nodes := h.parseNodes(nativeIDs); len(nodes) > 0 {
			byCap[capability] = nodes
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.nameToID[name]
	if !ok {
		id = h.allocateGroupID()
		h.nameToID[name] = id
	}
	h.groups[id] = &zwaveGroup{name: name, byCapability: byCap}

	h.logger.Debug("registered capability groups",
		"name", name,
		"group_id", id,
		"capabilities", len(byCap),
	)
	return strconv.Itoa(id), nil
}

// DeleteGroup forgets a tracked group. Unknown ids are a no-op.
func (h *ZWaveJSHandler) DeleteGroup(_ context.Context, groupID string) error {
	id, err := strconv.Atoi(groupID)
	if err != nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if g, ok := h.groups[id]; ok {
		delete(h.nameToID, g.name)
		delete(h.groups, id)
		h.logger.Debug("deleted group", "group_id", id)
	}
	return nil
}

// UpdateGroupMembers adjusts a tracked group's node lists.
func (h *ZWaveJSHandler) UpdateGroupMembers(_ context.Context, groupID string, add, remove []string) error {
	id, err := strconv.Atoi(groupID)
	if err != nil {
		return fmt.Errorf("%w: group %q", ErrGroupNotFound, groupID)
	}

	addNodes := h.parseNodes(add)
	removeNodes := make(map[int]bool)
	for _, n := range h.parseNodes(remove) {
		removeNodes[n] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[id]
	if !ok {
		g = &zwaveGroup{}
		h.groups[id] = g
	}

	g.nodes = append(g.nodes, addNodes...)
	filter := func(nodes []int) []int {
		out := nodes[:0]
		for _, n := range nodes {
			if !removeNodes[n] {
				out = append(out, n)
			}
		}
		return out
	}
	if len(removeNodes) > 0 {
		g.nodes = filter(g.nodes)
		for capability, nodes := range g.byCapability {
			g.byCapability[capability] = filter(nodes)
		}
	}
	return nil
}

// GroupExists reports whether a group id is tracked.
func (h *ZWaveJSHandler) GroupExists(_ context.Context, groupID string) bool {
	id, err := strconv.Atoi(groupID)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.groups[id]
	return ok
}

// Groups returns all tracked groups for reconciliation.
func (h *ZWaveJSHandler) Groups(_ context.Context) (map[string]GroupInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]GroupInfo, len(h.groups))
	for id, g := range h.groups {
		nodes := g.allNodes()
		members := make([]string, len(nodes))
		for i, n := range nodes {
			members[i] = strconv.Itoa(n)
		}
		key := strconv.Itoa(id)
		out[key] = GroupInfo{ID: key, Name: g.name, Members: members}
	}
	return out, nil
}

// SupportsNativeScenes reports scene support via the actuator
// configuration command class.
func (h *ZWaveJSHandler) SupportsNativeScenes() bool {
	return true
}

// groupNodes returns the node set of a tracked group, or nil.
func (h *ZWaveJSHandler) groupNodes(groupID string) (*zwaveGroup, bool) {
	id, err := strconv.Atoi(groupID)
	if err != nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[id]
	return g, ok
}

// StoreScene programs a (level, duration) actuator configuration entry
// into each device. Per-device failures are logged and skipped so one
// unreachable node does not abort the rest.
func (h *ZWaveJSHandler) StoreScene(ctx context.Context, _ string, sceneID int, deviceStates map[string]map[string]any) error {
	for nativeID, state := range deviceStates {
		node, err := strconv.Atoi(nativeID)
		if err != nil {
			h.logger.Warn("skipping scene store for invalid node id", "native_id", nativeID)
			continue
		}

		level := 99
		if v, ok := numValue(state["level"]); ok {
			level = int(v)
		}
		duration := any("default")
		if d, ok := state["duration"]; ok {
			duration = d
		}

		deviceID, ok := h.deviceIDForNode(ctx, node)
		if !ok {
			h.logger.Warn("no device found for node", "node_id", node)
			continue
		}

		err = h.client.CallService(ctx, "zwave_js", "invoke_cc_api", map[string]any{
			"device_id":     deviceID,
			"command_class": ccSceneActuatorConfig,
			"method_name":   "set",
			"parameters":    []any{sceneID, level, duration},
		})
		if err != nil {
			h.logger.Warn("storing scene on node failed",
				"scene_id", sceneID,
				"node_id", node,
				"error", err,
			)
		}
	}
	return nil
}

// RecallScene activates a stored scene on every node in the group.
func (h *ZWaveJSHandler) RecallScene(ctx context.Context, groupID string, sceneID int) error {
	g, ok := h.groupNodes(groupID)
	if !ok {
		h.logger.Debug("recall for unknown group", "group_id", groupID)
		return nil
	}

	for _, node := range g.allNodes() {
		deviceID, ok := h.deviceIDForNode(ctx, node)
		if !ok {
			continue
		}
		err := h.client.CallService(ctx, "zwave_js", "invoke_cc_api", map[string]any{
			"device_id":     deviceID,
			"command_class": ccSceneActivation,
			"method_name":   "set",
			"parameters":    []any{sceneID, "default"},
		})
		if err != nil {
			h.logger.Warn("scene recall failed on node",
				"scene_id", sceneID,
				"node_id", node,
				"error", err,
			)
		}
	}
	return nil
}

// RemoveScene clears the stored scene entry on every node in the group.
func (h *ZWaveJSHandler) RemoveScene(ctx context.Context, groupID string, sceneID int) error {
	g, ok := h.groupNodes(groupID)
	if !ok {
		return nil
	}

	for _, node := range g.allNodes() {
		deviceID, ok := h.deviceIDForNode(ctx, node)
		if !ok {
			continue
		}
		err := h.client.CallService(ctx, "zwave_js", "invoke_cc_api", map[string]any{
			"device_id":     deviceID,
			"command_class": ccSceneActuatorConfig,
			"method_name":   "set",
			"parameters":    []any{sceneID, 0, "default"},
		})
		if err != nil {
			h.logger.Warn("scene removal failed on node",
				"scene_id", sceneID,
				"node_id", node,
				"error", err,
			)
		}
	}
	return nil
}

// SendGroupCommand dispatches a command to a tracked group. Capability
// groups get the narrowest applicable command class per sub-group; flat
// groups use simple multicast.
func (h *ZWaveJSHandler) SendGroupCommand(ctx context.Context, groupID, domain, service string, data map[string]any) error {
	g, ok := h.groupNodes(groupID)
	if !ok {
		h.logger.Warn("command for unknown group", "group_id", groupID)
		return nil
	}

	if g.byCapability != nil {
		h.sendCapabilityAware(ctx, g, service, data)
		return nil
	}

	members := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		members[i] = strconv.Itoa(n)
	}
	return h.SendMulticast(ctx, members, domain, service, data)
}

// sendCapabilityAware fans one logical command out per capability bucket.
// Sub-group failures are logged individually; the other buckets still
// receive their commands.
func (h *ZWaveJSHandler) sendCapabilityAware(ctx context.Context, g *zwaveGroup, service string, data map[string]any) {
	hasColor := false
	for _, k := range []string{"rgb_color", "rgbw_color", "rgbww_color", "hs_color", "xy_color", "color_temp", "color_temp_kelvin"} {
		if _, ok := data[k]; ok {
			hasColor = true
			break
		}
	}
	brightness, hasBrightness := numValue(data["brightness"])
	turnOn := service == "turn_on"

	report := func(capability mapping.Capability, err error) {
		if err != nil {
			h.logger.Error("capability multicast failed",
				"capability", string(capability),
				"error", err,
			)
		}
	}

	if nodes := g.byCapability[mapping.CapabilityColor]; len(nodes) > 0 {
		switch {
		case hasColor && turnOn:
			report(mapping.CapabilityColor, h.sendColorCommand(ctx, nodes, data))
		case hasBrightness && turnOn:
			report(mapping.CapabilityColor, h.sendMultilevel(ctx, nodes, brightness))
		default:
			report(mapping.CapabilityColor, h.sendBinary(ctx, nodes, turnOn))
		}
	}

	if nodes := g.byCapability[mapping.CapabilityDimmer]; len(nodes) > 0 {
		if hasBrightness && turnOn {
			report(mapping.CapabilityDimmer, h.sendMultilevel(ctx, nodes, brightness))
		} else {
			report(mapping.CapabilityDimmer, h.sendBinary(ctx, nodes, turnOn))
		}
	}

	if nodes := g.byCapability[mapping.CapabilityBinary]; len(nodes) > 0 {
		report(mapping.CapabilityBinary, h.sendBinary(ctx, nodes, turnOn))
	}
}

// sendBinary multicasts a Binary Switch CC on/off to the nodes.
func (h *ZWaveJSHandler) sendBinary(ctx context.Context, nodes []int, on bool) error {
	deviceIDs := h.deviceIDsForNodes(ctx, nodes)
	if len(deviceIDs) == 0 {
		return nil
	}
	return h.client.CallService(ctx, "zwave_js", "multicast_set_value", map[string]any{
		"device_id":     deviceIDs,
		"command_class": ccBinarySwitch,
		"property":      "targetValue",
		"value":         on,
	})
}

// sendMultilevel multicasts a Multilevel Switch CC level to the nodes,
// scaling 0-255 brightness to the 0-99 level range.
func (h *ZWaveJSHandler) sendMultilevel(ctx context.Context, nodes []int, brightness float64) error {
	deviceIDs := h.deviceIDsForNodes(ctx, nodes)
	if len(deviceIDs) == 0 {
		return nil
	}
	return h.client.CallService(ctx, "zwave_js", "multicast_set_value", map[string]any{
		"device_id":     deviceIDs,
		"command_class": ccMultilevelSwitch,
		"property":      "targetValue",
		"value":         int(brightness * 99 / 255),
	})
}

// sendColorCommand multicasts a Color Switch CC frame, plus a secondary
// brightness frame when the command carries both.
func (h *ZWaveJSHandler) sendColorCommand(ctx context.Context, nodes []int, data map[string]any) error {
	deviceIDs := h.deviceIDsForNodes(ctx, nodes)
	if len(deviceIDs) == 0 {
		return nil
	}

	colorValue := buildColorValue(data)
	if colorValue != nil {
		err := h.client.CallService(ctx, "zwave_js", "multicast_set_value", map[string]any{
			"device_id":     deviceIDs,
			"command_class": ccColorSwitch,
			"property":      "targetColor",
			"value":         colorValue,
		})
		if err != nil {
			return err
		}
	}

	if brightness, ok := numValue(data["brightness"]); ok {
		return h.sendMultilevel(ctx, nodes, brightness)
	}
	if colorValue == nil {
		return h.sendBinary(ctx, nodes, true)
	}
	return nil
}

// SendMulticast sends one command-class frame to ad-hoc nodes.
func (h *ZWaveJSHandler) SendMulticast(ctx context.Context, nativeIDs []string, domain, service string, data map[string]any) error {
	nodes := h.parseNodes(nativeIDs)
	if len(nodes) == 0 {
		return nil
	}

	cc, property, value, err := mapServiceToZWave(domain, service, data)
	if err != nil {
		return err
	}

	deviceIDs := h.deviceIDsForNodes(ctx, nodes)
	if len(deviceIDs) == 0 {
		h.logger.Warn("no devices resolved for multicast", "nodes", nodes)
		return nil
	}

	return h.client.CallService(ctx, "zwave_js", "multicast_set_value", map[string]any{
		"device_id":     deviceIDs,
		"command_class": cc,
		"property":      property,
		"value":         value,
	})
}

// mapServiceToZWave translates a generic service call to a single
// command-class frame.
func mapServiceToZWave(domain, service string, data map[string]any) (cc int, property string, value any, err error) {
	switch domain {
	case "light":
		switch service {
		case "turn_on":
			if b, ok := numValue(data["brightness"]); ok {
				return ccMultilevelSwitch, "targetValue", int(b * 99 / 255), nil
			}
			return ccBinarySwitch, "targetValue", true, nil
		case "turn_off":
			return ccBinarySwitch, "targetValue", false, nil
		}

	case "switch":
		return ccBinarySwitch, "targetValue", service == "turn_on", nil

	case "cover":
		switch service {
		case "open_cover":
			return ccMultilevelSwitch, "targetValue", 99, nil
		case "close_cover":
			return ccMultilevelSwitch, "targetValue", 0, nil
		case "set_cover_position":
			position := 0
			if p, ok := numValue(data["position"]); ok {
				position = int(p)
			}
			return ccMultilevelSwitch, "targetValue", position, nil
		}
	}

	return 0, "", nil, fmt.Errorf("%w: %s.%s", ErrUnsupportedService, domain, service)
}

// NativeID extracts the node id of a Z-Wave entity.
func (h *ZWaveJSHandler) NativeID(snap *platform.Snapshot, entityID string) (string, bool) {
	info := classifier.Classify(snap, entityID)
	if info.Protocol != mapping.ProtocolZWaveJS || info.NativeID == "" {
		return "", false
	}
	return info.NativeID, true
}

// ConvertServiceData translates generic service data to the scene
// vocabulary: a 0-99 level plus an optional transition duration.
func (h *ZWaveJSHandler) ConvertServiceData(_, service string, data map[string]any) map[string]any {
	out := make(map[string]any)

	if b, ok := numValue(data["brightness"]); ok {
		out["level"] = int(b * 99 / 255)
	} else if service == "turn_on" {
		out["level"] = 99
	} else if service == "turn_off" {
		out["level"] = 0
	}

	if t, ok := data["transition"]; ok {
		out["duration"] = t
	}

	return out
}

// deviceIDsForNodes resolves nodes to device ids, dropping unresolvable
// nodes.
func (h *ZWaveJSHandler) deviceIDsForNodes(ctx context.Context, nodes []int) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if id, ok := h.deviceIDForNode(ctx, n); ok {
			out = append(out, id)
		}
	}
	return out
}

// deviceIDForNode maps a node id to the platform device id. The device
// registry identifier is "<home_id>-<node_id>" under the zwave_js domain;
// resolutions are cached.
func (h *ZWaveJSHandler) deviceIDForNode(ctx context.Context, node int) (string, bool) {
	h.mu.Lock()
	id, ok := h.nodeToDevice[node]
	h.mu.Unlock()
	if ok {
		return id, true
	}

	snap, err := h.client.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("snapshot for node resolution failed", "error", err)
		return "", false
	}

	suffix := "-" + strconv.Itoa(node)
	for _, dev := range snap.Devices {
		for _, ident := range dev.Identifiers {
			if ident.Domain == "zwave_js" && strings.HasSuffix(ident.ID, suffix) {
				h.mu.Lock()
				h.nodeToDevice[node] = dev.ID
				h.mu.Unlock()
				return dev.ID, true
			}
		}
	}
	return "", false
}
