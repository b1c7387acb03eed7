package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nerrad567/nativesync/internal/classifier"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
)

// Publisher is the broker surface the handler needs. Satisfied by
// mqtt.Client; tests substitute a recording fake.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Zigbee2MQTTHandler adapts group and scene provisioning onto the
// Zigbee2MQTT broker.
//
// Everything is expressed as published topic/payload pairs: group CRUD
// through the bridge request topics, commands and scenes through the
// group's set topic. The broker exposes no authoritative query surface
// for what was provisioned, so membership is cached locally.
//
// Native group ids are the group friendly names.
//
// Thread Safety: all methods are safe for concurrent use.
type Zigbee2MQTTHandler struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
	logger *logging.Logger

	mu     sync.Mutex
	groups map[string][]string
}

// NewZigbee2MQTTHandler creates a handler publishing through pub with
// topics rooted at the configured base topic.
func NewZigbee2MQTTHandler(pub Publisher, topics mqtt.Topics, qos byte, logger *logging.Logger) *Zigbee2MQTTHandler {
	return &Zigbee2MQTTHandler{
		pub:    pub,
		topics: topics,
		qos:    qos,
		logger: logger.With("component", "zigbee2mqtt"),
		groups: make(map[string][]string),
	}
}

// Protocol returns the protocol identifier.
func (h *Zigbee2MQTTHandler) Protocol() mapping.Protocol {
	return mapping.ProtocolZigbee2MQTT
}

// IsAvailable reports whether the broker connection is up.
func (h *Zigbee2MQTTHandler) IsAvailable(_ context.Context, _ *platform.Snapshot) bool {
	return h.pub.IsConnected()
}

// Cleanup drops the local group cache.
func (h *Zigbee2MQTTHandler) Cleanup(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = make(map[string][]string)
}

// publishJSON marshals payload and publishes it to topic.
func (h *Zigbee2MQTTHandler) publishJSON(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}
	return h.pub.Publish(topic, data, h.qos, false)
}

// CreateGroup creates a broker group and adds the member devices, giving
// the broker a short settle window between the two.
func (h *Zigbee2MQTTHandler) CreateGroup(ctx context.Context, name string, memberNativeIDs []string) (string, error) {
	if err := h.publishJSON(h.topics.GroupAdd(), map[string]any{"friendly_name": name}); err != nil {
		return "", fmt.Errorf("creating group %s: %w", name, err)
	}

	if err := settle(ctx, groupCreateSettle); err != nil {
		return "", err
	}

	for _, ieee := range memberNativeIDs {
		err := h.publishJSON(h.topics.GroupMembersAdd(), map[string]any{
			"group":  name,
			"device": ieee,
		})
		if err != nil {
			return "", fmt.Errorf("adding %s to group %s: %w", ieee, name, err)
		}
	}

	h.mu.Lock()
	h.groups[name] = append([]string(nil), memberNativeIDs...)
	h.mu.Unlock()

	h.logger.Debug("created group", "name", name, "members", len(memberNativeIDs))
	return name, nil
}

// DeleteGroup removes a broker group.
func (h *Zigbee2MQTTHandler) DeleteGroup(_ context.Context, groupID string) error {
	if err := h.publishJSON(h.topics.GroupRemove(), map[string]any{"friendly_name": groupID}); err != nil {
		return fmt.Errorf("deleting group %s: %w", groupID, err)
	}

	h.mu.Lock()
	delete(h.groups, groupID)
	h.mu.Unlock()

	h.logger.Debug("deleted group", "name", groupID)
	return nil
}

// UpdateGroupMembers adds and removes devices from a broker group.
func (h *Zigbee2MQTTHandler) UpdateGroupMembers(_ context.Context, groupID string, add, remove []string) error {
	for _, ieee := range add {
		err := h.publishJSON(h.topics.GroupMembersAdd(), map[string]any{
			"group":  groupID,
			"device": ieee,
		})
		if err != nil {
			return fmt.Errorf("adding %s to group %s: %w", ieee, groupID, err)
		}
	}
	for _, ieee := range remove {
		err := h.publishJSON(h.topics.GroupMembersRemove(), map[string]any{
			"group":  groupID,
			"device": ieee,
		})
		if err != nil {
			return fmt.Errorf("removing %s from group %s: %w", ieee, groupID, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[groupID]
	members = append(members, add...)
	if len(remove) > 0 {
		drop := make(map[string]bool, len(remove))
		for _, ieee := range remove {
			drop[ieee] = true
		}
		kept := members[:0]
		for _, ieee := range members {
			if !drop[ieee] {
				kept = append(kept, ieee)
			}
		}
		members = kept
	}
	h.groups[groupID] = members
	return nil
}

// GroupExists reports whether a group is in the local cache.
func (h *Zigbee2MQTTHandler) GroupExists(_ context.Context, groupID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.groups[groupID]
	return ok
}

// Groups returns the locally cached groups for reconciliation.
func (h *Zigbee2MQTTHandler) Groups(_ context.Context) (map[string]GroupInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]GroupInfo, len(h.groups))
	for name, members := range h.groups {
		out[name] = GroupInfo{
			ID:      name,
			Name:    name,
			Members: append([]string(nil), members...),
		}
	}
	return out, nil
}

// SupportsNativeScenes reports scene support via the Zigbee scenes
// cluster, reachable through broker scene_store commands.
func (h *Zigbee2MQTTHandler) SupportsNativeScenes() bool {
	return true
}

// StoreScene programs a scene in two phases: push every device to its
// target payload, wait for the mesh to settle, then tell the group to
// store current state under the scene id.
func (h *Zigbee2MQTTHandler) StoreScene(ctx context.Context, groupID string, sceneID int, deviceStates map[string]map[string]any) error {
	for ieee, state := range deviceStates {
		if err := h.publishJSON(h.topics.Set(ieee), state); err != nil {
			return fmt.Errorf("setting %s for scene %d: %w", ieee, sceneID, err)
		}
	}

	if err := settle(ctx, sceneStoreSettle); err != nil {
		return err
	}

	if err := h.publishJSON(h.topics.Set(groupID), map[string]any{"scene_store": sceneID}); err != nil {
		return fmt.Errorf("storing scene %d on group %s: %w", sceneID, groupID, err)
	}

	h.logger.Debug("stored scene", "scene_id", sceneID, "group", groupID)
	return nil
}

// RecallScene recalls a scene with one group command; every member
// responds with its stored state.
func (h *Zigbee2MQTTHandler) RecallScene(_ context.Context, groupID string, sceneID int) error {
	if err := h.publishJSON(h.topics.Set(groupID), map[string]any{"scene_recall": sceneID}); err != nil {
		return fmt.Errorf("recalling scene %d on group %s: %w", sceneID, groupID, err)
	}
	return nil
}

// RemoveScene deletes a stored scene from the group's devices.
func (h *Zigbee2MQTTHandler) RemoveScene(_ context.Context, groupID string, sceneID int) error {
	if err := h.publishJSON(h.topics.Set(groupID), map[string]any{"scene_remove": sceneID}); err != nil {
		return fmt.Errorf("removing scene %d from group %s: %w", sceneID, groupID, err)
	}
	return nil
}

// SendGroupCommand publishes a translated command to the group topic.
func (h *Zigbee2MQTTHandler) SendGroupCommand(_ context.Context, groupID, domain, service string, data map[string]any) error {
	payload := h.ConvertServiceData(domain, service, data)
	return h.publishJSON(h.topics.Set(groupID), payload)
}

// SendMulticast publishes the command to each device individually; the
// broker offers no ad-hoc multicast.
func (h *Zigbee2MQTTHandler) SendMulticast(_ context.Context, nativeIDs []string, domain, service string, data map[string]any) error {
	payload, err := json.Marshal(h.ConvertServiceData(domain, service, data))
	if err != nil {
		return fmt.Errorf("encoding multicast payload: %w", err)
	}

	for _, ieee := range nativeIDs {
		if err := h.pub.Publish(h.topics.Set(ieee), payload, h.qos, false); err != nil {
			return fmt.Errorf("publishing to %s: %w", ieee, err)
		}
	}
	return nil
}

// NativeID extracts the broker device id of a Zigbee2MQTT entity.
func (h *Zigbee2MQTTHandler) NativeID(snap *platform.Snapshot, entityID string) (string, bool) {
	info := classifier.Classify(snap, entityID)
	if info.Protocol != mapping.ProtocolZigbee2MQTT || info.NativeID == "" {
		return "", false
	}
	return info.NativeID, true
}

// ConvertServiceData translates generic service data to the broker's
// JSON payload vocabulary.
func (h *Zigbee2MQTTHandler) ConvertServiceData(domain, service string, data map[string]any) map[string]any {
	switch domain {
	case "light":
		switch service {
		case "turn_on":
			payload := map[string]any{"state": "ON"}
			if b, ok := data["brightness"]; ok {
				payload["brightness"] = b
			}
			if ct, ok := data["color_temp"]; ok {
				payload["color_temp"] = ct
			}
			if rgb, ok := numTuple(data["rgb_color"], 3); ok {
				payload["color"] = map[string]any{"r": rgb[0], "g": rgb[1], "b": rgb[2]}
			}
			if xy, ok := floatTuple(data["xy_color"], 2); ok {
				payload["color"] = map[string]any{"x": xy[0], "y": xy[1]}
			}
			if hs, ok := floatTuple(data["hs_color"], 2); ok {
				payload["color"] = map[string]any{"hue": hs[0], "saturation": hs[1]}
			}
			if t, ok := data["transition"]; ok {
				payload["transition"] = t
			}
			return payload

		case "turn_off":
			payload := map[string]any{"state": "OFF"}
			if t, ok := data["transition"]; ok {
				payload["transition"] = t
			}
			return payload
		}

	case "switch":
		return onOffPayload(service)

	case "cover":
		switch service {
		case "open_cover":
			return map[string]any{"state": "OPEN"}
		case "close_cover":
			return map[string]any{"state": "CLOSE"}
		case "set_cover_position":
			position := 0
			if p, ok := numValue(data["position"]); ok {
				position = int(p)
			}
			return map[string]any{"position": position}
		}
	}

	return onOffPayload(service)
}

func onOffPayload(service string) map[string]any {
	if service == "turn_on" {
		return map[string]any{"state": "ON"}
	}
	return map[string]any{"state": "OFF"}
}
