package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/nativesync/internal/classifier"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
)

// Zigbee scenes cluster and its server-side command ids.
const (
	scenesClusterID = 0x0005

	sceneCmdRemove    = 0x02
	sceneCmdRemoveAll = 0x03
	sceneCmdStore     = 0x04
	sceneCmdRecall    = 0x05
)

// Reserved group id range for managed ZHA groups, kept clear of
// user-created groups which start at low ids.
const (
	zhaGroupIDStart = 0x1000
	zhaGroupIDEnd   = 0x1FFF
)

// GroupMember is a device reference the gateway accepts: IEEE address
// plus endpoint.
type GroupMember struct {
	IEEE       string `json:"ieee"`
	EndpointID int    `json:"endpoint_id"`
}

// GatewayGroup is one group as reported by the gateway.
type GatewayGroup struct {
	ID      int
	Name    string
	Members []GroupMember
}

// Gateway is the ZHA backend surface for group management. The WebSocket
// implementation drives the platform's zha/group command family; tests
// substitute a fake.
type Gateway interface {
	Groups(ctx context.Context) ([]GatewayGroup, error)
	CreateGroup(ctx context.Context, name string, groupID int, members []GroupMember) (int, error)
	RemoveGroup(ctx context.Context, groupID int) error
	AddMembers(ctx context.Context, groupID int, members []GroupMember) error
	RemoveMembers(ctx context.Context, groupID int, members []GroupMember) error
}

// WSGateway implements Gateway over the platform's WebSocket command
// channel.
type WSGateway struct {
	cmd platform.Commander
}

// NewWSGateway returns a gateway speaking the zha/group command family.
func NewWSGateway(cmd platform.Commander) *WSGateway {
	return &WSGateway{cmd: cmd}
}

// gatewayGroupPayload is the wire shape of a zha group.
type gatewayGroupPayload struct {
	GroupID int    `json:"group_id"`
	Name    string `json:"name"`
	Members []struct {
		Device struct {
			IEEE string `json:"ieee"`
		} `json:"device"`
		EndpointID int `json:"endpoint_id"`
	} `json:"members"`
}

func (p gatewayGroupPayload) toGroup() GatewayGroup {
	g := GatewayGroup{ID: p.GroupID, Name: p.Name}
	for _, m := range p.Members {
		g.Members = append(g.Members, GroupMember{IEEE: m.Device.IEEE, EndpointID: m.EndpointID})
	}
	return g
}

// Groups lists all groups the gateway knows about.
func (w *WSGateway) Groups(ctx context.Context) ([]GatewayGroup, error) {
	raw, err := w.cmd.Command(ctx, "zha/groups", nil)
	if err != nil {
		return nil, err
	}
	var payload []gatewayGroupPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding group list: %w", err)
	}
	groups := make([]GatewayGroup, len(payload))
	for i, p := range payload {
		groups[i] = p.toGroup()
	}
	return groups, nil
}

// CreateGroup creates a group with a requested id and returns the id the
// gateway actually assigned.
func (w *WSGateway) CreateGroup(ctx context.Context, name string, groupID int, members []GroupMember) (int, error) {
	raw, err := w.cmd.Command(ctx, "zha/group/add", map[string]any{
		"group_name": name,
		"group_id":   groupID,
		"members":    members,
	})
	if err != nil {
		return 0, err
	}
	var created gatewayGroupPayload
	if err := json.Unmarshal(raw, &created); err != nil {
		return 0, fmt.Errorf("decoding created group: %w", err)
	}
	return created.GroupID, nil
}

// RemoveGroup deletes a group.
func (w *WSGateway) RemoveGroup(ctx context.Context, groupID int) error {
	_, err := w.cmd.Command(ctx, "zha/group/remove", map[string]any{
		"group_ids": []int{groupID},
	})
	return err
}

// AddMembers adds devices to a group.
func (w *WSGateway) AddMembers(ctx context.Context, groupID int, members []GroupMember) error {
	_, err := w.cmd.Command(ctx, "zha/group/members/add", map[string]any{
		"group_id": groupID,
		"members":  members,
	})
	return err
}

// RemoveMembers removes devices from a group.
func (w *WSGateway) RemoveMembers(ctx context.Context, groupID int, members []GroupMember) error {
	_, err := w.cmd.Command(ctx, "zha/group/members/remove", map[string]any{
		"group_id": groupID,
		"members":  members,
	})
	return err
}

// zhaGroup is the local record of one provisioned group.
type zhaGroup struct {
	name    string
	members []string
}

// ZHAHandler adapts group and scene provisioning onto the ZHA gateway.
//
// Groups are created through the gateway with ids allocated from a
// reserved numeric range, probed at startup from the highest existing
// group. If a gateway call fails the handler keeps its local tracking so
// the returned id stays consistent either way.
//
// Scenes use the Zigbee scenes cluster: devices are first pushed to
// their target state through ordinary per-entity commands, then a
// store-scene group command captures it.
//
// Thread Safety: all methods are safe for concurrent use.
type ZHAHandler struct {
	gateway Gateway
	client  platform.Client
	logger  *logging.Logger

	mu          sync.Mutex
	groups      map[int]*zhaGroup
	nameToID    map[string]int
	scenes      map[[2]int]bool
	nextGroupID int
	initialized bool
}

// NewZHAHandler creates a ZHA handler over the gateway and platform client.
func NewZHAHandler(gateway Gateway, client platform.Client, logger *logging.Logger) *ZHAHandler {
	return &ZHAHandler{
		gateway:  gateway,
		client:   client,
		logger:   logger.With("component", "zha"),
		groups:   make(map[int]*zhaGroup),
		nameToID: make(map[string]int),
		scenes:   make(map[[2]int]bool),
	}
}

// Protocol returns the protocol identifier.
func (h *ZHAHandler) Protocol() mapping.Protocol {
	return mapping.ProtocolZHA
}

// IsAvailable reports whether any ZHA entity is registered.
func (h *ZHAHandler) IsAvailable(_ context.Context, snap *platform.Snapshot) bool {
	if snap == nil {
		return false
	}
	for _, e := range snap.Entities {
		if e.Platform == "zha" {
			return true
		}
	}
	return false
}

// Cleanup drops local tracking.
func (h *ZHAHandler) Cleanup(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = make(map[int]*zhaGroup)
	h.nameToID = make(map[string]int)
	h.scenes = make(map[[2]int]bool)
	h.nextGroupID = 0
	h.initialized = false
}

// ensureInitialized probes existing gateway groups once to find a safe
// starting id for allocations.
func (h *ZHAHandler) ensureInitialized(ctx context.Context) {
	h.mu.Lock()
	done := h.initialized
	h.mu.Unlock()
	if done {
		return
	}

	next := zhaGroupIDStart
	existing, err := h.gateway.Groups(ctx)
	if err != nil {
		h.logger.Warn("querying existing groups failed, using range start", "error", err)
	} else {
		for _, g := range existing {
			if g.ID+1 > next {
				next = g.ID + 1
			}
		}
		if next > zhaGroupIDEnd {
			next = zhaGroupIDStart
		}
	}

	h.mu.Lock()
	if !h.initialized {
		h.nextGroupID = next
		h.initialized = true
		h.logger.Debug("handler initialized", "next_group_id", next)
	}
	h.mu.Unlock()
}

// CreateGroup creates a gateway group and returns its id. Re-creating a
// name the handler already provisioned updates the members instead.
func (h *ZHAHandler) CreateGroup(ctx context.Context, name string, memberNativeIDs []string) (string, error) {
	h.ensureInitialized(ctx)

	h.mu.Lock()
	if existing, ok := h.nameToID[name]; ok {
		h.mu.Unlock()
		if err := h.UpdateGroupMembers(ctx, strconv.Itoa(existing), memberNativeIDs, nil); err != nil {
			return "", err
		}
		return strconv.Itoa(existing), nil
	}

	groupID := h.nextGroupID
	h.nextGroupID++
	if h.nextGroupID > zhaGroupIDEnd {
		h.nextGroupID = zhaGroupIDStart
	}
	h.mu.Unlock()

	members := make([]GroupMember, len(memberNativeIDs))
	for i, ieee := range memberNativeIDs {
		members[i] = GroupMember{IEEE: ieee, EndpointID: 1}
	}

	if created, err := h.gateway.CreateGroup(ctx, name, groupID, members); err != nil {
		// Local tracking keeps the allocated id usable for dispatch.
		h.logger.Debug("gateway group creation failed, tracking locally",
			"name", name,
			"error", err,
		)
	} else {
		groupID = created
		h.logger.Debug("created group", "name", name, "group_id", fmt.Sprintf("0x%04x", groupID))
	}

	h.mu.Lock()
	h.groups[groupID] = &zhaGroup{name: name, members: append([]string(nil), memberNativeIDs...)}
	h.nameToID[name] = groupID
	h.mu.Unlock()

	return strconv.Itoa(groupID), nil
}

// DeleteGroup removes a gateway group, clearing its stored scenes first.
func (h *ZHAHandler) DeleteGroup(ctx context.Context, groupID string) error {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return nil
	}

	h.removeAllScenes(ctx, gid)

	if err := h.gateway.RemoveGroup(ctx, gid); err != nil {
		h.logger.Debug("gateway group deletion failed", "group_id", gid, "error", err)
	}

	h.mu.Lock()
	if g, ok := h.groups[gid]; ok {
		delete(h.nameToID, g.name)
		delete(h.groups, gid)
	}
	h.mu.Unlock()
	return nil
}

// UpdateGroupMembers adds and removes devices of an existing group.
func (h *ZHAHandler) UpdateGroupMembers(ctx context.Context, groupID string, add, remove []string) error {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return fmt.Errorf("%w: group %q", ErrGroupNotFound, groupID)
	}

	toMembers := func(ieees []string) []GroupMember {
		out := make([]GroupMember, len(ieees))
		for i, ieee := range ieees {
			out[i] = GroupMember{IEEE: ieee, EndpointID: 1}
		}
		return out
	}

	if len(add) > 0 {
		if err := h.gateway.AddMembers(ctx, gid, toMembers(add)); err != nil {
			h.logger.Debug("gateway member add failed", "group_id", gid, "error", err)
		}
	}
	if len(remove) > 0 {
		if err := h.gateway.RemoveMembers(ctx, gid, toMembers(remove)); err != nil {
			h.logger.Debug("gateway member remove failed", "group_id", gid, "error", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[gid]
	if !ok {
		g = &zhaGroup{}
		h.groups[gid] = g
	}
	g.members = append(g.members, add...)
	if len(remove) > 0 {
		drop := make(map[string]bool, len(remove))
		for _, ieee := range remove {
			drop[ieee] = true
		}
		kept := g.members[:0]
		for _, ieee := range g.members {
			if !drop[ieee] {
				kept = append(kept, ieee)
			}
		}
		g.members = kept
	}
	return nil
}

// GroupExists checks the gateway, falling back to local tracking when
// the gateway cannot be queried.
func (h *ZHAHandler) GroupExists(ctx context.Context, groupID string) bool {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return false
	}

	groups, err := h.gateway.Groups(ctx)
	if err != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, ok := h.groups[gid]
		return ok
	}
	for _, g := range groups {
		if g.ID == gid {
			return true
		}
	}
	return false
}

// Groups returns the gateway's group list for reconciliation, falling
// back to local tracking when the gateway cannot be queried.
func (h *ZHAHandler) Groups(ctx context.Context) (map[string]GroupInfo, error) {
	groups, err := h.gateway.Groups(ctx)
	if err != nil {
		h.logger.Warn("group query failed, reporting local tracking", "error", err)

		h.mu.Lock()
		defer h.mu.Unlock()
		out := make(map[string]GroupInfo, len(h.groups))
		for gid, g := range h.groups {
			key := strconv.Itoa(gid)
			out[key] = GroupInfo{ID: key, Name: g.name, Members: append([]string(nil), g.members...)}
		}
		return out, nil
	}

	out := make(map[string]GroupInfo, len(groups))
	for _, g := range groups {
		key := strconv.Itoa(g.ID)
		info := GroupInfo{ID: key, Name: g.Name}
		for _, m := range g.Members {
			info.Members = append(info.Members, m.IEEE)
		}
		out[key] = info
	}
	return out, nil
}

// SupportsNativeScenes reports scene support via the Zigbee scenes cluster.
func (h *ZHAHandler) SupportsNativeScenes() bool {
	return true
}

// sceneCommand issues a scenes-cluster group command through the
// integration's service surface.
func (h *ZHAHandler) sceneCommand(ctx context.Context, gid, command int, args []any) error {
	return h.client.CallService(ctx, "zha", "issue_zigbee_group_command", map[string]any{
		"group":        gid,
		"cluster_id":   scenesClusterID,
		"command":      command,
		"command_type": "server",
		"args":         args,
	})
}

// StoreScene pushes each device to its target state, waits for the mesh
// to settle, then captures the state as a scene on the group.
func (h *ZHAHandler) StoreScene(ctx context.Context, groupID string, sceneID int, deviceStates map[string]map[string]any) error {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return fmt.Errorf("%w: group %q", ErrGroupNotFound, groupID)
	}

	h.applyDeviceStates(ctx, deviceStates)

	if err := settle(ctx, sceneStoreSettle); err != nil {
		return err
	}

	if err := h.sceneCommand(ctx, gid, sceneCmdStore, []any{gid, sceneID}); err != nil {
		return fmt.Errorf("storing scene %d on group 0x%04x: %w", sceneID, gid, err)
	}

	h.mu.Lock()
	h.scenes[[2]int{gid, sceneID}] = true
	h.mu.Unlock()

	h.logger.Debug("stored scene", "scene_id", sceneID, "group_id", fmt.Sprintf("0x%04x", gid))
	return nil
}

// RecallScene recalls a stored scene with one group command.
func (h *ZHAHandler) RecallScene(ctx context.Context, groupID string, sceneID int) error {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return fmt.Errorf("%w: group %q", ErrGroupNotFound, groupID)
	}
	if err := h.sceneCommand(ctx, gid, sceneCmdRecall, []any{gid, sceneID}); err != nil {
		return fmt.Errorf("recalling scene %d on group 0x%04x: %w", sceneID, gid, err)
	}
	return nil
}

// RemoveScene deletes a stored scene from the group's devices.
func (h *ZHAHandler) RemoveScene(ctx context.Context, groupID string, sceneID int) error {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return nil
	}
	if err := h.sceneCommand(ctx, gid, sceneCmdRemove, []any{gid, sceneID}); err != nil {
		return fmt.Errorf("removing scene %d from group 0x%04x: %w", sceneID, gid, err)
	}

	h.mu.Lock()
	delete(h.scenes, [2]int{gid, sceneID})
	h.mu.Unlock()
	return nil
}

// removeAllScenes clears every stored scene on a group before deletion.
func (h *ZHAHandler) removeAllScenes(ctx context.Context, gid int) {
	if err := h.sceneCommand(ctx, gid, sceneCmdRemoveAll, []any{gid}); err != nil {
		h.logger.Debug("removing all scenes failed", "group_id", gid, "error", err)
	}

	h.mu.Lock()
	for key := range h.scenes {
		if key[0] == gid {
			delete(h.scenes, key)
		}
	}
	h.mu.Unlock()
}

// applyDeviceStates sets each device to its target state with ordinary
// per-entity commands so a subsequent store captures the right values.
func (h *ZHAHandler) applyDeviceStates(ctx context.Context, deviceStates map[string]map[string]any) {
	snap, err := h.client.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("snapshot for scene staging failed", "error", err)
		return
	}

	for ieee, state := range deviceStates {
		entityID, ok := findZHAEntity(snap, ieee, "light")
		if !ok {
			h.logger.Debug("no light entity for device", "ieee", ieee)
			continue
		}

		service := "turn_on"
		data := map[string]any{"entity_id": entityID}
		if on, isBool := state["on"].(bool); isBool && !on {
			service = "turn_off"
		} else {
			for _, k := range []string{"brightness", "color_temp", "hs_color", "rgb_color"} {
				if v, ok := state[k]; ok {
					data[k] = v
				}
			}
		}

		if err := h.client.CallService(ctx, "light", service, data); err != nil {
			h.logger.Warn("scene staging call failed", "entity_id", entityID, "error", err)
		}
	}
}

// SendGroupCommand targets the group's synthetic light entity.
func (h *ZHAHandler) SendGroupCommand(ctx context.Context, groupID, domain, service string, data map[string]any) error {
	gid, err := strconv.Atoi(groupID)
	if err != nil {
		return fmt.Errorf("%w: group %q", ErrGroupNotFound, groupID)
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["entity_id"] = fmt.Sprintf("light.zha_group_0x%04x", gid)

	return h.client.CallService(ctx, domain, service, payload)
}

// SendMulticast falls back to per-entity commands; the integration has
// no ad-hoc multicast surface.
func (h *ZHAHandler) SendMulticast(ctx context.Context, nativeIDs []string, domain, service string, data map[string]any) error {
	snap, err := h.client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot for multicast fallback: %w", err)
	}

	for _, ieee := range nativeIDs {
		entityID, ok := findZHAEntity(snap, ieee, domain)
		if !ok {
			h.logger.Debug("no entity for device", "ieee", ieee, "domain", domain)
			continue
		}

		payload := make(map[string]any, len(data)+1)
		for k, v := range data {
			payload[k] = v
		}
		payload["entity_id"] = entityID

		if err := h.client.CallService(ctx, domain, service, payload); err != nil {
			h.logger.Warn("fallback command failed", "entity_id", entityID, "error", err)
		}
	}
	return nil
}

// findZHAEntity locates the entity of a domain backed by a device IEEE.
// Unique ids start with the IEEE address.
func findZHAEntity(snap *platform.Snapshot, ieee, domain string) (string, bool) {
	for _, e := range snap.Entities {
		if e.Platform == "zha" && e.Domain() == domain && strings.HasPrefix(e.UniqueID, ieee) {
			return e.EntityID, true
		}
	}
	return "", false
}

// NativeID extracts the IEEE address of a ZHA entity.
func (h *ZHAHandler) NativeID(snap *platform.Snapshot, entityID string) (string, bool) {
	info := classifier.Classify(snap, entityID)
	if info.Protocol != mapping.ProtocolZHA || info.NativeID == "" {
		return "", false
	}
	return info.NativeID, true
}

// ConvertServiceData passes service data through unchanged; the
// integration consumes the platform's own vocabulary.
func (h *ZHAHandler) ConvertServiceData(_, _ string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
