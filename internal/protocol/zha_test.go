package protocol

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/nerrad567/nativesync/internal/platform"
)

// fakeGateway is an in-memory Gateway.
type fakeGateway struct {
	groups  []GatewayGroup
	failAll bool

	removed []int
	added   map[int][]GroupMember
}

var errGatewayDown = errors.New("gateway down")

func (f *fakeGateway) Groups(_ context.Context) ([]GatewayGroup, error) {
	if f.failAll {
		return nil, errGatewayDown
	}
	return f.groups, nil
}

func (f *fakeGateway) CreateGroup(_ context.Context, name string, groupID int, members []GroupMember) (int, error) {
	if f.failAll {
		return 0, errGatewayDown
	}
	f.groups = append(f.groups, GatewayGroup{ID: groupID, Name: name, Members: members})
	return groupID, nil
}

func (f *fakeGateway) RemoveGroup(_ context.Context, groupID int) error {
	if f.failAll {
		return errGatewayDown
	}
	f.removed = append(f.removed, groupID)
	kept := f.groups[:0]
	for _, g := range f.groups {
		if g.ID != groupID {
			kept = append(kept, g)
		}
	}
	f.groups = kept
	return nil
}

func (f *fakeGateway) AddMembers(_ context.Context, groupID int, members []GroupMember) error {
	if f.failAll {
		return errGatewayDown
	}
	if f.added == nil {
		f.added = make(map[int][]GroupMember)
	}
	f.added[groupID] = append(f.added[groupID], members...)
	return nil
}

func (f *fakeGateway) RemoveMembers(_ context.Context, _ int, _ []GroupMember) error {
	if f.failAll {
		return errGatewayDown
	}
	return nil
}

// zhaSnapshot registers light entities for two IEEE addresses.
func zhaSnapshot() *platform.Snapshot {
	entities := []platform.Entity{
		{EntityID: "light.strip", UniqueID: "00:11:22:33:44:55:66:77-1-6", Platform: "zha"},
		{EntityID: "light.bulb", UniqueID: "aa:bb:cc:dd:ee:ff:00:11-1-6", Platform: "zha"},
	}
	return platform.NewSnapshot(entities, nil, nil, nil, nil, nil)
}

func newZHAHandler(gw *fakeGateway) (*ZHAHandler, *fakeClient) {
	client := &fakeClient{snap: zhaSnapshot()}
	return NewZHAHandler(gw, client, testLogger()), client
}

func TestZHACreateGroupProbesExistingIDs(t *testing.T) {
	gw := &fakeGateway{groups: []GatewayGroup{{ID: zhaGroupIDStart + 3, Name: "existing"}}}
	h, _ := newZHAHandler(gw)
	ctx := context.Background()

	id, err := h.CreateGroup(ctx, "ha_kitchen_zha", []string{"00:11:22:33:44:55:66:77"})
	if err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	if id != strconv.Itoa(zhaGroupIDStart+4) {
		t.Errorf("group id = %s, want %d", id, zhaGroupIDStart+4)
	}

	// The gateway saw the member reference with the default endpoint.
	created := gw.groups[len(gw.groups)-1]
	if len(created.Members) != 1 || created.Members[0].EndpointID != 1 {
		t.Errorf("created members = %v", created.Members)
	}
}

func TestZHACreateGroupReusesExistingName(t *testing.T) {
	gw := &fakeGateway{}
	h, _ := newZHAHandler(gw)
	ctx := context.Background()

	first, _ := h.CreateGroup(ctx, "ha_kitchen_zha", []string{"00:11:22:33:44:55:66:77"}) //nolint:errcheck
	again, err := h.CreateGroup(ctx, "ha_kitchen_zha", []string{"aa:bb:cc:dd:ee:ff:00:11"})
	if err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	if again != first {
		t.Errorf("re-created id = %s, want %s", again, first)
	}

	gid, _ := strconv.Atoi(first)
	if len(gw.added[gid]) != 1 {
		t.Errorf("expected member add for existing group, got %v", gw.added)
	}
}

func TestZHACreateGroupFallsBackToLocalTracking(t *testing.T) {
	gw := &fakeGateway{failAll: true}
	h, _ := newZHAHandler(gw)
	ctx := context.Background()

	id, err := h.CreateGroup(ctx, "ha_kitchen_zha", []string{"00:11:22:33:44:55:66:77"})
	if err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	if id != strconv.Itoa(zhaGroupIDStart) {
		t.Errorf("group id = %s, want range start", id)
	}

	// Gateway is unreachable; existence falls back to local tracking.
	if !h.GroupExists(ctx, id) {
		t.Error("GroupExists() = false for locally tracked group")
	}

	groups, err := h.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups() error: %v", err)
	}
	if groups[id].Name != "ha_kitchen_zha" {
		t.Errorf("local group name = %q", groups[id].Name)
	}
}

func TestZHADeleteGroupRemovesScenesFirst(t *testing.T) {
	gw := &fakeGateway{}
	h, client := newZHAHandler(gw)
	ctx := context.Background()

	id, _ := h.CreateGroup(ctx, "ha_kitchen_zha", []string{"00:11:22:33:44:55:66:77"}) //nolint:errcheck
	if err := h.DeleteGroup(ctx, id); err != nil {
		t.Fatalf("DeleteGroup() error: %v", err)
	}

	// A remove-all scenes cluster command preceded the group removal.
	cmds := client.callsTo("issue_zigbee_group_command")
	if len(cmds) != 1 {
		t.Fatalf("cluster commands = %d, want 1", len(cmds))
	}
	if cmds[0].Data["command"] != sceneCmdRemoveAll {
		t.Errorf("command = %v, want remove_all", cmds[0].Data["command"])
	}
	if len(gw.removed) != 1 {
		t.Errorf("gateway removals = %v", gw.removed)
	}
	if h.GroupExists(ctx, id) {
		t.Error("group still exists after delete")
	}
}

func TestZHASceneStoreStagesDevicesThenStores(t *testing.T) {
	gw := &fakeGateway{}
	h, client := newZHAHandler(gw)
	ctx := context.Background()

	id, _ := h.CreateGroup(ctx, "ha_scene_movie_zha", []string{"00:11:22:33:44:55:66:77"}) //nolint:errcheck

	err := h.StoreScene(ctx, id, 110, map[string]map[string]any{
		"00:11:22:33:44:55:66:77": {"on": true, "brightness": 80.0},
		"aa:bb:cc:dd:ee:ff:00:11": {"on": false},
	})
	if err != nil {
		t.Fatalf("StoreScene() error: %v", err)
	}

	var stagedOn, stagedOff bool
	for _, c := range client.calls {
		if c.Domain != "light" {
			continue
		}
		switch c.Service {
		case "turn_on":
			stagedOn = c.Data["entity_id"] == "light.strip" && c.Data["brightness"] == 80.0
		case "turn_off":
			stagedOff = c.Data["entity_id"] == "light.bulb"
		}
	}
	if !stagedOn || !stagedOff {
		t.Errorf("staging calls missing: on=%v off=%v (%v)", stagedOn, stagedOff, client.calls)
	}

	cmds := client.callsTo("issue_zigbee_group_command")
	if len(cmds) != 1 || cmds[0].Data["command"] != sceneCmdStore {
		t.Fatalf("store cluster command = %v", cmds)
	}
	args, _ := cmds[0].Data["args"].([]any)
	if len(args) != 2 || args[1] != 110 {
		t.Errorf("store args = %v", args)
	}
}

func TestZHARecallAndRemoveScene(t *testing.T) {
	gw := &fakeGateway{}
	h, client := newZHAHandler(gw)
	ctx := context.Background()

	id, _ := h.CreateGroup(ctx, "ha_scene_movie_zha", []string{"00:11:22:33:44:55:66:77"}) //nolint:errcheck
	client.calls = nil

	if err := h.RecallScene(ctx, id, 110); err != nil {
		t.Fatalf("RecallScene() error: %v", err)
	}
	if err := h.RemoveScene(ctx, id, 110); err != nil {
		t.Fatalf("RemoveScene() error: %v", err)
	}

	cmds := client.callsTo("issue_zigbee_group_command")
	if len(cmds) != 2 {
		t.Fatalf("cluster commands = %d, want 2", len(cmds))
	}
	if cmds[0].Data["command"] != sceneCmdRecall || cmds[1].Data["command"] != sceneCmdRemove {
		t.Errorf("commands = %v, %v", cmds[0].Data["command"], cmds[1].Data["command"])
	}
	if cmds[0].Data["cluster_id"] != scenesClusterID {
		t.Errorf("cluster_id = %v", cmds[0].Data["cluster_id"])
	}
}

func TestZHASendGroupCommandTargetsGroupEntity(t *testing.T) {
	gw := &fakeGateway{}
	h, client := newZHAHandler(gw)
	ctx := context.Background()

	if err := h.SendGroupCommand(ctx, "4096", "light", "turn_on", map[string]any{"brightness": 120.0}); err != nil {
		t.Fatalf("SendGroupCommand() error: %v", err)
	}

	c := client.calls[0]
	if c.Domain != "light" || c.Service != "turn_on" {
		t.Errorf("call = %+v", c)
	}
	if c.Data["entity_id"] != "light.zha_group_0x1000" {
		t.Errorf("entity_id = %v", c.Data["entity_id"])
	}
	if c.Data["brightness"] != 120.0 {
		t.Errorf("brightness = %v", c.Data["brightness"])
	}
}

func TestZHAMulticastFallsBackToEntities(t *testing.T) {
	gw := &fakeGateway{}
	h, client := newZHAHandler(gw)

	err := h.SendMulticast(context.Background(),
		[]string{"00:11:22:33:44:55:66:77", "aa:bb:cc:dd:ee:ff:00:11", "ff:ff:ff:ff:ff:ff:ff:ff"},
		"light", "turn_off", nil)
	if err != nil {
		t.Fatalf("SendMulticast() error: %v", err)
	}

	// Two resolvable devices get per-entity calls; the unknown one is
	// skipped.
	if len(client.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(client.calls))
	}
	if client.calls[0].Data["entity_id"] != "light.strip" {
		t.Errorf("first entity = %v", client.calls[0].Data["entity_id"])
	}
}

func TestZHANativeID(t *testing.T) {
	gw := &fakeGateway{}
	h, client := newZHAHandler(gw)

	if id, ok := h.NativeID(client.snap, "light.strip"); !ok || id != "00:11:22:33:44:55:66:77" {
		t.Errorf("NativeID() = (%q, %v)", id, ok)
	}
	if _, ok := h.NativeID(client.snap, "light.ghost"); ok {
		t.Error("NativeID() should miss for unknown entity")
	}
}
