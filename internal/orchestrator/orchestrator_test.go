package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/nativesync/internal/infrastructure/config"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
	"github.com/nerrad567/nativesync/internal/protocol"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"}, "test")
}

func testSyncConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			EnabledProtocols:  []string{"zwave_js", "zigbee2mqtt", "zha"},
			EnableGroups:      true,
			EnableScenes:      true,
			EnableAreas:       true,
			ReconcileInterval: 300,
			SyncDebounce:      0.05,
		},
	}
}

// testSnapshot builds a fixture with two Z-Wave lights of different
// capabilities, two broker lights in one area, one entity from an
// unrelated integration, a group spanning protocols, and a scene over
// the broker lights.
func testSnapshot() *platform.Snapshot {
	entities := []platform.Entity{
		{EntityID: "light.zw_color", UniqueID: "3245146787-2-0-currentValue", Platform: "zwave_js"},
		{EntityID: "light.zw_dimmer", UniqueID: "3245146787-3-0-currentValue", Platform: "zwave_js"},
		{EntityID: "light.porch", UniqueID: "mqtt-porch", Platform: "mqtt", DeviceID: "dev-porch", AreaID: "lounge"},
		{EntityID: "light.hall", UniqueID: "mqtt-hall", Platform: "mqtt", DeviceID: "dev-hall", AreaID: "lounge"},
		{EntityID: "media_player.tv", UniqueID: "cast-1", Platform: "cast"},
	}
	devices := []platform.Device{
		{ID: "dev-porch", Name: "Porch Light", Identifiers: []platform.Identifier{{Domain: "mqtt", ID: "zigbee2mqtt_0x00124b0001aaaaaa"}}},
		{ID: "dev-hall", Name: "Hall Light", Identifiers: []platform.Identifier{{Domain: "mqtt", ID: "zigbee2mqtt_0x00124b0001bbbbbb"}}},
	}
	areas := []platform.Area{{ID: "lounge", Name: "Lounge"}}
	states := []platform.State{
		{EntityID: "group.living_room", State: "on", Attributes: map[string]any{
			"entity_id": []any{"light.zw_color", "light.zw_dimmer", "light.porch", "media_player.tv"},
		}},
		{EntityID: "scene.movie", State: "scening", Attributes: map[string]any{
			"entity_id": []any{"light.porch", "light.hall"},
		}},
		{EntityID: "light.zw_color", State: "on", Attributes: map[string]any{
			"supported_color_modes": []any{"hs"},
		}},
		{EntityID: "light.zw_dimmer", State: "on", Attributes: map[string]any{
			"supported_color_modes": []any{"brightness"},
		}},
		{EntityID: "light.porch", State: "on", Attributes: map[string]any{
			"brightness": float64(200),
		}},
		{EntityID: "light.hall", State: "off"},
	}
	return platform.NewSnapshot(entities, devices, areas, nil, nil, states)
}

type serviceCall struct {
	domain  string
	service string
	data    map[string]any
}

type fakeClient struct {
	mu       sync.Mutex
	snap     *platform.Snapshot
	snaps    int
	calls    []serviceCall
	handlers map[string][]func(platform.Event)
}

func newFakeClient(snap *platform.Snapshot) *fakeClient {
	return &fakeClient{snap: snap, handlers: make(map[string][]func(platform.Event))}
}

func (c *fakeClient) Snapshot(ctx context.Context) (*platform.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps++
	return c.snap, nil
}

func (c *fakeClient) GetState(ctx context.Context, entityID string) (*platform.State, bool, error) {
	st, ok := c.snap.State(entityID)
	return st, ok, nil
}

func (c *fakeClient) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, serviceCall{domain: domain, service: service, data: data})
	return nil
}

func (c *fakeClient) SubscribeEvents(eventType string, handler func(platform.Event)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	return func() {}, nil
}

func (c *fakeClient) Command(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error) {
	return nil, nil
}

func (c *fakeClient) fire(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling event payload: %v", err)
	}
	c.mu.Lock()
	handlers := append(([]func(platform.Event))(nil), c.handlers[eventType]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(platform.Event{Type: eventType, Data: data})
	}
}

func (c *fakeClient) snapshotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps
}

func (c *fakeClient) serviceCalls() []serviceCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]serviceCall(nil), c.calls...)
}

type groupCommand struct {
	groupID string
	domain  string
	service string
	data    map[string]any
}

type sceneOp struct {
	groupID string
	sceneID int
}

type fakeHandler struct {
	mu     sync.Mutex
	proto  mapping.Protocol
	scenes bool

	nextID int
	groups map[string]protocol.GroupInfo

	createErr     error
	groupCmdErr   error
	storeFailures int
	storeCalls    int

	deviceStates  map[string]map[string]any
	groupCmds     []groupCommand
	multicasts    [][]string
	recalled      []sceneOp
	removedScenes []sceneOp
	deleted       []string
}

func newFakeHandler(p mapping.Protocol, scenes bool) *fakeHandler {
	return &fakeHandler{
		proto:  p,
		scenes: scenes,
		nextID: 1000,
		groups: make(map[string]protocol.GroupInfo),
	}
}

func (h *fakeHandler) Protocol() mapping.Protocol { return h.proto }

func (h *fakeHandler) IsAvailable(ctx context.Context, snap *platform.Snapshot) bool { return true }

func (h *fakeHandler) Cleanup(ctx context.Context) {}

func (h *fakeHandler) CreateGroup(ctx context.Context, name string, memberNativeIDs []string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return "", h.createErr
	}
	id := strconv.Itoa(h.nextID)
	h.nextID++
	h.groups[id] = protocol.GroupInfo{ID: id, Name: name, Members: memberNativeIDs}
	return id, nil
}

func (h *fakeHandler) DeleteGroup(ctx context.Context, groupID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups, groupID)
	h.deleted = append(h.deleted, groupID)
	return nil
}

func (h *fakeHandler) UpdateGroupMembers(ctx context.Context, groupID string, add, remove []string) error {
	return nil
}

func (h *fakeHandler) GroupExists(ctx context.Context, groupID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.groups[groupID]
	return ok
}

func (h *fakeHandler) Groups(ctx context.Context) (map[string]protocol.GroupInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]protocol.GroupInfo, len(h.groups))
	for id, info := range h.groups {
		out[id] = info
	}
	return out, nil
}

func (h *fakeHandler) SupportsNativeScenes() bool { return h.scenes }

func (h *fakeHandler) StoreScene(ctx context.Context, groupID string, sceneID int, deviceStates map[string]map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeCalls++
	if h.storeFailures > 0 {
		h.storeFailures--
		return errors.New("scene store rejected")
	}
	h.deviceStates = deviceStates
	return nil
}

func (h *fakeHandler) RecallScene(ctx context.Context, groupID string, sceneID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recalled = append(h.recalled, sceneOp{groupID: groupID, sceneID: sceneID})
	return nil
}

func (h *fakeHandler) RemoveScene(ctx context.Context, groupID string, sceneID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removedScenes = append(h.removedScenes, sceneOp{groupID: groupID, sceneID: sceneID})
	return nil
}

func (h *fakeHandler) SendGroupCommand(ctx context.Context, groupID, domain, service string, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groupCmdErr != nil {
		return h.groupCmdErr
	}
	h.groupCmds = append(h.groupCmds, groupCommand{groupID: groupID, domain: domain, service: service, data: data})
	return nil
}

func (h *fakeHandler) SendMulticast(ctx context.Context, nativeIDs []string, domain, service string, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.multicasts = append(h.multicasts, nativeIDs)
	return nil
}

func (h *fakeHandler) NativeID(snap *platform.Snapshot, entityID string) (string, bool) {
	return "", false
}

func (h *fakeHandler) ConvertServiceData(domain, service string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["service"] = service
	return out
}

func (h *fakeHandler) createdGroupNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, info := range h.groups {
		names = append(names, info.Name)
	}
	return names
}

// capFakeHandler adds per-capability grouping the way the Z-Wave handler
// offers it.
type capFakeHandler struct {
	*fakeHandler
	capCalls []map[mapping.Capability][]string
}

func (h *capFakeHandler) CreateCapabilityGroups(ctx context.Context, name string, members map[mapping.Capability][]string) (string, error) {
	h.fakeHandler.mu.Lock()
	h.capCalls = append(h.capCalls, members)
	h.fakeHandler.mu.Unlock()

	var all []string
	for _, ids := range members {
		all = append(all, ids...)
	}
	return h.fakeHandler.CreateGroup(ctx, name, all)
}

type fakeStore struct {
	mu    sync.Mutex
	blob  []byte
	saves int
}

func (s *fakeStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blob, nil
}

func (s *fakeStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = append([]byte(nil), data...)
	s.saves++
	return nil
}

type testRig struct {
	o      *Orchestrator
	client *fakeClient
	store  *fakeStore
	zwave  *capFakeHandler
	z2m    *fakeHandler
	zha    *fakeHandler
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	client := newFakeClient(testSnapshot())
	store := &fakeStore{}
	cfg := testSyncConfig()

	zwave := &capFakeHandler{fakeHandler: newFakeHandler(mapping.ProtocolZWaveJS, true)}
	z2m := newFakeHandler(mapping.ProtocolZigbee2MQTT, true)
	zha := newFakeHandler(mapping.ProtocolZHA, false)

	registry := protocol.NewRegistry(cfg.Sync, zwave, z2m, zha)
	o := New(client, registry, store, cfg, nil, testLogger())
	o.handlers = map[mapping.Protocol]protocol.Handler{
		mapping.ProtocolZWaveJS:     zwave,
		mapping.ProtocolZigbee2MQTT: z2m,
		mapping.ProtocolZHA:         zha,
	}

	return &testRig{o: o, client: client, store: store, zwave: zwave, z2m: z2m, zha: zha}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncAllProvisionsMappings(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.o.syncAll(ctx, "test")

	for _, key := range []string{"group.living_room", "scene.movie", "area.lounge"} {
		if rig.o.GetMapping(key) == nil {
			t.Errorf("GetMapping(%q) = nil after full sync", key)
		}
	}
	if rig.store.saves == 0 {
		t.Error("full sync did not persist state")
	}
}

func TestProvisionGroupSplitsZWaveByCapability(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	if len(rig.zwave.capCalls) != 1 {
		t.Fatalf("capability group calls = %d, want 1", len(rig.zwave.capCalls))
	}
	buckets := rig.zwave.capCalls[0]
	if got := buckets[mapping.CapabilityColor]; len(got) != 1 || got[0] != "2" {
		t.Errorf("color bucket = %v, want [2]", got)
	}
	if got := buckets[mapping.CapabilityDimmer]; len(got) != 1 || got[0] != "3" {
		t.Errorf("dimmer bucket = %v, want [3]", got)
	}

	m := rig.o.GetMapping("group.living_room")
	if m == nil {
		t.Fatal("mapping missing after provisioning")
	}

	zwRef, ok := m.NativeGroups["zwave_js"]
	if !ok {
		t.Fatal("no zwave_js native group ref")
	}
	if zwRef.GroupID == "" {
		t.Error("zwave_js ref has empty group id")
	}
	if len(zwRef.MemberEntityIDs) != 2 {
		t.Errorf("zwave_js members = %v, want 2 entities", zwRef.MemberEntityIDs)
	}
}

func TestProvisionGroupSingleMemberGetsNoNativeGroup(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	m := rig.o.GetMapping("group.living_room")
	ref, ok := m.NativeGroups["zigbee2mqtt"]
	if !ok {
		t.Fatal("no zigbee2mqtt ref for single-member bucket")
	}
	if ref.GroupID != "" {
		t.Errorf("single-member group id = %q, want empty", ref.GroupID)
	}
	if len(rig.z2m.createdGroupNames()) != 0 {
		t.Errorf("broker groups created for single member: %v", rig.z2m.createdGroupNames())
	}
}

func TestProvisionGroupUnknownEntitiesStayUngrouped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	m := rig.o.GetMapping("group.living_room")
	found := false
	for _, id := range m.UngroupedEntities {
		if id == "media_player.tv" {
			found = true
		}
	}
	if !found {
		t.Errorf("ungrouped = %v, want media_player.tv present", m.UngroupedEntities)
	}
}

func TestProvisionGroupCreateFailureRecordsSyncError(t *testing.T) {
	rig := newTestRig(t)
	rig.z2m.createErr = errors.New("broker offline")
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "area.lounge"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	m := rig.o.GetMapping("area.lounge")
	if m == nil {
		t.Fatal("mapping missing despite provisioning failure")
	}
	if m.SyncError == "" {
		t.Error("SyncError empty after group creation failure")
	}
	if _, ok := m.NativeGroups["zigbee2mqtt"]; ok {
		t.Error("failed protocol still recorded a native group ref")
	}
}

func TestProvisionSceneStoresNativeScene(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "scene.movie"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	m := rig.o.GetMapping("scene.movie")
	ref, ok := m.NativeScenes["zigbee2mqtt"]
	if !ok {
		t.Fatal("no zigbee2mqtt native scene ref")
	}
	if ref.SceneID != sceneIDStart {
		t.Errorf("scene id = %d, want %d", ref.SceneID, sceneIDStart)
	}
	if ref.GroupID == "" {
		t.Error("scene ref missing the backing group id")
	}

	states := rig.z2m.deviceStates
	if len(states) != 2 {
		t.Fatalf("stored device states = %d, want 2", len(states))
	}

	porch := states["0x00124b0001aaaaaa"]
	if porch["service"] != "turn_on" {
		t.Errorf("porch service = %v, want turn_on", porch["service"])
	}
	if porch["brightness"] != float64(200) {
		t.Errorf("porch brightness = %v, want 200", porch["brightness"])
	}

	hall := states["0x00124b0001bbbbbb"]
	if hall["service"] != "turn_off" {
		t.Errorf("hall service = %v, want turn_off (state was off)", hall["service"])
	}

	refs := rig.o.ManagedResources()["scene.movie"]
	if len(refs) != 2 {
		t.Errorf("managed refs = %v, want group + scene", refs)
	}
}

func TestProvisionSceneWithoutNativeSupportFallsBack(t *testing.T) {
	rig := newTestRig(t)
	rig.z2m.scenes = false
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "scene.movie"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	m := rig.o.GetMapping("scene.movie")
	if len(m.NativeScenes) != 0 {
		t.Errorf("native scenes = %v, want none", m.NativeScenes)
	}
	if len(m.UngroupedEntities) != 2 {
		t.Errorf("ungrouped = %v, want both members", m.UngroupedEntities)
	}
}

func TestSceneStoreRetriesBeforeSucceeding(t *testing.T) {
	rig := newTestRig(t)
	rig.z2m.storeFailures = 1
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "scene.movie"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	if rig.z2m.storeCalls != 2 {
		t.Errorf("store calls = %d, want 2 (one failure, one retry)", rig.z2m.storeCalls)
	}
	m := rig.o.GetMapping("scene.movie")
	if _, ok := m.NativeScenes["zigbee2mqtt"]; !ok {
		t.Error("scene ref missing after successful retry")
	}
}

func TestSceneIDAllocationWraps(t *testing.T) {
	rig := newTestRig(t)

	span := sceneIDMax - sceneIDStart + 1
	for i := 0; i < span; i++ {
		got := rig.o.allocateSceneID()
		if want := sceneIDStart + i; got != want {
			t.Fatalf("allocation %d = %d, want %d", i, got, want)
		}
	}
	if got := rig.o.allocateSceneID(); got != sceneIDStart {
		t.Errorf("post-wrap allocation = %d, want %d", got, sceneIDStart)
	}
}

func TestReprovisionReplacesResources(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("first SyncEntity() error = %v", err)
	}
	firstID := rig.o.GetMapping("group.living_room").NativeGroups["zwave_js"].GroupID
	firstRefs := len(rig.o.ManagedResources()["group.living_room"])

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("second SyncEntity() error = %v", err)
	}

	deleted := false
	for _, id := range rig.zwave.deleted {
		if id == firstID {
			deleted = true
		}
	}
	if !deleted {
		t.Errorf("first group %s not torn down on reprovision", firstID)
	}
	if got := len(rig.o.ManagedResources()["group.living_room"]); got != firstRefs {
		t.Errorf("managed refs = %d after reprovision, want %d", got, firstRefs)
	}
}

func TestDispatchRoutesToNativeGroups(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	handled := rig.o.Dispatch(ctx, "light", "turn_on",
		Target{EntityIDs: []string{"group.living_room"}},
		map[string]any{"brightness": 128},
	)
	if !handled {
		t.Fatal("Dispatch() = false for mapped group")
	}

	if len(rig.zwave.groupCmds) != 1 {
		t.Fatalf("zwave group commands = %d, want 1", len(rig.zwave.groupCmds))
	}
	cmd := rig.zwave.groupCmds[0]
	if cmd.service != "turn_on" || cmd.data["brightness"] != 128 {
		t.Errorf("zwave command = %+v, want turn_on with brightness 128", cmd)
	}

	// Single broker member has no group id, so dispatch multicasts.
	if len(rig.z2m.multicasts) != 1 {
		t.Fatalf("broker multicasts = %d, want 1", len(rig.z2m.multicasts))
	}
	if ids := rig.z2m.multicasts[0]; len(ids) != 1 || ids[0] != "0x00124b0001aaaaaa" {
		t.Errorf("multicast targets = %v, want the porch light", ids)
	}

	// Ungrouped member falls back to a platform service call.
	calls := rig.client.serviceCalls()
	if len(calls) != 1 {
		t.Fatalf("fallback service calls = %d, want 1", len(calls))
	}
	if calls[0].data["entity_id"] != "media_player.tv" {
		t.Errorf("fallback target = %v, want media_player.tv", calls[0].data["entity_id"])
	}
}

func TestDispatchIsolatesProtocolFailures(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "group.living_room"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	rig.zwave.groupCmdErr = errors.New("controller jammed")

	handled := rig.o.Dispatch(ctx, "light", "turn_off",
		Target{EntityIDs: []string{"group.living_room"}}, nil)
	if !handled {
		t.Fatal("Dispatch() = false despite mapped group")
	}

	if len(rig.z2m.multicasts) != 1 {
		t.Error("broker dispatch blocked by zwave failure")
	}
	if len(rig.client.serviceCalls()) != 1 {
		t.Error("ungrouped fallback blocked by zwave failure")
	}
}

func TestDispatchSceneRecallsNativeScenes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "scene.movie"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	handled := rig.o.Dispatch(ctx, "scene", "turn_on",
		Target{EntityIDs: []string{"scene.movie"}}, nil)
	if !handled {
		t.Fatal("Dispatch() = false for mapped scene")
	}

	if len(rig.z2m.recalled) != 1 {
		t.Fatalf("scene recalls = %d, want 1", len(rig.z2m.recalled))
	}
	recall := rig.z2m.recalled[0]
	ref := rig.o.GetMapping("scene.movie").NativeScenes["zigbee2mqtt"]
	if recall.groupID != ref.GroupID || recall.sceneID != ref.SceneID {
		t.Errorf("recall = %+v, want group %s scene %d", recall, ref.GroupID, ref.SceneID)
	}
}

func TestDispatchTargetsAreasByKey(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "area.lounge"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	handled := rig.o.Dispatch(ctx, "light", "turn_on",
		Target{AreaIDs: []string{"lounge"}}, nil)
	if !handled {
		t.Fatal("Dispatch() = false for mapped area")
	}
	if len(rig.z2m.groupCmds) != 1 {
		t.Errorf("broker group commands = %d, want 1", len(rig.z2m.groupCmds))
	}
}

func TestDispatchUnmappedTargetReturnsFalse(t *testing.T) {
	rig := newTestRig(t)

	handled := rig.o.Dispatch(context.Background(), "light", "turn_on",
		Target{EntityIDs: []string{"group.garage"}}, nil)
	if handled {
		t.Error("Dispatch() = true for unmapped target")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.o.syncAll(ctx, "test")
	counter := rig.o.SceneIDCounter()

	restored := newTestRig(t)
	restored.o.store = rig.store
	if err := restored.o.loadState(ctx); err != nil {
		t.Fatalf("loadState() error = %v", err)
	}

	if got := restored.o.SceneIDCounter(); got != counter {
		t.Errorf("restored scene counter = %d, want %d", got, counter)
	}

	want := rig.o.GetAllMappings()
	got := restored.o.GetAllMappings()
	if len(got) != len(want) {
		t.Fatalf("restored mappings = %d, want %d", len(got), len(want))
	}
	for key, m := range want {
		r, ok := got[key]
		if !ok {
			t.Errorf("mapping %q lost in round trip", key)
			continue
		}
		if r.Type != m.Type {
			t.Errorf("mapping %q type = %s, want %s", key, r.Type, m.Type)
		}
		if len(r.NativeGroups) != len(m.NativeGroups) {
			t.Errorf("mapping %q native groups = %d, want %d", key, len(r.NativeGroups), len(m.NativeGroups))
		}
	}

	wantRefs := rig.o.ManagedResources()
	gotRefs := restored.o.ManagedResources()
	if len(gotRefs) != len(wantRefs) {
		t.Errorf("restored managed keys = %d, want %d", len(gotRefs), len(wantRefs))
	}
}

func TestLoadStateDiscardsCorruptBlob(t *testing.T) {
	rig := newTestRig(t)
	rig.store.blob = []byte("{not json")

	if err := rig.o.loadState(context.Background()); err != nil {
		t.Fatalf("loadState() error = %v, want discard without error", err)
	}
	if len(rig.o.GetAllMappings()) != 0 {
		t.Error("mappings populated from corrupt blob")
	}
}

func TestLoadStateSkipsMalformedMappings(t *testing.T) {
	rig := newTestRig(t)
	rig.store.blob = []byte(`{
		"scene_id_counter": 120,
		"mappings": [
			{"ha_entity_id": "", "ha_entity_type": "group"},
			{"ha_entity_id": "bogus_key", "ha_entity_type": "group"},
			{"ha_entity_id": "group.ok", "ha_entity_type": "group"}
		],
		"managed_resources": {}
	}`)

	if err := rig.o.loadState(context.Background()); err != nil {
		t.Fatalf("loadState() error = %v", err)
	}

	mappings := rig.o.GetAllMappings()
	if len(mappings) != 1 {
		t.Fatalf("loaded mappings = %d, want only the valid one", len(mappings))
	}
	if _, ok := mappings["group.ok"]; !ok {
		t.Error("valid mapping group.ok missing")
	}
	if got := rig.o.SceneIDCounter(); got != 120 {
		t.Errorf("scene counter = %d, want 120", got)
	}
}

func TestLoadStateIgnoresOutOfRangeCounter(t *testing.T) {
	rig := newTestRig(t)
	rig.store.blob = []byte(`{"scene_id_counter": 9000, "mappings": [], "managed_resources": {}}`)

	if err := rig.o.loadState(context.Background()); err != nil {
		t.Fatalf("loadState() error = %v", err)
	}
	if got := rig.o.SceneIDCounter(); got != sceneIDStart {
		t.Errorf("scene counter = %d, want reset to %d", got, sceneIDStart)
	}
}

func TestReconcileRemovesOrphanedManagedGroups(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.SyncEntity(ctx, "area.lounge"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	// Leftover from a crashed run, plus a user-created group.
	rig.z2m.groups["9001"] = protocol.GroupInfo{ID: "9001", Name: "ha_group_old_zigbee2mqtt"}
	rig.z2m.groups["9002"] = protocol.GroupInfo{ID: "9002", Name: "kitchen_manual"}

	rig.o.reconcile(ctx)

	if len(rig.z2m.deleted) != 1 || rig.z2m.deleted[0] != "9001" {
		t.Errorf("deleted = %v, want only the orphaned managed group 9001", rig.z2m.deleted)
	}
	if !rig.z2m.GroupExists(ctx, "9002") {
		t.Error("user group removed by reconciliation")
	}
}

func TestReconcileKeepsSceneBackingGroups(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Scene provisioning records its backing group only in the
	// managed-resources index, not as a NativeGroups ref.
	if err := rig.o.SyncEntity(ctx, "scene.movie"); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	rig.o.reconcile(ctx)

	if len(rig.z2m.deleted) != 0 {
		t.Errorf("deleted = %v, want scene-backing group kept", rig.z2m.deleted)
	}
}

func TestStartAndStopLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !rig.o.IsStarted() {
		t.Error("IsStarted() = false after Start()")
	}
	if rig.o.GetMapping("group.living_room") == nil {
		t.Error("startup sync did not provision the group")
	}

	if err := rig.o.Start(ctx); err != nil {
		t.Errorf("second Start() error = %v, want no-op", err)
	}

	if err := rig.o.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if rig.o.IsStarted() {
		t.Error("IsStarted() = true after Stop()")
	}
	if rig.o.PendingTaskCount() != 0 {
		t.Errorf("pending tasks = %d after Stop()", rig.o.PendingTaskCount())
	}
}

func TestGroupRemovalEventTearsDown(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer rig.o.Stop(ctx)

	groupID := rig.o.GetMapping("group.living_room").NativeGroups["zwave_js"].GroupID

	rig.client.fire(t, platform.EventStateChanged, map[string]any{
		"entity_id": "group.living_room",
		"old_state": map[string]any{"entity_id": "group.living_room", "state": "on"},
		"new_state": nil,
	})

	waitFor(t, 2*time.Second, "mapping teardown", func() bool {
		return rig.o.GetMapping("group.living_room") == nil
	})

	waitFor(t, 2*time.Second, "native group deletion", func() bool {
		rig.zwave.mu.Lock()
		defer rig.zwave.mu.Unlock()
		for _, id := range rig.zwave.deleted {
			if id == groupID {
				return true
			}
		}
		return false
	})
}

func TestRegistryUpdateDebouncesFullSync(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer rig.o.Stop(ctx)

	baseline := rig.client.snapshotCount()

	for i := 0; i < 5; i++ {
		rig.client.fire(t, platform.EventEntityRegistryUpdated, map[string]any{
			"action":  "update",
			"changes": map[string]any{"area_id": []any{"lounge", "kitchen"}},
		})
	}

	waitFor(t, 2*time.Second, "debounced sync", func() bool {
		return rig.client.snapshotCount() > baseline
	})

	// The burst collapses into exactly one pass.
	time.Sleep(200 * time.Millisecond)
	if got := rig.client.snapshotCount(); got != baseline+1 {
		t.Errorf("snapshots after burst = %d, want %d", got, baseline+1)
	}
}

func TestNonMembershipRegistryUpdateIgnored(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer rig.o.Stop(ctx)

	baseline := rig.client.snapshotCount()

	rig.client.fire(t, platform.EventEntityRegistryUpdated, map[string]any{
		"action":  "update",
		"changes": map[string]any{"name": []any{"Old", "New"}},
	})

	time.Sleep(200 * time.Millisecond)
	if got := rig.client.snapshotCount(); got != baseline {
		t.Errorf("snapshots = %d after name-only update, want %d", got, baseline)
	}
}
