package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/nativesync/internal/classifier"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
	"github.com/nerrad567/nativesync/internal/protocol"
)

// protocolOrder fixes the iteration order over classification buckets so
// provisioning passes are deterministic. Unknown entities sort last and
// always land in the ungrouped remainder.
var protocolOrder = []mapping.Protocol{
	mapping.ProtocolZWaveJS,
	mapping.ProtocolZigbee2MQTT,
	mapping.ProtocolZHA,
	mapping.ProtocolUnknown,
}

// SyncAll re-runs full provisioning across all enabled grouping types.
func (o *Orchestrator) SyncAll(ctx context.Context) {
	o.syncAll(ctx, "manual")
}

func (o *Orchestrator) syncAll(ctx context.Context, trigger string) {
	start := time.Now()

	snap, err := o.client.Snapshot(ctx)
	if err != nil {
		o.logger.Error("snapshot for full sync failed", "error", err)
		return
	}

	sc := o.cfg.Sync

	if sc.EnableGroups {
		for _, st := range snap.StatesByDomain("group") {
			o.provisionGroup(ctx, snap, st.EntityID)
		}
	}
	if sc.EnableScenes {
		for _, st := range snap.StatesByDomain("scene") {
			o.provisionScene(ctx, snap, st.EntityID)
		}
	}
	if sc.EnableAreas {
		for _, area := range snap.Areas {
			o.provisionArea(ctx, snap, area.ID)
		}
	}
	if sc.EnableFloors {
		for _, floor := range snap.Floors {
			o.provisionFloor(ctx, snap, floor.ID)
		}
	}
	if sc.EnableLabels {
		for _, label := range snap.Labels {
			o.provisionLabel(ctx, snap, label.ID)
		}
	}

	o.persist(ctx)

	o.mu.Lock()
	count := len(o.mappings)
	o.mu.Unlock()

	o.metrics.RecordSyncPass(trigger, count, time.Since(start))
	o.logger.Info("full sync complete", "trigger", trigger, "mappings", count)
}

// SyncEntity re-provisions one grouping key: existing native resources
// are torn down first, then the grouping is provisioned fresh.
func (o *Orchestrator) SyncEntity(ctx context.Context, key string) error {
	snap, err := o.client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: snapshot for sync: %w", err)
	}

	o.cleanupResources(ctx, key)

	switch {
	case strings.HasPrefix(key, "group."):
		o.provisionGroup(ctx, snap, key)
	case strings.HasPrefix(key, "scene."):
		o.provisionScene(ctx, snap, key)
	case strings.HasPrefix(key, "area."):
		o.provisionArea(ctx, snap, strings.TrimPrefix(key, "area."))
	case strings.HasPrefix(key, "floor."):
		o.provisionFloor(ctx, snap, strings.TrimPrefix(key, "floor."))
	case strings.HasPrefix(key, "label."):
		o.provisionLabel(ctx, snap, strings.TrimPrefix(key, "label."))
	default:
		return fmt.Errorf("orchestrator: unrecognized grouping key %q", key)
	}
	return nil
}

// provisionGroup provisions native groups for one platform group entity.
func (o *Orchestrator) provisionGroup(ctx context.Context, snap *platform.Snapshot, groupID string) {
	st, ok := snap.State(groupID)
	if !ok {
		return
	}

	members := st.EntityIDs("entity_id")
	if len(members) == 0 {
		return
	}

	o.provisionEntityList(ctx, snap, groupID, mapping.GroupingGroup, members)
}

// provisionArea provisions native groups for the entities of an area.
func (o *Orchestrator) provisionArea(ctx context.Context, snap *platform.Snapshot, areaID string) {
	o.logger.Debug("provisioning area", "area_id", areaID)

	if ids := snap.EntitiesForArea(areaID); len(ids) > 0 {
		o.provisionEntityList(ctx, snap, mapping.AreaKey(areaID), mapping.GroupingArea, ids)
	}
}

// provisionFloor provisions native groups for the entities on a floor.
func (o *Orchestrator) provisionFloor(ctx context.Context, snap *platform.Snapshot, floorID string) {
	o.logger.Debug("provisioning floor", "floor_id", floorID)

	if ids := snap.EntitiesForFloor(floorID); len(ids) > 0 {
		o.provisionEntityList(ctx, snap, mapping.FloorKey(floorID), mapping.GroupingFloor, ids)
	}
}

// provisionLabel provisions native groups for the entities with a label.
func (o *Orchestrator) provisionLabel(ctx context.Context, snap *platform.Snapshot, labelID string) {
	o.logger.Debug("provisioning label", "label_id", labelID)

	if ids := snap.EntitiesForLabel(labelID); len(ids) > 0 {
		o.provisionEntityList(ctx, snap, mapping.LabelKey(labelID), mapping.GroupingLabel, ids)
	}
}

// provisionEntityList is the shared provisioning pipeline for groups,
// areas, floors, and labels: classify members, create one native group
// per protocol, and replace the mapping under the key.
//
// A single member on a protocol is recorded without a native group; the
// grouping gains nothing from a one-device group and dispatch falls back
// to an ad-hoc multicast.
func (o *Orchestrator) provisionEntityList(
	ctx context.Context,
	snap *platform.Snapshot,
	key string,
	groupingType mapping.GroupingType,
	entityIDs []string,
) {
	if len(entityIDs) == 0 {
		return
	}

	byProtocol := classifier.ClassifyAll(snap, entityIDs)
	m := mapping.NewGroupMapping(key, groupingType)

	for _, p := range protocolOrder {
		entities := byProtocol[p]
		if len(entities) == 0 {
			continue
		}

		handler := o.handlerFor(p)
		if handler == nil {
			for _, e := range entities {
				m.UngroupedEntities = append(m.UngroupedEntities, e.EntityID)
			}
			continue
		}

		groupName := mapping.NativeGroupName(key, p)

		var (
			groupID   string
			ungrouped []string
			err       error
		)
		switch {
		case len(entities) == 1:
			// Single member, no native group.
		case p == mapping.ProtocolZWaveJS:
			groupID, ungrouped, err = o.createCapabilityGroups(ctx, handler, groupName, entities)
		default:
			groupID, err = handler.CreateGroup(ctx, groupName, nativeIDs(entities))
		}
		if err != nil {
			o.logger.Error("native group creation failed",
				"key", key,
				"protocol", p,
				"error", err,
			)
			m.SyncError = err.Error()
			continue
		}

		m.UngroupedEntities = append(m.UngroupedEntities, ungrouped...)

		dropped := make(map[string]bool, len(ungrouped))
		for _, id := range ungrouped {
			dropped[id] = true
		}

		ref := mapping.NativeGroupRef{
			Protocol:  p,
			GroupID:   groupID,
			GroupName: groupName,
		}
		for _, e := range entities {
			if dropped[e.EntityID] {
				continue
			}
			ref.MemberEntityIDs = append(ref.MemberEntityIDs, e.EntityID)
			ref.MemberNativeIDs = append(ref.MemberNativeIDs, e.NativeID)
		}
		m.NativeGroups[string(p)] = ref

		if groupID != "" {
			o.track(key, mapping.GroupResource(p, groupID))
		}
	}

	o.storeMapping(m)
	o.persist(ctx)
}

// createCapabilityGroups splits members by capability before creating
// the native group. Members without a groupable capability divert to the
// ungrouped remainder instead of being silently dropped.
func (o *Orchestrator) createCapabilityGroups(
	ctx context.Context,
	handler protocol.Handler,
	groupName string,
	entities []mapping.ProtocolInfo,
) (string, []string, error) {
	grouper, ok := handler.(protocol.CapabilityGrouper)
	if !ok {
		id, err := handler.CreateGroup(ctx, groupName, nativeIDs(entities))
		return id, nil, err
	}

	members := make(map[mapping.Capability][]string)
	var ungrouped []string
	for _, e := range entities {
		if e.Capability == "" || e.NativeID == "" {
			ungrouped = append(ungrouped, e.EntityID)
			continue
		}
		members[e.Capability] = append(members[e.Capability], e.NativeID)
	}

	if len(ungrouped) > 0 {
		o.logger.Debug("ungroupable members fall back to unicast",
			"group", groupName,
			"entities", ungrouped,
		)
	}

	id, err := grouper.CreateCapabilityGroups(ctx, groupName, members)
	return id, ungrouped, err
}

// provisionScene provisions one native scene per protocol for a scene
// entity. Protocols without native scene support, or with fewer than two
// members, fall back to per-entity dispatch.
func (o *Orchestrator) provisionScene(ctx context.Context, snap *platform.Snapshot, sceneKey string) {
	st, ok := snap.State(sceneKey)
	if !ok {
		return
	}

	targets := sceneTargets(snap, st)
	if len(targets) == 0 {
		return
	}

	memberIDs := make([]string, 0, len(targets))
	for id := range targets {
		memberIDs = append(memberIDs, id)
	}
	sort.Strings(memberIDs)

	type sceneMember struct {
		info   mapping.ProtocolInfo
		target map[string]any
	}
	byProtocol := make(map[mapping.Protocol][]sceneMember)
	for _, entityID := range memberIDs {
		info := classifier.Classify(snap, entityID)
		byProtocol[info.Protocol] = append(byProtocol[info.Protocol], sceneMember{
			info:   info,
			target: targets[entityID],
		})
	}

	m := mapping.NewGroupMapping(sceneKey, mapping.GroupingScene)
	nativeSceneID := o.allocateSceneID()

	for _, p := range protocolOrder {
		members := byProtocol[p]
		if len(members) == 0 {
			continue
		}

		handler := o.handlerFor(p)
		if handler == nil || !handler.SupportsNativeScenes() || len(members) < 2 {
			for _, mem := range members {
				m.UngroupedEntities = append(m.UngroupedEntities, mem.info.EntityID)
			}
			continue
		}

		groupName := mapping.NativeGroupName(sceneKey, p)

		ids := make([]string, len(members))
		entityIDs := make([]string, len(members))
		for i, mem := range members {
			ids[i] = mem.info.NativeID
			entityIDs[i] = mem.info.EntityID
		}

		groupID, err := handler.CreateGroup(ctx, groupName, ids)
		if err != nil {
			o.logger.Error("scene group creation failed",
				"key", sceneKey,
				"protocol", p,
				"error", err,
			)
			m.SyncError = err.Error()
			continue
		}
		o.track(sceneKey, mapping.GroupResource(p, groupID))

		deviceStates := make(map[string]map[string]any, len(members))
		for _, mem := range members {
			service := "turn_on"
			if s, ok := mem.target["state"].(string); ok && strings.EqualFold(s, "off") {
				service = "turn_off"
			}
			domain := mem.info.EntityID
			if i := strings.IndexByte(domain, '.'); i >= 0 {
				domain = domain[:i]
			}
			deviceStates[mem.info.NativeID] = handler.ConvertServiceData(domain, service, mem.target)
		}

		if err := o.storeSceneWithRetry(ctx, handler, groupID, nativeSceneID, deviceStates); err != nil {
			o.logger.Error("scene store failed",
				"key", sceneKey,
				"protocol", p,
				"scene_id", nativeSceneID,
				"error", err,
			)
			m.SyncError = err.Error()
			continue
		}

		m.NativeScenes[string(p)] = mapping.NativeSceneRef{
			Protocol:        p,
			GroupName:       groupName,
			GroupID:         groupID,
			SceneID:         nativeSceneID,
			MemberEntityIDs: entityIDs,
		}
		o.track(sceneKey, mapping.SceneResource(p, groupID, nativeSceneID))
	}

	o.storeMapping(m)
	o.persist(ctx)
}

// storeSceneWithRetry retries the store operation with linear backoff
// before surfacing the failure.
func (o *Orchestrator) storeSceneWithRetry(
	ctx context.Context,
	handler protocol.Handler,
	groupID string,
	sceneID int,
	deviceStates map[string]map[string]any,
) error {
	var err error
	for attempt := 1; attempt <= sceneStoreAttempts; attempt++ {
		err = handler.StoreScene(ctx, groupID, sceneID, deviceStates)
		if err == nil {
			return nil
		}
		if attempt == sceneStoreAttempts {
			break
		}
		o.logger.Debug("scene store attempt failed, retrying",
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * sceneStoreBackoff):
		}
	}
	return err
}

// sceneStateAttrs are the attributes carried from a member's state into
// its scene target.
var sceneStateAttrs = []string{
	"brightness", "color_temp", "hs_color", "rgb_color", "xy_color", "position",
}

// sceneTargets resolves the per-member target states of a scene. The
// scene state exposes either a member-to-state map or a plain member
// list; for a list, each member's current state is captured as the
// target the way the native store commands capture live state.
func sceneTargets(snap *platform.Snapshot, st *platform.State) map[string]map[string]any {
	out := make(map[string]map[string]any)

	if byEntity, ok := st.Attributes["entity_id"].(map[string]any); ok {
		for entityID, raw := range byEntity {
			target, _ := raw.(map[string]any)
			if target == nil {
				target = make(map[string]any)
			}
			out[entityID] = target
		}
		return out
	}

	for _, entityID := range st.EntityIDs("entity_id") {
		target := make(map[string]any)
		if cur, ok := snap.State(entityID); ok {
			target["state"] = cur.State
			for _, attr := range sceneStateAttrs {
				if v, ok := cur.Attributes[attr]; ok {
					target[attr] = v
				}
			}
		}
		out[entityID] = target
	}
	return out
}

// cleanupResources tears down every native resource tracked under a
// grouping key. Failures are logged; teardown continues so one stuck
// resource cannot pin the rest.
func (o *Orchestrator) cleanupResources(ctx context.Context, key string) {
	o.mu.Lock()
	refs := o.managed[key]
	delete(o.managed, key)
	o.mu.Unlock()

	for refStr := range refs {
		ref, err := mapping.ParseResourceRef(refStr)
		if err != nil {
			o.logger.Warn("skipping malformed resource ref", "ref", refStr, "error", err)
			continue
		}

		handler := o.handlerFor(ref.Protocol)
		if handler == nil {
			continue
		}

		switch ref.Kind {
		case mapping.ResourceScene:
			if err := handler.RemoveScene(ctx, ref.Target, ref.SceneID); err != nil {
				o.logger.Warn("scene cleanup failed", "ref", refStr, "error", err)
			}
		case mapping.ResourceGroup:
			if err := handler.DeleteGroup(ctx, ref.Target); err != nil {
				o.logger.Warn("group cleanup failed", "ref", refStr, "error", err)
			}
		}
	}
}

// nativeIDs projects the native ids out of a classified member list.
func nativeIDs(entities []mapping.ProtocolInfo) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.NativeID
	}
	return ids
}
