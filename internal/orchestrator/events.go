package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/nativesync/internal/platform"
)

// stateChange is the decoded payload of a state_changed event.
type stateChange struct {
	EntityID string          `json:"entity_id"`
	OldState *platform.State `json:"old_state"`
	NewState *platform.State `json:"new_state"`
}

// registryChange is the decoded payload of a registry update event. Only
// the fields the orchestrator acts on are decoded.
type registryChange struct {
	Action  string         `json:"action"`
	AreaID  string         `json:"area_id"`
	FloorID string         `json:"floor_id"`
	LabelID string         `json:"label_id"`
	Changes map[string]any `json:"changes"`
}

// subscribe attaches event listeners for the grouping types enabled in
// config. Cancels accumulate in o.unsubs and are detached on Stop.
func (o *Orchestrator) subscribe() error {
	sc := o.cfg.Sync

	type sub struct {
		eventType string
		enabled   bool
		handler   func(platform.Event)
	}

	subs := []sub{
		{platform.EventStateChanged, sc.EnableGroups || sc.EnableScenes, o.onStateChanged},
		{platform.EventAreaRegistryUpdated, sc.EnableAreas, o.onAreaRegistry},
		{platform.EventFloorRegistryUpdated, sc.EnableFloors, o.onFloorRegistry},
		{platform.EventLabelRegistryUpdated, sc.EnableLabels, o.onLabelRegistry},
		{platform.EventEntityRegistryUpdated, sc.EnableAreas || sc.EnableLabels, o.onMembershipRegistry},
		{platform.EventDeviceRegistryUpdated, sc.EnableAreas || sc.EnableLabels, o.onMembershipRegistry},
	}

	for _, s := range subs {
		if !s.enabled {
			continue
		}
		cancel, err := o.client.SubscribeEvents(s.eventType, s.handler)
		if err != nil {
			return fmt.Errorf("orchestrator: subscribing to %s: %w", s.eventType, err)
		}
		o.mu.Lock()
		o.unsubs = append(o.unsubs, cancel)
		o.mu.Unlock()
	}
	return nil
}

// onStateChanged reacts to group and scene entity lifecycle: creation
// and membership changes re-provision, deletion tears down.
func (o *Orchestrator) onStateChanged(ev platform.Event) {
	var sc stateChange
	if err := json.Unmarshal(ev.Data, &sc); err != nil {
		o.logger.Warn("undecodable state_changed event", "error", err)
		return
	}

	isGroup := strings.HasPrefix(sc.EntityID, "group.")
	isScene := strings.HasPrefix(sc.EntityID, "scene.")
	switch {
	case isGroup && !o.cfg.Sync.EnableGroups:
		return
	case isScene && !o.cfg.Sync.EnableScenes:
		return
	case !isGroup && !isScene:
		return
	}

	key := sc.EntityID
	switch {
	case sc.NewState == nil:
		o.logger.Info("grouping entity removed", "key", key)
		o.spawn("cleanup:"+key, func(ctx context.Context) {
			o.cleanupResources(ctx, key)
			o.dropMapping(key)
			o.persist(ctx)
		})

	case sc.OldState == nil:
		o.logger.Info("grouping entity added", "key", key)
		o.spawn("sync:"+key, func(ctx context.Context) {
			if err := o.SyncEntity(ctx, key); err != nil {
				o.logger.Error("entity sync failed", "key", key, "error", err)
			}
		})

	default:
		// A plain state flip (on/off) is not a membership event.
		if !membersChanged(sc.OldState, sc.NewState) {
			return
		}
		o.logger.Info("grouping membership changed", "key", key)
		o.spawn("sync:"+key, func(ctx context.Context) {
			if err := o.SyncEntity(ctx, key); err != nil {
				o.logger.Error("entity sync failed", "key", key, "error", err)
			}
		})
	}
}

func (o *Orchestrator) onAreaRegistry(ev platform.Event) {
	o.onRegistryUpdate(ev, "area", func(rc registryChange) string { return rc.AreaID })
}

func (o *Orchestrator) onFloorRegistry(ev platform.Event) {
	o.onRegistryUpdate(ev, "floor", func(rc registryChange) string { return rc.FloorID })
}

func (o *Orchestrator) onLabelRegistry(ev platform.Event) {
	o.onRegistryUpdate(ev, "label", func(rc registryChange) string { return rc.LabelID })
}

// onRegistryUpdate handles create/remove/update for the registry-backed
// grouping types. The key prefix doubles as the registry name.
func (o *Orchestrator) onRegistryUpdate(ev platform.Event, prefix string, id func(registryChange) string) {
	var rc registryChange
	if err := json.Unmarshal(ev.Data, &rc); err != nil {
		o.logger.Warn("undecodable registry event", "registry", prefix, "error", err)
		return
	}

	registryID := id(rc)
	if registryID == "" {
		return
	}
	key := prefix + "." + registryID

	switch rc.Action {
	case "create", "update":
		o.spawn("sync:"+key, func(ctx context.Context) {
			if err := o.SyncEntity(ctx, key); err != nil {
				o.logger.Error("registry sync failed", "key", key, "error", err)
			}
		})
	case "remove":
		o.logger.Info("registry entry removed", "key", key)
		o.spawn("cleanup:"+key, func(ctx context.Context) {
			o.cleanupResources(ctx, key)
			o.dropMapping(key)
			o.persist(ctx)
		})
	}
}

// membershipFields are the entity/device registry fields whose change
// can move an entity between areas or labels.
var membershipFields = []string{"area_id", "labels"}

// onMembershipRegistry debounces a full re-sync when an entity or device
// moves between areas or gains/loses labels. Individual grouping keys
// cannot be derived from the event, so the whole table refreshes.
func (o *Orchestrator) onMembershipRegistry(ev platform.Event) {
	var rc registryChange
	if err := json.Unmarshal(ev.Data, &rc); err != nil {
		o.logger.Warn("undecodable registry event", "error", err)
		return
	}
	if rc.Action != "update" {
		return
	}

	for _, field := range membershipFields {
		if _, ok := rc.Changes[field]; ok {
			o.scheduleSync()
			return
		}
	}
}

// scheduleSync arms (or re-arms) the debounce timer for a full sync.
// Bursts of registry updates collapse into one pass.
func (o *Orchestrator) scheduleSync() {
	delay := o.cfg.GetSyncDebounce()

	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	if o.debounceTimer != nil {
		o.debounceTimer.Reset(delay)
		return
	}
	o.debounceTimer = time.AfterFunc(delay, o.debounceFired)
}

func (o *Orchestrator) debounceFired() {
	o.debounceMu.Lock()
	o.debounceTimer = nil
	o.debounceMu.Unlock()

	o.spawn("sync-all:debounce", func(ctx context.Context) {
		o.syncAll(ctx, "debounce")
	})
}

func (o *Orchestrator) stopDebounce() {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()

	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
}

// membersChanged compares the membership sets of two grouping states.
func membersChanged(oldState, newState *platform.State) bool {
	oldIDs := oldState.EntityIDs("entity_id")
	newIDs := newState.EntityIDs("entity_id")
	if len(oldIDs) != len(newIDs) {
		return true
	}
	set := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		set[id] = true
	}
	for _, id := range newIDs {
		if !set[id] {
			return true
		}
	}
	return false
}
