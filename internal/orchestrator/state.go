package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/nativesync/internal/mapping"
)

// persistedState is the JSON blob written to the state store.
type persistedState struct {
	SceneIDCounter   int                     `json:"scene_id_counter"`
	Mappings         []*mapping.GroupMapping `json:"mappings"`
	ManagedResources map[string][]string     `json:"managed_resources"`
}

// loadState restores mappings, the managed-resources index, and the
// scene id counter from the store. A corrupt blob is discarded with a
// warning rather than blocking startup; individual malformed mappings
// are skipped the same way.
func (o *Orchestrator) loadState(ctx context.Context) error {
	blob, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: loading persisted state: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}

	var ps persistedState
	if err := json.Unmarshal(blob, &ps); err != nil {
		o.logger.Warn("discarding unreadable persisted state", "error", err)
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if ps.SceneIDCounter >= sceneIDStart && ps.SceneIDCounter <= sceneIDMax {
		o.sceneIDCounter = ps.SceneIDCounter
	}

	for _, m := range ps.Mappings {
		if m == nil || m.Key == "" {
			o.logger.Warn("skipping persisted mapping without key")
			continue
		}
		if _, ok := mapping.KeyType(m.Key); !ok {
			o.logger.Warn("skipping persisted mapping with bad key", "key", m.Key)
			continue
		}
		if m.NativeGroups == nil {
			m.NativeGroups = make(map[string]mapping.NativeGroupRef)
		}
		if m.NativeScenes == nil {
			m.NativeScenes = make(map[string]mapping.NativeSceneRef)
		}
		o.mappings[m.Key] = m
	}

	for key, refs := range ps.ManagedResources {
		set := make(map[string]bool, len(refs))
		for _, ref := range refs {
			set[ref] = true
		}
		o.managed[key] = set
	}

	o.logger.Info("persisted state restored",
		"mappings", len(o.mappings),
		"scene_id_counter", o.sceneIDCounter,
	)
	return nil
}

// saveState serializes the current mappings and managed-resources index.
// Output ordering is deterministic so successive saves of identical
// state produce identical blobs.
func (o *Orchestrator) saveState(ctx context.Context) error {
	o.mu.Lock()

	now := float64(time.Now().Unix())

	keys := make([]string, 0, len(o.mappings))
	for key := range o.mappings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	mappings := make([]*mapping.GroupMapping, 0, len(keys))
	for _, key := range keys {
		m := o.mappings[key].DeepCopy()
		m.LastSynced = now
		mappings = append(mappings, m)
	}

	managed := make(map[string][]string, len(o.managed))
	for key, refs := range o.managed {
		list := make([]string, 0, len(refs))
		for ref := range refs {
			list = append(list, ref)
		}
		sort.Strings(list)
		managed[key] = list
	}

	counter := o.sceneIDCounter
	o.mu.Unlock()

	blob, err := json.Marshal(persistedState{
		SceneIDCounter:   counter,
		Mappings:         mappings,
		ManagedResources: managed,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: serializing state: %w", err)
	}

	if err := o.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("orchestrator: saving state: %w", err)
	}
	return nil
}

// persist saves state and logs failures instead of propagating them;
// provisioning outcomes already live in memory either way.
func (o *Orchestrator) persist(ctx context.Context) {
	if err := o.saveState(ctx); err != nil {
		o.logger.Error("state persistence failed", "error", err)
	}
}
