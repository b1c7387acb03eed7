package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/nativesync/internal/mapping"
)

// Target names the logical groupings a service call addresses. Entity
// ids are used as-is; area, floor, and label ids are converted to
// grouping keys before lookup.
type Target struct {
	EntityIDs []string
	AreaIDs   []string
	FloorIDs  []string
	LabelIDs  []string
}

func (t Target) keys() []string {
	var keys []string
	keys = append(keys, t.EntityIDs...)
	for _, id := range t.AreaIDs {
		keys = append(keys, mapping.AreaKey(id))
	}
	for _, id := range t.FloorIDs {
		keys = append(keys, mapping.FloorKey(id))
	}
	for _, id := range t.LabelIDs {
		keys = append(keys, mapping.LabelKey(id))
	}
	return keys
}

// Dispatch routes a service call through native primitives. It reports
// whether any targeted grouping had a mapping; a false return means the
// caller should fall through to a plain platform service call.
//
// Each mapped grouping dispatches concurrently and independently: a
// failing protocol never blocks the others or the ungrouped remainder.
func (o *Orchestrator) Dispatch(ctx context.Context, domain, service string, target Target, data map[string]any) bool {
	start := time.Now()

	var matched []*mapping.GroupMapping
	o.mu.Lock()
	for _, key := range target.keys() {
		if m, ok := o.mappings[key]; ok {
			matched = append(matched, m.DeepCopy())
		}
	}
	o.mu.Unlock()

	handled := len(matched) > 0
	if handled {
		var wg sync.WaitGroup
		for _, m := range matched {
			wg.Add(1)
			go func(m *mapping.GroupMapping) {
				defer wg.Done()
				if m.Type == mapping.GroupingScene {
					o.dispatchScene(ctx, m)
				} else {
					o.dispatchGroup(ctx, m, domain, service, data)
				}
			}(m)
		}
		wg.Wait()
	}

	o.metrics.RecordDispatch(domain, service, handled, time.Since(start))
	return handled
}

// dispatchGroup fans a service call out to each protocol's native group
// plus per-entity calls for the ungrouped remainder.
func (o *Orchestrator) dispatchGroup(ctx context.Context, m *mapping.GroupMapping, domain, service string, data map[string]any) {
	var wg sync.WaitGroup

	for _, ref := range m.NativeGroups {
		handler := o.handlerFor(ref.Protocol)
		if handler == nil {
			continue
		}

		wg.Add(1)
		go func(ref mapping.NativeGroupRef) {
			defer wg.Done()

			converted := handler.ConvertServiceData(domain, service, data)
			var err error
			if ref.GroupID != "" {
				err = handler.SendGroupCommand(ctx, ref.GroupID, domain, service, converted)
			} else {
				err = handler.SendMulticast(ctx, ref.MemberNativeIDs, domain, service, converted)
			}
			if err != nil {
				o.logger.Warn("native group dispatch failed",
					"key", m.Key,
					"protocol", ref.Protocol,
					"group_id", ref.GroupID,
					"error", err,
				)
			}
		}(ref)
	}

	for _, entityID := range m.UngroupedEntities {
		wg.Add(1)
		go func(entityID string) {
			defer wg.Done()
			o.callEntity(ctx, entityID, domain, service, data)
		}(entityID)
	}

	wg.Wait()
}

// dispatchScene recalls every native scene of a scene mapping, then
// activates the ungrouped members individually through the platform.
func (o *Orchestrator) dispatchScene(ctx context.Context, m *mapping.GroupMapping) {
	var wg sync.WaitGroup

	for _, ref := range m.NativeScenes {
		handler := o.handlerFor(ref.Protocol)
		if handler == nil {
			continue
		}

		wg.Add(1)
		go func(ref mapping.NativeSceneRef) {
			defer wg.Done()
			if err := handler.RecallScene(ctx, ref.GroupID, ref.SceneID); err != nil {
				o.logger.Warn("native scene recall failed",
					"key", m.Key,
					"protocol", ref.Protocol,
					"scene_id", ref.SceneID,
					"error", err,
				)
			}
		}(ref)
	}

	for _, entityID := range m.UngroupedEntities {
		wg.Add(1)
		go func(entityID string) {
			defer wg.Done()
			o.callEntity(ctx, entityID, "homeassistant", "turn_on", nil)
		}(entityID)
	}

	wg.Wait()
}

// callEntity issues a single-entity platform service call, copying data
// so concurrent fan-out never shares a payload map.
func (o *Orchestrator) callEntity(ctx context.Context, entityID, domain, service string, data map[string]any) {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["entity_id"] = entityID

	if err := o.client.CallService(ctx, domain, service, payload); err != nil {
		o.logger.Warn("entity fallback call failed",
			"entity_id", entityID,
			"domain", domain,
			"service", service,
			"error", err,
		)
	}
}
