package orchestrator

import (
	"context"
	"time"

	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/protocol"
)

// reconcileLoop removes orphaned native groups on a fixed interval until
// the run context is cancelled.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.GetReconcileInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcile(ctx)
		}
	}
}

// Reconcile runs one orphan-cleanup pass on demand.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.reconcile(ctx)
}

// reconcile deletes managed-prefix native groups that no mapping or
// managed resource accounts for. Groups without the reserved prefix are
// never touched; they belong to the user or another integration.
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.mu.Lock()
	handlers := make(map[mapping.Protocol]protocol.Handler, len(o.handlers))
	for p, h := range o.handlers {
		handlers[p] = h
	}
	o.mu.Unlock()

	for _, p := range protocolOrder {
		handler, ok := handlers[p]
		if !ok {
			continue
		}

		actual, err := handler.Groups(ctx)
		if err != nil {
			o.logger.Debug("group listing for reconciliation failed",
				"protocol", p,
				"error", err,
			)
			o.metrics.RecordReconcile(string(p), 0, false)
			continue
		}

		managed := o.managedGroupIDs(p)

		removed := 0
		for groupID, info := range actual {
			if !mapping.IsManagedName(info.Name) || managed[groupID] {
				continue
			}
			o.logger.Info("removing orphaned native group",
				"protocol", p,
				"group_id", groupID,
				"name", info.Name,
			)
			if err := handler.DeleteGroup(ctx, groupID); err != nil {
				o.logger.Warn("orphan removal failed",
					"protocol", p,
					"group_id", groupID,
					"error", err,
				)
				continue
			}
			removed++
		}

		o.metrics.RecordReconcile(string(p), removed, true)
	}
}

// managedGroupIDs collects every native group id this instance accounts
// for on a protocol, from both the mapping table and the
// managed-resources index. The index also covers scene-backing groups
// whose mapping records them only as scene refs.
func (o *Orchestrator) managedGroupIDs(p mapping.Protocol) map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make(map[string]bool)
	for _, m := range o.mappings {
		for _, ref := range m.NativeGroups {
			if ref.Protocol == p && ref.GroupID != "" {
				ids[ref.GroupID] = true
			}
		}
	}
	for _, refs := range o.managed {
		for refStr := range refs {
			ref, err := mapping.ParseResourceRef(refStr)
			if err != nil {
				continue
			}
			if ref.Protocol == p && ref.Kind == mapping.ResourceGroup {
				ids[ref.Target] = true
			}
		}
	}
	return ids
}
