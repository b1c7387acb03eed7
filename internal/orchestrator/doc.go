// Package orchestrator is the control loop of the sync engine.
//
// It keeps the platform's logical groupings (groups, scenes, areas,
// floors, labels) synchronized with native group and scene primitives on
// the active protocol handlers. The orchestrator owns the in-memory
// mapping table and the managed-resources index, reacts to platform
// change events with debounced background re-syncs, reconciles drift on
// a fixed interval, routes inbound service calls to native primitives,
// and persists its state as a versioned JSON blob.
//
// A mapping is always replaced wholesale: any membership-affecting
// change runs cleanup-then-reprovision, never an in-place patch. The
// managed-resources index is the authoritative record of provisioned
// native state and survives mapping replacement, so teardown works from
// persisted state alone.
package orchestrator
