package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
)

// Domain-specific errors for protocol operations.
var (
	// ErrUnavailable is returned when a handler's backend cannot be reached.
	ErrUnavailable = errors.New("protocol: handler unavailable")

	// ErrUnsupportedService is returned when a service has no native
	// command mapping for the protocol.
	ErrUnsupportedService = errors.New("protocol: unsupported service")

	// ErrGroupNotFound is returned by destructive scene operations when the
	// target group is gone. Group lookups during dispatch log and no-op
	// instead.
	ErrGroupNotFound = errors.New("protocol: group not found")
)

// Settle delays between dependent backend operations.
const (
	// groupCreateSettle gives a broker time to register a new group before
	// members are added to it.
	groupCreateSettle = 200 * time.Millisecond

	// sceneStoreSettle gives devices time to reach their target state
	// before a store-current-state-as-scene command captures it.
	sceneStoreSettle = 500 * time.Millisecond
)

// GroupInfo describes one native group as reported by a protocol backend.
// Used by reconciliation to find orphaned managed groups.
type GroupInfo struct {
	ID      string
	Name    string
	Members []string
}

// Handler is the protocol-specific adapter the orchestrator provisions
// through. Group and scene identifiers cross this boundary as strings;
// protocols with numeric ids parse them internally.
//
// Contract: operations are idempotent-ish (reapplying identical arguments
// is tolerated) and do not fail on transient "group not found" conditions.
// Errors are reserved for unreachable backends and failed destructive or
// scene-programming operations, so the orchestrator can retry or record
// the failure on the mapping.
type Handler interface {
	// Protocol returns the protocol this handler serves.
	Protocol() mapping.Protocol

	// IsAvailable reports whether the protocol's backend is usable right
	// now. The snapshot lets registry-backed protocols check for presence
	// without extra round-trips.
	IsAvailable(ctx context.Context, snap *platform.Snapshot) bool

	// Cleanup releases handler resources on shutdown.
	Cleanup(ctx context.Context)

	// CreateGroup creates a native group and returns its native id.
	CreateGroup(ctx context.Context, name string, memberNativeIDs []string) (string, error)

	// DeleteGroup removes a native group. Deleting a group that no longer
	// exists is not an error.
	DeleteGroup(ctx context.Context, groupID string) error

	// UpdateGroupMembers adds and removes members of an existing group.
	UpdateGroupMembers(ctx context.Context, groupID string, add, remove []string) error

	// GroupExists reports whether a native group is present.
	GroupExists(ctx context.Context, groupID string) bool

	// Groups returns all native groups the protocol knows about, keyed by
	// native group id.
	Groups(ctx context.Context) (map[string]GroupInfo, error)

	// SupportsNativeScenes reports whether devices can store scenes locally
	// for single-command recall.
	SupportsNativeScenes() bool

	// StoreScene programs a scene into the group's devices. deviceStates
	// maps native device id to the per-device target state.
	StoreScene(ctx context.Context, groupID string, sceneID int, deviceStates map[string]map[string]any) error

	// RecallScene activates a stored scene with a single group command.
	RecallScene(ctx context.Context, groupID string, sceneID int) error

	// RemoveScene deletes a stored scene from the group's devices.
	RemoveScene(ctx context.Context, groupID string, sceneID int) error

	// SendGroupCommand sends a service command to a native group.
	SendGroupCommand(ctx context.Context, groupID, domain, service string, data map[string]any) error

	// SendMulticast sends a command to specific devices without a
	// pre-created group.
	SendMulticast(ctx context.Context, nativeIDs []string, domain, service string, data map[string]any) error

	// NativeID extracts the protocol-native device id of an entity. The
	// bool is false when the entity does not belong to this protocol.
	NativeID(snap *platform.Snapshot, entityID string) (string, bool)

	// ConvertServiceData translates generic service data to the protocol's
	// command vocabulary.
	ConvertServiceData(domain, service string, data map[string]any) map[string]any
}

// CapabilityGrouper is implemented by handlers whose multicast addresses a
// single command class at a time, requiring a logical group to fan out
// into per-capability sub-groups.
type CapabilityGrouper interface {
	// CreateCapabilityGroups creates sub-groups for each capability bucket
	// under one base group and returns the base group's native id.
	CreateCapabilityGroups(ctx context.Context, name string, members map[mapping.Capability][]string) (string, error)
}

// settle waits for a fixed delay, honoring context cancellation.
func settle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// numValue coerces a JSON-decoded numeric attribute to float64.
func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
