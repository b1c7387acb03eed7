package platform

import (
	"context"
	"encoding/json"
	"strings"
)

// Event types emitted by the platform that the orchestrator reacts to.
const (
	EventStateChanged          = "state_changed"
	EventAreaRegistryUpdated   = "area_registry_updated"
	EventFloorRegistryUpdated  = "floor_registry_updated"
	EventLabelRegistryUpdated  = "label_registry_updated"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventDeviceRegistryUpdated = "device_registry_updated"
)

// Entity is an entity registry entry.
type Entity struct {
	EntityID string   `json:"entity_id"`
	UniqueID string   `json:"unique_id"`
	Platform string   `json:"platform"`
	DeviceID string   `json:"device_id,omitempty"`
	AreaID   string   `json:"area_id,omitempty"`
	Labels   []string `json:"labels,omitempty"`

	// Category is the entity category ("diagnostic", "config"). Empty for
	// primary entities; grouping skips non-primary entities.
	Category string `json:"entity_category,omitempty"`

	// HiddenBy is non-empty when the entity is hidden from the UI.
	HiddenBy string `json:"hidden_by,omitempty"`
}

// Domain returns the part of the entity id before the first dot.
func (e Entity) Domain() string {
	if i := strings.IndexByte(e.EntityID, '.'); i >= 0 {
		return e.EntityID[:i]
	}
	return e.EntityID
}

// Identifier is a (domain, id) pair from a device registry entry.
// On the wire it is a two-element array, matching registry payloads.
type Identifier struct {
	Domain string
	ID     string
}

// MarshalJSON encodes the pair as ["domain", "id"].
func (i Identifier) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{i.Domain, i.ID})
}

// UnmarshalJSON decodes ["domain", "id"] pairs.
func (i *Identifier) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	i.Domain, i.ID = pair[0], pair[1]
	return nil
}

// Device is a device registry entry.
type Device struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	AreaID      string       `json:"area_id,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	Identifiers []Identifier `json:"identifiers,omitempty"`
}

// Area is an area registry entry.
type Area struct {
	ID      string `json:"area_id"`
	Name    string `json:"name"`
	FloorID string `json:"floor_id,omitempty"`
}

// Floor is a floor registry entry.
type Floor struct {
	ID   string `json:"floor_id"`
	Name string `json:"name"`
}

// Label is a label registry entry.
type Label struct {
	ID   string `json:"label_id"`
	Name string `json:"name"`
}

// State is an entity state with its attributes.
type State struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EntityIDs reads the "entity_id" attribute as a string list. Group and
// scene states carry their membership there; a scalar value is wrapped.
func (s *State) EntityIDs(attr string) []string {
	if s == nil {
		return nil
	}
	switch v := s.Attributes[attr].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}

// Event is a platform event delivered to a subscription handler.
// Data holds the raw event payload; handlers decode the fields they need.
type Event struct {
	Type string          `json:"event_type"`
	Data json.RawMessage `json:"data"`
}

// Registries provides a point-in-time snapshot of the platform's entity,
// device, area, floor, and label registries plus all entity states.
type Registries interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// StateProvider reads current entity state.
type StateProvider interface {
	// GetState returns the state of one entity. The bool is false when the
	// entity has no state (deleted or never set); that is not an error.
	GetState(ctx context.Context, entityID string) (*State, bool, error)
}

// ServiceCaller dispatches a service call against the platform. Targets
// (entity_id, area_id, ...) travel inside data the way the platform's own
// service payloads carry them.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// EventBus delivers platform events to subscribers. The returned cancel
// func detaches the handler; handlers run on the connection's read loop
// and must not block.
type EventBus interface {
	SubscribeEvents(eventType string, handler func(Event)) (cancel func(), err error)
}

// Commander runs integration-specific API commands that sit outside the
// core surface. The raw result is returned for the caller to decode.
type Commander interface {
	Command(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error)
}

// Client is the full platform surface the orchestrator consumes. The
// WebSocket client implements it; tests substitute fakes per interface.
type Client interface {
	Registries
	StateProvider
	ServiceCaller
	EventBus
	Commander
}
