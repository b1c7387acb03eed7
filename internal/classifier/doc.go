// Package classifier determines which mesh protocol owns an entity and
// extracts the protocol-native identifier the handlers address it by.
//
// Classification is a pure function over a registry snapshot: the entity's
// integration platform selects the protocol, its unique id yields the
// native identifier (Z-Wave node id, ZHA IEEE address, broker device id),
// and its state attributes yield the command capability used for
// capability-based sub-grouping (binary, dimmer, color).
//
// Entities that belong to none of the supported protocols classify as
// unknown and are handled by per-entity service-call fallback instead of
// native groups.
package classifier
