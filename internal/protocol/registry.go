package protocol

import (
	"context"

	"github.com/nerrad567/nativesync/internal/infrastructure/config"
	"github.com/nerrad567/nativesync/internal/mapping"
	"github.com/nerrad567/nativesync/internal/platform"
)

// Registry holds the constructed protocol handlers and answers which of
// them are usable: enabled in configuration and with a reachable backend.
// This keeps the orchestrator decoupled from concrete handler types.
type Registry struct {
	handlers map[mapping.Protocol]Handler
	enabled  map[mapping.Protocol]bool
}

// NewRegistry builds a registry from the configured protocol set.
func NewRegistry(cfg config.SyncConfig, handlers ...Handler) *Registry {
	r := &Registry{
		handlers: make(map[mapping.Protocol]Handler, len(handlers)),
		enabled:  make(map[mapping.Protocol]bool, len(cfg.EnabledProtocols)),
	}
	for _, h := range handlers {
		r.handlers[h.Protocol()] = h
	}
	for _, p := range cfg.EnabledProtocols {
		r.enabled[mapping.Protocol(p)] = true
	}
	return r
}

// Handler returns the enabled handler for a protocol.
func (r *Registry) Handler(p mapping.Protocol) (Handler, bool) {
	if !r.enabled[p] {
		return nil, false
	}
	h, ok := r.handlers[p]
	return h, ok
}

// Available returns the handlers that are both enabled and currently
// usable against the given registry snapshot.
func (r *Registry) Available(ctx context.Context, snap *platform.Snapshot) []Handler {
	var out []Handler
	for _, p := range []mapping.Protocol{mapping.ProtocolZWaveJS, mapping.ProtocolZigbee2MQTT, mapping.ProtocolZHA} {
		h, ok := r.handlers[p]
		if !ok || !r.enabled[p] {
			continue
		}
		if h.IsAvailable(ctx, snap) {
			out = append(out, h)
		}
	}
	return out
}

// Cleanup runs every handler's cleanup.
func (r *Registry) Cleanup(ctx context.Context) {
	for _, h := range r.handlers {
		h.Cleanup(ctx)
	}
}
