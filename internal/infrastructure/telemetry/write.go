package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordSyncPass writes one provisioning-pass measurement.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - trigger: What started the pass ("startup", "event", "debounce")
//   - mappings: Number of mappings after the pass
//   - duration: Wall time of the pass
func (c *Client) RecordSyncPass(trigger string, mappings int, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sync_pass",
		map[string]string{
			"trigger": trigger,
		},
		map[string]interface{}{
			"mappings":    mappings,
			"duration_ms": float64(duration.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordDispatch writes one command-dispatch measurement.
//
// Parameters:
//   - domain: Service domain ("light", "switch", "cover", "scene")
//   - service: Service name ("turn_on", ...)
//   - handled: Whether a native mapping took the command
//   - duration: Wall time of the fan-out
func (c *Client) RecordDispatch(domain, service string, handled bool, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"dispatch",
		map[string]string{
			"domain":  domain,
			"service": service,
		},
		map[string]interface{}{
			"handled":     handled,
			"duration_ms": float64(duration.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordReconcile writes one per-protocol reconciliation result.
//
// Parameters:
//   - protocol: Protocol identifier ("zwave_js", "zigbee2mqtt", "zha")
//   - orphansRemoved: Orphaned groups deleted this pass
//   - ok: Whether the protocol's pass completed without error
func (c *Client) RecordReconcile(protocol string, orphansRemoved int, ok bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"reconcile",
		map[string]string{
			"protocol": protocol,
		},
		map[string]interface{}{
			"orphans_removed": orphansRemoved,
			"ok":              ok,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordPoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) RecordPoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
