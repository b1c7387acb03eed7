// Package telemetry provides InfluxDB connectivity for Native Sync.
//
// It wraps the official influxdb-client-go v2 library with connection
// management and non-blocking batched writes for the sync engine's
// operational measurements.
//
// # Purpose
//
// This package records time-series data for:
//   - Provisioning passes (trigger, mapping count, duration)
//   - Command dispatches (domain/service, handled, duration)
//   - Reconciliation results (orphans removed per protocol)
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "nativesync",
//	    Bucket: "metrics",
//	}
//
//	client, err := telemetry.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.RecordSyncPass("startup", 12, 340*time.Millisecond)
//
// A nil *Client is a valid no-op recorder, so callers hold one pointer
// whether or not telemetry is enabled.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
package telemetry
