// Package platform connects the sync engine to its host home-automation
// platform.
//
// This package provides:
//   - The data model of the platform's registries (entities, devices,
//     areas, floors, labels) and entity states
//   - Snapshot: an immutable, index-backed point-in-time copy of all
//     registries, so classification and provisioning work over a fixed view
//   - WSClient: a WebSocket API client with token auth, uuid-correlated
//     command round-trips, event subscriptions, and auto-reconnect
//   - StateStore: persistence for the orchestrator's state blob, backed
//     by SQLite
//
// # Usage
//
//	client, err := platform.ConnectWS(cfg.Platform, log)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	snap, err := client.Snapshot(ctx)
//	if err != nil {
//	    return err
//	}
//	entities := snap.EntitiesForArea("kitchen")
package platform
