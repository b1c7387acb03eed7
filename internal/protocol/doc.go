// Package protocol adapts logical group and scene provisioning onto the
// native primitives of each mesh protocol.
//
// The Handler interface covers group CRUD, scene store/recall/remove,
// group and ad-hoc multicast command dispatch, native-id extraction, and
// service-data translation. Three implementations exist:
//
//   - ZWaveJSHandler: locally tracked groups with capability-aware
//     multicast (one command class per frame) and actuator-configuration
//     scenes
//   - Zigbee2MQTTHandler: broker-topic groups and two-phase scene
//     storage over MQTT
//   - ZHAHandler: gateway-API groups with scenes-cluster commands and
//     local-tracking fallback
//
// Registry selects the handlers that are enabled in configuration and
// whose backend is reachable.
package protocol
