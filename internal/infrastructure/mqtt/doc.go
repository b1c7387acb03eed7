// Package mqtt provides MQTT client connectivity for the Zigbee2MQTT
// protocol handler.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Zigbee2MQTT topic construction (bridge requests, device/group set)
//
// # Architecture
//
// Zigbee2MQTT exposes its entire management surface over MQTT: groups are
// created and populated via bridge request topics, and group commands and
// scene operations are published to the group's set topic. This client is
// the only transport the Zigbee2MQTT handler uses.
//
//	Sync Engine ↔ MQTT Broker ↔ Zigbee2MQTT
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.MQTT.BaseTopic)
//	err = client.Publish(topics.GroupAdd(),
//	    []byte(`{"friendly_name":"ha_kitchen_zigbee2mqtt"}`), 1, false)
package mqtt
