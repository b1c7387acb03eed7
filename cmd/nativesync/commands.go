package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/nativesync/internal/orchestrator"
	"github.com/nerrad567/nativesync/internal/platform"
)

// commandTimeout bounds one inbound command end to end, including the
// per-protocol fan-out behind Dispatch.
const commandTimeout = 30 * time.Second

// commandMessage is the JSON payload accepted on the command topic.
//
// Example:
//
//	{"domain": "light", "service": "turn_on",
//	 "target": {"area_id": ["lounge"]},
//	 "data": {"brightness": 128}}
type commandMessage struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
	Target  struct {
		EntityIDs []string `json:"entity_id,omitempty"`
		AreaIDs   []string `json:"area_id,omitempty"`
		FloorIDs  []string `json:"floor_id,omitempty"`
		LabelIDs  []string `json:"label_id,omitempty"`
	} `json:"target"`
	Data map[string]any `json:"data,omitempty"`
}

// subscribeCommands routes inbound service-call requests through native
// primitives. Targets without a mapping fall back to a plain platform
// service call, so a command never goes unanswered.
func subscribeCommands(
	mqttClient *mqtt.Client,
	qos byte,
	orch *orchestrator.Orchestrator,
	caller platform.ServiceCaller,
	log *logging.Logger,
) error {
	return mqttClient.Subscribe(mqtt.CommandTopic, qos, func(topic string, payload []byte) error {
		var cmd commandMessage
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Warn("undecodable command payload", "error", err)
			return nil
		}
		if cmd.Domain == "" || cmd.Service == "" {
			log.Warn("command missing domain or service")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		target := orchestrator.Target{
			EntityIDs: cmd.Target.EntityIDs,
			AreaIDs:   cmd.Target.AreaIDs,
			FloorIDs:  cmd.Target.FloorIDs,
			LabelIDs:  cmd.Target.LabelIDs,
		}

		if orch.Dispatch(ctx, cmd.Domain, cmd.Service, target, cmd.Data) {
			return nil
		}

		// No mapping covers the target; hand the call to the platform.
		data := make(map[string]any, len(cmd.Data)+4)
		for k, v := range cmd.Data {
			data[k] = v
		}
		if len(cmd.Target.EntityIDs) > 0 {
			data["entity_id"] = cmd.Target.EntityIDs
		}
		if len(cmd.Target.AreaIDs) > 0 {
			data["area_id"] = cmd.Target.AreaIDs
		}
		if len(cmd.Target.FloorIDs) > 0 {
			data["floor_id"] = cmd.Target.FloorIDs
		}
		if len(cmd.Target.LabelIDs) > 0 {
			data["label_id"] = cmd.Target.LabelIDs
		}

		if err := caller.CallService(ctx, cmd.Domain, cmd.Service, data); err != nil {
			log.Error("platform fallback call failed",
				"domain", cmd.Domain,
				"service", cmd.Service,
				"error", err,
			)
		}
		return nil
	})
}
