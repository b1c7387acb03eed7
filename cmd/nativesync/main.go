// NativeSync - Native Group Orchestration Engine
//
// This is the main entry point for the NativeSync service. NativeSync
// mirrors the platform's logical groupings (groups, scenes, areas,
// floors, labels) onto native mesh primitives so a single radio frame
// replaces a fan-out of per-device commands:
//   - Z-Wave JS: capability-aware multicast with device-stored scenes
//   - Zigbee2MQTT: broker-managed Zigbee groups over MQTT
//   - ZHA: gateway-managed Zigbee groups and scene cluster commands
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/nativesync/migrations"

	"github.com/nerrad567/nativesync/internal/infrastructure/config"
	"github.com/nerrad567/nativesync/internal/infrastructure/database"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/nativesync/internal/infrastructure/telemetry"
	"github.com/nerrad567/nativesync/internal/orchestrator"
	"github.com/nerrad567/nativesync/internal/platform"
	"github.com/nerrad567/nativesync/internal/protocol"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting NativeSync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database for persisted sync state
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := platform.NewSQLiteStore(db)

	// Connect to the platform WebSocket API
	wsClient, err := platform.ConnectWS(cfg.Platform, log)
	if err != nil {
		return fmt.Errorf("connecting to platform: %w", err)
	}
	defer func() {
		log.Info("closing platform connection")
		if closeErr := wsClient.Close(); closeErr != nil {
			log.Error("error closing platform connection", "error", closeErr)
		}
	}()
	log.Info("platform connected", "url", cfg.Platform.URL)

	// Connect to the MQTT broker (Zigbee2MQTT transport)
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect telemetry (optional); a nil client records nothing
	var metrics *telemetry.Client
	if cfg.InfluxDB.Enabled {
		metrics, err = telemetry.Connect(cfg.InfluxDB)
		if err != nil && !errors.Is(err, telemetry.ErrDisabled) {
			return fmt.Errorf("connecting telemetry: %w", err)
		}
		if metrics != nil {
			defer func() {
				log.Info("closing telemetry connection")
				if closeErr := metrics.Close(); closeErr != nil {
					log.Error("error closing telemetry", "error", closeErr)
				}
			}()
			metrics.SetOnError(func(err error) {
				log.Error("telemetry write error", "error", err)
			})
			log.Info("telemetry connected",
				"url", cfg.InfluxDB.URL,
				"org", cfg.InfluxDB.Org,
				"bucket", cfg.InfluxDB.Bucket,
			)
		}
	} else {
		log.Info("telemetry disabled")
	}

	// Build the protocol handlers and narrow them to the enabled set
	registry := protocol.NewRegistry(cfg.Sync,
		protocol.NewZWaveJSHandler(wsClient, log),
		protocol.NewZigbee2MQTTHandler(mqttClient, mqtt.NewTopics(cfg.MQTT.BaseTopic), byte(cfg.MQTT.QoS), log),
		protocol.NewZHAHandler(protocol.NewWSGateway(wsClient), wsClient, log),
	)

	orch := orchestrator.New(wsClient, registry, store, cfg, metrics, log)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer func() {
		if stopErr := orch.Stop(context.Background()); stopErr != nil {
			log.Error("error stopping orchestrator", "error", stopErr)
		}
	}()

	// Accept service-call requests on the command topic, routed through
	// native primitives with platform fallback
	if err := subscribeCommands(mqttClient, byte(cfg.MQTT.QoS), orch, wsClient, log); err != nil {
		return fmt.Errorf("subscribing to command topic: %w", err)
	}
	log.Info("command topic subscribed", "topic", mqtt.CommandTopic)

	if err := healthCheck(ctx, db, mqttClient, metrics); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Orchestrator (persists state, cleans handlers)
	// 2. Telemetry (if enabled)
	// 3. MQTT
	// 4. Platform WebSocket
	// 5. Database

	log.Info("NativeSync stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses NATIVESYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("NATIVESYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - metrics: Telemetry client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, metrics *telemetry.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if metrics != nil {
		if err := metrics.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	// Platform connectivity is verified during ConnectWS - the auth
	// handshake completes before the client is returned.

	return nil
}
