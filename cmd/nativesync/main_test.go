package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("NATIVESYNC_CONFIG")
	defer os.Setenv("NATIVESYNC_CONFIG", originalEnv)

	os.Setenv("NATIVESYNC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("NATIVESYNC_CONFIG")
	defer os.Setenv("NATIVESYNC_CONFIG", originalEnv)

	os.Unsetenv("NATIVESYNC_CONFIG")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("NATIVESYNC_CONFIG")
	defer os.Setenv("NATIVESYNC_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("NATIVESYNC_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_UnreachablePlatform verifies startup fails cleanly when the
// platform WebSocket endpoint is down. Nothing listens on the port used.
func TestRun_UnreachablePlatform(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
platform:
  url: "ws://127.0.0.1:59998/api/websocket"
  token: "test-token"
  connect_timeout: 1

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 59999
    client_id: "test-client"
    tls: false
  qos: 1
  base_topic: "zigbee2mqtt"
  reconnect:
    initial_delay: 1
    max_delay: 5

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

sync:
  enabled_protocols: ["zwave_js", "zigbee2mqtt", "zha"]
  enable_groups: true
  enable_scenes: true
  reconcile_interval: 300
  sync_debounce: 1.0
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("NATIVESYNC_CONFIG")
	defer os.Setenv("NATIVESYNC_CONFIG", originalEnv)
	os.Setenv("NATIVESYNC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when the platform endpoint is unreachable")
	}
}
