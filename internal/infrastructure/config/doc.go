// Package config loads and validates Native Sync configuration.
//
// Configuration is read from a YAML file, merged over hardcoded defaults,
// and finally overridden by NATIVESYNC_* environment variables (used for
// secrets such as the platform token and broker credentials).
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	log := logging.New(cfg.Logging, version)
package config
