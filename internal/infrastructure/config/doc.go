// Package config handles loading and validating the resource database configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with RESDB_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Sensitive values (MQTT passwords, InfluxDB tokens) should be set via
// environment variables rather than committed to the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Persistence.Path)
package config
