// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//
//	scheduler:
//	  sweep_interval: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and agent websocket connections
//
// Database:
//
//	database:
//	  path: "/var/lib/fleet/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"   # empty enables dev mode
//
// Package registry:
//
//	packages:
//	  base_url: "https://packages.example.com"   # empty selects in-memory
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Database path presence
//   - Duration format validity
//   - Heartbeat timeout exceeding heartbeat interval
//   - Logging level values
package config
