// Package config handles configuration loading for relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/relay.yaml
//  3. ~/.config/relay/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	api:
//	  refresh_token: "${RELAY_REFRESH_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	connectivity:
//	  probe_interval: "30s"
//	  probe_timeout: "5s"
//	stream:
//	  idle_timeout: "2m"
//	artifacts:
//	  retention: "720h"
//
// Supported units: ns, us, ms, s, m, h
package config
