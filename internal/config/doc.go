// Package config loads the VaultPilot daemon configuration from a YAML or
// JSON file and fills in defaults for everything left unset.
package config
