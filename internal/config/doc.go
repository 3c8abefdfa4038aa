// Package config loads the YAML network and agent-profile configuration for a
// simulation run, fills defaults and merges command-line overrides.
package config
