// Package config loads, validates and watches the YAML node configuration.
// Durations are written as float seconds and converted by the GetX helpers.
package config
