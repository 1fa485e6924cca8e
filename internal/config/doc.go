// Package config loads the irisd JSON configuration, fills defaults, pulls
// secrets from the environment and validates that the daemon can start.
package config
