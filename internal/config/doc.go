// Package config loads and validates the daemon configuration file. It
// centralizes defaults so the rest of the engine can assume a fully
// populated Config value.
package config
