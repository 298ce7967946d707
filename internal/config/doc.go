// Package config loads, normalizes, and validates DPAS configuration data.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, loads an optional .env file, and honours DPAS_* environment
// overrides. The Config type centralizes every knob the gateway, workers, and
// dataset commands need.
//
// Always obtain settings through this package so downstream code receives
// expanded paths, canonical log formats, and clear validation errors.
package config
