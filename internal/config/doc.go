// Package config loads, normalizes, and validates restune configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// daemon and CLI need: state and socket locations, worker pool sizing, rate
// limits, liveness timing, and crash recovery behavior.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
