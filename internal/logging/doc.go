// Package logging assembles structured slog loggers and formatting helpers used
// across restune services.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so request handling code can tag
// log lines with client and request identifiers. Per-component level overrides
// come from the [logging] section of the config. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
package logging
