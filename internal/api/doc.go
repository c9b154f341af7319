// Package api defines wire-format types and converters shared by the IPC and
// HTTP surfaces. It translates engine, client and topology models into
// transport-friendly DTOs so the CLI and other consumers render them without
// coupling to internal types.
//
// DTOs use camelCase JSON tags. Enums are exposed as lowercase strings,
// opcodes as 0x-prefixed hex, and timestamps as RFC3339 with milliseconds.
package api
