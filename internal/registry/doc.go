// Package registry holds the resource and signal descriptor tables.
//
// Descriptors are plain values whose apply, read and teardown behavior lives in
// function fields (Policy). The descriptor loader populates a Registry from
// YAML at startup, extension code may override policies per opcode with
// RegisterPolicy, and Freeze makes the tables read-only for the rest of the
// daemon's life.
package registry
