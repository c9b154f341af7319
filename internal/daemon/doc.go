// Package daemon coordinates the long-running restune process.
//
// It takes the components built at bootstrap (request manager, receiver,
// pulse monitor, garbage collector, recovery store) and runs them as one
// lifecycle behind a flock-based instance lock. Start replays the recovery
// log before any worker runs. The daemon also owns the CPU hotplug watcher,
// which rescans topology and reconciles tunings, and the optional HTTP
// endpoint serving /metrics and read-only /api views.
//
// Keep orchestration here: admission and apply logic belong to the engine.
package daemon
