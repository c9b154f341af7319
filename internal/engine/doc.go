// Package engine is the request manager.
//
// Submit validates a message against the registry, charges the rate limiter,
// reserves dedup keys and places one queue entry per resource. A pool of
// workers drains the queue: each entry runs under its dedup key lock, and
// every node write runs under the lock of the resolved physical target, so
// two opcodes sharing a node never interleave.
//
// Every mutation is written to the recovery store as an intent before the
// node is touched and committed after. Recover replays that log at startup.
//
// A tuning with a duration expires through the same untune path a client
// uses, at internal priority. Mode and topology changes go through
// Reconcile, which suspends tunings that no longer resolve and reapplies
// them when they do.
package engine
