// Package recovery persists active tunings so a restarted daemon can revert
// or re-adopt what a crashed instance left behind.
//
// Every mutation writes an intent row first and a committed row after the
// physical write succeeded. At startup an intent row means the node may hold
// anything, so it is forced back to the recorded previous value; committed rows
// are handed back to the engine.
package recovery
