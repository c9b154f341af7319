// Package main hosts the restune CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground and translates
// tune, retune, untune and signal invocations into envelopes sent over the
// IPC socket. Read commands render tables for terminals and JSON with --json.
// Requests sent from here are owned by a short lived client; they stay active
// only while the daemon still considers that client alive.
package main
