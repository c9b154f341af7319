// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI and by tuning clients.
//
// Every accepted connection is bound to the peer's SO_PEERCRED credentials, so
// the receiver can decide the permission tier from the kernel's view of the
// sender rather than from what the envelope claims. Admission refusals travel
// as a kind plus message and come back to callers as *RemoteError, which
// matches the tuning error sentinels with errors.Is.
package ipc
