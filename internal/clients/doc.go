// Package clients stores per-client session state: identity, permission tier,
// liveness, and the pending requests and active tunings each client owns.
package clients
