// Package pulse detects dead clients.
//
// A client is dead when it has been silent longer than the configured
// timeout, when its process no longer exists, or, for clients rebuilt by
// crash recovery, when it did not reconnect before its grace deadline. Dead
// clients are only marked and scheduled here; the garbage collector tears
// them down.
package pulse
