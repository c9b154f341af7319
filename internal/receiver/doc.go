// Package receiver is the inbound edge of the daemon. It converts transport
// envelopes into tuning messages, decides the sender's permission tier from
// peer credentials or the process status file, refreshes client liveness and
// hands the message to the request manager.
package receiver
