// Package arbiter decides which of several concurrent claims on one physical
// node is written.
//
// Claims are ranked by effective priority, then by the node's arbitration
// policy. The node's value before the first claim is kept as its baseline and
// written back when the last claim leaves.
package arbiter
