// Package tuning holds the value types shared by every restune component: the
// Message tagged union, requests and signals, dedup keys, priority and tier
// enums, the operational mode bitmask, and the error taxonomy.
//
// Nothing in this package performs I/O.
package tuning
