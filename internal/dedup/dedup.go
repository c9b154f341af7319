// Package dedup tracks which (client, opcode) keys are queued or applied.
package dedup

import (
	"sort"
	"sync"

	"restune/internal/tuning"
)

// Status is the lifecycle state of a reserved key.
type Status uint8

const (
	StatusNone Status = iota
	StatusPending
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	default:
		return "none"
	}
}

// Checker is the atomic check-and-insert table.
type Checker struct {
	mu      sync.Mutex
	entries map[tuning.Key]Status
}

// New returns an empty checker.
func New() *Checker {
	return &Checker{entries: make(map[tuning.Key]Status)}
}

// TryReserve marks key pending for a fresh tune. When the key is already
// pending or active the existing status is returned with ErrDuplicate.
func (c *Checker) TryReserve(key tuning.Key) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status, ok := c.entries[key]; ok {
		return status, tuning.Errorf(tuning.ErrDuplicate, "%s is %s", key, status)
	}
	c.entries[key] = StatusPending
	return StatusNone, nil
}

// AuthorizeRetune confirms key is active so a retune may proceed.
func (c *Checker) AuthorizeRetune(key tuning.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != StatusActive {
		return tuning.Errorf(tuning.ErrClientNotFound, "no active tuning for %s", key)
	}
	return nil
}

// Activate moves a pending key to active. Keys that were released while the
// apply was in flight are re-inserted as active.
func (c *Checker) Activate(key tuning.Key) {
	c.mu.Lock()
	c.entries[key] = StatusActive
	c.mu.Unlock()
}

// Release clears key.
func (c *Checker) Release(key tuning.Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// PendingKeys returns the client's keys that are reserved but not yet
// active, ordered by opcode.
func (c *Checker) PendingKeys(client tuning.ClientID) []tuning.Key {
	c.mu.Lock()
	var keys []tuning.Key
	for key, status := range c.entries {
		if key.Client == client && status == StatusPending {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Opcode < keys[j].Opcode })
	return keys
}

// Status returns the current status of key.
func (c *Checker) Status(key tuning.Key) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// Len returns the number of tracked keys.
func (c *Checker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
