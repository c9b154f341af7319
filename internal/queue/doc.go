// Package queue buffers admitted work until a worker picks it up.
//
// Entries are ordered by effective priority, highest first, and by arrival
// within a priority. Each (client, opcode) key has at most one queued entry:
// later work for the same key is either refused or folded into the queued
// entry with Coalesce. Pending entries can be cancelled by request, by client,
// or by key; once dequeued an entry belongs to the worker that took it.
package queue
