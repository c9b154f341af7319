// Package mapper turns a logical opcode and location into a physical target.
//
// Resolution depends on the active mode, which selects a descriptor variant,
// and on the CPU topology, which maps logical clusters and cores to kernel
// ids. Results are cached until either changes.
package mapper
