// Package tools provides host command helpers used by OS-level rate shaping.
//
// Ownership boundary:
// - command execution helpers
//
// - privilege prefixing for network administration commands
package tools
