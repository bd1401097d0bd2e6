// Package protocol owns the Ethernet stream wire contract.
//
// Ownership boundary:
// - sync packet layout (barker + big endian sync index)
// - sync cadence helpers shared by the input and output streams
// - frame/packet slicing primitives (see package frame)
package protocol
