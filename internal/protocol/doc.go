// Package protocol owns the wire contract between the host and a head unit.
//
// Ownership boundary:
// - protocol message model (session types, frame roles, control info)
// - FrameCodec: message <-> frame bytes, fragmentation and reassembly
// - protocol error taxonomy for framing and negotiation faults
//
// Lower-level pieces live in subpackages:
// - frame: fixed header and fragment primitives
// - tlv: control payload fields
// - schema: required fields per control message
// - session: session table and start/end negotiation
package protocol
