// Package session tracks the logical sessions multiplexed over one
// connection and drives their start/end negotiation.
//
// Ownership boundary:
// - session table (Starting/Established/Ending records)
// - start/end handshake with resumption fallback
// - control payload encode/decode over the tlv contract
package session
