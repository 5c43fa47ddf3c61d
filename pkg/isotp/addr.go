// Package isotp implements the ISO 15765-2 segmentation-and-reassembly
// engine: per-peer send/receive state machines, flow control, block-wise
// transmission, separation-time pacing and the node-addressing scheme that
// rides on top of raw CAN frames.
package isotp

import "fmt"

// NodeID is a 1-byte bus-local address.
type NodeID uint8

const (
	// AnonymousNodeID is used only during address claim.
	AnonymousNodeID NodeID = 0x00
	// NodeIDMin and NodeIDMax bound the assignable range.
	NodeIDMin NodeID = 0x01
	NodeIDMax NodeID = 0xFD
	// BroadcastNodeID addresses every node on the segment.
	BroadcastNodeID NodeID = 0xFE
	// ReservedNodeID is never a valid address.
	ReservedNodeID NodeID = 0xFF
)

// Valid reports whether id is a usable unicast address (not anonymous,
// broadcast or reserved).
func (id NodeID) Valid() bool {
	return id >= NodeIDMin && id <= NodeIDMax
}

func (id NodeID) String() string {
	return fmt.Sprintf("%#02x", uint8(id))
}

// AddressingMode selects how peer addresses map onto CAN identifiers.
type AddressingMode uint8

const (
	// Normal addressing: rx/tx ids are both fixed, a single implicit peer.
	Normal AddressingMode = iota
	// Fixed29 addressing: 29-bit J1939-style id carrying target/source
	// NodeIDs, so one bound endpoint can multiplex many peers.
	Fixed29
	// Extended1Byte addressing: an extra address-extension byte in the
	// CAN payload itself identifies the peer (classical CAN only).
	Extended1Byte
	// Custom addressing: the caller supplies its own rx/tx id pair and
	// peer-extraction function.
	Custom
)

// CAN ID layout for Fixed29 addressing (spec §6):
//
//	bits 28..26 : priority
//	bits 25..24 : reserved
//	bits 23..16 : message type / subfield
//	bits 15..8  : target NodeID
//	bits  7..0  : source NodeID
const (
	fixedPriorityShift = 26
	fixedTypeShift      = 16
	fixedTargetShift    = 8

	// DefaultDiagPriority and DefaultDiagType reproduce the canonical
	// ISO 14229/15765 physical-addressing diagnostic channel (0x18DAppss)
	// used throughout the worked examples.
	DefaultDiagPriority uint8 = 6
	DefaultDiagType     uint8 = 0xDA
)

// Address is a bound (rx, tx) CAN id pair for one ISO-TP session.
type Address struct {
	RxID uint32
	TxID uint32
	Mode AddressingMode
}

// FixedAddress builds a Fixed29 Address between local and peer using the
// given priority and message-type subfield, following the layout above. The
// tx id is the rx id with the target/source bytes swapped, as required by
// spec §3: "In Fixed mode the tx-id is derived from the rx-id by swapping
// target/source bytes."
func FixedAddress(priority, msgType uint8, local, peer NodeID) Address {
	base := uint32(priority&0x7)<<fixedPriorityShift | uint32(msgType)<<fixedTypeShift
	rx := base | uint32(local)<<fixedTargetShift | uint32(peer)
	tx := base | uint32(peer)<<fixedTargetShift | uint32(local)
	return Address{RxID: rx, TxID: tx, Mode: Fixed29}
}

// SwapTargetSource exchanges the target (bits 15..8) and source (bits 7..0)
// bytes of a Fixed29 CAN id, leaving priority and type untouched.
func SwapTargetSource(id uint32) uint32 {
	hi := id &^ 0xFFFF
	target := (id >> fixedTargetShift) & 0xFF
	source := id & 0xFF
	return hi | source<<fixedTargetShift | target
}

// PeerFromRxID extracts the sending peer's NodeID (the "source" byte) from
// a Fixed29-addressed received frame id.
func PeerFromRxID(id uint32) NodeID {
	return NodeID(id & 0xFF)
}

// TargetFromRxID extracts the destination NodeID (the "target" byte) from a
// Fixed29-addressed frame id.
func TargetFromRxID(id uint32) NodeID {
	return NodeID((id >> fixedTargetShift) & 0xFF)
}
