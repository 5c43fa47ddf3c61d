// Package node implements the bus-address-claim procedure, the periodic
// data-object reporting loop, and the request/response channel that ride on
// top of the raw CAN endpoint and the ISO-TP engine respectively.
package node

import "github.com/google/uuid"

// EUI64 is the 64-bit globally-unique identifier sent as the payload of
// the address-claim frame, so two nodes claiming the same NodeId at once
// send different frames and see bus errors. The claim procedure does not
// compare EUI64 values with each other.
type EUI64 [8]byte

// Less reports whether e sorts before other when compared byte-by-byte,
// most significant byte first.
func (e EUI64) Less(other EUI64) bool {
	for i := range e {
		if e[i] != other[i] {
			return e[i] < other[i]
		}
	}
	return false
}

// DeriveEUI64 produces a new, effectively-unique identifier.
// pkg/config.Default calls it and the config record stores the result;
// Start calls it again on every start and does not read the stored value.
func DeriveEUI64() EUI64 {
	id := uuid.New()
	var e EUI64
	copy(e[:], id[:8])
	return e
}
