package isotp

import "time"

// recvState tracks where an in-flight reassembly sits in the ISO-TP
// receive state machine (spec §4.3).
type recvState uint8

const (
	recvIdle recvState = iota
	recvCollecting
	recvComplete
)

// recvContext is one in-flight inbound reassembly from a single peer.
// Simplification note: the spec describes a reassembly buffer built from a
// chain of CAN_DL-sized fragments; here each context instead owns one
// pool-allocated MaxMessageLen-sized buffer. Capacity is still bounded and
// allocation failure is still a first-class NoNetBufLeft outcome, which is
// the property spec §8 actually tests; the fragment-chain indirection
// would only matter on a target tight enough to avoid one 4KB buffer per
// concurrent peer, which is out of scope here.
type recvContext struct {
	inUse      bool
	generation uint64

	peer     NodeID
	buffer   [MaxMessageLen]byte
	expected int
	received int
	sn       uint8
	state    recvState

	bs         uint8 // block size we grant via FC
	blockCount uint8
	stmin      time.Duration // separation time we request via FC
	wft        uint8

	timer sessionTimer
}

func (c *recvContext) reset() {
	c.expected = 0
	c.received = 0
	c.sn = 1
	c.state = recvIdle
	c.blockCount = 0
	c.wft = 0
}

func (c *recvContext) complete() []byte {
	out := make([]byte, c.received)
	copy(out, c.buffer[:c.received])
	return out
}
