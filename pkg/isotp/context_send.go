package isotp

import "time"

// sendState tracks where a multi-frame transmission is in the ISO-TP send
// state machine (spec §4.2).
type sendState uint8

const (
	sendIdle sendState = iota
	sendAwaitFC
	sendBlock
	sendComplete
)

// sendContext is one in-flight outbound transfer to a single peer. SendAsync
// reserves it in the engine's peer map, populates it on the caller's
// goroutine and sends the First Frame itself; after that the engine's
// worker goroutine mutates it as flow-control frames and timer events arrive.
type sendContext struct {
	inUse      bool
	generation uint64

	peer    NodeID
	payload []byte
	offset  int // bytes already placed into CFs/FF
	sn      uint8
	state   sendState

	bs         uint8 // block size granted by peer's FC, 0 = unlimited
	blockCount uint8 // CFs sent since last FC in this block
	stmin      time.Duration
	wft        uint8 // consecutive WAIT flow-control frames seen

	completion func(Result)
	timer      sessionTimer
}

func (c *sendContext) reset() {
	c.payload = nil
	c.offset = 0
	c.sn = 1
	c.state = sendIdle
	c.bs = 0
	c.blockCount = 0
	c.stmin = 0
	c.wft = 0
	c.completion = nil
}

func (c *sendContext) remaining() int {
	return len(c.payload) - c.offset
}

func (c *sendContext) done() bool {
	return c.offset >= len(c.payload)
}
