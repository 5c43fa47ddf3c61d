package isotp

import "fmt"

// Result is the outcome code surfaced to callers for every send/receive
// completion, mirroring the explanation-map pattern used for SDO abort
// codes: a small closed set of named outcomes, each with a fixed
// human-readable description, with Result itself satisfying error so a nil
// check at call sites stays idiomatic.
type Result uint8

const (
	OK Result = iota
	TimeoutA       // N_As: local driver never accepted our CF/FF within the deadline
	TimeoutBS      // N_Bs: no flow-control frame arrived after FF
	TimeoutCR      // N_Cr: no consecutive frame arrived within the window
	WrongSN        // CF sequence number didn't match the expected next value
	InvalidFS      // FC flow-status byte held a reserved value
	UnexpPDU       // a segment arrived that doesn't fit the session's current state
	WFTOvrn        // too many consecutive WAIT flow-control frames
	BufferOverflow // message length exceeds MaxMessageLen, or the 32-bit FF escape was used
	NoCtxLeft      // the send context pool is exhausted
	NoNetBufLeft   // the receive context pool, which holds the reassembly buffers, is exhausted
	DriverErr      // the underlying can.Bus reported a transport error
	Busy           // a send is already in flight for this peer
	Canceled       // the caller's context was canceled or the session was unbound
)

var resultText = map[Result]string{
	OK:             "ok",
	TimeoutA:       "timeout waiting for local frame to be accepted (N_As)",
	TimeoutBS:      "timeout waiting for flow control (N_Bs)",
	TimeoutCR:      "timeout waiting for consecutive frame (N_Cr)",
	WrongSN:        "consecutive frame sequence number mismatch",
	InvalidFS:      "flow control frame carried a reserved flow status",
	UnexpPDU:       "unexpected protocol data unit for current session state",
	WFTOvrn:        "wait-frame-tolerance exceeded",
	BufferOverflow: "message length exceeds the configured maximum",
	NoCtxLeft:      "no free session context in pool",
	NoNetBufLeft:   "no free reassembly buffer in pool",
	DriverErr:      "underlying CAN driver error",
	Busy:           "a transfer is already in progress for this peer",
	Canceled:       "session canceled",
}

func (r Result) String() string {
	if s, ok := resultText[r]; ok {
		return s
	}
	return fmt.Sprintf("isotp.Result(%d)", uint8(r))
}

// Error implements error so Result can be returned and compared directly
// wherever Go code expects an error, without wrapping.
func (r Result) Error() string {
	return r.String()
}
