// Package can defines the CAN Endpoint collaborator that the ISO-TP engine
// and node layer are built against. It deliberately knows nothing about
// ISO-TP, J1939 addressing or application payloads — just raw frames,
// filters and bus state, mirroring how a real CAN controller driver is
// exposed to a transport-protocol stack.
package can

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard and extended CAN ID flag bits, mirrored from the Linux SocketCAN
// frame layout since that's the wire format both of our drivers speak.
const (
	EFFFlag uint32 = 0x80000000 // Extended Frame Format
	RTRFlag uint32 = 0x40000000 // Remote Transmission Request
	ErrFlag uint32 = 0x20000000

	SFFMask uint32 = 0x000007FF
	EFFMask uint32 = 0x1FFFFFFF
)

// Mode selects how the underlying controller should be operated.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeLoopback
	ModeFD
)

// BusState is a coarse summary of controller health, sampled by the node
// layer's address-claim collision detector (spec §4.4 step 5).
type BusState uint8

const (
	StateActive BusState = iota
	StateWarning
	StatePassive
	StateBusOff
)

// Frame is a single CAN frame. Data is sized for CAN-FD (up to 64 bytes);
// classical CAN frames only ever populate Data[:8].
type Frame struct {
	ID    uint32
	DLC   uint8
	Flags uint8
	FD    bool
	Data  [64]byte
}

func (f Frame) String() string {
	return fmt.Sprintf("id=%#x dlc=%d data=% x", f.ID, f.DLC, f.Data[:f.DLC])
}

// SendResult mirrors the tri-state result of the external send() primitive
// in spec §6: a send either completed, must be retried ("again"), or failed.
type SendResult uint8

const (
	SendOK SendResult = iota
	SendAgain
	SendErr
)

var (
	// ErrNoSuchFilter is returned by RemoveRxFilter for an unknown filter id.
	ErrNoSuchFilter = errors.New("can: no such filter")
	// ErrRetriesExhausted is returned once SendRetry has exhausted its
	// bounded number of AGAIN retries (spec §6, default 3).
	ErrRetriesExhausted = errors.New("can: send retries exhausted, driver busy")
)

// FilterID identifies an installed receive filter so it can be removed later.
type FilterID uint32

// FrameHandler receives frames matching an installed filter. Implementations
// MUST NOT block: a real driver may invoke this from interrupt context, and
// library code in this repo (pkg/isotp, pkg/node) only ever does the minimal
// ISR-side work described in spec §5 from inside Handle.
type FrameHandler interface {
	Handle(frame Frame)
}

// FrameHandlerFunc adapts a plain function to FrameHandler.
type FrameHandlerFunc func(Frame)

func (f FrameHandlerFunc) Handle(frame Frame) { f(frame) }

// CompletionFunc is invoked asynchronously once a Send has left the
// controller (or definitively failed), per spec §6 "reports send completion
// asynchronously".
type CompletionFunc func(result SendResult, err error)

// Bus is the CAN Endpoint external collaborator (spec §6). It is the only
// thing in this repository allowed to touch real hardware or a kernel
// socket; everything above it — pkg/isotp, pkg/node — only ever depends on
// this interface.
type Bus interface {
	// Start brings the controller online. Must be called before Send/AddRxFilter.
	Start() error

	// SetMode switches operating mode. Returns an error if unsupported.
	SetMode(mode Mode) error

	// Send transmits frame, waiting at most until deadline for the driver to
	// accept it. completion, if non-nil, is invoked exactly once, possibly
	// from a different goroutine, once the frame has left the bus (or failed).
	Send(ctx context.Context, frame Frame, deadline time.Time, completion CompletionFunc) (SendResult, error)

	// AddRxFilter installs a receive filter keyed by (id, mask) plus flags
	// (EFFFlag to match extended frames). Matching frames are delivered to cb.
	AddRxFilter(id, mask uint32, flags uint8, cb FrameHandler) (FilterID, error)

	// RemoveRxFilter uninstalls a previously installed filter.
	RemoveRxFilter(id FilterID) error

	// State reports controller health and error counters, used by the
	// node layer's address-claim collision detector.
	State() (state BusState, txErrCount, rxErrCount uint32)

	// Close releases driver resources.
	Close() error
}

// SendRetry wraps a Bus.Send call, retrying internally up to maxRetries
// times while the driver reports SendAgain, per spec §6 ("AGAIN must be
// retried up to N times (default 3) before surfacing"). A SendErr result is
// returned at once as the driver's own error; once the AGAIN retries are
// used up it returns ErrRetriesExhausted wrapping the last error.
func SendRetry(ctx context.Context, bus Bus, frame Frame, timeout time.Duration, maxRetries int, completion CompletionFunc) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		deadline := time.Now().Add(timeout)
		result, err := bus.Send(ctx, frame, deadline, completion)
		switch result {
		case SendOK:
			return nil
		case SendAgain:
			lastErr = err
			continue
		default:
			return err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
	}
	return ErrRetriesExhausted
}
