package node

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
	"github.com/canrise/isotp-go/pkg/isotp"
)

// Message-type/subfield values for the 8-bit field described in the wire
// layout (spec §6). Network is the type of address-claim frames (DLC 8).
// Discovery probes (DLC 0) do not use it: they carry a random nonce in this
// 8-bit field instead.
const (
	msgTypeNetwork          uint8 = 0x00
	msgTypeReport           uint8 = 0x01
	msgTypePacketizedReport uint8 = 0x02
	msgTypeChannel          uint8 = 0x03
)

// claimPriority is the highest configured network-management priority:
// lower numeric value wins CAN bus arbitration, so 0 is "highest".
const claimPriority uint8 = 0

const (
	discoverWindow = 500 * time.Millisecond
	claimWindow    = 100 * time.Millisecond
)

// claimNetworkMask matches any frame in the network priority/type class
// regardless of target or source, so a Claimer sees the claims broadcast by
// anyone else. Discovery probes only match when their random nonce is 0.
const claimNetworkMask uint32 = 0x1FFF0000

func networkBaseID(nonceOrType uint8) uint32 {
	return uint32(claimPriority&0x7)<<26 | uint32(nonceOrType)<<16
}

// Claimer runs the SAE J1939-style bus-address-claim procedure (spec §4.4)
// for one node identity.
type Claimer struct {
	bus     can.Bus
	eui64   EUI64
	logger  *slog.Logger
	metrics *Metrics
	rng     *rand.Rand

	rx       chan can.Frame
	filterID can.FilterID
}

// NewClaimer constructs a Claimer. Call Claim to run the procedure once at
// startup; it installs and removes its own rx filter internally. metrics
// may be nil to disable instrumentation.
func NewClaimer(bus can.Bus, eui64 EUI64, logger *slog.Logger, metrics *Metrics) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimer{
		bus:     bus,
		eui64:   eui64,
		logger:  logger.With("service", "[CLAIM]"),
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		rx:      make(chan can.Frame, 16),
	}
}

// Handle implements can.FrameHandler. It only enqueues; all the procedure's
// actual logic runs on the caller of Claim.
func (c *Claimer) Handle(frame can.Frame) {
	select {
	case c.rx <- frame:
	default:
		c.logger.Warn("dropped address-claim rx frame, queue full")
	}
}

// Claim runs the address-claim procedure starting from initial, returning
// the NodeId this node ends up holding. It blocks until a conflict-free
// NodeId is claimed or ctx is done.
func (c *Claimer) Claim(ctx context.Context, initial isotp.NodeID) (isotp.NodeID, error) {
	filterID, err := c.bus.AddRxFilter(networkBaseID(0), claimNetworkMask, 1, c)
	if err != nil {
		return 0, fmt.Errorf("node: install claim filter: %w", err)
	}
	c.filterID = filterID
	defer c.bus.RemoveRxFilter(c.filterID)

	id := initial
	if !id.Valid() {
		id = isotp.NodeIDMin
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		if err := c.probe(ctx, id); err != nil {
			return 0, err
		}
		conflict, err := c.listenForConflict(ctx, id, discoverWindow)
		if err != nil {
			return 0, err
		}
		if conflict {
			c.logger.Info("candidate NodeId already claimed, retrying", "id", id)
			if c.metrics != nil {
				c.metrics.ClaimRetries.Inc()
			}
			id = c.randomNodeID()
			continue
		}

		collided, err := c.announce(ctx, id)
		if err != nil {
			return 0, err
		}
		if collided {
			c.logger.Info("bus error counter rose during claim, assuming collision", "id", id)
			if c.metrics != nil {
				c.metrics.ClaimRetries.Inc()
			}
			id = c.randomNodeID()
			continue
		}

		c.logger.Info("claimed NodeId", "id", id)
		return id, nil
	}
}

func (c *Claimer) randomNodeID() isotp.NodeID {
	span := int(isotp.NodeIDMax) - int(isotp.NodeIDMin) + 1
	return isotp.NodeID(int(isotp.NodeIDMin) + c.rng.Intn(span))
}

// probe emits a zero-length discovery frame targeting id, sourced from the
// anonymous address.
func (c *Claimer) probe(ctx context.Context, id isotp.NodeID) error {
	nonce := uint8(c.rng.Intn(256))
	frame := can.Frame{
		ID:  networkBaseID(nonce) | uint32(id)<<8 | uint32(isotp.AnonymousNodeID),
		DLC: 0,
	}
	return can.SendRetry(ctx, c.bus, frame, 100*time.Millisecond, 3, nil)
}

// listenForConflict drains the rx queue for window, reporting whether any
// address-claim frame (DLC 8) sourced from id arrived.
func (c *Claimer) listenForConflict(ctx context.Context, id isotp.NodeID, window time.Duration) (bool, error) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case frame := <-c.rx:
			if frame.DLC == 8 && isotp.NodeID(frame.ID&0xFF) == id {
				return true, nil
			}
		}
	}
}

// announce broadcasts the address-claim frame and reports whether the
// bus's tx-error counter rose during the send, per spec §4.4 step 5. Any
// address-claim reply seen for a different candidate while we wait is
// simply left in the queue for the next probe's listenForConflict.
func (c *Claimer) announce(ctx context.Context, id isotp.NodeID) (collided bool, err error) {
	_, txBefore, _ := c.bus.State()

	// EUI64 is 8 bytes, indices 0..7; the final byte is payload[7].
	payload := make([]byte, 8)
	copy(payload, c.eui64[:])

	frame := can.Frame{
		ID:  networkBaseID(msgTypeNetwork) | uint32(isotp.BroadcastNodeID)<<8 | uint32(id),
		DLC: 8,
	}
	copy(frame.Data[:8], payload)

	if err := can.SendRetry(ctx, c.bus, frame, claimWindow, 3, nil); err != nil {
		c.logger.Warn("address-claim frame send failed", "id", id, "err", err)
	}

	_, txAfter, _ := c.bus.State()
	return txAfter > txBefore, nil
}
