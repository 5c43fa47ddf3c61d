// Package brutella implements can.Bus on top of github.com/brutella/can, a
// userspace SocketCAN client. It trades the raw backend's kernel-side
// filtering for a simpler, portable implementation — useful on
// hosts where opening AF_CAN sockets directly is inconvenient (tests,
// some cross-compiled deployments).
package brutella

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/canrise/isotp-go/pkg/can"
)

func init() {
	can.RegisterInterface("brutella", New)
}

type filter struct {
	id, mask uint32
	flags    uint8
	cb       can.FrameHandler
}

// Bus adapts *brutella_can.Bus to the can.Bus interface, adding the
// filter/state surface brutella/can doesn't itself provide.
type Bus struct {
	logger *slog.Logger
	inner  *sockcan.Bus

	mu      sync.Mutex
	filters map[can.FilterID]filter
	nextID  can.FilterID
	started bool
	txErr   uint32
}

// New opens a brutella/can bus for the named interface (e.g. "can0").
func New(channel string) (can.Bus, error) {
	inner, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, fmt.Errorf("brutella: %w", err)
	}
	b := &Bus{
		logger:  slog.Default().With("backend", "brutella", "channel", channel),
		inner:   inner,
		filters: make(map[can.FilterID]filter),
	}
	inner.Subscribe(b)
	return b, nil
}

// Handle implements the brutella/can frame-handler interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.dispatch(frame)
}

func (b *Bus) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()
	go func() {
		if err := b.inner.ConnectAndPublish(); err != nil {
			b.logger.Error("bus connection closed", "err", err)
		}
	}()
	return nil
}

func (b *Bus) SetMode(mode can.Mode) error {
	if mode == can.ModeFD {
		return errors.New("brutella: CAN-FD not supported by this backend")
	}
	return nil
}

func (b *Bus) Send(ctx context.Context, frame can.Frame, deadline time.Time, completion can.CompletionFunc) (can.SendResult, error) {
	wire := sockcan.Frame{ID: frame.ID, Length: frame.DLC, Flags: frame.Flags}
	copy(wire.Data[:], frame.Data[:frame.DLC])
	err := b.inner.Publish(wire)
	if err != nil {
		b.mu.Lock()
		b.txErr++
		b.mu.Unlock()
		if completion != nil {
			completion(can.SendErr, err)
		}
		return can.SendErr, err
	}
	if completion != nil {
		completion(can.SendOK, nil)
	}
	return can.SendOK, nil
}

func (b *Bus) dispatch(frame sockcan.Frame) {
	our := can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags}
	copy(our.Data[:], frame.Data[:frame.Length])

	b.mu.Lock()
	matches := make([]can.FrameHandler, 0, 1)
	for _, f := range b.filters {
		if our.ID&f.mask == f.id&f.mask {
			matches = append(matches, f.cb)
		}
	}
	b.mu.Unlock()

	for _, cb := range matches {
		cb.Handle(our)
	}
}

func (b *Bus) AddRxFilter(id, mask uint32, flags uint8, cb can.FrameHandler) (can.FilterID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	fid := b.nextID
	b.filters[fid] = filter{id: id, mask: mask, flags: flags, cb: cb}
	return fid, nil
}

func (b *Bus) RemoveRxFilter(id can.FilterID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.filters[id]; !ok {
		return can.ErrNoSuchFilter
	}
	delete(b.filters, id)
	return nil
}

func (b *Bus) State() (can.BusState, uint32, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := can.StateActive
	if b.txErr > 128 {
		state = can.StatePassive
	}
	return state, b.txErr, 0
}

func (b *Bus) Close() error {
	return b.inner.Disconnect()
}
