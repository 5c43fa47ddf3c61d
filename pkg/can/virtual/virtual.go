// Package virtual implements an in-process can.Bus used for tests and local
// development: every Bus registered on the same *Medium sees every frame
// sent by any other Bus on that medium, exactly as if they all shared a
// physical segment. This adapts the teacher's TCP-broker virtual CAN bus
// (which required an external broker process) into a self-contained medium
// so engine conformance tests can wire up two real endpoints without extra
// infrastructure.
package virtual

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", newFromChannel)
}

// Medium is a shared virtual CAN segment. The zero value is ready to use.
type Medium struct {
	mu      sync.Mutex
	buses   []*Bus
	dropPct int // 0-100, for fault-injection tests
}

// SetDropPercent makes the medium randomly drop that percentage of frames,
// to exercise retry/backpressure paths in tests. 0 disables dropping.
func (m *Medium) SetDropPercent(pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropPct = pct
}

func (m *Medium) attach(b *Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses = append(m.buses, b)
}

func (m *Medium) detach(b *Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, bb := range m.buses {
		if bb == b {
			m.buses = append(m.buses[:i], m.buses[i+1:]...)
			return
		}
	}
}

func (m *Medium) broadcast(from *Bus, frame can.Frame) {
	m.mu.Lock()
	targets := make([]*Bus, len(m.buses))
	copy(targets, m.buses)
	m.mu.Unlock()

	for _, b := range targets {
		if b == from && !from.receiveOwn {
			continue
		}
		b.deliver(frame)
	}
}

// registry used only by the "virtual" interface name registered with
// pkg/can so NewBus("virtual", channel) can find a shared, named medium.
var namedMedia sync.Map // map[string]*Medium

// MediumNamed returns (creating if needed) the shared medium for a given
// name, so tests and a single process's nodes can rendezvous by name the
// same way real nodes rendezvous on a physical bus "channel".
func MediumNamed(name string) *Medium {
	m, _ := namedMedia.LoadOrStore(name, &Medium{})
	return m.(*Medium)
}

func newFromChannel(channel string) (can.Bus, error) {
	return New(MediumNamed(channel)), nil
}

type subscription struct {
	id    can.FilterID
	ident uint32
	mask  uint32
	flags uint8
	cb    can.FrameHandler
}

// Bus is one endpoint attached to a Medium.
type Bus struct {
	medium     *Medium
	receiveOwn bool

	mu      sync.Mutex
	subs    []subscription
	nextID  can.FilterID
	started bool
	txErr   uint32
}

// New creates a Bus attached to medium. Call Start to begin receiving.
func New(medium *Medium) *Bus {
	return &Bus{medium: medium}
}

// SetReceiveOwn controls whether this bus observes its own transmissions,
// useful for single-process loopback tests.
func (b *Bus) SetReceiveOwn(v bool) { b.receiveOwn = v }

func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	b.medium.attach(b)
	return nil
}

func (b *Bus) SetMode(can.Mode) error { return nil }

func (b *Bus) Send(ctx context.Context, frame can.Frame, deadline time.Time, completion can.CompletionFunc) (can.SendResult, error) {
	if b.medium.shouldDrop() {
		if completion != nil {
			completion(can.SendAgain, errors.New("virtual: simulated drop"))
		}
		return can.SendAgain, errors.New("virtual: simulated drop")
	}
	b.medium.broadcast(b, frame)
	if completion != nil {
		completion(can.SendOK, nil)
	}
	return can.SendOK, nil
}

func (m *Medium) shouldDrop() bool {
	m.mu.Lock()
	pct := m.dropPct
	m.mu.Unlock()
	if pct <= 0 {
		return false
	}
	return pseudoRand()%100 < pct
}

// pseudoRand is a tiny deterministic counter-based generator shared by all
// media, used by fault injection instead of true randomness; it takes no
// seed, so the drop pattern depends only on how many draws came before.
var randCounter uint64
var randMu sync.Mutex

func pseudoRand() int {
	randMu.Lock()
	randCounter++
	v := randCounter * 2654435761 % 100000
	randMu.Unlock()
	return int(v)
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	matches := make([]can.FrameHandler, 0, 1)
	for _, s := range b.subs {
		if frame.ID&s.mask == s.ident&s.mask {
			matches = append(matches, s.cb)
		}
	}
	b.mu.Unlock()
	for _, cb := range matches {
		cb.Handle(frame)
	}
}

func (b *Bus) AddRxFilter(id, mask uint32, flags uint8, cb can.FrameHandler) (can.FilterID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	fid := b.nextID
	b.subs = append(b.subs, subscription{id: fid, ident: id, mask: mask, flags: flags, cb: cb})
	return fid, nil
}

func (b *Bus) RemoveRxFilter(id can.FilterID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return nil
		}
	}
	return can.ErrNoSuchFilter
}

func (b *Bus) State() (can.BusState, uint32, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return can.StateActive, b.txErr, 0
}

func (b *Bus) Close() error {
	b.medium.detach(b)
	return nil
}
