package isotp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
)

// Config configures one bound Engine instance, which owns exactly one CAN
// Endpoint and one worker goroutine draining the ISR-to-worker handoff
// channel described in spec §5.
type Config struct {
	Mode AddressingMode

	// Fixed29 addressing.
	Priority uint8
	MsgType  uint8
	Local    NodeID

	// Normal/Extended1Byte/Custom addressing: fixed ids, single implicit peer.
	RxID, TxID uint32
	Peer       NodeID

	FD bool

	BlockSize uint8         // BS we grant senders via our FC
	STmin     time.Duration // STmin we request senders use via our FC

	SendPoolSize  int
	RecvPoolSize  int
	WakeQueueSize int
	SendRetries   int

	NAs, NBs, NCr time.Duration
	MaxWFT        uint8

	Logger  *slog.Logger
	Metrics *Metrics

	OnReceive      func(peer NodeID, payload []byte)
	OnReceiveError func(peer NodeID, result Result)
}

// DefaultConfig returns a Config with the timer and pool sizing spec §8's
// scenarios exercise.
func DefaultConfig() Config {
	return Config{
		BlockSize:     8,
		STmin:         0,
		SendPoolSize:  4,
		RecvPoolSize:  4,
		WakeQueueSize: 32,
		SendRetries:   3,
		NAs:           1 * time.Second,
		NBs:           1 * time.Second,
		NCr:           1 * time.Second,
		MaxWFT:        4,
		Logger:        slog.Default(),
	}
}

const classicalDLC = 8

// maxFDDLC is the largest CAN-FD frame length. Real ISO-TP-over-FD stacks
// almost always pad every frame of a session to this fixed length rather
// than negotiating a stepped DLC per message, so txDLC uses it uniformly
// whenever cfg.FD is set instead of picking a smaller FD length per frame.
const maxFDDLC = 64

// txDLC returns the frame length this engine transmits at: classicalDLC on
// classical CAN, maxFDDLC when configured for CAN-FD. Spec §1/§2 list
// CAN-FD as a core transport, and §4.1's PCI table allows SF payloads up
// to 62 bytes via the long-SF escape, so cfg.FD must affect the send path
// and not just DecodePCI's fdCapable argument.
func (e *Engine) txDLC() int {
	if e.cfg.FD {
		return maxFDDLC
	}
	return classicalDLC
}

// sfCapacity is the largest payload this engine can send as a single
// frame: classicalDLC-1 (1-byte PCI) classically, txDLC-2 (2-byte PCI, the
// long-SF escape) on CAN-FD.
func (e *Engine) sfCapacity() int {
	if e.cfg.FD {
		return maxFDDLC - 2
	}
	return classicalDLC - 1
}

// Engine is a bound ISO-TP transport endpoint: it owns send/receive session
// pools, a single worker goroutine, and a filter registered against a
// can.Bus.
type Engine struct {
	bus    can.Bus
	cfg    Config
	logger *slog.Logger
	metrics *Metrics

	filterID can.FilterID

	sendPool *slab[sendContext]
	recvPool *slab[recvContext]

	mu         sync.Mutex
	sendByPeer map[NodeID]int
	recvByPeer map[NodeID]int

	wake      chan wakeEvent
	timerWake chan timerEvent

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unbindOnce sync.Once
}

type wakeKind uint8

const (
	wakeRxFrame wakeKind = iota
)

type wakeEvent struct {
	kind  wakeKind
	frame can.Frame
}

// Bind constructs an Engine over bus according to cfg, registers its rx
// filter, and starts its worker goroutine. The returned Engine must be
// stopped with Unbind.
func Bind(bus can.Bus, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendPoolSize <= 0 || cfg.RecvPoolSize <= 0 {
		return nil, fmt.Errorf("isotp: pool sizes must be positive")
	}
	if cfg.Mode == Fixed29 && !cfg.Local.Valid() {
		return nil, fmt.Errorf("isotp: invalid local NodeID %v for Fixed29 addressing", cfg.Local)
	}

	e := &Engine{
		bus:        bus,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "isotp"),
		metrics:    cfg.Metrics,
		sendPool:   newSlab[sendContext](cfg.SendPoolSize),
		recvPool:   newSlab[recvContext](cfg.RecvPoolSize),
		sendByPeer: make(map[NodeID]int),
		recvByPeer: make(map[NodeID]int),
		wake:       make(chan wakeEvent, cfg.WakeQueueSize),
		timerWake:  make(chan timerEvent, cfg.WakeQueueSize),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	id, mask, flags := e.listenPattern()
	filterID, err := bus.AddRxFilter(id, mask, flags, e)
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("isotp: add rx filter: %w", err)
	}
	e.filterID = filterID

	e.wg.Add(1)
	go e.run()
	return e, nil
}

func (e *Engine) listenPattern() (id, mask uint32, flags uint8) {
	switch e.cfg.Mode {
	case Fixed29:
		addr := FixedAddress(e.cfg.Priority, e.cfg.MsgType, e.cfg.Local, 0)
		return addr.RxID, 0x1FFFFF00, 1 // EFF
	default:
		return e.cfg.RxID, can.EFFMask, 1
	}
}

func (e *Engine) peerFromFrame(frame can.Frame) NodeID {
	if e.cfg.Mode == Fixed29 {
		return PeerFromRxID(frame.ID)
	}
	return e.cfg.Peer
}

func (e *Engine) txIDFor(peer NodeID) uint32 {
	if e.cfg.Mode == Fixed29 {
		return SwapTargetSource(FixedAddress(e.cfg.Priority, e.cfg.MsgType, e.cfg.Local, peer).RxID)
	}
	return e.cfg.TxID
}

// Handle implements can.FrameHandler. It must not block: it only decides
// whether the frame is worth a second look and, if so, hands it to the
// worker goroutine over a buffered channel. This is the entirety of the
// "ISR-side" work described in spec §5.
func (e *Engine) Handle(frame can.Frame) {
	if e.metrics != nil {
		e.metrics.FramesReceived.Inc()
	}
	select {
	case e.wake <- wakeEvent{kind: wakeRxFrame, frame: frame}:
	default:
		if e.metrics != nil {
			e.metrics.FramesDropped.Inc()
		}
		e.logger.Warn("dropped rx frame, wake queue full")
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case we := <-e.wake:
			e.handleFrame(we.frame)
		case te := <-e.timerWake:
			e.handleTimerEvent(te)
		}
	}
}

// Unbind stops the worker goroutine, fires every pending send completion
// and receive error callback with Canceled, and removes the rx filter. Safe
// to call more than once.
func (e *Engine) Unbind() error {
	var err error
	e.unbindOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.cancelPendingSends()
		e.cancelPendingRecvs()
		err = e.bus.RemoveRxFilter(e.filterID)
	})
	return err
}

// cancelPendingSends fires completion(Canceled) for every in-flight send
// context, so a caller blocked in Send never hangs past Unbind waiting on
// an unrelated ctx to expire (spec §5 cancellation, §8 property 3).
func (e *Engine) cancelPendingSends() {
	e.sendPool.forEach(func(idx int, sc *sendContext) {
		sc.timer.stop()
		cb := sc.completion
		sc.inUse = false
		e.sendPool.release(idx)
		if cb != nil {
			cb(Canceled)
		}
	})
	e.mu.Lock()
	e.sendByPeer = make(map[NodeID]int)
	e.mu.Unlock()
}

func (e *Engine) cancelPendingRecvs() {
	e.recvPool.forEach(func(idx int, rc *recvContext) {
		rc.timer.stop()
		peer := rc.peer
		rc.inUse = false
		e.recvPool.release(idx)
		if e.cfg.OnReceiveError != nil {
			e.cfg.OnReceiveError(peer, Canceled)
		}
	})
	e.mu.Lock()
	e.recvByPeer = make(map[NodeID]int)
	e.mu.Unlock()
}

// ---- receive path ----

func (e *Engine) handleFrame(frame can.Frame) {
	pci, ok := DecodePCI(frame.Data[:frame.DLC], e.cfg.FD)
	if !ok {
		return
	}
	peer := e.peerFromFrame(frame)
	switch pci.Kind {
	case KindFC:
		e.handleFC(peer, pci)
	case KindSF:
		e.deliverSF(peer, frame, pci)
	case KindFF:
		e.startRecv(peer, frame, pci)
	case KindCF:
		e.continueRecv(peer, frame, pci)
	}
}

func (e *Engine) deliverSF(peer NodeID, frame can.Frame, pci PCI) {
	start := 1
	if pci.SFLen > 0 && frame.Data[0]&0x0F == 0 && e.cfg.FD {
		start = 2
	}
	if start+pci.SFLen > int(frame.DLC) {
		return
	}
	payload := make([]byte, pci.SFLen)
	copy(payload, frame.Data[start:start+pci.SFLen])
	if e.cfg.OnReceive != nil {
		e.cfg.OnReceive(peer, payload)
	}
}

func (e *Engine) startRecv(peer NodeID, frame can.Frame, pci PCI) {
	if pci.FFLen > MaxMessageLen {
		e.sendFC(peer, FlowOverflow, 0, 0)
		e.reportRecvErr(peer, BufferOverflow)
		return
	}
	e.mu.Lock()
	if _, exists := e.recvByPeer[peer]; exists {
		e.mu.Unlock()
		e.reportRecvErr(peer, UnexpPDU)
		return
	}
	idx, rc, ok := e.recvPool.acquire()
	if !ok {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.PoolExhausted.WithLabelValues("recv").Inc()
		}
		e.reportRecvErr(peer, NoNetBufLeft)
		return
	}
	e.recvByPeer[peer] = idx
	e.mu.Unlock()

	rc.reset()
	rc.inUse = true
	rc.generation++
	rc.peer = peer
	rc.expected = pci.FFLen
	rc.bs = e.cfg.BlockSize
	rc.stmin = e.cfg.STmin
	n := copy(rc.buffer[:], frame.Data[2:frame.DLC])
	rc.received = n
	rc.state = recvCollecting

	e.sendFC(peer, FlowContinue, rc.bs, EncodeSTmin(rc.stmin))
	rc.timer.start(e.cfg.NCr, timerRecvCr, idx, rc.generation, e.timerWake)
}

func (e *Engine) continueRecv(peer NodeID, frame can.Frame, pci PCI) {
	e.mu.Lock()
	idx, exists := e.recvByPeer[peer]
	e.mu.Unlock()
	if !exists {
		return
	}
	rc := e.recvPool.at(idx)
	if pci.SN != rc.sn {
		e.failRecv(peer, idx, WrongSN)
		return
	}
	rc.timer.stop()
	chunk := frame.Data[1:frame.DLC]
	if rem := rc.expected - rc.received; len(chunk) > rem {
		chunk = chunk[:rem]
	}
	n := copy(rc.buffer[rc.received:], chunk)
	rc.received += n
	rc.sn = (rc.sn + 1) & 0x0F
	rc.blockCount++

	if rc.received >= rc.expected {
		payload := rc.complete()
		e.releaseRecv(peer, idx)
		if e.cfg.OnReceive != nil {
			e.cfg.OnReceive(peer, payload)
		}
		return
	}
	if rc.bs != 0 && rc.blockCount >= rc.bs {
		rc.blockCount = 0
		e.sendFC(peer, FlowContinue, rc.bs, EncodeSTmin(rc.stmin))
	}
	rc.timer.start(e.cfg.NCr, timerRecvCr, idx, rc.generation, e.timerWake)
}

func (e *Engine) sendFC(peer NodeID, flow FlowStatus, bs uint8, stmin byte) {
	var data [classicalDLC]byte
	EncodeFC(data[:], flow, bs, stmin)
	frame := can.Frame{ID: e.txIDFor(peer), DLC: classicalDLC, FD: e.cfg.FD}
	copy(frame.Data[:], data[:])
	if err := can.SendRetry(e.ctx, e.bus, frame, e.cfg.NAs, e.cfg.SendRetries, nil); err != nil {
		e.logger.Warn("failed to send flow control", "peer", peer, "err", err)
	}
}

func (e *Engine) reportRecvErr(peer NodeID, result Result) {
	if e.metrics != nil {
		e.metrics.SessionsFailed.WithLabelValues(result.String()).Inc()
	}
	if e.cfg.OnReceiveError != nil {
		e.cfg.OnReceiveError(peer, result)
	}
}

func (e *Engine) failRecv(peer NodeID, idx int, result Result) {
	e.releaseRecv(peer, idx)
	e.reportRecvErr(peer, result)
}

func (e *Engine) releaseRecv(peer NodeID, idx int) {
	rc := e.recvPool.at(idx)
	rc.timer.stop()
	rc.inUse = false
	e.mu.Lock()
	delete(e.recvByPeer, peer)
	e.mu.Unlock()
	e.recvPool.release(idx)
}

// ---- send path ----

func (e *Engine) handleFC(peer NodeID, pci PCI) {
	e.mu.Lock()
	idx, exists := e.sendByPeer[peer]
	e.mu.Unlock()
	if !exists {
		return
	}
	sc := e.sendPool.at(idx)
	sc.timer.stop()

	switch pci.Flow {
	case FlowWait:
		sc.wft++
		if sc.wft > e.cfg.MaxWFT {
			e.failSend(peer, idx, WFTOvrn)
			return
		}
		sc.timer.start(e.cfg.NBs, timerSendBs, idx, sc.generation, e.timerWake)
	case FlowOverflow:
		e.failSend(peer, idx, BufferOverflow)
	case FlowContinue:
		sc.wft = 0
		sc.bs = pci.BS
		sc.stmin = DecodeSTmin(pci.STmin)
		sc.blockCount = 0
		e.sendBlock(peer, idx, sc)
	default:
		e.failSend(peer, idx, InvalidFS)
	}
}

// sendBlock sends consecutive frames until the granted block is exhausted,
// the message completes, or pacing (STmin) requires yielding. It runs on
// the engine's single worker goroutine, so a paced STmin sleep here delays
// processing of other peers' frames; acceptable for the session counts this
// engine targets, but a reason a high-fan-out deployment would want to
// widen the worker pool per peer.
func (e *Engine) sendBlock(peer NodeID, idx int, sc *sendContext) {
	dlc := e.txDLC()
	for {
		if sc.done() {
			e.completeSend(peer, idx, sc)
			return
		}
		data := make([]byte, dlc)
		chunk := sc.payload[sc.offset:]
		if len(chunk) > dlc-1 {
			chunk = chunk[:dlc-1]
		}
		n := EncodeCF(data, sc.sn, chunk)
		frame := can.Frame{ID: e.txIDFor(peer), DLC: uint8(dlc), FD: e.cfg.FD}
		copy(frame.Data[:], data)

		if err := can.SendRetry(e.ctx, e.bus, frame, e.cfg.NAs, e.cfg.SendRetries, nil); err != nil {
			e.failSend(peer, idx, DriverErr)
			return
		}
		sc.offset += n
		sc.sn = (sc.sn + 1) & 0x0F
		sc.blockCount++

		if sc.done() {
			e.completeSend(peer, idx, sc)
			return
		}
		if sc.bs != 0 && sc.blockCount >= sc.bs {
			sc.state = sendAwaitFC
			sc.timer.start(e.cfg.NBs, timerSendBs, idx, sc.generation, e.timerWake)
			return
		}
		if sc.stmin > 0 {
			time.Sleep(sc.stmin)
		}
	}
}

func (e *Engine) completeSend(peer NodeID, idx int, sc *sendContext) {
	cb := sc.completion
	e.releaseSend(peer, idx)
	if cb != nil {
		cb(OK)
	}
}

func (e *Engine) failSend(peer NodeID, idx int, result Result) {
	sc := e.sendPool.at(idx)
	cb := sc.completion
	e.releaseSend(peer, idx)
	if e.metrics != nil {
		e.metrics.SessionsFailed.WithLabelValues(result.String()).Inc()
	}
	if cb != nil {
		cb(result)
	}
}

func (e *Engine) releaseSend(peer NodeID, idx int) {
	sc := e.sendPool.at(idx)
	sc.timer.stop()
	sc.inUse = false
	e.mu.Lock()
	delete(e.sendByPeer, peer)
	e.mu.Unlock()
	e.sendPool.release(idx)
}

func (e *Engine) handleTimerEvent(te timerEvent) {
	switch te.kind {
	case timerSendBs:
		sc := e.sendPool.at(te.slot)
		if !sc.inUse || sc.generation != te.generation {
			return
		}
		e.failSend(sc.peer, te.slot, TimeoutBS)
	case timerRecvCr:
		rc := e.recvPool.at(te.slot)
		if !rc.inUse || rc.generation != te.generation {
			return
		}
		e.failRecv(rc.peer, te.slot, TimeoutCR)
	}
}

// SendAsync starts (or completes, for single-frame messages) a transfer to
// peer. It returns a non-OK Result immediately, without invoking
// completion, when the request is rejected outright (already busy, no free
// context, oversized payload); otherwise it returns OK and completion is
// invoked exactly once with the final outcome. For a single-frame message,
// or a First Frame the driver fails to send, completion runs before
// SendAsync returns; otherwise it runs later on the worker goroutine.
func (e *Engine) SendAsync(peer NodeID, payload []byte, completion func(Result)) Result {
	if len(payload) > MaxMessageLen {
		return BufferOverflow
	}
	dlc := e.txDLC()
	if len(payload) <= e.sfCapacity() {
		data := make([]byte, dlc)
		EncodeSF(data, payload)
		frame := can.Frame{ID: e.txIDFor(peer), DLC: uint8(dlc), FD: e.cfg.FD}
		copy(frame.Data[:], data)
		err := can.SendRetry(e.ctx, e.bus, frame, e.cfg.NAs, e.cfg.SendRetries, nil)
		if completion != nil {
			if err != nil {
				completion(DriverErr)
			} else {
				completion(OK)
			}
		}
		return OK
	}

	e.mu.Lock()
	if _, exists := e.sendByPeer[peer]; exists {
		e.mu.Unlock()
		return Busy
	}
	idx, sc, ok := e.sendPool.acquire()
	if !ok {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.PoolExhausted.WithLabelValues("send").Inc()
		}
		return NoCtxLeft
	}
	e.sendByPeer[peer] = idx
	e.mu.Unlock()

	sc.reset()
	sc.inUse = true
	sc.generation++
	sc.peer = peer
	sc.payload = payload
	sc.completion = completion
	sc.state = sendAwaitFC
	gen := sc.generation

	data := make([]byte, dlc)
	n := EncodeFF(data, len(payload), payload)
	sc.offset = n
	frame := can.Frame{ID: e.txIDFor(peer), DLC: uint8(dlc), FD: e.cfg.FD}
	copy(frame.Data[:], data)

	if err := can.SendRetry(e.ctx, e.bus, frame, e.cfg.NAs, e.cfg.SendRetries, nil); err != nil {
		e.failSend(peer, idx, DriverErr)
		return OK
	}
	if e.metrics != nil {
		e.metrics.SessionsStarted.Inc()
	}
	sc.timer.start(e.cfg.NBs, timerSendBs, idx, gen, e.timerWake)
	return OK
}

// Send blocks until the transfer to peer completes, fails, or ctx is done.
func (e *Engine) Send(ctx context.Context, peer NodeID, payload []byte) (Result, error) {
	done := make(chan Result, 1)
	rej := e.SendAsync(peer, payload, func(r Result) { done <- r })
	if rej != OK {
		return rej, rej
	}
	select {
	case r := <-done:
		if r == OK {
			return OK, nil
		}
		return r, r
	case <-ctx.Done():
		return Canceled, ctx.Err()
	}
}
