package isotp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
	"github.com/canrise/isotp-go/pkg/can/virtual"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engineA, engineB *Engine
	busA, busB       can.Bus
}

func newFixture(t *testing.T, local, peer NodeID, onRecvA, onRecvB func(NodeID, []byte)) *fixture {
	t.Helper()
	medium := &virtual.Medium{}
	busA := virtual.New(medium)
	busB := virtual.New(medium)
	require.NoError(t, busA.Start())
	require.NoError(t, busB.Start())

	cfgA := DefaultConfig()
	cfgA.Mode = Fixed29
	cfgA.Priority = DefaultDiagPriority
	cfgA.MsgType = DefaultDiagType
	cfgA.Local = local
	cfgA.NBs = 100 * time.Millisecond
	cfgA.NCr = 100 * time.Millisecond
	cfgA.OnReceive = onRecvA

	cfgB := cfgA
	cfgB.Local = peer
	cfgB.OnReceive = onRecvB

	engineA, err := Bind(busA, cfgA)
	require.NoError(t, err)
	engineB, err := Bind(busB, cfgB)
	require.NoError(t, err)

	t.Cleanup(func() {
		engineA.Unbind()
		engineB.Unbind()
	})
	return &fixture{engineA: engineA, engineB: engineB, busA: busA, busB: busB}
}

func TestEngine_SingleFrameRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	recvd := make(chan struct{}, 1)
	f := newFixture(t, 0x01, 0x02, nil, func(peer NodeID, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
		recvd <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := f.engineA.Send(ctx, 0x02, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, OK, result)

	select {
	case <-recvd:
	case <-time.After(time.Second):
		t.Fatal("receiver never saw the message")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("hi"), got)
}

func TestEngine_MultiFrameRoundTrip(t *testing.T) {
	payload := make([]byte, 130)
	for i := range payload {
		payload[i] = byte(i)
	}
	recvd := make(chan []byte, 1)
	f := newFixture(t, 0x01, 0x02, nil, func(peer NodeID, got []byte) {
		recvd <- got
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := f.engineA.Send(ctx, 0x02, payload)
	require.NoError(t, err)
	require.Equal(t, OK, result)

	select {
	case got := <-recvd:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never reassembled the message")
	}
}

func TestEngine_MaxMessageLenBoundary(t *testing.T) {
	payload := make([]byte, MaxMessageLen)
	recvd := make(chan []byte, 1)
	f := newFixture(t, 0x01, 0x02, nil, func(peer NodeID, got []byte) {
		recvd <- got
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := f.engineA.Send(ctx, 0x02, payload)
	require.NoError(t, err)
	require.Equal(t, OK, result)

	select {
	case got := <-recvd:
		require.Len(t, got, MaxMessageLen)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never reassembled the max-length message")
	}
}

func TestEngine_OverLengthRejected(t *testing.T) {
	f := newFixture(t, 0x01, 0x02, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := f.engineA.Send(ctx, 0x02, make([]byte, MaxMessageLen+1))
	require.Error(t, err)
	require.Equal(t, BufferOverflow, result)
}

func TestEngine_NoReceiverTimesOutWaitingForFlowControl(t *testing.T) {
	medium := &virtual.Medium{}
	busA := virtual.New(medium)
	require.NoError(t, busA.Start())

	cfg := DefaultConfig()
	cfg.Mode = Fixed29
	cfg.Priority = DefaultDiagPriority
	cfg.MsgType = DefaultDiagType
	cfg.Local = 0x01
	cfg.NBs = 50 * time.Millisecond

	engineA, err := Bind(busA, cfg)
	require.NoError(t, err)
	defer engineA.Unbind()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := engineA.Send(ctx, 0x02, make([]byte, 100))
	require.Error(t, err)
	require.Equal(t, TimeoutBS, result)
}

func TestEngine_WrongSequenceNumberAborts(t *testing.T) {
	errs := make(chan Result, 1)
	f := newFixture(t, 0x01, 0x02, nil, nil)
	f.engineB.cfg.OnReceiveError = func(peer NodeID, result Result) { errs <- result }

	// addr.RxID is the id engineB listens on for frames targeting node
	// 0x02 that claim to come from node 0x01 — the same id engineA's
	// txIDFor(0x02) computes for legitimate sends.
	addr := FixedAddress(DefaultDiagPriority, DefaultDiagType, 0x02, 0x01)
	ff := can.Frame{ID: addr.RxID, DLC: classicalDLC}
	EncodeFF(ff.Data[:], 20, make([]byte, 6))
	f.busA.Send(context.Background(), ff, time.Now().Add(time.Second), nil)

	cf := can.Frame{ID: addr.RxID, DLC: classicalDLC}
	EncodeCF(cf.Data[:], 7, make([]byte, 7)) // expected SN is 1, not 7
	f.busA.Send(context.Background(), cf, time.Now().Add(time.Second), nil)

	select {
	case r := <-errs:
		require.Equal(t, WrongSN, r)
	case <-time.After(time.Second):
		t.Fatal("receiver never reported wrong sequence number")
	}
}

func TestEngine_BusyRejectsConcurrentSendToSamePeer(t *testing.T) {
	f := newFixture(t, 0x01, 0x02, nil, nil)
	f.engineA.cfg.NBs = 5 * time.Second // keep the first transfer in flight

	// Node 0x03 has no engine bound, so no FC ever answers the FF and the
	// first transfer stays waiting for flow control.
	done := make(chan Result, 1)
	rej := f.engineA.SendAsync(0x03, make([]byte, 100), func(r Result) { done <- r })
	require.Equal(t, OK, rej)

	rej2 := f.engineA.SendAsync(0x03, make([]byte, 50), func(Result) {})
	require.Equal(t, Busy, rej2)
}

func TestEngine_UnbindIsIdempotent(t *testing.T) {
	f := newFixture(t, 0x01, 0x02, nil, nil)
	require.NoError(t, f.engineA.Unbind())
	require.NoError(t, f.engineA.Unbind())
}

func TestEngine_UnbindCancelsInFlightSendAndRecv(t *testing.T) {
	f := newFixture(t, 0x01, 0x02, nil, nil)
	f.engineA.cfg.NBs = 5 * time.Second // keep the send in flight past Unbind

	// Node 0x03 has no engine bound, so the send waits for an FC that never
	// comes until Unbind cancels it.
	done := make(chan Result, 1)
	rej := f.engineA.SendAsync(0x03, make([]byte, 100), func(r Result) { done <- r })
	require.Equal(t, OK, rej)

	errs := make(chan Result, 1)
	f.engineB.cfg.OnReceiveError = func(peer NodeID, result Result) { errs <- result }
	ff := can.Frame{ID: FixedAddress(DefaultDiagPriority, DefaultDiagType, 0x02, 0x01).RxID, DLC: classicalDLC}
	EncodeFF(ff.Data[:], 20, make([]byte, 6))
	f.busA.Send(context.Background(), ff, time.Now().Add(time.Second), nil)
	time.Sleep(20 * time.Millisecond) // let engineB's worker open the recv context

	require.NoError(t, f.engineA.Unbind())
	require.NoError(t, f.engineB.Unbind())

	select {
	case r := <-done:
		require.Equal(t, Canceled, r)
	case <-time.After(time.Second):
		t.Fatal("Unbind never fired the pending send completion")
	}
	select {
	case r := <-errs:
		require.Equal(t, Canceled, r)
	case <-time.After(time.Second):
		t.Fatal("Unbind never fired the pending receive error callback")
	}
}

func TestEngine_OversizedFFGetsFlowControlOverflowThenError(t *testing.T) {
	medium := &virtual.Medium{}
	busA := virtual.New(medium)
	busB := virtual.New(medium)
	require.NoError(t, busA.Start())
	require.NoError(t, busB.Start())

	cfgB := DefaultConfig()
	cfgB.Mode = Fixed29
	cfgB.Priority = DefaultDiagPriority
	cfgB.MsgType = DefaultDiagType
	cfgB.Local = 0x02
	errs := make(chan Result, 1)
	cfgB.OnReceiveError = func(peer NodeID, result Result) { errs <- result }
	engineB, err := Bind(busB, cfgB)
	require.NoError(t, err)
	defer engineB.Unbind()

	fcs := make(chan FlowStatus, 1)
	addr := FixedAddress(DefaultDiagPriority, DefaultDiagType, 0x01, 0x02)
	busA.AddRxFilter(addr.RxID, can.EFFMask, 1, can.FrameHandlerFunc(func(frame can.Frame) {
		pci, ok := DecodePCI(frame.Data[:frame.DLC], false)
		if ok && pci.Kind == KindFC {
			fcs <- pci.Flow
		}
	}))

	ffAddr := FixedAddress(DefaultDiagPriority, DefaultDiagType, 0x02, 0x01)
	ff := can.Frame{ID: ffAddr.RxID, DLC: classicalDLC}
	// 0x00 top nibble of the length field plus a 0-value low byte trips the
	// 32-bit escape path in DecodePCI, which startRecv rejects as oversized.
	EncodeFF(ff.Data[:], 0, make([]byte, 6))
	_, err = busA.Send(context.Background(), ff, time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	select {
	case flow := <-fcs:
		require.Equal(t, FlowOverflow, flow)
	case <-time.After(time.Second):
		t.Fatal("receiver never sent FC(OVFLW) for the oversized FF")
	}
	select {
	case r := <-errs:
		require.Equal(t, BufferOverflow, r)
	case <-time.After(time.Second):
		t.Fatal("receiver never reported the buffer overflow")
	}
}

func TestEngine_FDSingleFrameCarriesLongPayload(t *testing.T) {
	medium := &virtual.Medium{}
	busA := virtual.New(medium)
	busB := virtual.New(medium)
	require.NoError(t, busA.Start())
	require.NoError(t, busB.Start())

	cfgA := DefaultConfig()
	cfgA.Mode = Fixed29
	cfgA.Priority = DefaultDiagPriority
	cfgA.MsgType = DefaultDiagType
	cfgA.Local = 0x01
	cfgA.FD = true

	cfgB := cfgA
	cfgB.Local = 0x02
	recvd := make(chan []byte, 1)
	cfgB.OnReceive = func(peer NodeID, payload []byte) { recvd <- payload }

	engineA, err := Bind(busA, cfgA)
	require.NoError(t, err)
	defer engineA.Unbind()
	engineB, err := Bind(busB, cfgB)
	require.NoError(t, err)
	defer engineB.Unbind()

	var frameCount int
	var lastDLC uint8
	var lastFD bool
	addr := FixedAddress(DefaultDiagPriority, DefaultDiagType, 0x02, 0x01)
	busB.AddRxFilter(addr.RxID, can.EFFMask, 1, can.FrameHandlerFunc(func(frame can.Frame) {
		frameCount++
		lastDLC = frame.DLC
		lastFD = frame.FD
	}))

	// 40 bytes exceeds classical SF capacity (7) but fits the CAN-FD
	// long-SF escape's 62-byte capacity, so this must go out as one frame.
	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := engineA.Send(ctx, 0x02, payload)
	require.NoError(t, err)
	require.Equal(t, OK, result)

	select {
	case got := <-recvd:
		require.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("receiver never saw the FD single frame")
	}
	require.Equal(t, 1, frameCount)
	require.Equal(t, uint8(maxFDDLC), lastDLC)
	require.True(t, lastFD)
}
