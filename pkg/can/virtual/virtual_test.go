package virtual

import (
	"context"
	"testing"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToMatchingFilter(t *testing.T) {
	medium := &Medium{}
	sender := New(medium)
	receiver := New(medium)
	require.NoError(t, sender.Start())
	require.NoError(t, receiver.Start())

	got := make(chan can.Frame, 1)
	_, err := receiver.AddRxFilter(0x123, 0x1FFFFFFF, 0, can.FrameHandlerFunc(func(f can.Frame) {
		got <- f
	}))
	require.NoError(t, err)

	frame := can.Frame{ID: 0x123, DLC: 2}
	frame.Data[0], frame.Data[1] = 0xAA, 0xBB
	_, err = sender.Send(context.Background(), frame, time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	select {
	case f := <-got:
		require.Equal(t, uint32(0x123), f.ID)
		require.Equal(t, byte(0xAA), f.Data[0])
	case <-time.After(time.Second):
		t.Fatal("receiver never saw the frame")
	}
}

func TestBus_FilterMaskExcludesNonMatching(t *testing.T) {
	medium := &Medium{}
	sender := New(medium)
	receiver := New(medium)
	require.NoError(t, sender.Start())
	require.NoError(t, receiver.Start())

	got := make(chan can.Frame, 1)
	_, err := receiver.AddRxFilter(0x123, 0x1FFFFFFF, 0, can.FrameHandlerFunc(func(f can.Frame) {
		got <- f
	}))
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), can.Frame{ID: 0x456, DLC: 1}, time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	select {
	case f := <-got:
		t.Fatalf("unexpected frame delivered: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_DoesNotReceiveOwnTransmissionsByDefault(t *testing.T) {
	medium := &Medium{}
	bus := New(medium)
	require.NoError(t, bus.Start())

	got := make(chan can.Frame, 1)
	_, err := bus.AddRxFilter(0x1, 0x1FFFFFFF, 0, can.FrameHandlerFunc(func(f can.Frame) {
		got <- f
	}))
	require.NoError(t, err)

	_, err = bus.Send(context.Background(), can.Frame{ID: 0x1, DLC: 1}, time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("bus should not observe its own transmission by default")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_ReceiveOwnEnabled(t *testing.T) {
	medium := &Medium{}
	bus := New(medium)
	bus.SetReceiveOwn(true)
	require.NoError(t, bus.Start())

	got := make(chan can.Frame, 1)
	_, err := bus.AddRxFilter(0x1, 0x1FFFFFFF, 0, can.FrameHandlerFunc(func(f can.Frame) {
		got <- f
	}))
	require.NoError(t, err)

	_, err = bus.Send(context.Background(), can.Frame{ID: 0x1, DLC: 1}, time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("expected to observe own transmission")
	}
}

func TestBus_RemoveRxFilter(t *testing.T) {
	medium := &Medium{}
	bus := New(medium)
	require.NoError(t, bus.Start())

	id, err := bus.AddRxFilter(0x1, 0x1FFFFFFF, 0, can.FrameHandlerFunc(func(can.Frame) {}))
	require.NoError(t, err)
	require.NoError(t, bus.RemoveRxFilter(id))
	require.ErrorIs(t, bus.RemoveRxFilter(id), can.ErrNoSuchFilter)
}

func TestMediumNamed_SharesMediumAcrossLookups(t *testing.T) {
	a := MediumNamed("test-channel")
	b := MediumNamed("test-channel")
	if a != b {
		t.Fatal("expected the same *Medium for the same name")
	}
}

func TestBus_DropPercentSimulatesFaults(t *testing.T) {
	medium := &Medium{}
	medium.SetDropPercent(100)
	bus := New(medium)
	require.NoError(t, bus.Start())

	result, err := bus.Send(context.Background(), can.Frame{ID: 0x1, DLC: 1}, time.Now().Add(time.Second), nil)
	require.Error(t, err)
	require.Equal(t, can.SendAgain, result)
}
