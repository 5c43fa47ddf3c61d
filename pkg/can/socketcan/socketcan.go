// Package socketcan implements can.Bus directly on top of a Linux raw
// AF_CAN socket, bypassing any userspace CAN library. It is the
// low-latency backend meant for production use on embedded Linux targets.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/canrise/isotp-go/pkg/can"
	"golang.org/x/sys/unix"
)

func init() {
	can.RegisterInterface("socketcan", New)
}

const (
	frameSize   = 16 // sizeof(struct can_frame)
	readTimeout = 100 * time.Millisecond
)

// wireFrame mirrors struct can_frame from linux/can.h.
type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

type filter struct {
	id, mask uint32
	flags    uint8
	cb       can.FrameHandler
}

// Bus is a raw SocketCAN backend.
type Bus struct {
	logger *slog.Logger
	fd     int
	mode   can.Mode

	mu       sync.Mutex
	filters  map[can.FilterID]filter
	nextID   can.FilterID
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	txErrCnt uint32
	rxErrCnt uint32
}

// New opens (but does not yet start) a raw CAN socket bound to channel
// (e.g. "can0", "vcan0").
func New(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, fmt.Errorf("socketcan: %w", err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: create socket: %w", err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: set read timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind: %w", err)
	}
	return &Bus{
		logger:  slog.Default().With("backend", "socketcan", "channel", channel),
		fd:      fd,
		filters: make(map[can.FilterID]filter),
	}, nil
}

func (b *Bus) Start() error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.receiveLoop(ctx)
	return nil
}

func (b *Bus) SetMode(mode can.Mode) error {
	if mode == can.ModeFD {
		return errors.New("socketcan: CAN-FD not supported by this backend")
	}
	b.mode = mode
	if mode == can.ModeLoopback {
		return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1)
	}
	return nil
}

func (b *Bus) Send(ctx context.Context, frame can.Frame, deadline time.Time, completion can.CompletionFunc) (can.SendResult, error) {
	wf := wireFrame{id: frame.ID, dlc: frame.DLC}
	copy(wf.data[:], frame.Data[:frame.DLC])
	raw := (*(*[frameSize]byte)(unsafe.Pointer(&wf)))[:]

	tv := unix.NsecToTimeval(time.Until(deadline).Nanoseconds())
	_ = unix.SetsockoptTimeval(b.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)

	n, err := unix.Write(b.fd, raw)
	if err != nil || n != frameSize {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			if completion != nil {
				completion(can.SendAgain, err)
			}
			return can.SendAgain, err
		}
		b.mu.Lock()
		b.txErrCnt++
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

func (b *Bus) AddRxFilter(id, mask uint32, flags uint8, cb can.FrameHandler) (can.FilterID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	fid := b.nextID
	b.filters[fid] = filter{id: id, mask: mask, flags: flags, cb: cb}
	b.syncKernelFilters()
	return fid, nil
}

func (b *Bus) RemoveRxFilter(id can.FilterID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.filters[id]; !ok {
		return can.ErrNoSuchFilter
	}
	delete(b.filters, id)
	b.syncKernelFilters()
	return nil
}

// syncKernelFilters pushes the current filter set down to CAN_RAW_FILTER so
// frames we don't care about never cross into userspace. Caller holds mu.
func (b *Bus) syncKernelFilters() {
	kf := make([]unix.CanFilter, 0, len(b.filters))
	for _, f := range b.filters {
		mask := f.mask
		if f.flags != 0 {
			mask |= unix.CAN_EFF_FLAG
		}
		kf = append(kf, unix.CanFilter{Id: f.id, Mask: mask})
	}
	if err := unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
		b.logger.Warn("failed to push kernel filters", "err", err)
	}
}

func (b *Bus) dispatch(frame can.Frame) {
	b.mu.Lock()
	matches := make([]can.FrameHandler, 0, 1)
	for _, f := range b.filters {
		if frame.ID&f.mask == f.id&f.mask {
			matches = append(matches, f.cb)
		}
	}
	b.mu.Unlock()
	for _, cb := range matches {
		cb.Handle(frame)
	}
}

func (b *Bus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			b.logger.Error("receive loop exiting", "err", err)
			return
		}
		if n != frameSize {
			continue
		}
		wf := (*wireFrame)(unsafe.Pointer(&buf[0]))
		frame := can.Frame{ID: wf.id &^ can.EFFFlag &^ can.RTRFlag, DLC: wf.dlc}
		if wf.id&can.EFFFlag != 0 {
			frame.Flags |= 1
		}
		copy(frame.Data[:], wf.data[:])
		b.dispatch(frame)
	}
}

func (b *Bus) State() (can.BusState, uint32, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := can.StateActive
	if b.txErrCnt > 128 || b.rxErrCnt > 128 {
		state = can.StatePassive
	}
	return state, b.txErrCnt, b.rxErrCnt
}

func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}
	return unix.Close(b.fd)
}
