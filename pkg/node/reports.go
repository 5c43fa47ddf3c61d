package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
	"github.com/canrise/isotp-go/pkg/isotp"
	"github.com/canrise/isotp-go/pkg/packetizer"
)

// DataObject is one periodically-reported value. ID must be stable across
// a node's lifetime: it is how the far end's receiver dispatches reports
// it has no other description for.
type DataObject interface {
	ID() uint16
	Marshal() ([]byte, error)
}

// maxClassicalReportPayload is the raw CAN payload capacity available to
// a single unsegmented report frame: 8 bytes minus the 2-byte data-object
// id prefix.
const maxClassicalReportPayload = 8 - 2

// ReportService periodically serializes and transmits a set of DataObjects
// (spec §4.5). It does not go through the ISO-TP engine: each report is
// either one raw frame or a packetizer-framed sequence, sent
// fire-and-forget.
type ReportService struct {
	bus     can.Bus
	local   isotp.NodeID
	period  time.Duration
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	objects []DataObject

	packetizeRetries int
}

// NewReportService constructs a ReportService for local, transmitting every
// period over bus. metrics may be nil to disable instrumentation.
func NewReportService(bus can.Bus, local isotp.NodeID, period time.Duration, logger *slog.Logger, metrics *Metrics) *ReportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportService{
		bus:              bus,
		local:            local,
		period:           period,
		logger:           logger.With("service", "[REPORT]", "id", local),
		metrics:          metrics,
		packetizeRetries: 3,
	}
}

// Register adds obj to the set of periodically-reported objects.
func (s *ReportService) Register(obj DataObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, obj)
}

// Run drives the reporting loop until ctx is done, following the
// background-ticker pattern used throughout this stack's periodic tasks.
func (s *ReportService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	s.logger.Info("starting report loop", "period", s.period)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exited report loop")
			return
		case <-ticker.C:
			s.reportAll(ctx)
		}
	}
}

func (s *ReportService) reportAll(ctx context.Context) {
	s.mu.Lock()
	objects := make([]DataObject, len(s.objects))
	copy(objects, s.objects)
	s.mu.Unlock()

	for _, obj := range objects {
		if err := s.reportOne(ctx, obj); err != nil {
			s.logger.Warn("failed to send report", "object", obj.ID(), "err", err)
			if s.metrics != nil {
				s.metrics.ReportFailures.Inc()
			}
		}
	}
}

func (s *ReportService) reportOne(ctx context.Context, obj DataObject) error {
	value, err := obj.Marshal()
	if err != nil {
		return fmt.Errorf("marshal object %d: %w", obj.ID(), err)
	}
	payload := make([]byte, 2+len(value))
	binary.LittleEndian.PutUint16(payload, obj.ID())
	copy(payload[2:], value)

	if len(value) <= maxClassicalReportPayload {
		frame := can.Frame{ID: s.reportID(), DLC: uint8(len(payload))}
		copy(frame.Data[:], payload)
		return can.SendRetry(ctx, s.bus, frame, 100*time.Millisecond, 3, nil)
	}
	return s.sendPacketized(ctx, payload)
}

func (s *ReportService) reportID() uint32 {
	return networkBaseID(msgTypeReport) | uint32(isotp.BroadcastNodeID)<<8 | uint32(s.local)
}

func (s *ReportService) sendPacketized(ctx context.Context, payload []byte) error {
	frames := packetizer.Encode(payload, 7)
	id := networkBaseID(msgTypePacketizedReport) | uint32(isotp.BroadcastNodeID)<<8 | uint32(s.local)
	for _, chunk := range frames {
		frame := can.Frame{ID: id, DLC: uint8(len(chunk))}
		copy(frame.Data[:], chunk)
		if err := can.SendRetry(ctx, s.bus, frame, 100*time.Millisecond, s.packetizeRetries, nil); err != nil {
			return err
		}
	}
	return nil
}

// ReportListener reassembles packetized reports received from other nodes,
// mirroring the send side with a per-sender partial buffer (spec §4.5 "RX
// side"). It implements can.FrameHandler directly: dispatch is already
// serialized by the driver, so the per-bucket mutation the spec allows as
// lock-free is instead guarded here by a plain mutex.
type ReportListener struct {
	logger *slog.Logger
	onData func(sender isotp.NodeID, objectID uint16, value []byte)

	mu      sync.Mutex
	partial map[isotp.NodeID]*packetizer.Decoder
}

// NewReportListener constructs a ReportListener that calls onData for every
// fully reassembled report.
func NewReportListener(onData func(sender isotp.NodeID, objectID uint16, value []byte), logger *slog.Logger) *ReportListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportListener{
		logger:  logger.With("service", "[REPORT-RX]"),
		onData:  onData,
		partial: make(map[isotp.NodeID]*packetizer.Decoder),
	}
}

// Handle implements can.FrameHandler for both single-frame and packetized
// reports.
func (l *ReportListener) Handle(frame can.Frame) {
	sender := isotp.NodeID(frame.ID & 0xFF)
	msgType := uint8(frame.ID >> 16 & 0xFF)

	switch msgType {
	case msgTypeReport:
		if frame.DLC < 2 {
			return
		}
		payload := frame.Data[:frame.DLC]
		objectID := binary.LittleEndian.Uint16(payload[:2])
		value := make([]byte, len(payload)-2)
		copy(value, payload[2:])
		if l.onData != nil {
			l.onData(sender, objectID, value)
		}

	case msgTypePacketizedReport:
		l.mu.Lock()
		dec, ok := l.partial[sender]
		if !ok {
			dec = packetizer.NewDecoder()
			l.partial[sender] = dec
		}
		complete, payload, ok := dec.Feed(frame.Data[:frame.DLC])
		if !ok {
			// Out-of-sequence, malformed, or overflowed chunk: reset the
			// decoder in place so the next message starts clean without
			// reallocating its backing fifo.
			dec.Reset()
			l.mu.Unlock()
			return
		}
		if complete {
			dec.Reset()
		}
		l.mu.Unlock()
		if !complete {
			return
		}
		if len(payload) < 2 {
			return
		}
		objectID := binary.LittleEndian.Uint16(payload[:2])
		if l.onData != nil {
			l.onData(sender, objectID, payload[2:])
		}
	}
}
