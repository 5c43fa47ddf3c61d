// Package node wires the ISO-TP engine (pkg/isotp) to a J1939-style
// node identity: address claim, periodic reports and a request/response
// channel, all sharing one can.Bus (spec §4.4-§4.6).
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
	"github.com/canrise/isotp-go/pkg/isotp"
)

// Config holds the tunables a caller supplies to build a Node. Zero values
// pick the defaults documented on each field.
type Config struct {
	// InitialNodeID seeds the address-claim procedure. If invalid,
	// isotp.NodeIDMin is used instead.
	InitialNodeID isotp.NodeID
	// DiagPriority/DiagType select the ISO-TP diagnostic channel's wire
	// layout fields. Default to isotp.DefaultDiagPriority/DefaultDiagType.
	DiagPriority uint8
	DiagType     uint8
	// ReportPeriod is how often ReportService flushes registered objects.
	// Zero disables periodic reporting.
	ReportPeriod time.Duration
	// ResponseDelay is the pause before a request/response reply is sent,
	// giving the peer time to switch back to listening.
	ResponseDelay time.Duration
	// MaxRequestLen bounds accepted request size; 0 means isotp.MaxMessageLen.
	MaxRequestLen int

	Logger         *slog.Logger
	ISOTPMetrics   *isotp.Metrics
	NodeMetrics    *Metrics
	RequestHandler RequestHandler
	OnReport       func(sender isotp.NodeID, objectID uint16, value []byte)
}

func (c Config) withDefaults() Config {
	if c.DiagPriority == 0 && c.DiagType == 0 {
		c.DiagPriority = isotp.DefaultDiagPriority
		c.DiagType = isotp.DefaultDiagType
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxRequestLen == 0 {
		c.MaxRequestLen = isotp.MaxMessageLen
	}
	return c
}

// Node bundles everything a process needs to participate on the bus under
// one claimed NodeId: a diagnostic ISO-TP engine, the periodic report
// sender/listener and the request/response responder.
type Node struct {
	bus    can.Bus
	cfg    Config
	logger *slog.Logger

	id isotp.NodeID

	diag      *isotp.Engine
	reports   *ReportService
	listener  *ReportListener
	responder *Responder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start runs the address-claim procedure to completion and then binds all
// of the node's services on the claimed NodeId. It blocks until the claim
// resolves (or ctx is done) but returns before the background loops exit.
func Start(ctx context.Context, bus can.Bus, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	eui64 := DeriveEUI64()
	claimer := NewClaimer(bus, eui64, logger, cfg.NodeMetrics)
	id, err := claimer.Claim(ctx, cfg.InitialNodeID)
	if err != nil {
		return nil, fmt.Errorf("node: address claim: %w", err)
	}

	n := &Node{
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("service", "[NODE]", "id", id),
		id:     id,
	}

	diagCfg := isotp.DefaultConfig()
	diagCfg.Mode = isotp.Fixed29
	diagCfg.Priority = cfg.DiagPriority
	diagCfg.MsgType = cfg.DiagType
	diagCfg.Local = id
	diagCfg.Logger = logger
	diagCfg.Metrics = cfg.ISOTPMetrics
	diagCfg.OnReceive = func(peer isotp.NodeID, payload []byte) {
		n.logger.Debug("diagnostic message received", "peer", peer, "len", len(payload))
	}
	diag, err := isotp.Bind(bus, diagCfg)
	if err != nil {
		return nil, fmt.Errorf("node: bind diagnostic engine: %w", err)
	}
	n.diag = diag

	if cfg.RequestHandler != nil {
		responder, err := BindResponder(bus, id, cfg.DiagPriority, cfg.RequestHandler, cfg.ResponseDelay, cfg.MaxRequestLen, logger, cfg.NodeMetrics)
		if err != nil {
			diag.Unbind()
			return nil, fmt.Errorf("node: bind responder: %w", err)
		}
		n.responder = responder
	}

	n.reports = NewReportService(bus, id, cfg.ReportPeriod, logger, cfg.NodeMetrics)
	if cfg.OnReport != nil {
		n.listener = NewReportListener(cfg.OnReport, logger)
		// Match on the network priority class only (bits 28..26); Handle's
		// own switch on message type ignores anything that isn't a report.
		if _, err := bus.AddRxFilter(networkBaseID(0), 0x1C000000, 1, n.listener); err != nil {
			n.logger.Warn("failed to install report listener filter", "err", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	if cfg.ReportPeriod > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.reports.Run(runCtx)
		}()
	}

	n.logger.Info("node started")
	return n, nil
}

// ID returns the NodeId this node claimed.
func (n *Node) ID() isotp.NodeID {
	return n.id
}

// Diagnostics returns the bound diagnostic ISO-TP engine, for callers that
// need to send/receive diagnostic payloads directly.
func (n *Node) Diagnostics() *isotp.Engine {
	return n.diag
}

// Reports returns the report sender, so callers can Register DataObjects.
func (n *Node) Reports() *ReportService {
	return n.reports
}

// Stop tears down all background loops and unbinds every engine. Safe to
// call once; subsequent calls are no-ops beyond re-unbinding idempotent
// engines.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	var firstErr error
	if n.responder != nil {
		if err := n.responder.Unbind(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.diag.Unbind(); err != nil && firstErr == nil {
		firstErr = err
	}
	n.logger.Info("node stopped")
	return firstErr
}
