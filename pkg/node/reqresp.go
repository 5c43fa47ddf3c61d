package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/canrise/isotp-go/pkg/can"
	"github.com/canrise/isotp-go/pkg/isotp"
)

// Response status bytes sent back when the upper-layer handler can't
// produce a real response (spec §4.6).
const (
	StatusRequestTooLarge byte = 0x01
	StatusInternalError   byte = 0x02
)

// RequestHandler processes one reassembled request and returns the bytes to
// send back, or an error to have StatusInternalError reported instead.
type RequestHandler interface {
	Handle(ctx context.Context, sender isotp.NodeID, request []byte) (response []byte, err error)
}

// RequestHandlerFunc adapts a plain function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, sender isotp.NodeID, request []byte) ([]byte, error)

func (f RequestHandlerFunc) Handle(ctx context.Context, sender isotp.NodeID, request []byte) ([]byte, error) {
	return f(ctx, sender, request)
}

// Responder binds the request/response ISO-TP channel (spec §4.6): it
// dispatches every reassembled request to handler in its own goroutine (so
// a slow handler never stalls the engine's single worker), waits
// responseDelay before replying so the peer has time to switch back to
// receive, and sends the response over the same engine.
type Responder struct {
	engine        *isotp.Engine
	handler       RequestHandler
	responseDelay time.Duration
	maxReqLen     int
	logger        *slog.Logger
	metrics       *Metrics
}

// BindResponder binds a request/response channel for local over bus,
// following the rx-id/tx-id pattern from spec §4.6: rx-id = (channel
// type|channel priority|target=local), tx-id derived symmetrically.
func BindResponder(bus can.Bus, local isotp.NodeID, priority uint8, handler RequestHandler, responseDelay time.Duration, maxReqLen int, logger *slog.Logger, metrics *Metrics) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Responder{
		handler:       handler,
		responseDelay: responseDelay,
		maxReqLen:     maxReqLen,
		logger:        logger.With("service", "[REQRESP]", "id", local),
		metrics:       metrics,
	}

	cfg := isotp.DefaultConfig()
	cfg.Mode = isotp.Fixed29
	cfg.Priority = priority
	cfg.MsgType = msgTypeChannel
	cfg.Local = local
	cfg.Logger = logger
	cfg.OnReceive = r.onRequest
	cfg.OnReceiveError = func(peer isotp.NodeID, result isotp.Result) {
		r.logger.Warn("request channel error", "peer", peer, "result", result)
	}

	engine, err := isotp.Bind(bus, cfg)
	if err != nil {
		return nil, err
	}
	r.engine = engine
	return r, nil
}

// Unbind stops the underlying ISO-TP engine.
func (r *Responder) Unbind() error {
	return r.engine.Unbind()
}

func (r *Responder) onRequest(sender isotp.NodeID, request []byte) {
	if r.maxReqLen > 0 && len(request) > r.maxReqLen {
		r.reply(sender, []byte{StatusRequestTooLarge}, "too_large")
		return
	}
	go r.process(sender, request)
}

func (r *Responder) process(sender isotp.NodeID, request []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	response, err := r.handler.Handle(ctx, sender, request)
	if err != nil || len(response) == 0 {
		if err != nil {
			r.logger.Warn("request handler failed", "peer", sender, "err", err)
		}
		r.reply(sender, []byte{StatusInternalError}, "internal_error")
		return
	}
	r.reply(sender, response, "ok")
}

func (r *Responder) reply(sender isotp.NodeID, payload []byte, outcome string) {
	if r.responseDelay > 0 {
		time.Sleep(r.responseDelay)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.engine.Send(ctx, sender, payload); err != nil {
		r.logger.Warn("failed to send response", "peer", sender, "err", err)
	}
	if r.metrics != nil {
		r.metrics.RequestsServed.WithLabelValues(outcome).Inc()
	}
}
