package wire

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/minidfs/minidfs/internal/domain"
)

// HandlerFunc handles one decoded request payload and returns the response
// payload to frame back, or an error classified via domain.StatusOf.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Gate is consulted before a request is dispatched and notified after, so a
// component with its own admission policy (the Master's safe mode) can
// short-circuit client-facing methods without the dispatcher knowing
// anything about namespaces or safe mode (spec.md §9: compose, don't
// inherit).
type Gate interface {
	// Admit returns a non-nil error (typically *domain.Error with Status
	// SafeMode) to reject method before it reaches its handler.
	Admit(method domain.MethodID) error
	// Settle runs after the response for method has been written, giving
	// the gate a chance to lazily re-evaluate its own condition (spec.md
	// §4.4: safe mode is polled lazily on each client request).
	Settle(method domain.MethodID)
}

// Dispatcher reads exactly one request per connection, routes it by
// method ID to a registered handler, writes exactly one response, and
// closes the connection (spec.md §4.1). A bounded worker pool provides the
// backpressure of spec.md §5: an accepted connection waits in a buffered
// queue until a worker is free. The queue holds at most maxQueued
// connections; once it is full, the accept loop blocks until a worker
// takes one, so no further connections are accepted in the meantime.
type Dispatcher struct {
	log      *logrus.Logger
	gate     Gate
	handlers map[domain.MethodID]HandlerFunc

	queue chan net.Conn
	nThread int
}

// NewDispatcher builds a Dispatcher with nThread workers and a queue deep
// enough to hold maxQueued pending connections before Accept's caller would
// need to apply its own backpressure.
func NewDispatcher(log *logrus.Logger, gate Gate, nThread, maxQueued int) *Dispatcher {
	if gate == nil {
		gate = noopGate{}
	}
	return &Dispatcher{
		log:      log,
		gate:     gate,
		handlers: make(map[domain.MethodID]HandlerFunc),
		queue:    make(chan net.Conn, maxQueued),
		nThread:  nThread,
	}
}

// Handle registers the handler for method. Call before Serve.
func (d *Dispatcher) Handle(method domain.MethodID, h HandlerFunc) {
	d.handlers[method] = h
}

// Serve runs the accept loop and worker pool until ctx is cancelled or
// Accept returns an error.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.nThread; i++ {
		g.Go(func() error {
			d.runWorker(ctx)
			return nil
		})
	}

	g.Go(func() error {
		defer close(d.queue)
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return err
				}
			}
			select {
			case d.queue <- conn:
			case <-ctx.Done():
				_ = conn.Close()
				return nil
			}
		}
	})

	return g.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	for {
		select {
		case conn, ok := <-d.queue:
			if !ok {
				return
			}
			d.handleConn(ctx, conn)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := d.log.WithField("conn", connID)
	defer conn.Close()

	method, payload, err := ReadRequest(conn)
	if err != nil {
		log.WithError(err).Debug("wire: failed to read request, closing")
		return
	}

	if _, known := d.handlers[method]; !known {
		log.WithField("method", method).Warn("wire: unknown method id, closing without response")
		return
	}

	if err := d.gate.Admit(method); err != nil {
		status := domain.StatusOf(err)
		if werr := WriteResponse(conn, status, nil); werr != nil {
			log.WithError(werr).Debug("wire: failed to write gated response")
		}
		d.gate.Settle(method)
		return
	}

	resp, herr := d.handlers[method](ctx, payload)
	status := domain.StatusOf(herr)
	if werr := WriteResponse(conn, status, resp); werr != nil {
		log.WithError(werr).Debug("wire: failed to write response")
	}
	d.gate.Settle(method)
}

type noopGate struct{}

func (noopGate) Admit(domain.MethodID) error { return nil }
func (noopGate) Settle(domain.MethodID)      {}
