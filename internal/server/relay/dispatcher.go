// Package relay serves the binary relay protocol over TCP: per-connection
// sessions, code-based dispatch, handler middlewares and request handlers.
package relay

import (
	"context"
	"fmt"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/protocol"
)

// Handler serves one decoded request. A non-nil error means failure; the
// dispatcher alone turns it into the generic error frame.
type Handler func(ctx context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error)

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Dispatcher routes requests by code.
type Dispatcher struct {
	routes map[uint16]Handler
	chain  Handler
}

// NewDispatcher builds a dispatcher over routes. Middlewares apply outermost first.
func NewDispatcher(routes map[uint16]Handler, mws ...Middleware) *Dispatcher {
	d := &Dispatcher{routes: routes}
	h := Handler(d.route)
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	d.chain = h
	return d
}

func (d *Dispatcher) route(ctx context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error) {
	h, ok := d.routes[req.Code]
	if !ok {
		return nil, fmt.Errorf("unknown request code %d: %w", req.Code, errs.ErrMalformed)
	}
	return h(ctx, sess, req)
}

// Dispatch runs exactly one handler and always yields a response frame.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, req *protocol.Request) *protocol.Response {
	resp, err := d.chain(ctx, sess, req)
	if err != nil || resp == nil {
		return protocol.ErrorResponse()
	}
	return resp
}
