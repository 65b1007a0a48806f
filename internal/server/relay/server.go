package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/metrics"
	"github.com/and161185/postbox/internal/protocol"
)

// Server accepts connections and serves frames on each one sequentially.
type Server struct {
	dispatch *Dispatcher
	log      *zap.Logger

	// IdleTimeout bounds the wait for the next frame. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds writing one response. Zero disables it.
	WriteTimeout time.Duration
	// MaxPayload closes connections announcing a larger payload. Zero disables it.
	MaxPayload uint32

	nextID atomic.Uint64
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewServer constructs a server around d.
func NewServer(d *Dispatcher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dispatch: d, log: log, conns: map[net.Conn]struct{}{}}
}

// Serve accepts on ln until ctx is cancelled, then stops accepting, lets each
// connection finish its current request and waits for them to exit.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.interruptReads()
		case <-stop:
		}
	}()

	// in-flight requests finish even after shutdown starts
	connCtx := context.WithoutCancel(ctx)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("accept", zap.Error(err), zap.Duration("retry_in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			_ = ln.Close()
			s.interruptReads()
			s.wg.Wait()
			return err
		}
		tempDelay = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(connCtx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	metrics.ConnectionsOpen.Inc()
	metrics.ConnectionsTotal.Inc()
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.ConnectionsOpen.Dec()
	_ = c.Close()
}

// interruptReads wakes every connection blocked waiting for a frame and
// refuses new ones.
func (s *Server) interruptReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	s.conns = nil
}

// armRead sets the idle deadline for the next frame. It reports false once
// shutdown has started; holding mu keeps it ordered with interruptReads.
func (s *Server) armRead(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	var deadline time.Time
	if s.IdleTimeout > 0 {
		deadline = time.Now().Add(s.IdleTimeout)
	}
	_ = c.SetReadDeadline(deadline)
	return true
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := &Session{ID: s.nextID.Add(1), Remote: conn.RemoteAddr()}
	sess.Log = s.log.With(zap.Uint64("conn", sess.ID), zap.Stringer("remote", sess.Remote))
	sess.Log.Debug("connected")

	r := bufio.NewReader(conn)
	for {
		if !s.armRead(conn) {
			sess.Log.Debug("shutdown")
			return
		}
		hdr, err := protocol.ReadRequestHeader(r)
		if err != nil {
			s.logClose(sess, err)
			return
		}
		if s.MaxPayload > 0 && hdr.Length > s.MaxPayload {
			sess.Log.Warn("payload too large", zap.Uint32("len", hdr.Length), zap.Uint16("code", hdr.Code))
			return
		}
		payload, err := protocol.ReadPayload(r, hdr.Length)
		if err != nil {
			s.logClose(sess, err)
			return
		}

		resp := s.dispatch.Dispatch(ctx, sess, &protocol.Request{RequestHeader: hdr, Payload: payload})

		if s.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		}
		if err = protocol.WriteResponse(conn, resp); err != nil {
			s.logClose(sess, err)
			return
		}
	}
}

func (s *Server) logClose(sess *Session, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, errs.ErrConnectionClosed):
		sess.Log.Debug("disconnected")
	case errors.As(err, &ne) && ne.Timeout():
		sess.Log.Debug("idle or shutdown", zap.Error(err))
	default:
		sess.Log.Info("connection fault", zap.Error(err))
	}
}
