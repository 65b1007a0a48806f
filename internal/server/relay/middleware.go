package relay

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/postbox/internal/metrics"
	"github.com/and161185/postbox/internal/protocol"
)

var errInternal = errors.New("internal")

// Logging logs request metadata. Payloads are never logged.
func Logging(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error) {
			start := time.Now()
			resp, err := next(ctx, sess, req)

			l := log
			if sess != nil && sess.Log != nil {
				l = sess.Log
			}
			fields := []zap.Field{
				zap.Uint16("code", req.Code),
				zap.String("token", req.Token.Short()),
				zap.Uint32("len", req.Length),
				zap.Duration("dur", time.Since(start)),
			}
			switch {
			case err != nil:
				l.Info("request failed", append(fields, zap.Error(err))...)
			case resp != nil:
				l.Debug("request", append(fields, zap.Uint16("resp", resp.Code))...)
			}
			return resp, err
		}
	}
}

// Recover turns a handler panic into an error.
func Recover(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, sess *Session, req *protocol.Request) (resp *protocol.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic",
						zap.Any("reason", r),
						zap.ByteString("stack", debug.Stack()),
						zap.Uint16("code", req.Code),
					)
					resp, err = nil, errInternal
				}
			}()
			return next(ctx, sess, req)
		}
	}
}

// Metrics counts requests and observes their duration.
func Metrics() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error) {
			start := time.Now()
			resp, err := next(ctx, sess, req)
			code := strconv.Itoa(int(req.Code))
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.RequestsTotal.WithLabelValues(code, status).Inc()
			metrics.RequestDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}
