package relay

import (
	"context"
	"errors"

	"github.com/and161185/postbox/internal/convert"
	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/metrics"
	"github.com/and161185/postbox/internal/protocol"
	"github.com/and161185/postbox/internal/service"
)

// Handlers adapts RelayService to the wire.
type Handlers struct {
	svc service.RelayService
}

// NewHandlers constructs request handlers over svc.
func NewHandlers(svc service.RelayService) *Handlers { return &Handlers{svc: svc} }

// Routes maps each request code to its handler.
func (h *Handlers) Routes() map[uint16]Handler {
	return map[uint16]Handler{
		protocol.CodeRegister:    h.Register,
		protocol.CodeListPeers:   h.ListPeers,
		protocol.CodePublicKey:   h.PublicKey,
		protocol.CodeSend:        h.Send,
		protocol.CodePullWaiting: h.Pull,
	}
}

// Register handles 600. The header token is ignored.
func (h *Handlers) Register(ctx context.Context, sess *Session, req *protocol.Request) (*protocol.Response, error) {
	username, publicKey, err := protocol.DecodeRegister(req.Payload)
	if err != nil {
		return nil, err
	}
	tok, err := h.svc.Register(ctx, sess.RemoteIP(), username, publicKey)
	if err != nil {
		if errors.Is(err, errs.ErrRateLimited) {
			metrics.RateLimitHits.Inc()
		}
		return nil, err
	}
	metrics.IdentitiesRegistered.Inc()
	return protocol.NewResponse(protocol.CodeRegisterOK, tok.Bytes()), nil
}

// ListPeers handles 601.
func (h *Handlers) ListPeers(ctx context.Context, _ *Session, req *protocol.Request) (*protocol.Response, error) {
	ids, err := h.svc.ListPeers(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	return protocol.NewResponse(protocol.CodeListPeersOK, protocol.EncodePeerList(convert.ToPeerEntries(ids))), nil
}

// PublicKey handles 602.
func (h *Handlers) PublicKey(ctx context.Context, _ *Session, req *protocol.Request) (*protocol.Response, error) {
	target, err := protocol.DecodeToken(req.Payload)
	if err != nil {
		return nil, err
	}
	id, err := h.svc.PublicKey(ctx, req.Token, target)
	if err != nil {
		return nil, err
	}
	return protocol.NewResponse(protocol.CodePublicKeyOK, protocol.EncodePublicKey(id.Token, id.PublicKey)), nil
}

// Send handles 603.
func (h *Handlers) Send(ctx context.Context, _ *Session, req *protocol.Request) (*protocol.Response, error) {
	sr, err := protocol.DecodeSend(req.Payload)
	if err != nil {
		return nil, err
	}
	id, err := h.svc.Send(ctx, req.Token, sr.Dest, sr.Type, sr.Content)
	if err != nil {
		return nil, err
	}
	metrics.MessagesQueued.Inc()
	return protocol.NewResponse(protocol.CodeSendOK, convert.ToSendAck(sr.Dest, id).Encode()), nil
}

// Pull handles 604.
func (h *Handlers) Pull(ctx context.Context, _ *Session, req *protocol.Request) (*protocol.Response, error) {
	msgs, err := h.svc.Pull(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	metrics.MessagesDelivered.Add(float64(len(msgs)))
	return protocol.NewResponse(protocol.CodePullOK, protocol.EncodeWaiting(convert.ToWaiting(msgs))), nil
}
