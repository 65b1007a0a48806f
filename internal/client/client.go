// Package client speaks the relay protocol over one TCP connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/protocol"
)

// ErrRejected is returned when the server answers with the generic error frame.
var ErrRejected = errors.New("server rejected request")

// Client is safe for concurrent use; requests are serialized on the connection.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	r     *bufio.Reader
	token model.Token
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// SetToken sets the identity sent in request headers.
func (c *Client) SetToken(t model.Token) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// Token returns the current identity.
func (c *Client) Token() model.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) do(ctx context.Context, code, want uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	req := &protocol.Request{
		RequestHeader: protocol.RequestHeader{Token: c.token, Version: protocol.ClientVersion, Code: code},
		Payload:       payload,
	}
	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadResponse(c.r)
	if err != nil {
		return nil, err
	}
	switch resp.Code {
	case want:
		return resp.Payload, nil
	case protocol.CodeError:
		return nil, fmt.Errorf("code %d: %w", code, ErrRejected)
	default:
		return nil, fmt.Errorf("code %d: unexpected response %d", code, resp.Code)
	}
}

// Register creates an identity and adopts its token.
func (c *Client) Register(ctx context.Context, username, publicKey string) (model.Token, error) {
	p, err := c.do(ctx, protocol.CodeRegister, protocol.CodeRegisterOK, protocol.EncodeRegister(username, publicKey))
	if err != nil {
		return model.NilToken, err
	}
	tok, err := protocol.DecodeToken(p)
	if err != nil {
		return model.NilToken, err
	}
	c.SetToken(tok)
	return tok, nil
}

// ListPeers returns every other registered client.
func (c *Client) ListPeers(ctx context.Context) ([]protocol.PeerEntry, error) {
	p, err := c.do(ctx, protocol.CodeListPeers, protocol.CodeListPeersOK, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePeerList(p)
}

// PublicKey fetches target's public key.
func (c *Client) PublicKey(ctx context.Context, target model.Token) (string, error) {
	p, err := c.do(ctx, protocol.CodePublicKey, protocol.CodePublicKeyOK, target.Bytes())
	if err != nil {
		return "", err
	}
	got, key, err := protocol.DecodePublicKey(p)
	if err != nil {
		return "", err
	}
	if got != target {
		return "", fmt.Errorf("public key for %s, asked %s", got, target)
	}
	return key, nil
}

// Send queues content for dest and returns the server-assigned id.
func (c *Client) Send(ctx context.Context, dest model.Token, typ uint8, content []byte) (uint32, error) {
	sr := protocol.SendRequest{Dest: dest, Type: typ, Content: content}
	p, err := c.do(ctx, protocol.CodeSend, protocol.CodeSendOK, sr.Encode())
	if err != nil {
		return 0, err
	}
	ack, err := protocol.DecodeSendAck(p)
	if err != nil {
		return 0, err
	}
	return ack.ID, nil
}

// Pull drains this client's mailbox.
func (c *Client) Pull(ctx context.Context) ([]protocol.WaitingMessage, error) {
	p, err := c.do(ctx, protocol.CodePullWaiting, protocol.CodePullOK, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeWaiting(p)
}
