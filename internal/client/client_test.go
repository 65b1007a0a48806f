package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/postbox/internal/limiter"
	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/protocol"
	"github.com/and161185/postbox/internal/repository/memory"
	"github.com/and161185/postbox/internal/server/relay"
	"github.com/and161185/postbox/internal/service"
)

func startServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()
	svc := service.NewRelayService(store, store, limiter.Nop{})
	srv := relay.NewServer(relay.NewDispatcher(relay.NewHandlers(svc).Routes(), relay.Recover(log)), log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestClient_EndToEnd(t *testing.T) {
	addr := startServer(t)
	alice, bob := dial(t, addr), dial(t, addr)

	at, err := alice.Register(ctx(t), "alice", "alice-key")
	require.NoError(t, err)
	require.Equal(t, at, alice.Token())
	bt, err := bob.Register(ctx(t), "bob", "")
	require.NoError(t, err)

	peers, err := bob.ListPeers(ctx(t))
	require.NoError(t, err)
	require.Equal(t, []protocol.PeerEntry{{Token: at, Username: "alice"}}, peers)

	key, err := bob.PublicKey(ctx(t), at)
	require.NoError(t, err)
	require.Equal(t, "alice-key", key)

	id1, err := bob.Send(ctx(t), at, model.MsgTypeText, []byte("hi"))
	require.NoError(t, err)
	id2, err := bob.Send(ctx(t), at, model.MsgTypeSymKeyRequest, nil)
	require.NoError(t, err)
	require.Less(t, id1, id2)

	msgs, err := alice.Pull(ctx(t))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, bt, msgs[0].Sender)
	require.Equal(t, "hi", string(msgs[0].Content))
	require.Equal(t, model.MsgTypeSymKeyRequest, msgs[1].Type)

	msgs, err = alice.Pull(ctx(t))
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestClient_Rejections(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	_, err := c.Register(ctx(t), "carol", "")
	require.NoError(t, err)
	_, err = c.Register(ctx(t), "carol", "")
	require.ErrorIs(t, err, ErrRejected)

	var ghost model.Token
	ghost[0] = 1
	_, err = c.PublicKey(ctx(t), ghost)
	require.ErrorIs(t, err, ErrRejected)
	_, err = c.Send(ctx(t), ghost, 3, []byte("x"))
	require.ErrorIs(t, err, ErrRejected)

	c.SetToken(ghost)
	_, err = c.Pull(ctx(t))
	require.ErrorIs(t, err, ErrRejected)
}

func TestClient_UnexpectedResponseCode(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	c := New(cliConn)
	defer c.Close()

	go func() {
		if _, err := protocol.ReadRequest(srvConn); err != nil {
			return
		}
		_ = protocol.WriteResponse(srvConn, protocol.NewResponse(protocol.CodeSendOK, nil))
	}()

	_, err := c.ListPeers(ctx(t))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRejected))
}
