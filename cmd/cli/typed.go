// cmd/cli/typed.go
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/postbox/internal/client"
	cc "github.com/and161185/postbox/internal/crypto/clientcrypto"
	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/protocol"
)

// relayAPI is the part of *client.Client the typed commands use.
type relayAPI interface {
	ListPeers(ctx context.Context) ([]protocol.PeerEntry, error)
	PublicKey(ctx context.Context, target model.Token) (string, error)
	Send(ctx context.Context, dest model.Token, typ uint8, content []byte) (uint32, error)
	Pull(ctx context.Context) ([]protocol.WaitingMessage, error)
}

var _ relayAPI = (*client.Client)(nil)

// ------- message kinds -------

var kinds = map[string]uint8{
	"keyreq": model.MsgTypeSymKeyRequest,
	"key":    model.MsgTypeSymKey,
	"text":   model.MsgTypeText,
	"file":   model.MsgTypeFile,
}

func parseKind(s string) (uint8, error) {
	t, ok := kinds[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown message type %q (keyreq|key|text|file)", s)
	}
	return t, nil
}

func kindName(t uint8) string {
	for k, v := range kinds {
		if v == t {
			return k
		}
	}
	return fmt.Sprintf("type-%d", t)
}

// ------- peers -------

// resolvePeer accepts a token in UUID form or a username; usernames are
// looked up in my.json first and then in the live listing.
func resolvePeer(ctx context.Context, api relayAPI, id *identity, who string) (model.Token, error) {
	if u, err := uuid.FromString(who); err == nil {
		return model.Token(u), nil
	}
	for k, p := range id.Peers {
		if p.Username == who {
			if u, err := uuid.FromString(k); err == nil {
				return model.Token(u), nil
			}
		}
	}
	peers, err := api.ListPeers(ctx)
	if err != nil {
		return model.NilToken, err
	}
	for _, p := range peers {
		id.peer(p.Token).Username = p.Username
	}
	for _, p := range peers {
		if p.Username == who {
			return p.Token, nil
		}
	}
	return model.NilToken, fmt.Errorf("no such peer %q", who)
}

// fetchPublicKey returns the cached key for t or asks the relay and caches it.
func fetchPublicKey(ctx context.Context, api relayAPI, id *identity, t model.Token) (string, error) {
	p := id.peer(t)
	if p.PublicKey != "" {
		return p.PublicKey, nil
	}
	key, err := api.PublicKey(ctx, t)
	if err != nil {
		return "", err
	}
	p.PublicKey = key
	return key, nil
}

// ------- content -------

// encodeFile packs name and data: u16 LE name length, name, data.
func encodeFile(name string, data []byte) []byte {
	name = filepath.Base(name)
	if len(name) > 0xffff {
		name = name[:0xffff]
	}
	out := make([]byte, 2, 2+len(name)+len(data))
	binary.LittleEndian.PutUint16(out, uint16(len(name)))
	out = append(out, name...)
	return append(out, data...)
}

func decodeFile(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New("file message too short")
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, errors.New("file name overruns message")
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// safeName keeps only the last path element of a received file name.
func safeName(id uint32, name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		base = "file"
	}
	return fmt.Sprintf("%d-%s", id, base)
}

// sealFor encrypts a text or file payload with the key shared with to.
func sealFor(id *identity, me, to model.Token, typ uint8, plain []byte) ([]byte, error) {
	p, ok := id.Peers[to.String()]
	if !ok || len(p.SymKey) == 0 {
		return nil, fmt.Errorf("no symmetric key for %s; send -type key first", id.name(to))
	}
	key, err := cc.DeriveDirectionKey(p.SymKey, me.Bytes(), to.Bytes())
	if err != nil {
		return nil, err
	}
	return cc.EncryptMessage(key, typ, plain)
}

// openFrom decrypts a payload sealFor produced on the sender's side.
func openFrom(id *identity, me, from model.Token, typ uint8, blob []byte) ([]byte, error) {
	p, ok := id.Peers[from.String()]
	if !ok || len(p.SymKey) == 0 {
		return nil, errors.New("no symmetric key for sender")
	}
	key, err := cc.DeriveDirectionKey(p.SymKey, from.Bytes(), me.Bytes())
	if err != nil {
		return nil, err
	}
	pt, err := cc.DecryptMessage(key, typ, blob)
	if err != nil {
		return nil, errors.New("cannot decrypt")
	}
	return pt, nil
}

// ------- send -------

type outgoing struct {
	to   string
	kind string
	text string
	file string
}

// sendMessage builds the content for o.kind and queues it.
func sendMessage(ctx context.Context, api relayAPI, id *identity, o outgoing) (uint32, error) {
	me, err := id.token()
	if err != nil {
		return 0, err
	}
	typ, err := parseKind(o.kind)
	if err != nil {
		return 0, err
	}
	to, err := resolvePeer(ctx, api, id, o.to)
	if err != nil {
		return 0, err
	}

	var content []byte
	switch typ {
	case model.MsgTypeSymKeyRequest:
	case model.MsgTypeSymKey:
		encoded, err := fetchPublicKey(ctx, api, id, to)
		if err != nil {
			return 0, err
		}
		pub, err := cc.DecodePublicKey(encoded)
		if err != nil {
			return 0, err
		}
		sym, err := cc.Rand(cc.KeyLen)
		if err != nil {
			return 0, err
		}
		if content, err = cc.SealSymKey(pub, sym); err != nil {
			return 0, err
		}
		id.peer(to).SymKey = sym
	case model.MsgTypeText:
		if o.text == "" {
			return 0, errors.New("need -m")
		}
		if content, err = sealFor(id, me, to, typ, []byte(o.text)); err != nil {
			return 0, err
		}
	case model.MsgTypeFile:
		if o.file == "" {
			return 0, errors.New("need -file")
		}
		data, err := readAll(o.file)
		if err != nil {
			return 0, err
		}
		if content, err = sealFor(id, me, to, typ, encodeFile(o.file, data)); err != nil {
			return 0, err
		}
	}
	return api.Send(ctx, to, typ, content)
}

func cmdSend(ctx context.Context, cli *client.Client, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "recipient username or token")
	kind := fs.String("type", "text", "keyreq|key|text|file")
	text := fs.String("m", "", "text message")
	file := fs.String("file", "", "file to send ('-'=stdin)")
	_ = fs.Parse(args)
	if *to == "" {
		fmt.Fprintln(os.Stderr, "need -to")
		os.Exit(1)
	}

	id := mustSession(cli)
	msgID, err := sendMessage(ctx, cli, id, outgoing{to: *to, kind: *kind, text: *text, file: *file})
	if err != nil {
		fail(err)
	}
	if err := saveIdentity(id); err != nil {
		fail(err)
	}
	printJSON(map[string]any{"id": msgID})
}

// ------- pull -------

// pulled is one printed mailbox entry.
type pulled struct {
	ID    uint32 `json:"id"`
	From  string `json:"from"`
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	File  string `json:"file,omitempty"`
	Error string `json:"error,omitempty"`
}

// pullMessages drains the mailbox and handles each entry by type. Failures
// are reported per message; the entries are gone from the relay either way.
func pullMessages(ctx context.Context, api relayAPI, id *identity, pass, outDir string) ([]pulled, error) {
	me, err := id.token()
	if err != nil {
		return nil, err
	}
	msgs, err := api.Pull(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]pulled, 0, len(msgs))
	for _, m := range msgs {
		row := pulled{ID: m.ID, From: id.name(m.Sender), Type: kindName(m.Type)}
		if err := handleIncoming(id, me, pass, outDir, m, &row); err != nil {
			row.Error = err.Error()
		}
		out = append(out, row)
	}
	return out, nil
}

func handleIncoming(id *identity, me model.Token, pass, outDir string, m protocol.WaitingMessage, row *pulled) error {
	switch m.Type {
	case model.MsgTypeSymKeyRequest:
		row.Text = "requests a symmetric key"
		return nil

	case model.MsgTypeSymKey:
		pub, priv, err := id.keys(pass)
		if err != nil {
			return err
		}
		sym, err := cc.OpenSymKey(pub, priv, m.Content)
		if err != nil {
			return err
		}
		id.peer(m.Sender).SymKey = sym
		row.Text = "symmetric key received"
		return nil

	case model.MsgTypeText:
		pt, err := openFrom(id, me, m.Sender, m.Type, m.Content)
		if err != nil {
			return err
		}
		row.Text = string(pt)
		return nil

	case model.MsgTypeFile:
		pt, err := openFrom(id, me, m.Sender, m.Type, m.Content)
		if err != nil {
			return err
		}
		name, data, err := decodeFile(pt)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, safeName(m.ID, name))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		row.File = path
		return nil

	default:
		row.Text = fmt.Sprintf("%d bytes", len(m.Content))
		return nil
	}
}

func cmdPull(ctx context.Context, cli *client.Client, args []string, pass string) {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	outDir := fs.String("out", ".", "directory for received files")
	_ = fs.Parse(args)
	if err := os.MkdirAll(*outDir, 0o700); err != nil {
		fail(err)
	}

	id := mustSession(cli)
	rows, err := pullMessages(ctx, cli, id, pass, *outDir)
	if err != nil {
		fail(err)
	}
	if err := saveIdentity(id); err != nil {
		fail(err)
	}
	printJSON(rows)
}
