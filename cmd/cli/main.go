// Command pb is a CLI client for the postbox relay.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/postbox/internal/client"
	"github.com/and161185/postbox/internal/config"
	"github.com/and161185/postbox/internal/crypto/clientcrypto"
	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/model"
)

// ---- identity store ----

// peer is what the client remembers about another identity.
type peer struct {
	Username  string `json:"username,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	SymKey    []byte `json:"sym_key,omitempty"`
}

// identity is the content of my.json.
type identity struct {
	Username   string `json:"username"`
	Token      string `json:"token"`
	PublicKey  string `json:"public_key"`
	PrivateKey []byte `json:"private_key,omitempty"`
	// WrappedKey and Salt replace PrivateKey when a passphrase was given.
	WrappedKey []byte           `json:"wrapped_private_key,omitempty"`
	Salt       []byte           `json:"salt,omitempty"`
	Peers      map[string]*peer `json:"peers,omitempty"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "postbox")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "postbox")
}

func identityPath() string { return filepath.Join(cfgDir(), "my.json") }

func saveIdentity(id *identity) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(identityPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(id)
}

func loadIdentity() (*identity, error) {
	b, err := os.ReadFile(identityPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New("no identity (register first)")
	}
	if err != nil {
		return nil, err
	}
	var id identity
	if err := json.Unmarshal(b, &id); err != nil {
		return nil, fmt.Errorf("%s: %w", identityPath(), err)
	}
	if id.Peers == nil {
		id.Peers = map[string]*peer{}
	}
	return &id, nil
}

// token parses the stored token.
func (id *identity) token() (model.Token, error) {
	u, err := uuid.FromString(id.Token)
	if err != nil {
		return model.NilToken, fmt.Errorf("stored token: %w", err)
	}
	return model.Token(u), nil
}

// keys returns the key pair, unwrapping the private key with passphrase if
// it is stored wrapped.
func (id *identity) keys(passphrase string) (pub, priv *[clientcrypto.KeyLen]byte, err error) {
	pub, err = clientcrypto.DecodePublicKey(id.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	raw := id.PrivateKey
	if len(id.WrappedKey) > 0 {
		if passphrase == "" {
			return nil, nil, errors.New("private key is wrapped; pass -pass or set POSTBOX_PASSPHRASE")
		}
		raw, err = clientcrypto.UnwrapKey(clientcrypto.DeriveKEK([]byte(passphrase), id.Salt), id.WrappedKey)
		if err != nil {
			return nil, nil, errors.New("wrong passphrase")
		}
	}
	if len(raw) != clientcrypto.KeyLen {
		return nil, nil, fmt.Errorf("private key: %d bytes", len(raw))
	}
	priv = new([clientcrypto.KeyLen]byte)
	copy(priv[:], raw)
	return pub, priv, nil
}

// setPrivateKey stores priv, wrapped under passphrase when one is given.
func (id *identity) setPrivateKey(priv *[clientcrypto.KeyLen]byte, passphrase string) error {
	if passphrase == "" {
		id.PrivateKey = append([]byte(nil), priv[:]...)
		return nil
	}
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return err
	}
	wrapped, err := clientcrypto.WrapKey(clientcrypto.DeriveKEK([]byte(passphrase), salt), priv[:])
	if err != nil {
		return err
	}
	id.WrappedKey, id.Salt, id.PrivateKey = wrapped, salt, nil
	return nil
}

func (id *identity) peer(t model.Token) *peer {
	p, ok := id.Peers[t.String()]
	if !ok {
		p = &peer{}
		id.Peers[t.String()] = p
	}
	return p
}

// name returns the remembered username for t or its short hex form.
func (id *identity) name(t model.Token) string {
	if p, ok := id.Peers[t.String()]; ok && p.Username != "" {
		return p.Username
	}
	return t.Short()
}

// ---- server address ----

const defaultServerInfo = "server.info"

// serverAddr returns addr if set, otherwise the single "host:port" line of
// the server info file. A missing file falls back to the default port on
// localhost.
func serverAddr(addr, infoPath string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	f, err := os.Open(infoPath)
	if errors.Is(err, os.ErrNotExist) {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(config.DefaultPort)), nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%s: empty", infoPath)
	}
	line := strings.TrimSpace(sc.Text())
	host, port, err := net.SplitHostPort(line)
	if err != nil {
		return "", fmt.Errorf("%s: %w", infoPath, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%s: bad port %q", infoPath, port)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `pb CLI
Usage:
  pb [-addr HOST:PORT | -server-info file] [-pass phrase] <cmd> [args]

Commands:
  version
  register   -u <username>                  (generates keys, saves my.json)
  list                                      (other registered clients)
  pubkey     -peer <name|token>
  send       -to <name|token> -type keyreq|key|text|file [-m text | -file path]
  pull       [-out dir]                     (drains the mailbox)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands over one relay connection.
func main() {
	addr := flag.String("addr", "", "server addr (overrides server info file)")
	info := flag.String("server-info", defaultServerInfo, "file with one host:port line")
	pass := flag.String("pass", os.Getenv("POSTBOX_PASSPHRASE"), "passphrase for the private key")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("pb %s (%s)\n", version, buildDate)
		return
	}

	target, err := serverAddr(*addr, *info)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cli, err := client.Dial(ctx, target)
	if err != nil {
		fail(err)
	}
	defer cli.Close()

	switch cmd {
	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		u := fs.String("u", "", "username")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" {
			fmt.Fprintln(os.Stderr, "need -u")
			os.Exit(1)
		}
		if _, err := loadIdentity(); err == nil {
			fail(fmt.Errorf("already registered (%s)", identityPath()))
		}

		pub, priv, err := clientcrypto.GenerateKeyPair()
		if err != nil {
			fail(err)
		}
		id := &identity{Username: *u, PublicKey: clientcrypto.EncodePublicKey(pub), Peers: map[string]*peer{}}
		if err := id.setPrivateKey(priv, *pass); err != nil {
			fail(err)
		}
		tok, err := cli.Register(ctx, id.Username, id.PublicKey)
		if err != nil {
			fail(err)
		}
		id.Token = tok.String()
		if err := saveIdentity(id); err != nil {
			fail(err)
		}
		fmt.Println(id.Token)

	case "list":
		id := mustSession(cli)
		peers, err := cli.ListPeers(ctx)
		if err != nil {
			fail(err)
		}
		type row struct {
			Token    string `json:"token"`
			Username string `json:"username"`
		}
		rows := make([]row, 0, len(peers))
		for _, p := range peers {
			id.peer(p.Token).Username = p.Username
			rows = append(rows, row{Token: p.Token.String(), Username: p.Username})
		}
		_ = saveIdentity(id)
		printJSON(rows)

	case "pubkey":
		fs := flag.NewFlagSet("pubkey", flag.ExitOnError)
		who := fs.String("peer", "", "peer username or token")
		_ = fs.Parse(flag.Args()[1:])
		if *who == "" {
			fmt.Fprintln(os.Stderr, "need -peer")
			os.Exit(1)
		}
		id := mustSession(cli)
		t, err := resolvePeer(ctx, cli, id, *who)
		if err != nil {
			fail(err)
		}
		key, err := fetchPublicKey(ctx, cli, id, t)
		if err != nil {
			fail(err)
		}
		_ = saveIdentity(id)
		printJSON(map[string]string{"token": t.String(), "public_key": key})

	case "send":
		cmdSend(ctx, cli, flag.Args()[1:])
	case "pull":
		cmdPull(ctx, cli, flag.Args()[1:], *pass)
	default:
		usage()
	}
}

// mustSession loads my.json and points cli at its token.
func mustSession(cli *client.Client) *identity {
	id, err := loadIdentity()
	if err != nil {
		fail(err)
	}
	t, err := id.token()
	if err != nil {
		fail(err)
	}
	cli.SetToken(t)
	return id
}

// ---- helpers ----

func fail(err error) {
	if errors.Is(err, client.ErrRejected) {
		fmt.Fprintf(os.Stderr, "server responded with an error: %v\n", err)
		os.Exit(1)
	}
	if errors.Is(err, errs.ErrMalformed) {
		fmt.Fprintf(os.Stderr, "bad response from server: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
