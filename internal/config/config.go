// Package config loads server settings from defaults, a .env file, POSTBOX_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultPort is used when no address is configured and the port file is unusable.
const DefaultPort = 1357

// Store and mailbox backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	MailboxStore = "store"
	MailboxRedis = "redis"
)

var (
	storeKinds   = []string{StoreMemory, StoreSQLite, StorePostgres}
	mailboxKinds = []string{MailboxStore, MailboxRedis}
)

// Config holds every server setting.
type Config struct {
	Addr     string `split_words:"true"`
	PortFile string `split_words:"true" default:"myport.info"`

	Store      string `default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"defensive.db"`
	DSN        string `envconfig:"DSN"`
	Mailbox    string `default:"store"`
	RedisURL   string `split_words:"true"`

	IdleTimeout  time.Duration `split_words:"true" default:"5m"`
	WriteTimeout time.Duration `split_words:"true" default:"30s"`
	MaxPayload   uint32        `split_words:"true" default:"16777216"`

	LimitWindow   time.Duration `split_words:"true" default:"15m"`
	LimitMaxFails int           `split_words:"true" default:"0"`
	LimitBlockFor time.Duration `split_words:"true" default:"15m"`

	MetricsAddr string `split_words:"true"`
	HealthAddr  string `split_words:"true"`
	Dev         bool

	// PortNote explains a port-file fallback when one happened.
	PortNote string `ignored:"true"`
}

// Load builds a Config. envFile may be empty or missing.
func Load(args []string, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var c Config
	if err := envconfig.Process("postbox", &c); err != nil {
		return nil, err
	}

	set := flag.NewFlagSet("postbox-server", flag.ContinueOnError)
	set.StringVar(&c.Addr, "addr", c.Addr, "listen address; empty reads the port file")
	set.StringVar(&c.PortFile, "port-file", c.PortFile, "file holding the listen port")
	set.StringVar(&c.Store, "store", c.Store, "directory/mailbox backend: memory, sqlite or postgres")
	set.StringVar(&c.SQLitePath, "sqlite", c.SQLitePath, "sqlite database file")
	set.StringVar(&c.DSN, "dsn", c.DSN, "PostgreSQL DSN")
	set.StringVar(&c.Mailbox, "mailbox", c.Mailbox, "mailbox backend: store or redis")
	set.StringVar(&c.RedisURL, "redis", c.RedisURL, "Redis URL for the redis mailbox")
	set.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections idle this long (0 disables)")
	set.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "per-response write deadline (0 disables)")
	maxPayload := set.Uint("max-payload", uint(c.MaxPayload), "largest accepted request payload in bytes (0 disables)")
	set.DurationVar(&c.LimitWindow, "limit-window", c.LimitWindow, "registration failure counting window")
	set.IntVar(&c.LimitMaxFails, "limit-max-fails", c.LimitMaxFails, "failed registrations per IP before blocking (0 disables)")
	set.DurationVar(&c.LimitBlockFor, "limit-block-for", c.LimitBlockFor, "registration block duration")
	set.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus /metrics listen address (empty disables)")
	set.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "gRPC health listen address (empty disables)")
	set.BoolVar(&c.Dev, "dev", c.Dev, "development logging and gRPC reflection")
	if err := set.Parse(args); err != nil {
		return nil, err
	}
	if *maxPayload > uint(^uint32(0)) {
		return nil, fmt.Errorf("max-payload %d out of range", *maxPayload)
	}
	c.MaxPayload = uint32(*maxPayload)

	if err := c.validate(); err != nil {
		return nil, err
	}

	if c.Addr == "" {
		port, err := ReadPort(c.PortFile)
		if err != nil {
			c.PortNote = err.Error()
		}
		c.Addr = ":" + strconv.Itoa(port)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if !slices.Contains(storeKinds, c.Store) {
		return fmt.Errorf("unexpected store %q, want one of %s", c.Store, strings.Join(storeKinds, ", "))
	}
	if !slices.Contains(mailboxKinds, c.Mailbox) {
		return fmt.Errorf("unexpected mailbox %q, want one of %s", c.Mailbox, strings.Join(mailboxKinds, ", "))
	}
	if c.Store == StorePostgres && c.DSN == "" {
		return errors.New("postgres store needs a DSN")
	}
	if c.Mailbox == MailboxRedis && c.RedisURL == "" {
		return errors.New("redis mailbox needs a redis URL")
	}
	if c.LimitMaxFails < 0 {
		return fmt.Errorf("limit-max-fails must not be negative, got %d", c.LimitMaxFails)
	}
	return nil
}

// ReadPort reads a decimal port from path. On any problem it returns
// DefaultPort together with an error describing why.
func ReadPort(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DefaultPort, fmt.Errorf("port file: %w; using %d", err, DefaultPort)
	}
	s := strings.TrimSpace(string(b))
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return DefaultPort, fmt.Errorf("port file %s: invalid port %q; using %d", path, s, DefaultPort)
	}
	return p, nil
}
