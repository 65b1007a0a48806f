package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndPortFile(t *testing.T) {
	pf := writeFile(t, "myport.info", "4242\n")

	c, err := Load([]string{"-port-file", pf}, "")
	require.NoError(t, err)
	require.Equal(t, ":4242", c.Addr)
	require.Empty(t, c.PortNote)
	require.Equal(t, StoreSQLite, c.Store)
	require.Equal(t, "defensive.db", c.SQLitePath)
	require.Equal(t, MailboxStore, c.Mailbox)
	require.Equal(t, 5*time.Minute, c.IdleTimeout)
	require.Equal(t, uint32(16<<20), c.MaxPayload)
	require.Zero(t, c.LimitMaxFails, "registration limiter is opt-in")
}

func TestLoad_MissingPortFileFallsBack(t *testing.T) {
	c, err := Load([]string{"-port-file", filepath.Join(t.TempDir(), "absent")}, "")
	require.NoError(t, err)
	require.Equal(t, ":1357", c.Addr)
	require.NotEmpty(t, c.PortNote)
}

func TestReadPort_Invalid(t *testing.T) {
	for _, body := range []string{"", "abc", "0", "70000", "-3"} {
		p, err := ReadPort(writeFile(t, "p", body))
		require.Error(t, err, body)
		require.Equal(t, DefaultPort, p)
	}
	p, err := ReadPort(writeFile(t, "p", "  8080 "))
	require.NoError(t, err)
	require.Equal(t, 8080, p)
}

func TestLoad_Precedence(t *testing.T) {
	t.Setenv("POSTBOX_STORE", "memory")
	t.Setenv("POSTBOX_IDLE_TIMEOUT", "10s")
	t.Setenv("POSTBOX_ADDR", ":7000")

	c, err := Load(nil, "")
	require.NoError(t, err)
	require.Equal(t, StoreMemory, c.Store)
	require.Equal(t, 10*time.Second, c.IdleTimeout)
	require.Equal(t, ":7000", c.Addr)

	c, err = Load([]string{"-addr", ":7001", "-idle-timeout", "0"}, "")
	require.NoError(t, err)
	require.Equal(t, ":7001", c.Addr)
	require.Zero(t, c.IdleTimeout)
	require.Equal(t, StoreMemory, c.Store)
}

func TestLoad_EnvFile(t *testing.T) {
	const key = "POSTBOX_HEALTH_ADDR"
	t.Setenv(key, "") // restored after the test
	require.NoError(t, os.Unsetenv(key))
	env := writeFile(t, ".env", key+"=:9555\n")

	c, err := Load([]string{"-addr", ":1"}, env)
	require.NoError(t, err)
	require.Equal(t, ":9555", c.HealthAddr)

	_, err = Load([]string{"-addr", ":1"}, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestLoad_Validation(t *testing.T) {
	cases := [][]string{
		{"-store", "mongo"},
		{"-mailbox", "kafka"},
		{"-store", "postgres"},
		{"-mailbox", "redis"},
		{"-limit-max-fails", "-1"},
		{"-no-such-flag"},
	}
	for _, args := range cases {
		_, err := Load(append([]string{"-addr", ":1"}, args...), "")
		require.Error(t, err, args)
	}

	c, err := Load([]string{"-addr", ":1", "-store", "postgres", "-dsn", "postgres://x", "-mailbox", "redis", "-redis", "redis://localhost:6379/0"}, "")
	require.NoError(t, err)
	require.Equal(t, StorePostgres, c.Store)
	require.Equal(t, MailboxRedis, c.Mailbox)
}
