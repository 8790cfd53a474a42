package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Store.DSN, c.Store.DSN)
	assert.Equal(t, 10*time.Second, c.Sync.StartTimeout)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.NoError(t, c.Validate())
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "syncq.toml", `
owner = "scout-7"

[store]
dsn = "sqlite:///var/lib/syncq/records.db"

[remote]
base_url = "https://pb.example.org"
collection = "ScoutingResponses"
timeout = "3s"
retries = 4
rate_limit = 2.5

[remote.tls]
enabled = true
ca_cert = "/etc/ssl/ca.pem"

[sync]
max_batch = 50
cancel_grace = "750ms"
auto_sync = "@every 5m"

[log]
level = "debug"
format = "json"

[log.file]
path = "/var/log/syncq.log"
max_backups = 5

[[history]]
dsn = "sqlite://history.db"
enabled = true

[[history]]
dsn = "opensearch://localhost:9200/syncq-runs"
enabled = false
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "scout-7", c.Owner)
	assert.Equal(t, "sqlite:///var/lib/syncq/records.db", c.Store.DSN)
	assert.Equal(t, 3*time.Second, c.Remote.Timeout)
	assert.Equal(t, uint64(4), c.Remote.Retries)
	assert.Equal(t, 2.5, c.Remote.RateLimit)
	assert.Equal(t, 50, c.Sync.MaxBatch)
	assert.Equal(t, 750*time.Millisecond, c.Sync.CancelGrace)
	assert.Equal(t, "@every 5m", c.Sync.AutoSync)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "/var/log/syncq.log", c.Log.File.Path)
	assert.Equal(t, 5, c.Log.File.MaxBackups)
	require.Len(t, c.History, 2)
	assert.True(t, c.History[0].Enabled)
	assert.False(t, c.History[1].Enabled)

	rc := c.RemoteOptions()
	assert.Equal(t, "ScoutingResponses", rc.Collection)
	require.NotNil(t, rc.TLS)
	assert.Equal(t, "/etc/ssl/ca.pem", rc.TLS.CACert)
	assert.Equal(t, uint64(4), c.Retry().MaxRetries)
}

func TestEnvOverridesAndEnvFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "secrets.env", "SYNCQ_AUTH_TOKEN=from-dotenv\nSYNCQ_REMOTE_COLLECTION=dotenv-coll\n")
	path := writeFile(t, dir, "syncq.toml", `
env_files = ["secrets.env"]

[remote]
collection = "file-coll"
`)
	t.Setenv("SYNCQ_REMOTE_COLLECTION", "env-coll")
	t.Setenv("SYNCQ_STORE_DSN", "postgres://u@db/syncq")
	// godotenv sets variables it loads; make sure the test leaves no trace
	t.Cleanup(func() { _ = os.Unsetenv("SYNCQ_AUTH_TOKEN") })

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-coll", c.Remote.Collection, "real env wins over dotenv and file")
	assert.Equal(t, "postgres://u@db/syncq", c.Store.DSN)
	assert.Equal(t, "from-dotenv", c.Auth.Token)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	dir := t.TempDir()
	path := writeFile(t, dir, "bad.toml", "env_files = [\"nope.env\"]\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Store.DSN = ""
	c.Remote.BaseURL = " "
	c.Sync.MaxBatch = -1
	c.Sync.CancelGrace = -time.Second
	c.Sync.AutoSync = "*/5 * * * *"
	c.Log.Level = "loud"
	c.History = []HistoryConfig{{Enabled: true}}

	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.dsn", "remote.base_url", "max_batch", "sync durations", "auto_sync", "log level", "history[0]"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestResolveToken(t *testing.T) {
	tok, err := AuthConfig{Token: "inline", TokenFile: "/does/not/matter"}.ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "inline", tok)

	path := writeFile(t, t.TempDir(), "token", "  from-file\n")
	tok, err = AuthConfig{TokenFile: path}.ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "from-file", tok)

	tok, err = AuthConfig{}.ResolveToken()
	require.NoError(t, err)
	assert.Empty(t, tok)

	_, err = AuthConfig{TokenFile: filepath.Join(t.TempDir(), "absent")}.ResolveToken()
	assert.Error(t, err)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "syncq.toml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "refuses to overwrite")
	require.NoError(t, WriteDefault(path, true))

	c, err := Load(path)
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.Remote, c.Remote)
	assert.Equal(t, d.Sync, c.Sync)
	assert.Equal(t, d.Server, c.Server)
	assert.Equal(t, d.Store, c.Store)
}
