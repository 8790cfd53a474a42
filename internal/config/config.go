package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/syncq/internal/logger"
	"github.com/loykin/syncq/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. SYNCQ_STORE_DSN.
const EnvPrefix = "SYNCQ"

// Config represents the top-level TOML structure.
type Config struct {
	Owner    string          `toml:"owner" mapstructure:"owner"`
	EnvFiles []string        `toml:"env_files" mapstructure:"env_files"`
	Store    StoreConfig     `toml:"store" mapstructure:"store"`
	Remote   RemoteConfig    `toml:"remote" mapstructure:"remote"`
	Auth     AuthConfig      `toml:"auth" mapstructure:"auth"`
	Sync     SyncConfig      `toml:"sync" mapstructure:"sync"`
	Log      logger.Config   `toml:"log" mapstructure:"log"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History  []HistoryConfig `toml:"history" mapstructure:"history"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type RemoteConfig struct {
	BaseURL      string        `toml:"base_url" mapstructure:"base_url"`
	Collection   string        `toml:"collection" mapstructure:"collection"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	SkipResolve  bool          `toml:"skip_resolve" mapstructure:"skip_resolve"`
	Retries      uint64        `toml:"retries" mapstructure:"retries"`
	RetryInitial time.Duration `toml:"retry_initial" mapstructure:"retry_initial"`
	RetryMax     time.Duration `toml:"retry_max" mapstructure:"retry_max"`
	RateLimit    float64       `toml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst    int           `toml:"rate_burst" mapstructure:"rate_burst"`
	TLS          TLSConfig     `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled" mapstructure:"enabled"`
	CACert     string `toml:"ca_cert" mapstructure:"ca_cert"`
	ServerName string `toml:"server_name" mapstructure:"server_name"`
	SkipVerify bool   `toml:"skip_verify" mapstructure:"skip_verify"`
}

// AuthConfig carries the opaque bearer credential handed to the worker.
type AuthConfig struct {
	Token     string `toml:"token" mapstructure:"token"`
	TokenFile string `toml:"token_file" mapstructure:"token_file"`
}

type SyncConfig struct {
	MaxBatch     int           `toml:"max_batch" mapstructure:"max_batch"`
	StartTimeout time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	CancelGrace  time.Duration `toml:"cancel_grace" mapstructure:"cancel_grace"`
	// AutoSync schedules unattended runs, e.g. "@every 5m". Empty disables it.
	AutoSync string `toml:"auto_sync" mapstructure:"auto_sync"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Owner: "local",
		Store: StoreConfig{DSN: "syncq.db"},
		Remote: RemoteConfig{
			BaseURL:      "http://127.0.0.1:8090",
			Collection:   "records",
			Timeout:      10 * time.Second,
			RetryInitial: 500 * time.Millisecond,
			RetryMax:     10 * time.Second,
			RateBurst:    1,
		},
		Sync: SyncConfig{
			StartTimeout: 10 * time.Second,
		},
		Log:    logger.Config{Level: "info", Format: "text"},
		Server: ServerConfig{Listen: "127.0.0.1:8080", BasePath: "/api"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("owner", d.Owner)
	v.SetDefault("env_files", d.EnvFiles)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.collection", d.Remote.Collection)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.skip_resolve", d.Remote.SkipResolve)
	v.SetDefault("remote.retries", d.Remote.Retries)
	v.SetDefault("remote.retry_initial", d.Remote.RetryInitial)
	v.SetDefault("remote.retry_max", d.Remote.RetryMax)
	v.SetDefault("remote.rate_limit", d.Remote.RateLimit)
	v.SetDefault("remote.rate_burst", d.Remote.RateBurst)
	v.SetDefault("remote.tls.enabled", false)
	v.SetDefault("remote.tls.ca_cert", "")
	v.SetDefault("remote.tls.server_name", "")
	v.SetDefault("remote.tls.skip_verify", false)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("sync.max_batch", d.Sync.MaxBatch)
	v.SetDefault("sync.start_timeout", d.Sync.StartTimeout)
	v.SetDefault("sync.cancel_grace", d.Sync.CancelGrace)
	v.SetDefault("sync.auto_sync", d.Sync.AutoSync)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 0)
	v.SetDefault("log.file.max_backups", 0)
	v.SetDefault("log.file.max_age_days", 0)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Load reads path (optional) and applies environment overrides. Files named
// in env_files are loaded into the process environment first; variables
// already set are left untouched.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if files := v.GetStringSlice("env_files"); len(files) > 0 {
		if err := LoadEnvFiles(baseDir(path), files...); err != nil {
			return Config{}, err
		}
	}
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// LoadEnvFiles loads dotenv files; relative paths resolve against dir.
func LoadEnvFiles(dir string, files ...string) error {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if f == "" {
			continue
		}
		if !filepath.IsAbs(f) && dir != "" {
			f = filepath.Join(dir, f)
		}
		paths = append(paths, filepath.Clean(f))
	}
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func baseDir(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	}
	if strings.TrimSpace(c.Remote.Collection) == "" {
		errs = append(errs, errors.New("remote.collection is required"))
	}
	if c.Remote.Timeout < 0 || c.Remote.RetryInitial < 0 || c.Remote.RetryMax < 0 {
		errs = append(errs, errors.New("remote durations must not be negative"))
	}
	if c.Remote.RateLimit < 0 || c.Remote.RateBurst < 0 {
		errs = append(errs, errors.New("remote rate limit must not be negative"))
	}
	if c.Sync.MaxBatch < 0 {
		errs = append(errs, errors.New("sync.max_batch must not be negative"))
	}
	if c.Sync.StartTimeout < 0 || c.Sync.CancelGrace < 0 {
		errs = append(errs, errors.New("sync durations must not be negative"))
	}
	if c.Sync.AutoSync != "" && !strings.HasPrefix(c.Sync.AutoSync, "@every ") {
		errs = append(errs, fmt.Errorf("sync.auto_sync must look like \"@every 5m\", got %q", c.Sync.AutoSync))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, h := range c.History {
		if h.Enabled && strings.TrimSpace(h.DSN) == "" {
			errs = append(errs, fmt.Errorf("history[%d].dsn is required when enabled", i))
		}
	}
	return errors.Join(errs...)
}

// ResolveToken returns the credential for a run: the inline token, else the
// contents of token_file. An empty result means unauthenticated uploads.
func (a AuthConfig) ResolveToken() (string, error) {
	if a.Token != "" {
		return a.Token, nil
	}
	if a.TokenFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(filepath.Clean(a.TokenFile))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// RemoteOptions converts the remote section for the remote package.
func (c Config) RemoteOptions() remote.Config {
	rc := remote.Config{
		BaseURL:     c.Remote.BaseURL,
		Collection:  c.Remote.Collection,
		Timeout:     c.Remote.Timeout,
		SkipResolve: c.Remote.SkipResolve,
	}
	if c.Remote.TLS.Enabled {
		rc.TLS = &remote.TLSConfig{
			CACert:     c.Remote.TLS.CACert,
			ServerName: c.Remote.TLS.ServerName,
			SkipVerify: c.Remote.TLS.SkipVerify,
		}
	}
	return rc
}

// Retry converts the retry settings for remote.WithRetry.
func (c Config) Retry() remote.Retry {
	return remote.Retry{
		MaxRetries:      c.Remote.Retries,
		InitialInterval: c.Remote.RetryInitial,
		MaxInterval:     c.Remote.RetryMax,
	}
}

// WriteDefault writes Default() as TOML to path. An existing file is only
// replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return toml.NewEncoder(f).Encode(Default())
}
