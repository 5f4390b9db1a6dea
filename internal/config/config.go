package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Server    Server    `toml:"server"`
	Transport Transport `toml:"transport"`
	Typing    Typing    `toml:"typing"`
	Delivery  Delivery  `toml:"delivery"`
	Notify    Notify    `toml:"notify"`
	Log       Log       `toml:"log"`
}

// Server locates the chat backend and says how to authenticate with it.
// Token is used verbatim when set; otherwise tokens are minted from Secret.
type Server struct {
	URL      string   `toml:"url"`
	Identity string   `toml:"identity"`
	Token    string   `toml:"token"`
	Secret   string   `toml:"secret"`
	TokenTTL Duration `toml:"token_ttl"`
}

type Transport struct {
	MaxRetries       int      `toml:"max_retries"`
	RetryDelay       Duration `toml:"retry_delay"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	SendRate         int      `toml:"send_rate"`
}

type Typing struct {
	Debounce Duration `toml:"debounce"`
	Refresh  Duration `toml:"refresh"`
	Expiry   Duration `toml:"expiry"`
}

type Delivery struct {
	AckTimeout     Duration `toml:"ack_timeout"`
	EarlyStatusTTL Duration `toml:"early_status_ttl"`
	HistoryLimit   int      `toml:"history_limit"`
}

type Notify struct {
	CollapseWindow Duration `toml:"collapse_window"`
}

// Log configures the daemon log file. Sizes are in megabytes, ages in days.
type Log struct {
	Level      string `toml:"level"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	opts := engine.DefaultOptions()
	return &Config{
		Server: Server{
			URL:      "ws://127.0.0.1:8080/ws",
			TokenTTL: Duration{time.Hour},
		},
		Transport: Transport{
			MaxRetries:       opts.Transport.MaxRetries,
			RetryDelay:       Duration{opts.Transport.RetryDelay},
			HandshakeTimeout: Duration{opts.Transport.HandshakeTimeout},
		},
		Typing: Typing{
			Debounce: Duration{opts.Typing.Debounce},
			Refresh:  Duration{opts.Typing.Refresh},
			Expiry:   Duration{opts.Typing.Expiry},
		},
		Delivery: Delivery{
			AckTimeout:     Duration{opts.Delivery.AckTimeout},
			EarlyStatusTTL: Duration{opts.Delivery.EarlyStatusTTL},
			HistoryLimit:   opts.HistoryLimit,
		},
		Notify: Notify{CollapseWindow: Duration{opts.CollapseWindow}},
		Log: Log{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate reports the first setting the daemon cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Server.Token == "" && c.Server.Secret == "" {
		return errors.New("server: either token or secret must be set")
	}
	if c.Transport.MaxRetries < 0 {
		return errors.New("transport.max_retries must not be negative")
	}
	if c.Transport.RetryDelay.Duration <= 0 {
		return errors.New("transport.retry_delay must be positive")
	}
	if c.Typing.Debounce.Duration <= 0 || c.Typing.Refresh.Duration <= 0 || c.Typing.Expiry.Duration <= 0 {
		return errors.New("typing: durations must be positive")
	}
	if c.Typing.Expiry.Duration <= c.Typing.Refresh.Duration {
		return fmt.Errorf("typing.expiry (%s) must exceed typing.refresh (%s)", c.Typing.Expiry, c.Typing.Refresh)
	}
	if c.Delivery.AckTimeout.Duration <= 0 {
		return errors.New("delivery.ack_timeout must be positive")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// EngineOptions maps the file settings onto the engine tunables.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Transport = transport.Options{
		MaxRetries:       c.Transport.MaxRetries,
		RetryDelay:       c.Transport.RetryDelay.Duration,
		HandshakeTimeout: c.Transport.HandshakeTimeout.Duration,
		SendBuffer:       opts.Transport.SendBuffer,
		SendRate:         c.Transport.SendRate,
	}
	opts.Typing.Debounce = c.Typing.Debounce.Duration
	opts.Typing.Refresh = c.Typing.Refresh.Duration
	opts.Typing.Expiry = c.Typing.Expiry.Duration
	opts.Delivery.AckTimeout = c.Delivery.AckTimeout.Duration
	opts.Delivery.EarlyStatusTTL = c.Delivery.EarlyStatusTTL.Duration
	opts.CollapseWindow = c.Notify.CollapseWindow.Duration
	if c.Delivery.HistoryLimit > 0 {
		opts.HistoryLimit = c.Delivery.HistoryLimit
	}
	return opts
}
