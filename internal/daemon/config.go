// Package daemon loads configuration and wires the creditgate services
// together for the serve and maintenance commands.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"
)

// Environment overrides.
const (
	EnvHome          = "CREDITGATE_HOME"
	EnvWebhookSecret = "CREDITGATE_WEBHOOK_SECRET"
	EnvGatewayAPIKey = "CREDITGATE_GATEWAY_API_KEY"
)

// ConfigFileName is looked up in Home() when no --config is given.
const ConfigFileName = "config.toml"

// Config is the on-disk configuration. Durations are strings ("15m").
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Session  SessionConfig  `toml:"session"`
	Payment  PaymentConfig  `toml:"payment"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Metrics        bool   `toml:"metrics"`
	RequestTimeout string `toml:"request_timeout"`
	MaxInFlight    int    `toml:"max_in_flight"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Dir          string `toml:"dir"`
	BusyTimeout  string `toml:"busy_timeout"`
	MaxOpenConns int    `toml:"max_open_conns"`
	StoreTimeout string `toml:"store_timeout"`
}

// LedgerConfig controls account creation.
type LedgerConfig struct {
	EarlyAdopterLimit int   `toml:"early_adopter_limit"`
	EarlyAdopterGrant int64 `toml:"early_adopter_grant"`
}

// SessionConfig controls desktop tokens.
type SessionConfig struct {
	TTL           string `toml:"ttl"`
	Grace         string `toml:"grace"`
	SweepInterval string `toml:"sweep_interval"`
}

// PaymentConfig controls webhook verification.
type PaymentConfig struct {
	WebhookSecret string `toml:"webhook_secret"`
	Tolerance     string `toml:"tolerance"`
}

// GatewayConfig controls outbound gateway calls.
type GatewayConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// AdminConfig lists identities allowed to use override routes.
type AdminConfig struct {
	Emails []string `toml:"emails"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `toml:"format"` // text, json or auto
	Level  string `toml:"level"`  // debug, info, warn, error
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8088,
			Metrics:        true,
			RequestTimeout: "30s",
			MaxInFlight:    256,
		},
		Database: DatabaseConfig{
			BusyTimeout:  "5s",
			MaxOpenConns: 1,
			StoreTimeout: "5s",
		},
		Ledger: LedgerConfig{
			EarlyAdopterLimit: 10,
			EarlyAdopterGrant: 100,
		},
		Session: SessionConfig{
			TTL:           "15m",
			Grace:         "5m",
			SweepInterval: "1m",
		},
		Payment: PaymentConfig{
			Tolerance: "5m",
		},
		Gateway: GatewayConfig{
			Timeout: "10s",
		},
		Log: LogConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Home returns the data directory: $CREDITGATE_HOME or ~/.creditgate.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".creditgate"
	}
	return filepath.Join(home, ".creditgate")
}

// LoadConfig reads path over the defaults. An empty path loads
// Home()/config.toml if it exists. Environment overrides apply last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(Home(), ConfigFileName)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Payment.WebhookSecret = v
	}
	if v := os.Getenv(EnvGatewayAPIKey); v != "" {
		c.Gateway.APIKey = v
	}
	if c.Database.Dir == "" {
		c.Database.Dir = Home()
	}
}

// Validate checks ranges and that every duration parses.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Ledger.EarlyAdopterLimit < 0 || c.Ledger.EarlyAdopterGrant < 0 {
		return errors.New("ledger limits must not be negative")
	}
	durations := map[string]string{
		"api.request_timeout":    c.API.RequestTimeout,
		"database.busy_timeout":  c.Database.BusyTimeout,
		"database.store_timeout": c.Database.StoreTimeout,
		"session.ttl":            c.Session.TTL,
		"session.grace":          c.Session.Grace,
		"session.sweep_interval": c.Session.SweepInterval,
		"payment.tolerance":      c.Payment.Tolerance,
		"gateway.timeout":        c.Gateway.Timeout,
	}
	for key, v := range durations {
		if _, err := parseDuration(key, v); err != nil {
			return err
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text, json or auto", c.Log.Format)
	}
	return nil
}

// AdminAllowed reports whether email is on the admin allow-list.
func (c Config) AdminAllowed(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, e := range c.Admin.Emails {
		if strings.ToLower(strings.TrimSpace(e)) == email {
			return true
		}
	}
	return false
}

// parseDuration parses a config duration; empty means zero (use the
// component default).
func parseDuration(key, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", key, v)
	}
	return d, nil
}

// mustDuration is used after Validate has accepted the config.
func mustDuration(v string) time.Duration {
	d, _ := parseDuration("", v)
	return d
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}

// NewLogger builds the process logger. "auto" picks text on a terminal and
// JSON otherwise.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(cfg.Format)
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
