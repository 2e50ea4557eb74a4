// Package daemon holds station configuration: a TOML file with defaults,
// overridden by environment variables (optionally from a .env file).
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/infra/link"
)

// Config is the full station configuration.
type Config struct {
	Serial  SerialConfig  `toml:"serial"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Station StationConfig `toml:"station"`
	Poll    PollConfig    `toml:"poll"`
	API     APIConfig     `toml:"api"`
	Events  EventsConfig  `toml:"events"`
	Log     LogConfig     `toml:"log"`
}

// SerialConfig configures the card reader link. Durations use Go syntax ("300ms").
type SerialConfig struct {
	Port           string `toml:"port"`
	BaudRate       int    `toml:"baud_rate"`
	SettleDelay    string `toml:"settle_delay"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	HistoryTimeout string `toml:"history_timeout"`
	Attempts       int    `toml:"attempts"`
	RetryPause     string `toml:"retry_pause"`
	ResetPause     string `toml:"reset_pause"`
}

// LedgerConfig locates the database. A relative path is under Home().
type LedgerConfig struct {
	Path string `toml:"path"`
}

// StationConfig describes the desk using this install.
type StationConfig struct {
	Employee     string  `toml:"employee"`
	OfferPercent float64 `toml:"offer_percent"`
	WriteStyle   string  `toml:"write_style"`
	AuditReads   bool    `toml:"audit_reads"`
}

type PollConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
}

type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// EventsConfig enables ledger events. An empty NATSURL disables them.
type EventsConfig struct {
	NATSURL string `toml:"nats_url"`
	Token   string `toml:"token"`
	Subject string `toml:"subject"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
	File   string `toml:"file"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			BaudRate:       115200,
			SettleDelay:    "2s",
			ReadTimeout:    "6s",
			WriteTimeout:   "15s",
			HistoryTimeout: "10s",
			Attempts:       3,
			RetryPause:     "300ms",
			ResetPause:     "300ms",
		},
		Ledger: LedgerConfig{Path: "cardesk.db"},
		Station: StationConfig{
			Employee:   "Receptionist",
			WriteStyle: string(reconcile.StyleAuto),
			AuditReads: true,
		},
		Poll:   PollConfig{Interval: "1s"},
		API:    APIConfig{Host: "127.0.0.1", Port: 8085, Metrics: true},
		Events: EventsConfig{Subject: "cardesk.ledger"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Home returns the station directory: $CARDESK_HOME or ~/.cardesk.
func Home() string {
	if h := os.Getenv("CARDESK_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cardesk"
	}
	return filepath.Join(home, ".cardesk")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads path (missing file means defaults), applies environment
// overrides and validates the result. A .env file in the working directory
// or the station home is loaded first if present.
func Load(path string) (Config, error) {
	loadDotEnv(".env", filepath.Join(Home(), ".env"))

	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as TOML, creating the parent directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// Existing environment wins over the file.
		if err := godotenv.Load(p); err != nil {
			log.Warnf("ignoring %s: %v", p, err)
			continue
		}
		log.Debugf("%s loaded", p)
	}
}

// applyEnv overrides file values with CARDESK_* variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("CARDESK_SERIAL_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("CARDESK_BAUD_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CARDESK_BAUD_RATE: %w", err)
		}
		c.Serial.BaudRate = n
	}
	if v := os.Getenv("CARDESK_DB_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("CARDESK_EMPLOYEE"); v != "" {
		c.Station.Employee = v
	}
	if v := os.Getenv("CARDESK_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("CARDESK_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CARDESK_API_PORT: %w", err)
		}
		c.API.Port = n
	}
	return nil
}

// Validate rejects configurations the station cannot run with.
func (c Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Serial.Attempts < 1 {
		return fmt.Errorf("serial.attempts must be at least 1, got %d", c.Serial.Attempts)
	}
	durations := map[string]string{
		"serial.settle_delay":    c.Serial.SettleDelay,
		"serial.read_timeout":    c.Serial.ReadTimeout,
		"serial.write_timeout":   c.Serial.WriteTimeout,
		"serial.history_timeout": c.Serial.HistoryTimeout,
		"serial.retry_pause":     c.Serial.RetryPause,
		"serial.reset_pause":     c.Serial.ResetPause,
		"poll.interval":          c.Poll.Interval,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.PollInterval() <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.Station.OfferPercent < 0 || c.Station.OfferPercent > 100 {
		return fmt.Errorf("station.offer_percent must be within 0-100, got %v", c.Station.OfferPercent)
	}
	if _, err := reconcile.ParseWriteStyle(c.Station.WriteStyle); err != nil {
		return fmt.Errorf("station.write_style: %w", err)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ─── Derived Settings ───────────────────────────────────────────────────────

// LinkConfig converts the serial section into link timings.
func (c Config) LinkConfig() link.Config {
	def := link.DefaultConfig()
	return link.Config{
		SettleDelay:    duration(c.Serial.SettleDelay, def.SettleDelay),
		ReadTimeout:    duration(c.Serial.ReadTimeout, def.ReadTimeout),
		WriteTimeout:   duration(c.Serial.WriteTimeout, def.WriteTimeout),
		HistoryTimeout: duration(c.Serial.HistoryTimeout, def.HistoryTimeout),
		Attempts:       c.Serial.Attempts,
		RetryPause:     duration(c.Serial.RetryPause, def.RetryPause),
		ResetPause:     duration(c.Serial.ResetPause, def.ResetPause),
		PollInterval:   def.PollInterval,
	}
}

// EngineConfig converts the station section into engine settings.
func (c Config) EngineConfig() reconcile.Config {
	style, _ := reconcile.ParseWriteStyle(c.Station.WriteStyle)
	return reconcile.Config{
		Employee:     c.Station.Employee,
		AuditReads:   c.Station.AuditReads,
		WriteStyle:   style,
		DefaultOffer: decimal.NewFromFloat(c.Station.OfferPercent),
	}
}

// DBPath returns the ledger database path.
func (c Config) DBPath() string {
	if filepath.IsAbs(c.Ledger.Path) {
		return c.Ledger.Path
	}
	return filepath.Join(Home(), c.Ledger.Path)
}

// PollInterval returns the auto-poll period.
func (c Config) PollInterval() time.Duration {
	return duration(c.Poll.Interval, time.Second)
}

// APIAddr returns host:port for the local HTTP surface.
func (c Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ─── Logging ────────────────────────────────────────────────────────────────

// SetupLogging configures the global logger. The returned closer releases
// the log file, if any.
func SetupLogging(cfg LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
