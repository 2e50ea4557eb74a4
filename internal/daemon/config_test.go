package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/frontdesk/cardesk/internal/app/reconcile"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8085 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8085)
	}
	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("Serial.BaudRate = %d, want %d", cfg.Serial.BaudRate, 115200)
	}
	if cfg.Serial.Attempts != 3 {
		t.Errorf("Serial.Attempts = %d, want 3", cfg.Serial.Attempts)
	}
	if cfg.Station.Employee != "Receptionist" {
		t.Errorf("Station.Employee = %q, want Receptionist", cfg.Station.Employee)
	}
	if cfg.Poll.Enabled {
		t.Error("Poll.Enabled should be false by default (opt-in)")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CARDESK_HOME", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Port != 8085 || cfg.Ledger.Path != "cardesk.db" {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CARDESK_HOME", home)
	path := filepath.Join(home, "config.toml")
	err := os.WriteFile(path, []byte(`
[serial]
port = "/dev/ttyUSB0"
baud_rate = 9600
read_timeout = "4s"

[station]
employee = "Mona"
offer_percent = 10.0
write_style = "k"

[poll]
enabled = true
interval = "500ms"
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("CARDESK_BAUD_RATE", "57600")
	t.Setenv("CARDESK_API_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" {
		t.Errorf("Serial.Port = %q", cfg.Serial.Port)
	}
	if cfg.Serial.BaudRate != 57600 {
		t.Errorf("env should override baud rate, got %d", cfg.Serial.BaudRate)
	}
	if cfg.API.Port != 9090 || cfg.APIAddr() != "127.0.0.1:9090" {
		t.Errorf("APIAddr() = %q", cfg.APIAddr())
	}
	if cfg.Serial.WriteTimeout != "15s" {
		t.Errorf("unset keys keep defaults, got write_timeout %q", cfg.Serial.WriteTimeout)
	}
	if cfg.PollInterval() != 500*time.Millisecond || !cfg.Poll.Enabled {
		t.Errorf("poll = %+v", cfg.Poll)
	}

	lc := cfg.LinkConfig()
	if lc.ReadTimeout != 4*time.Second || lc.WriteTimeout != 15*time.Second || lc.Attempts != 3 {
		t.Errorf("LinkConfig() = %+v", lc)
	}
	ec := cfg.EngineConfig()
	if ec.Employee != "Mona" || ec.WriteStyle != reconcile.StyleK || ec.DefaultOffer.String() != "10" {
		t.Errorf("EngineConfig() = %+v", ec)
	}
	if cfg.DBPath() != filepath.Join(home, "cardesk.db") {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
}

func TestLoad_DotEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CARDESK_HOME", home)
	t.Setenv("CARDESK_EMPLOYEE", "") // registers cleanup for the value .env sets
	os.Unsetenv("CARDESK_EMPLOYEE")
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("CARDESK_EMPLOYEE=Night Desk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Station.Employee != "Night Desk" {
		t.Errorf("Employee = %q, want value from .env", cfg.Station.Employee)
	}
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv("CARDESK_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[serial\nport = "), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"baud", func(c *Config) { c.Serial.BaudRate = 0 }, "baud_rate"},
		{"attempts", func(c *Config) { c.Serial.Attempts = 0 }, "attempts"},
		{"poll interval", func(c *Config) { c.Poll.Interval = "0s" }, "poll.interval"},
		{"bad duration", func(c *Config) { c.Serial.ReadTimeout = "soon" }, "serial.read_timeout"},
		{"offer high", func(c *Config) { c.Station.OfferPercent = 150 }, "offer_percent"},
		{"offer low", func(c *Config) { c.Station.OfferPercent = -1 }, "offer_percent"},
		{"write style", func(c *Config) { c.Station.WriteStyle = "fancy" }, "write_style"},
		{"port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	t.Setenv("CARDESK_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := DefaultConfig()
	cfg.Serial.Port = "COM3"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Serial.Port != "COM3" {
		t.Errorf("Serial.Port = %q, want COM3", got.Serial.Port)
	}
}

func TestSetupLogging(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "cardesk.log")
	closer, err := SetupLogging(LogConfig{Level: "debug", Format: "json", File: file})
	if err != nil {
		t.Fatalf("SetupLogging() error: %v", err)
	}
	t.Cleanup(func() {
		closer.Close()
		SetupLogging(LogConfig{Level: "info", Format: "text"})
	})
	if _, err := os.Stat(file); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	if _, err := SetupLogging(LogConfig{Level: "nope"}); err == nil {
		t.Error("bad level should fail")
	}
}
