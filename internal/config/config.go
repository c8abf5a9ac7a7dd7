// Package config loads timeclockd settings from, in increasing precedence:
// built-in defaults, an optional YAML file named by TIMECLOCK_CONFIG, and
// TIMECLOCK_* environment variables.  A .env file in the working directory
// is read into the environment first and never overrides variables that
// are already set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TIMECLOCK_"

// Device is a registry entry declared in the config file.
type Device struct {
	DeviceID  string `yaml:"device_id"`
	Name      string `yaml:"name"`
	Location  string `yaml:"location"`
	PublicKey string `yaml:"public_key"`
}

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Env    string `yaml:"env"`     // "dev" | "prod"
	DBPath string `yaml:"db_path"` // e.g. "./data/timeclock.db"

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" | "json"

	// Ledger pipeline
	PipelineInterval time.Duration `yaml:"pipeline_interval"`
	BatchSize        int           `yaml:"batch_size"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`

	// Device health
	HealthInterval   time.Duration `yaml:"health_interval"`
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	EscalateAfter    time.Duration `yaml:"escalate_after"`
	RenotifyInterval time.Duration `yaml:"renotify_interval"`

	// Badges
	ExpiryInterval time.Duration `yaml:"expiry_interval"`

	// Heartbeat retention; 0 keeps rows forever.
	HeartbeatRetention time.Duration `yaml:"heartbeat_retention"`
	PruneInterval      time.Duration `yaml:"prune_interval"`

	// Notifications
	WebhookURL    string        `yaml:"webhook_url"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`

	Devices []Device `yaml:"devices"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		Env:                "dev",
		DBPath:             "./data/timeclock.db",
		LogLevel:           "info",
		LogFormat:          "text",
		PipelineInterval:   5 * time.Second,
		BatchSize:          500,
		DedupWindow:        15 * time.Second,
		CleanupInterval:    5 * time.Minute,
		HealthInterval:     2 * time.Minute,
		OfflineThreshold:   10 * time.Minute,
		EscalateAfter:      30 * time.Minute,
		ExpiryInterval:     time.Hour,
		HeartbeatRetention: 30 * 24 * time.Hour,
		PruneInterval:      6 * time.Hour,
		NotifyTimeout:      5 * time.Second,
	}
}

// Load reads .env, the optional config file and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return c.parseYAML(raw)
}

// parseYAML overlays raw on c.  Keys absent from raw keep their current
// values.
func (c *Config) parseYAML(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a duration", envPrefix, key, v))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a non-negative integer", envPrefix, key, v))
			return
		}
		*dst = n
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("ENV", &c.Env)
	str("DB_PATH", &c.DBPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("WEBHOOK_URL", &c.WebhookURL)

	dur("PIPELINE_INTERVAL", &c.PipelineInterval)
	num("BATCH_SIZE", &c.BatchSize)
	dur("DEDUP_WINDOW", &c.DedupWindow)
	dur("CLEANUP_INTERVAL", &c.CleanupInterval)
	dur("HEALTH_INTERVAL", &c.HealthInterval)
	dur("OFFLINE_THRESHOLD", &c.OfflineThreshold)
	dur("ESCALATE_AFTER", &c.EscalateAfter)
	dur("RENOTIFY_INTERVAL", &c.RenotifyInterval)
	dur("EXPIRY_INTERVAL", &c.ExpiryInterval)
	dur("HEARTBEAT_RETENTION", &c.HeartbeatRetention)
	dur("PRUNE_INTERVAL", &c.PruneInterval)
	dur("NOTIFY_TIMEOUT", &c.NotifyTimeout)

	return errors.Join(errs...)
}

// Validate normalises Env and rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}

	var errs []error
	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("dedup_window must be positive"))
	}
	if c.OfflineThreshold <= 0 {
		errs = append(errs, errors.New("offline_threshold must be positive"))
	}
	if c.EscalateAfter < c.OfflineThreshold {
		errs = append(errs, errors.New("escalate_after must not be shorter than offline_threshold"))
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		id := strings.TrimSpace(d.DeviceID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("devices[%d]: device_id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate device_id %q", i, id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}
