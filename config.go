package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Snapshot backends.
const (
	StoreFile     = "file"
	StoreBadger   = "badger"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// duration lets TOML files say backup_interval = "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds server settings. Values come from defaults, then an optional
// TOML file, then HOOKWATCH_* environment variables, then command flags.
type Config struct {
	Addr      string `toml:"addr"`       // HOOKWATCH_ADDR, or ":"+PORT (default ":8080")
	Store     string `toml:"store"`      // HOOKWATCH_STORE (default "file")
	StorePath string `toml:"store_path"` // HOOKWATCH_STORE_PATH (default "data/events.json")

	LogLevel        string `toml:"log_level"`         // HOOKWATCH_LOG_LEVEL (default "info")
	LogWebhookURL   string `toml:"log_webhook_url"`   // HOOKWATCH_LOG_WEBHOOK_URL (empty = disabled)
	LogWebhookToken string `toml:"log_webhook_token"` // HOOKWATCH_LOG_WEBHOOK_TOKEN
	LogWebhookLevel string `toml:"log_webhook_level"` // HOOKWATCH_LOG_WEBHOOK_LEVEL (default "error")

	NATSURL           string `toml:"nats_url"`            // HOOKWATCH_NATS_URL (empty = no mirror)
	NATSSubjectPrefix string `toml:"nats_subject_prefix"` // HOOKWATCH_NATS_SUBJECT_PREFIX (default "hookwatch")

	BackupS3Bucket   string   `toml:"backup_s3_bucket"`   // HOOKWATCH_BACKUP_S3_BUCKET (enables backups)
	BackupS3Key      string   `toml:"backup_s3_key"`      // HOOKWATCH_BACKUP_S3_KEY
	BackupS3Region   string   `toml:"backup_s3_region"`   // HOOKWATCH_BACKUP_S3_REGION
	BackupS3Endpoint string   `toml:"backup_s3_endpoint"` // HOOKWATCH_BACKUP_S3_ENDPOINT (MinIO etc.)
	BackupInterval   duration `toml:"backup_interval"`    // HOOKWATCH_BACKUP_INTERVAL (default 5m)

	ShutdownTimeout duration `toml:"shutdown_timeout"` // HOOKWATCH_SHUTDOWN_TIMEOUT (default 10s)
}

func defaultConfig() *Config {
	return &Config{
		Addr:              ":8080",
		Store:             StoreFile,
		StorePath:         "data/events.json",
		LogLevel:          "info",
		LogWebhookLevel:   "error",
		NATSSubjectPrefix: "hookwatch",
		BackupS3Key:       "hookwatch/events.json",
		BackupS3Region:    "us-east-1",
		BackupInterval:    duration{5 * time.Minute},
		ShutdownTimeout:   duration{10 * time.Second},
	}
}

// LoadConfig builds a Config. path may be empty. The result is not validated:
// callers apply command flags first and then call Validate.
func LoadConfig(path string) (*Config, error) {
	c := defaultConfig()

	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	setFromEnv(&c.Addr, "HOOKWATCH_ADDR")
	setFromEnv(&c.Store, "HOOKWATCH_STORE")
	setFromEnv(&c.StorePath, "HOOKWATCH_STORE_PATH")
	setFromEnv(&c.LogLevel, "HOOKWATCH_LOG_LEVEL")
	setFromEnv(&c.LogWebhookURL, "HOOKWATCH_LOG_WEBHOOK_URL")
	setFromEnv(&c.LogWebhookToken, "HOOKWATCH_LOG_WEBHOOK_TOKEN")
	setFromEnv(&c.LogWebhookLevel, "HOOKWATCH_LOG_WEBHOOK_LEVEL")
	setFromEnv(&c.NATSURL, "HOOKWATCH_NATS_URL")
	setFromEnv(&c.NATSSubjectPrefix, "HOOKWATCH_NATS_SUBJECT_PREFIX")
	setFromEnv(&c.BackupS3Bucket, "HOOKWATCH_BACKUP_S3_BUCKET")
	setFromEnv(&c.BackupS3Key, "HOOKWATCH_BACKUP_S3_KEY")
	setFromEnv(&c.BackupS3Region, "HOOKWATCH_BACKUP_S3_REGION")
	setFromEnv(&c.BackupS3Endpoint, "HOOKWATCH_BACKUP_S3_ENDPOINT")

	for key, dst := range map[string]*duration{
		"HOOKWATCH_BACKUP_INTERVAL":  &c.BackupInterval,
		"HOOKWATCH_SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	return c, nil
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreBadger, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("store must be one of file, badger, sqlite, postgres; got %q", c.Store)
	}
	if c.StorePath == "" && c.Store != StoreBadger {
		return fmt.Errorf("store_path is required for the %s store", c.Store)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := parseLevel(c.LogWebhookLevel); err != nil {
		return fmt.Errorf("log_webhook_level: %w", err)
	}
	if c.BackupS3Bucket != "" && c.BackupInterval.Duration <= 0 {
		return fmt.Errorf("backup_interval must be positive when backups are enabled")
	}
	if c.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}
