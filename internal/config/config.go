package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig captures all tunable parameters for the reminder daemon.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the bundled catalog and an in-memory store.
type ServerConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	UserID   string `env:"REMINDER_USER_ID" envDefault:"local"`
	Timezone string `env:"REMINDER_TIMEZONE" envDefault:"Local"`

	AcquireTimeout     time.Duration `env:"LOCATION_ACQUIRE_TIMEOUT" envDefault:"10s"`
	MaxSampleAge       time.Duration `env:"LOCATION_MAX_SAMPLE_AGE" envDefault:"60s"`
	SampleInterval     time.Duration `env:"LOCATION_SAMPLE_INTERVAL" envDefault:"30s"`
	ReevaluateInterval time.Duration `env:"REEVALUATE_INTERVAL" envDefault:"60s"`
	RefreshInterval    time.Duration `env:"CATALOG_REFRESH_INTERVAL" envDefault:"15m"`
	EventBuffer        int           `env:"EVENT_BUFFER" envDefault:"16"`

	DispatchQueue      int     `env:"DISPATCH_QUEUE" envDefault:"64"`
	DispatchRatePerMin float64 `env:"DISPATCH_RATE_PER_MIN" envDefault:"6"`
	DispatchBurst      int     `env:"DISPATCH_BURST" envDefault:"3"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisGeoKey   string `env:"REDIS_GEO_KEY" envDefault:"reminder_businesses_geo"`
	RedisPrefsKey string `env:"REDIS_PREFS_KEY" envDefault:"reminder_prefs"`

	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaFixTopic      string   `env:"KAFKA_FIX_TOPIC" envDefault:"device-locations"`
	KafkaReminderTopic string   `env:"KAFKA_REMINDER_TOPIC"`
	KafkaGroup         string   `env:"KAFKA_GROUP" envDefault:"reminderd"`

	PGDSN string `env:"PG_DSN"`

	CatalogFile string `env:"CATALOG_FILE" envDefault:"testdata/catalog.json"`
	PrefsFile   string `env:"PREFS_FILE"`

	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`
	FCMDeviceToken          string `env:"FCM_DEVICE_TOKEN"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	RunMigrations bool   `env:"MIGRATE"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c ServerConfig) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"LOCATION_ACQUIRE_TIMEOUT": c.AcquireTimeout,
		"LOCATION_MAX_SAMPLE_AGE":  c.MaxSampleAge,
		"LOCATION_SAMPLE_INTERVAL": c.SampleInterval,
		"REEVALUATE_INTERVAL":      c.ReevaluateInterval,
		"CATALOG_REFRESH_INTERVAL": c.RefreshInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be > 0"))
	}
	if c.DispatchQueue <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_QUEUE must be > 0"))
	}
	if c.DispatchRatePerMin < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RATE_PER_MIN must be >= 0"))
	}
	if c.DispatchBurst <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BURST must be > 0"))
	}
	if c.UserID == "" {
		errs = append(errs, fmt.Errorf("REMINDER_USER_ID must not be empty"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid REMINDER_TIMEZONE: %w", err))
	}
	if c.FCMDeviceToken != "" && c.FirebaseCredentialsFile == "" {
		errs = append(errs, fmt.Errorf("FCM_DEVICE_TOKEN requires FIREBASE_CREDENTIALS_FILE"))
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone for wall-clock reminders.
func (c ServerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
