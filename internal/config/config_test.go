package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, 60*time.Second, cfg.MaxSampleAge)
	assert.Equal(t, 30*time.Second, cfg.SampleInterval)
	assert.Equal(t, 60*time.Second, cfg.ReevaluateInterval)
	assert.Equal(t, 15*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("REEVALUATE_INTERVAL", "2m")
	t.Setenv("REMINDER_TIMEZONE", "America/New_York")
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("MIGRATE", "true")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Minute, cfg.ReevaluateInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	_, err := LoadServerConfig()
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Setenv("EVENT_BUFFER", "0")
	t.Setenv("DISPATCH_BURST", "0")
	t.Setenv("REMINDER_TIMEZONE", "Mars/Olympus_Mons")
	t.Setenv("FCM_DEVICE_TOKEN", "tok")

	_, err := LoadServerConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "EVENT_BUFFER")
	assert.Contains(t, msg, "DISPATCH_BURST")
	assert.Contains(t, msg, "REMINDER_TIMEZONE")
	assert.Contains(t, msg, "FIREBASE_CREDENTIALS_FILE")
}
