package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hrvlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "Nano 33 BLE Rev2 HRV", cfg.Sensor.Name)
	assert.Equal(t, time.Duration(0), cfg.Sensor.ScanTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sensor.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Protocol.SettleInterval)
	assert.True(t, cfg.Measurement.AutoStart)
	assert.Equal(t, 3, cfg.Discovery.Rounds)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Backoff)
	assert.Equal(t, 256, cfg.Events.Buffer)
	assert.Equal(t, 220, cfg.Recorder.BPMBins)
	assert.Equal(t, 1200, cfg.Recorder.RRBins)
	assert.Empty(t, cfg.NATS.URL, "NATS forwarding MUST be off by default")
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", level: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", level: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", level: "warn", expected: logrus.WarnLevel},
		{name: "falls back to info on garbage", level: "loud", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
sensor:
  name: "Bench HRV"
  scan_timeout: 30s
protocol:
  settle_interval: 750ms
measurement:
  auto_start: false
reconnect:
  max_attempts: 2
nats:
  url: nats://localhost:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "Bench HRV", cfg.Sensor.Name)
	assert.Equal(t, 30*time.Second, cfg.Sensor.ScanTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sensor.ConnectTimeout, "unset keys MUST keep their defaults")
	assert.Equal(t, 750*time.Millisecond, cfg.Protocol.SettleInterval)
	assert.False(t, cfg.Measurement.AutoStart)
	assert.Equal(t, 2, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "hrvlink", cfg.NATS.Subject)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvSensorName, "Env HRV")
	t.Setenv(EnvLogLevel, "trace")
	t.Setenv(EnvNATSURL, "nats://broker:4222")

	cfg, err := Load(writeConfig(t, "sensor:\n  name: File HRV\n"))
	require.NoError(t, err)

	assert.Equal(t, "Env HRV", cfg.Sensor.Name, "environment MUST win over the file")
	assert.Equal(t, logrus.TraceLevel, cfg.Level())
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "sensor: [unbalanced"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeConfig(t, "sensor:\n  name: \"  \"\n"))
	assert.ErrorContains(t, err, "sensor.name")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}, valid: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "shout" }},
		{name: "negative settle interval", mutate: func(c *Config) { c.Protocol.SettleInterval = -time.Second }},
		{name: "zero settle interval", mutate: func(c *Config) { c.Protocol.SettleInterval = 0 }},
		{name: "settle interval below minimum", mutate: func(c *Config) { c.Protocol.SettleInterval = 499 * time.Millisecond }},
		{name: "longer settle interval", mutate: func(c *Config) { c.Protocol.SettleInterval = time.Second }, valid: true},
		{name: "negative attribution timeout", mutate: func(c *Config) { c.Protocol.AttributionTimeout = -time.Second }},
		{name: "negative retries", mutate: func(c *Config) { c.Subscription.Retries = -1 }},
		{name: "negative reconnect attempts", mutate: func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.Buffer = 0 }},
		{name: "zero histogram bins", mutate: func(c *Config) { c.Recorder.RRBins = 0 }},
		{name: "nats without subject", mutate: func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.Subject = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_SessionOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensor.Name = "Bench HRV"
	cfg.Protocol.AttributionTimeout = 3 * time.Second
	cfg.Subscription.Retries = 2
	cfg.Reconnect.MaxAttempts = 4
	cfg.Events.Buffer = 64

	opts := cfg.SessionOptions()

	assert.Equal(t, "Bench HRV", opts.SensorName)
	assert.Equal(t, 15*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, opts.SettleInterval)
	assert.Equal(t, 3*time.Second, opts.AttributionTimeout)
	assert.True(t, opts.AutoStart)
	assert.Equal(t, 2, opts.SubscriptionRetries)
	assert.Equal(t, 3, opts.DiscoveryRounds)
	assert.Equal(t, 4, opts.Reconnect.MaxAttempts)
	assert.Equal(t, 64, opts.EventBuffer)
	assert.Nil(t, opts.Clock)

	rec := cfg.RecorderOptions()
	assert.Equal(t, 220, rec.BPMBins)
	assert.Equal(t, 1000, rec.LiveWindow)

	nopts := cfg.NATSOptions()
	assert.Equal(t, "hrvlink", nopts.Subject)
	assert.Equal(t, 10, nopts.MaxReconnects)
}
