package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/session"
	"github.com/srg/hrvlink/internal/sink"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the config file.
const (
	EnvSensorName = "HRV_SENSOR_NAME"
	EnvLogLevel   = "HRV_LOG_LEVEL"
	EnvNATSURL    = "HRV_NATS_URL"
)

// SensorConfig selects and connects the peripheral.
type SensorConfig struct {
	Name            string        `yaml:"name" default:"Nano 33 BLE Rev2 HRV"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"0s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"15s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"false"`
}

// ProtocolConfig tunes the command protocol.
type ProtocolConfig struct {
	SettleInterval     time.Duration `yaml:"settle_interval" default:"500ms"`
	AttributionTimeout time.Duration `yaml:"attribution_timeout" default:"0s"`
}

type MeasurementConfig struct {
	AutoStart bool `yaml:"auto_start" default:"true"`
}

type SubscriptionConfig struct {
	Retries int `yaml:"retries" default:"0"`
}

type DiscoveryConfig struct {
	Rounds   int           `yaml:"rounds" default:"3"`
	Interval time.Duration `yaml:"interval" default:"1s"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts" default:"0"`
	Backoff     time.Duration `yaml:"backoff" default:"2s"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer" default:"256"`
}

type RecorderConfig struct {
	BPMBins    int `yaml:"bpm_bins" default:"220"`
	RRBins     int `yaml:"rr_bins" default:"1200"`
	LiveWindow int `yaml:"live_window" default:"1000"`
}

// NATSConfig enables event forwarding when URL is set.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject" default:"hrvlink"`
	Name          string        `yaml:"name" default:"hrvlink"`
	MaxReconnects int           `yaml:"max_reconnects" default:"10"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" default:"2s"`
}

// Config holds application configuration
type Config struct {
	LogLevel     string             `yaml:"log_level" default:"info"`
	Sensor       SensorConfig       `yaml:"sensor"`
	Protocol     ProtocolConfig     `yaml:"protocol"`
	Measurement  MeasurementConfig  `yaml:"measurement"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Events       EventsConfig       `yaml:"events"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	NATS         NATSConfig         `yaml:"nats"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults and applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSensorName); ok && strings.TrimSpace(v) != "" {
		c.Sensor.Name = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvNATSURL); ok {
		c.NATS.URL = v
	}
}

// Validate rejects values the session cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if strings.TrimSpace(c.Sensor.Name) == "" {
		errs = append(errs, errors.New("sensor.name cannot be empty"))
	}
	if c.Sensor.ScanTimeout < 0 || c.Sensor.ConnectTimeout < 0 {
		errs = append(errs, errors.New("sensor timeouts cannot be negative"))
	}
	if c.Protocol.SettleInterval < command.DefaultSettleInterval {
		errs = append(errs, fmt.Errorf("protocol.settle_interval %s is below the device minimum %s",
			c.Protocol.SettleInterval, command.DefaultSettleInterval))
	}
	if c.Protocol.AttributionTimeout < 0 {
		errs = append(errs, errors.New("protocol.attribution_timeout cannot be negative"))
	}
	if c.Subscription.Retries < 0 {
		errs = append(errs, errors.New("subscription.retries cannot be negative"))
	}
	if c.Reconnect.MaxAttempts < 0 || c.Reconnect.Backoff < 0 {
		errs = append(errs, errors.New("reconnect policy cannot be negative"))
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, errors.New("events.buffer must be positive"))
	}
	if c.Recorder.BPMBins <= 0 || c.Recorder.RRBins <= 0 || c.Recorder.LiveWindow <= 0 {
		errs = append(errs, errors.New("recorder sizes must be positive"))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats.subject is required when nats.url is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, falling back to Info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SessionOptions maps the config onto controller options.
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.SensorName = c.Sensor.Name
	opts.ScanTimeout = c.Sensor.ScanTimeout
	opts.ConnectTimeout = c.Sensor.ConnectTimeout
	opts.AllowDuplicates = c.Sensor.AllowDuplicates
	opts.SettleInterval = c.Protocol.SettleInterval
	opts.AttributionTimeout = c.Protocol.AttributionTimeout
	opts.AutoStart = c.Measurement.AutoStart
	opts.SubscriptionRetries = c.Subscription.Retries
	opts.DiscoveryRounds = c.Discovery.Rounds
	opts.DiscoveryInterval = c.Discovery.Interval
	opts.Reconnect = session.ReconnectPolicy{
		MaxAttempts: c.Reconnect.MaxAttempts,
		Backoff:     c.Reconnect.Backoff,
	}
	opts.EventBuffer = c.Events.Buffer
	return opts
}

func (c *Config) RecorderOptions() sink.RecorderOptions {
	return sink.RecorderOptions{
		BPMBins:    c.Recorder.BPMBins,
		RRBins:     c.Recorder.RRBins,
		LiveWindow: c.Recorder.LiveWindow,
	}
}

func (c *Config) NATSOptions() sink.NATSOptions {
	return sink.NATSOptions{
		URL:           c.NATS.URL,
		Subject:       c.NATS.Subject,
		Name:          c.NATS.Name,
		MaxReconnects: c.NATS.MaxReconnects,
		ReconnectWait: c.NATS.ReconnectWait,
	}
}
