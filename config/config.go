// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config loads the service configuration from an optional YAML file
// followed by INGEST_ prefixed environment variables.
package config

import (
	"bytes"
	"crypto/tls"
	"io"
	"os"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/notify"
	"github.com/sensorhub/ingest/retry"
	"github.com/sensorhub/ingest/telemetry"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the complete service configuration.
	Config struct {
		LogLevel string   `yaml:"logLevel"`
		MQTT     MQTT     `yaml:"mqtt"`
		Broker   Broker   `yaml:"broker"`
		Storage  Storage  `yaml:"storage"`
		Alerts   Alerts   `yaml:"alerts"`
		Pipeline Pipeline `yaml:"pipeline"`
		HTTP     HTTP     `yaml:"http"`
		Email    Email    `yaml:"email"`
		Kafka    Kafka    `yaml:"kafka"`
	}

	// MQTT configures the connection to the broker.
	MQTT struct {
		Host      string   `yaml:"host"`
		Port      int      `yaml:"port"`
		UseTLS    bool     `yaml:"useTls"`
		CAFile    string   `yaml:"caFile"`
		ClientID  string   `yaml:"clientId"`
		Username  string   `yaml:"username"`
		Password  string   `yaml:"password"`
		Topic     string   `yaml:"topic"`
		QoS       byte     `yaml:"qos"`
		KeepAlive Duration `yaml:"keepAlive"`

		// Client certificate; the key may be encrypted, see
		// mqtt.LoadX509KeyPair.
		CertFile        string `yaml:"certFile"`
		KeyFile         string `yaml:"keyFile"`
		KeyPasswordFile string `yaml:"keyPasswordFile"`
	}

	// Broker configures the optional embedded broker.
	Broker struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	}

	// Storage configures the SQLite store.
	Storage struct {
		DSN string `yaml:"dsn"`
	}

	// Alerts configures alert evaluation.
	Alerts struct {
		TemperatureLimit float64  `yaml:"temperatureLimit"`
		GasLimit         float64  `yaml:"gasLimit"`
		Cooldown         Duration `yaml:"cooldown"`
	}

	// Pipeline configures the coordinator.
	Pipeline struct {
		QueueSize         int      `yaml:"queueSize"`
		Workers           uint     `yaml:"workers"`
		EffectTimeout     Duration `yaml:"effectTimeout"`
		EnqueueTimeout    Duration `yaml:"enqueueTimeout"`
		ReconnectAttempts uint64   `yaml:"reconnectAttempts"`
		ReconnectMin      Duration `yaml:"reconnectMin"`
		ReconnectMax      Duration `yaml:"reconnectMax"`
	}

	// HTTP configures the observer and query surface.
	HTTP struct {
		Address string `yaml:"address"`
	}

	// Email configures alert emails. Disabled when Host is empty.
	Email struct {
		Host     string   `yaml:"host"`
		Port     int      `yaml:"port"`
		Username string   `yaml:"username"`
		Password string   `yaml:"password"`
		From     string   `yaml:"from"`
		To       []string `yaml:"to"`
	}

	// Kafka configures alert publication. Disabled when Brokers is empty.
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	}
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		MQTT: MQTT{
			Host:      "localhost",
			Port:      1883,
			Topic:     telemetry.Topic,
			QoS:       1,
			KeepAlive: Duration{60 * time.Second},
		},
		Broker: Broker{Address: ":1883"},
		Storage: Storage{
			DSN: "file:ingest.db?_busy_timeout=5000&_journal_mode=WAL",
		},
		Alerts: Alerts{
			TemperatureLimit: telemetry.DefaultTemperatureLimit,
			GasLimit:         telemetry.DefaultGasLimit,
		},
		Pipeline: Pipeline{
			QueueSize:      256,
			Workers:        8,
			EffectTimeout:  Duration{5 * time.Second},
			EnqueueTimeout: Duration{time.Second},
			ReconnectMin:   Duration{time.Second / 8},
			ReconnectMax:   Duration{30 * time.Second},
		},
		HTTP:  HTTP{Address: ":3000"},
		Email: Email{Port: 587},
		Kafka: Kafka{Topic: "iot-alerts"},
	}
}

// Load reads the file at path (if any) over the defaults, applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.Error{
				Message:       "cannot read configuration file",
				Kind:          errors.ConfigurationInvalid,
				NestedError:   err,
				PropertyName:  "path",
				PropertyValue: path,
			}
		}
		if err := cfg.Decode(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads YAML over the current values. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return &errors.Error{
			Message:     "invalid configuration file: " + err.Error(),
			Kind:        errors.ConfigurationInvalid,
			NestedError: err,
		}
	}
	return nil
}

// Evaluator returns the alert evaluator for the configured limits.
func (c *Config) Evaluator() telemetry.Evaluator {
	return telemetry.Evaluator{
		TemperatureLimit: c.Alerts.TemperatureLimit,
		GasLimit:         c.Alerts.GasLimit,
	}
}

// Reconnect returns the reconnect policy. Zero attempts retries forever.
func (c *Config) Reconnect() *retry.ExponentialBackoff {
	return &retry.ExponentialBackoff{
		MaxAttempts: c.Pipeline.ReconnectAttempts,
		MinInterval: c.Pipeline.ReconnectMin.Duration,
		MaxInterval: c.Pipeline.ReconnectMax.Duration,
	}
}

// EmailConfig returns the SMTP notifier configuration, or nil if email is
// disabled.
func (c *Config) EmailConfig() *notify.EmailConfig {
	if c.Email.Host == "" {
		return nil
	}
	return &notify.EmailConfig{
		Host:     c.Email.Host,
		Port:     c.Email.Port,
		Username: c.Email.Username,
		Password: c.Email.Password,
		From:     c.Email.From,
		To:       c.Email.To,
	}
}

// Dialer returns an MQTT dialer for the configured broker.
func (c *Config) Dialer() (*mqtt.PahoDialer, error) {
	provider := mqtt.TCPConnection(c.MQTT.Host, c.MQTT.Port)
	if c.MQTT.UseTLS {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}

		// Bypasses hostname check in TLS config when deliberately connecting
		// to localhost.
		if c.MQTT.Host == "localhost" {
			cfg.InsecureSkipVerify = true // #nosec G402
		}

		if c.MQTT.CAFile != "" {
			pool, err := mqtt.LoadCAPool(c.MQTT.CAFile)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}

		if c.MQTT.CertFile != "" {
			cert, err := mqtt.LoadX509KeyPair(
				c.MQTT.CertFile,
				c.MQTT.KeyFile,
				c.MQTT.KeyPasswordFile,
			)
			if err != nil {
				return nil, err
			}
			cfg.Certificates = []tls.Certificate{cert}
		}
		provider = mqtt.TLSConnection(c.MQTT.Host, c.MQTT.Port, cfg)
	}

	d := &mqtt.PahoDialer{
		Provider:  provider,
		ClientID:  c.MQTT.ClientID,
		Username:  c.MQTT.Username,
		KeepAlive: c.MQTT.KeepAlive.Duration,
	}
	if c.MQTT.Password != "" {
		d.Password = []byte(c.MQTT.Password)
	}
	return d, nil
}
