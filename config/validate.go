// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config

import (
	"log/slog"
	"math"
	"strings"

	"github.com/sensorhub/ingest/errors"
)

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	switch {
	case c.MQTT.Host == "":
		return invalid("mqtt.host", c.MQTT.Host, "must not be empty")
	case c.MQTT.Port <= 0 || c.MQTT.Port > math.MaxUint16:
		return invalid("mqtt.port", c.MQTT.Port, "must be a TCP port")
	case c.MQTT.Topic == "":
		return invalid("mqtt.topic", c.MQTT.Topic, "must not be empty")
	case c.MQTT.QoS > 2:
		return invalid("mqtt.qos", c.MQTT.QoS, "must be 0, 1 or 2")
	case c.MQTT.KeepAlive.Seconds() > math.MaxUint16:
		return invalid("mqtt.keepAlive", c.MQTT.KeepAlive, "too large")
	case !c.MQTT.UseTLS && c.MQTT.hasTLS():
		return invalid("mqtt.useTls", c.MQTT.UseTLS, "TLS files provided but not using TLS")
	case (c.MQTT.CertFile != "") != (c.MQTT.KeyFile != ""):
		return invalid("mqtt.keyFile", c.MQTT.KeyFile, "certificate and key must be provided together")
	case c.MQTT.KeyPasswordFile != "" && c.MQTT.KeyFile == "":
		return invalid("mqtt.keyPasswordFile", c.MQTT.KeyPasswordFile, "requires a key file")
	case c.Broker.Enabled && c.Broker.Address == "":
		return invalid("broker.address", c.Broker.Address, "must not be empty")
	case c.Storage.DSN == "":
		return invalid("storage.dsn", c.Storage.DSN, "must not be empty")
	case !finite(c.Alerts.TemperatureLimit):
		return invalid("alerts.temperatureLimit", c.Alerts.TemperatureLimit, "must be finite")
	case !finite(c.Alerts.GasLimit):
		return invalid("alerts.gasLimit", c.Alerts.GasLimit, "must be finite")
	case c.Pipeline.QueueSize < 0:
		return invalid("pipeline.queueSize", c.Pipeline.QueueSize, "cannot be negative")
	case c.Pipeline.EffectTimeout.Duration <= 0:
		return invalid("pipeline.effectTimeout", c.Pipeline.EffectTimeout, "must be positive")
	case c.HTTP.Address == "":
		return invalid("http.address", c.HTTP.Address, "must not be empty")
	}

	for name, d := range map[string]Duration{
		"mqtt.keepAlive":          c.MQTT.KeepAlive,
		"alerts.cooldown":         c.Alerts.Cooldown,
		"pipeline.effectTimeout":  c.Pipeline.EffectTimeout,
		"pipeline.enqueueTimeout": c.Pipeline.EnqueueTimeout,
		"pipeline.reconnectMin":   c.Pipeline.ReconnectMin,
		"pipeline.reconnectMax":   c.Pipeline.ReconnectMax,
	} {
		if d.Duration < 0 {
			return invalid(name, d, "cannot be negative")
		}
	}

	if c.Email.Host != "" {
		switch {
		case c.Email.Port <= 0 || c.Email.Port > math.MaxUint16:
			return invalid("email.port", c.Email.Port, "must be a TCP port")
		case c.Email.From == "":
			return invalid("email.from", c.Email.From, "required when email is enabled")
		case len(c.Email.To) == 0:
			return invalid("email.to", c.Email.To, "required when email is enabled")
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return invalid("kafka.topic", c.Kafka.Topic, "required when kafka is enabled")
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, invalid("logLevel", c.LogLevel, "unknown log level")
	}
	return l, nil
}

func (m *MQTT) hasTLS() bool {
	return m.CAFile != "" || m.CertFile != "" ||
		m.KeyFile != "" || m.KeyPasswordFile != ""
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func invalid(name string, value any, why string) error {
	return &errors.Error{
		Message:       name + " " + why,
		Kind:          errors.ConfigurationInvalid,
		PropertyName:  name,
		PropertyValue: value,
	}
}
