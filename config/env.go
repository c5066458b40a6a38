// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/sensorhub/ingest/errors"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "INGEST_"

// ApplyEnv overrides the configuration from environment variables given in
// os.Environ form. Unknown INGEST_ variables are ignored.
func (c *Config) ApplyEnv(environ []string) error {
	for _, env := range environ {
		idx := strings.IndexByte(env, '=')
		if idx < 0 || !strings.HasPrefix(env[:idx], EnvPrefix) {
			continue
		}
		key := env[len(EnvPrefix):idx]
		val := env[idx+1:]

		var err error
		switch key {
		case "LOG_LEVEL":
			c.LogLevel = val

		case "MQTT_HOST":
			c.MQTT.Host = val
		case "MQTT_PORT":
			c.MQTT.Port, err = parseInt(key, val)
		case "MQTT_USE_TLS":
			c.MQTT.UseTLS, err = parseBool(key, val)
		case "MQTT_CA_FILE":
			c.MQTT.CAFile = val
		case "MQTT_CERT_FILE":
			c.MQTT.CertFile = val
		case "MQTT_KEY_FILE":
			c.MQTT.KeyFile = val
		case "MQTT_KEY_PASSWORD_FILE":
			c.MQTT.KeyPasswordFile = val
		case "MQTT_CLIENT_ID":
			c.MQTT.ClientID = val
		case "MQTT_USERNAME":
			c.MQTT.Username = val
		case "MQTT_PASSWORD":
			c.MQTT.Password = val
		case "MQTT_TOPIC":
			c.MQTT.Topic = val
		case "MQTT_QOS":
			var qos uint64
			qos, err = parseUint(key, val, 8)
			c.MQTT.QoS = byte(qos)
		case "MQTT_KEEP_ALIVE":
			c.MQTT.KeepAlive.Duration, err = parseDuration(key, val)

		case "BROKER_ENABLED":
			c.Broker.Enabled, err = parseBool(key, val)
		case "BROKER_ADDRESS":
			c.Broker.Address = val

		case "STORAGE_DSN":
			c.Storage.DSN = val

		case "ALERTS_TEMPERATURE_LIMIT":
			c.Alerts.TemperatureLimit, err = parseFloat(key, val)
		case "ALERTS_GAS_LIMIT":
			c.Alerts.GasLimit, err = parseFloat(key, val)
		case "ALERTS_COOLDOWN":
			c.Alerts.Cooldown.Duration, err = parseDuration(key, val)

		case "PIPELINE_QUEUE_SIZE":
			c.Pipeline.QueueSize, err = parseInt(key, val)
		case "PIPELINE_WORKERS":
			var n uint64
			n, err = parseUint(key, val, 32)
			c.Pipeline.Workers = uint(n)
		case "PIPELINE_EFFECT_TIMEOUT":
			c.Pipeline.EffectTimeout.Duration, err = parseDuration(key, val)
		case "PIPELINE_ENQUEUE_TIMEOUT":
			c.Pipeline.EnqueueTimeout.Duration, err = parseDuration(key, val)
		case "PIPELINE_RECONNECT_ATTEMPTS":
			c.Pipeline.ReconnectAttempts, err = parseUint(key, val, 64)
		case "PIPELINE_RECONNECT_MIN":
			c.Pipeline.ReconnectMin.Duration, err = parseDuration(key, val)
		case "PIPELINE_RECONNECT_MAX":
			c.Pipeline.ReconnectMax.Duration, err = parseDuration(key, val)

		case "HTTP_ADDRESS":
			c.HTTP.Address = val

		case "EMAIL_HOST":
			c.Email.Host = val
		case "EMAIL_PORT":
			c.Email.Port, err = parseInt(key, val)
		case "EMAIL_USERNAME":
			c.Email.Username = val
		case "EMAIL_PASSWORD":
			c.Email.Password = val
		case "EMAIL_FROM":
			c.Email.From = val
		case "EMAIL_TO":
			c.Email.To = parseList(val)

		case "KAFKA_BROKERS":
			c.Kafka.Brokers = parseList(val)
		case "KAFKA_TOPIC":
			c.Kafka.Topic = val
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func envError(key, val, what string, err error) error {
	return &errors.Error{
		Message:       "could not parse " + what,
		Kind:          errors.ConfigurationInvalid,
		NestedError:   err,
		PropertyName:  EnvPrefix + key,
		PropertyValue: val,
	}
}

func parseInt(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, envError(key, val, "integer", err)
	}
	return n, nil
}

func parseUint(key, val string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(val, 10, bits)
	if err != nil {
		return 0, envError(key, val, "unsigned integer", err)
	}
	return n, nil
}

func parseFloat(key, val string) (float64, error) {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, envError(key, val, "number", err)
	}
	return f, nil
}

func parseBool(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, envError(key, val, "boolean", err)
	}
	return b, nil
}

func parseDuration(key, val string) (time.Duration, error) {
	d, err := ParseDuration(val)
	if err != nil {
		return 0, envError(key, val, "duration", err)
	}
	return d, nil
}

// Comma separated, blanks dropped.
func parseList(val string) []string {
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
