package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HUMIDITY_"

// applyEnv overrides file values with HUMIDITY_* environment variables.
// Setting a sink's address enables that sink.
func (c *Config) applyEnv(getenv func(string) string) error {
	env := func(name string) string {
		return strings.TrimSpace(getenv(EnvPrefix + name))
	}

	setString(&c.Device.ID, env("DEVICE_ID"))
	setString(&c.Sensor.Source, env("SENSOR_SOURCE"))
	setString(&c.Sensor.Path, env("SENSOR_PATH"))
	setString(&c.Logging.Level, env("LOG_LEVEL"))
	setString(&c.Logging.Format, env("LOG_FORMAT"))
	setString(&c.Publisher.Strategy, env("PUBLISHER_STRATEGY"))

	if v := env("DRY_RUN"); v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDRY_RUN: %w", EnvPrefix, err)
		}
		c.Publisher.DryRun = dryRun
	}

	// MQTT
	m := &c.Publisher.MQTT
	if v := env("MQTT_BROKER"); v != "" {
		m.Broker = v
		m.Enabled = true
	}
	setString(&m.ClientID, env("MQTT_CLIENT_ID"))
	setString(&m.Username, env("MQTT_USERNAME"))
	setString(&m.Password, env("MQTT_PASSWORD"))
	setString(&m.TopicPrefix, env("MQTT_TOPIC_PREFIX"))
	if v := env("MQTT_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sMQTT_TIMEOUT: %w", EnvPrefix, err)
		}
		m.Timeout = timeout
	}

	// Kafka
	k := &c.Publisher.Kafka
	if v := env("KAFKA_BROKERS"); v != "" {
		// Split comma-separated brokers
		k.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				k.Brokers = append(k.Brokers, b)
			}
		}
		k.Enabled = true
	}
	setString(&k.TopicPrefix, env("KAFKA_TOPIC_PREFIX"))
	setString(&k.Compression, env("KAFKA_COMPRESSION"))
	if v := env("KAFKA_MAX_ATTEMPTS"); v != "" {
		maxAttempts, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sKAFKA_MAX_ATTEMPTS: %w", EnvPrefix, err)
		}
		k.MaxAttempts = maxAttempts
	}
	if v := env("KAFKA_REQUIRED_ACKS"); v != "" {
		requiredAcks, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sKAFKA_REQUIRED_ACKS: %w", EnvPrefix, err)
		}
		k.RequiredAcks = &requiredAcks
	}

	// Redis
	r := &c.Publisher.Redis
	if v := env("REDIS_ADDRESS"); v != "" {
		r.Address = v
		r.Enabled = true
	}
	setString(&r.Password, env("REDIS_PASSWORD"))
	setString(&r.Mode, env("REDIS_MODE"))
	if v := env("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		r.DB = db
	}

	// PostgreSQL
	if v := env("DATABASE_URL"); v != "" {
		c.Publisher.Postgres.URL = v
		c.Publisher.Postgres.Enabled = true
	}

	// Telegram
	t := &c.Publisher.Telegram
	if v := env("TELEGRAM_TOKEN"); v != "" {
		t.Token = v
		t.Enabled = true
	}
	if v := env("TELEGRAM_CHAT_ID"); v != "" {
		chatID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_CHAT_ID: %w", EnvPrefix, err)
		}
		t.ChatID = chatID
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
