package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stormseeker/humidity/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config is the humidity publisher configuration
type Config struct {
	Device     DeviceConfig        `yaml:"device"`
	Sensor     SensorConfig        `yaml:"sensor"`
	Publisher  PublisherConfig     `yaml:"publisher"`
	Logging    logger.LoggerConfig `yaml:"logging"`
	Properties Properties          `yaml:"properties"`
}

// DeviceConfig identifies this unit in published envelopes
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// SensorConfig selects the sampler
type SensorConfig struct {
	Source string `yaml:"source"` // placeholder | sysfs
	Path   string `yaml:"path"`
}

// PublisherConfig lists the sinks envelopes are forwarded to
type PublisherConfig struct {
	Strategy string         `yaml:"strategy"`
	DryRun   bool           `yaml:"dry_run"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// MQTTConfig конфигурация MQTT брокера
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	KeepAlive   uint16        `yaml:"keep_alive"`
	Timeout     time.Duration `yaml:"timeout"`
}

// KafkaConfig конфигурация Kafka producer
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPrefix  string   `yaml:"topic_prefix"`
	Compression  string   `yaml:"compression"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RequiredAcks *int     `yaml:"required_acks"` // nil until set; 0 (no acks) is valid
}

// RedisConfig конфигурация Redis
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Mode      string `yaml:"mode"` // stream | pubsub
	Stream    string `yaml:"stream"`
	Channel   string `yaml:"channel"`
	MaxLength int64  `yaml:"max_length"`
}

// PostgresConfig конфигурация базы данных
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// TelegramConfig конфигурация Telegram уведомлений
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// LoadConfig загружает конфигурацию
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadConfigWithEnv загружает конфигурацию из файла и переменных окружения.
// Environment values override the file. An empty path means env only.
func LoadConfigWithEnv(filepath string, getenv func(string) string) (*Config, error) {
	var data []byte
	if filepath != "" {
		var err error
		data, err = os.ReadFile(filepath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return parse(data, getenv)
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if getenv != nil {
		if err := config.applyEnv(getenv); err != nil {
			return nil, fmt.Errorf("invalid environment: %w", err)
		}
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyDefaults fills optional fields
func (c *Config) applyDefaults() {
	if c.Device.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Device.ID = host
		} else {
			c.Device.ID = "humidity"
		}
	}
	if c.Sensor.Source == "" {
		c.Sensor.Source = "placeholder"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	m := &c.Publisher.MQTT
	if m.ClientID == "" {
		m.ClientID = c.Device.ID
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "stormseeker"
	}
	if m.KeepAlive == 0 {
		m.KeepAlive = 30
	}
	if m.Timeout == 0 {
		m.Timeout = 10 * time.Second
	}

	k := &c.Publisher.Kafka
	if k.TopicPrefix == "" {
		k.TopicPrefix = "metrics"
	}
	if k.Compression == "" {
		k.Compression = "snappy"
	}
	if k.MaxAttempts == 0 {
		k.MaxAttempts = 3
	}
	if k.RequiredAcks == nil {
		leader := 1
		k.RequiredAcks = &leader
	}

	r := &c.Publisher.Redis
	if r.Mode == "" {
		r.Mode = "stream"
	}
	if r.Stream == "" {
		r.Stream = "humidity:" + c.Device.ID
	}
	if r.Channel == "" {
		r.Channel = "humidity:" + c.Device.ID
	}
	if r.MaxLength == 0 {
		r.MaxLength = 1000
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	switch strings.ToLower(c.Sensor.Source) {
	case "placeholder", "sysfs":
	default:
		return fmt.Errorf("unknown sensor source %q", c.Sensor.Source)
	}

	switch strings.ToLower(c.Publisher.Strategy) {
	case "", "fail_if_all", "all", "fail_if_any", "any", "fail_if_primary", "primary":
	default:
		return fmt.Errorf("unknown publisher strategy %q", c.Publisher.Strategy)
	}

	p := c.Publisher
	if p.MQTT.Enabled && p.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	if p.Kafka.Enabled && len(p.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if acks := p.Kafka.RequiredAcks; acks != nil && (*acks < -1 || *acks > 1) {
		return fmt.Errorf("kafka required_acks must be -1, 0 or 1, got %d", *acks)
	}
	if p.Redis.Enabled {
		if p.Redis.Address == "" {
			return fmt.Errorf("redis address is required when redis is enabled")
		}
		if p.Redis.Mode != "stream" && p.Redis.Mode != "pubsub" {
			return fmt.Errorf("unknown redis mode %q", p.Redis.Mode)
		}
	}
	if p.Postgres.Enabled && p.Postgres.URL == "" {
		return fmt.Errorf("postgres url is required when postgres is enabled")
	}
	if p.Telegram.Enabled {
		if p.Telegram.Token == "" {
			return fmt.Errorf("telegram token is required when telegram is enabled")
		}
		if p.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram chat_id is required when telegram is enabled")
		}
	}

	return nil
}

// EnabledSinks returns the names of the configured sinks in publish order
func (c *Config) EnabledSinks() []string {
	var names []string
	p := c.Publisher
	if p.MQTT.Enabled {
		names = append(names, "mqtt")
	}
	if p.Kafka.Enabled {
		names = append(names, "kafka")
	}
	if p.Redis.Enabled {
		names = append(names, "redis")
	}
	if p.Postgres.Enabled {
		names = append(names, "postgres")
	}
	if p.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if p.DryRun {
		names = append(names, "memory")
	}
	return names
}
