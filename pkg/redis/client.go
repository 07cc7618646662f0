package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
)

// Publish modes
const (
	ModeStream = "stream"
	ModePubSub = "pubsub"
)

// Config конфигурация Redis клиента
type Config struct {
	Address   string
	Password  string
	DB        int
	Mode      string // stream | pubsub
	Stream    string
	Channel   string
	MaxLength int64 // approximate MAXLEN for XADD, 0 = unbounded
}

// commander is the subset of *redis.Client the publisher needs
type commander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Client публикует envelopes в Redis stream или pub/sub канал
type Client struct {
	publisher.Listeners

	rdb    commander
	config Config
	logger *logrus.Logger
}

// NewClient создает новый Redis клиент
func NewClient(config Config, logger *logrus.Logger) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	if logger == nil {
		logger = logrus.New()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	c := newClient(rdb, config, logger)

	// Проверяем соединение
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"addr": config.Address,
		"db":   config.DB,
		"mode": c.config.Mode,
	}).Info("Успешно подключились к Redis")

	return c, nil
}

func newClient(rdb commander, config Config, logger *logrus.Logger) *Client {
	if config.Mode == "" {
		config.Mode = ModeStream
	}
	return &Client{
		rdb:    rdb,
		config: config,
		logger: logger,
	}
}

// Ping checks the connection and updates the connection state
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.MarkLost()
		return err
	}
	c.MarkConnected()
	return nil
}

// Publish writes env and returns the Redis-side id: the stream entry id in
// stream mode, the envelope id in pubsub mode.
func (c *Client) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	payload, err := env.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	start := time.Now()
	var id string
	switch c.config.Mode {
	case ModePubSub:
		id, err = c.publish(ctx, env, payload)
	case ModeStream:
		id, err = c.addToStream(ctx, env, payload)
	default:
		return "", fmt.Errorf("unknown redis mode %q", c.config.Mode)
	}
	if err != nil {
		c.MarkLost()
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"mode":        c.config.Mode,
		"id":          id,
		"envelope_id": env.ID,
		"duration":    time.Since(start),
	}).Debug("Envelope published to Redis")

	c.MarkConnected()
	c.NotifyMessageConfirmed(id)
	return id, nil
}

func (c *Client) addToStream(ctx context.Context, env *protocol.Envelope, payload []byte) (string, error) {
	value, _ := env.Metric(protocol.MetricHumidity)

	// XADD stream * field1 value1 field2 value2 ...
	args := &redis.XAddArgs{
		Stream: c.config.Stream,
		Values: map[string]interface{}{
			"envelope_id": env.ID,
			"metric":      protocol.MetricHumidity,
			"value":       strconv.FormatFloat(value, 'f', -1, 64),
			"timestamp":   env.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":     string(payload),
		},
	}
	if c.config.MaxLength > 0 {
		args.MaxLen = c.config.MaxLength
		args.Approx = true
	}

	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"stream": c.config.Stream,
			"error":  err,
		}).Error("Failed to add envelope to stream")
		return "", fmt.Errorf("XADD failed: %w", err)
	}
	return id, nil
}

func (c *Client) publish(ctx context.Context, env *protocol.Envelope, payload []byte) (string, error) {
	receivers, err := c.rdb.Publish(ctx, c.config.Channel, payload).Result()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"channel": c.config.Channel,
			"error":   err,
		}).Error("Ошибка отправки сообщения в Redis")
		return "", fmt.Errorf("PUBLISH failed: %w", err)
	}

	if receivers == 0 {
		c.logger.WithField("channel", c.config.Channel).Debug("No subscribers on channel")
	}
	return env.ID, nil
}

// Close закрывает соединение с Redis
func (c *Client) Close() error {
	err := c.rdb.Close()
	c.MarkDisconnected()
	return err
}

// Name возвращает имя publisher
func (c *Client) Name() string {
	return "redis"
}
