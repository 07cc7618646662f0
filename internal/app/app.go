// Package app wires configuration, sensor, sinks and the checker together
// and owns their lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/internal/checker"
	"github.com/stormseeker/humidity/internal/config"
	"github.com/stormseeker/humidity/internal/logger"
	"github.com/stormseeker/humidity/internal/storage"
	"github.com/stormseeker/humidity/internal/telegram"
	"github.com/stormseeker/humidity/internal/version"
	"github.com/stormseeker/humidity/pkg/errors"
	"github.com/stormseeker/humidity/pkg/kafka"
	"github.com/stormseeker/humidity/pkg/metrics"
	"github.com/stormseeker/humidity/pkg/mqtt"
	"github.com/stormseeker/humidity/pkg/publisher"
	"github.com/stormseeker/humidity/pkg/redis"
)

// dryRunLimit caps the envelopes kept by the dry-run sink
const dryRunLimit = 1000

// SinkFactory builds one named sink from configuration
type SinkFactory func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (publisher.Sink, error)

// App is the running humidity publisher
type App struct {
	config  *config.Config
	logger  *logrus.Logger
	checker *checker.HumidityChecker
	sink    publisher.Sink
}

// Option configures an App
type Option func(*appOptions)

type appOptions struct {
	factories   map[string]SinkFactory
	checkerOpts []checker.Option
}

// WithSinkFactory replaces the factory used for the named sink
func WithSinkFactory(name string, f SinkFactory) Option {
	return func(o *appOptions) {
		o.factories[name] = f
	}
}

// WithCheckerOptions passes extra options to the checker
func WithCheckerOptions(opts ...checker.Option) Option {
	return func(o *appOptions) {
		o.checkerOpts = append(o.checkerOpts, opts...)
	}
}

// DefaultSinkFactories returns the factories for every supported sink
func DefaultSinkFactories() map[string]SinkFactory {
	return map[string]SinkFactory{
		"mqtt":     newMQTTSink,
		"kafka":    newKafkaSink,
		"redis":    newRedisSink,
		"postgres": newPostgresSink,
		"telegram": newTelegramSink,
		"memory":   newMemorySink,
	}
}

// New creates the sampler, connects every enabled sink and prepares the
// checker. Nothing is published until Start.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = logrus.New()
	}

	o := &appOptions{factories: DefaultSinkFactories()}
	for _, opt := range opts {
		opt(o)
	}

	sampler, err := metrics.NewSampler(cfg.Sensor.Source, cfg.Sensor.Path)
	if err != nil {
		return nil, err
	}

	sink, err := buildSink(ctx, cfg, log, o.factories)
	if err != nil {
		return nil, err
	}

	checkerOpts := append([]checker.Option{checker.WithSource(cfg.Device.ID)}, o.checkerOpts...)

	return &App{
		config:  cfg,
		logger:  log,
		checker: checker.New(sampler, log, checkerOpts...),
		sink:    sink,
	}, nil
}

// buildSink connects every enabled sink. Several sinks are combined into a
// MultiPublisher; none at all leaves the checker unbound.
func buildSink(ctx context.Context, cfg *config.Config, log *logrus.Logger, factories map[string]SinkFactory) (publisher.Sink, error) {
	var sinks []publisher.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	for _, name := range cfg.EnabledSinks() {
		factory, ok := factories[name]
		if !ok {
			closeAll()
			return nil, errors.NewValidationError("unknown sink", map[string]interface{}{"sink": name})
		}
		sink, err := factory(ctx, cfg, log)
		if err != nil {
			closeAll()
			return nil, errors.NewSinkUnavailableError(name, err)
		}
		log.WithField("sink", sink.Name()).Info("Sink ready")
		sinks = append(sinks, sink)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}

	strategy, err := publisher.ParseFailureStrategy(cfg.Publisher.Strategy)
	if err != nil {
		closeAll()
		return nil, errors.NewValidationError(err.Error(), nil)
	}
	return publisher.NewMultiPublisher(sinks, strategy, log), nil
}

// Start binds the sink and activates the checker
func (a *App) Start() error {
	a.logger.WithFields(logrus.Fields{
		"version": version.GetFullVersion(),
		"device":  a.config.Device.ID,
		"sensor":  a.config.Sensor.Source,
	}).Info("Starting humidity publisher")

	if a.sink != nil {
		if err := a.checker.SetCloudPublisher(a.sink); err != nil {
			return err
		}
	} else {
		a.logger.Warn("No sinks enabled, readings will not leave this process")
	}

	return a.checker.Start(a.config.Properties)
}

// Reload applies a new configuration. Only logging and the checker
// properties change at runtime; sinks and sensor keep their settings.
func (a *App) Reload(cfg *config.Config) {
	logger.SetLevel(a.logger, cfg.Logging.Level)
	a.config.Properties = cfg.Properties
	a.config.Logging = cfg.Logging
	a.checker.Reconfigure(cfg.Properties)
}

// Stop deactivates the checker, unbinds and closes the sink
func (a *App) Stop() error {
	a.checker.Stop()

	if a.sink == nil {
		return nil
	}
	if err := a.checker.UnsetCloudPublisher(a.sink); err != nil {
		a.logger.WithError(err).Warn("Failed to unbind sink")
	}
	if err := a.sink.Close(); err != nil {
		return fmt.Errorf("failed to close sink %s: %w", a.sink.Name(), err)
	}
	return nil
}

// Checker returns the running checker
func (a *App) Checker() *checker.HumidityChecker {
	return a.checker
}

// Sink returns the bound sink, nil when none is enabled
func (a *App) Sink() publisher.Sink {
	return a.sink
}

func newMQTTSink(ctx context.Context, cfg *config.Config, log *logrus.Logger) (publisher.Sink, error) {
	m := cfg.Publisher.MQTT
	p := mqtt.New(mqtt.Config{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		KeepAlive:   m.KeepAlive,
		Timeout:     m.Timeout,
	}, log)
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newKafkaSink(_ context.Context, cfg *config.Config, log *logrus.Logger) (publisher.Sink, error) {
	k := cfg.Publisher.Kafka
	kcfg := kafka.DefaultConfig()
	kcfg.Brokers = k.Brokers
	kcfg.TopicPrefix = k.TopicPrefix
	kcfg.Key = cfg.Device.ID
	kcfg.Compression = k.Compression
	kcfg.MaxAttempts = k.MaxAttempts
	if k.RequiredAcks != nil {
		kcfg.RequiredAcks = *k.RequiredAcks
	}

	producer, err := kafka.NewProducer(kcfg, log)
	if err != nil {
		return nil, err
	}
	return producer, nil
}

func newRedisSink(_ context.Context, cfg *config.Config, log *logrus.Logger) (publisher.Sink, error) {
	r := cfg.Publisher.Redis
	client, err := redis.NewClient(redis.Config{
		Address:   r.Address,
		Password:  r.Password,
		DB:        r.DB,
		Mode:      r.Mode,
		Stream:    r.Stream,
		Channel:   r.Channel,
		MaxLength: r.MaxLength,
	}, log)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newPostgresSink(ctx context.Context, cfg *config.Config, log *logrus.Logger) (publisher.Sink, error) {
	store, err := storage.NewPostgreSQL(ctx, cfg.Publisher.Postgres.URL, log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newTelegramSink(_ context.Context, cfg *config.Config, log *logrus.Logger) (publisher.Sink, error) {
	t := cfg.Publisher.Telegram
	svc, err := telegram.NewTelegramService(t.Token, t.ChatID, log)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newMemorySink(_ context.Context, _ *config.Config, log *logrus.Logger) (publisher.Sink, error) {
	return publisher.NewMemorySink(dryRunLimit, log), nil
}
