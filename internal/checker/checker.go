// Package checker drives the periodic humidity publish.
//
// HumidityChecker is the unit a host activates, updates and deactivates.
// It owns one scheduler.Worker and at most one live schedule on it; every
// configuration change cancels the current schedule and installs a new one.
// Each tick samples the sensor and hands the value to the cloud adapter.
package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/internal/cloud"
	"github.com/stormseeker/humidity/internal/config"
	"github.com/stormseeker/humidity/internal/scheduler"
	"github.com/stormseeker/humidity/pkg/errors"
	"github.com/stormseeker/humidity/pkg/metrics"
	"github.com/stormseeker/humidity/pkg/publisher"
)

const componentName = "HumidityChecker"

// DefaultPublishRate is the tick period
const DefaultPublishRate = 5 * time.Second

// Stats counts what the checker did since construction
type Stats struct {
	Ticks               int64
	Published           int64
	Skipped             int64
	PublishFailures     int64
	SampleFailures      int64
	Confirmed           int64
	ReconfigureFailures int64
}

// Option configures a HumidityChecker
type Option func(*HumidityChecker)

// WithPublishRate overrides DefaultPublishRate
func WithPublishRate(rate time.Duration) Option {
	return func(c *HumidityChecker) {
		c.publishRate = rate
	}
}

// WithSource tags published envelopes with source
func WithSource(source string) Option {
	return func(c *HumidityChecker) {
		c.source = source
	}
}

// HumidityChecker samples humidity on a fixed rate and publishes it
type HumidityChecker struct {
	logger      *logrus.Logger
	sampler     metrics.Sampler
	adapter     *cloud.Adapter
	worker      *scheduler.Worker
	publishRate time.Duration
	source      string

	// mu guards properties, handle and humidity
	mu         sync.Mutex
	properties config.Properties
	handle     *scheduler.Handle
	humidity   float64

	statsMu sync.Mutex
	stats   Stats
}

// New creates a checker with its own worker. Nothing is scheduled until Start.
func New(sampler metrics.Sampler, logger *logrus.Logger, opts ...Option) *HumidityChecker {
	if logger == nil {
		logger = logrus.New()
	}
	if sampler == nil {
		sampler = metrics.NewPlaceholderSampler()
	}

	c := &HumidityChecker{
		logger:      logger,
		sampler:     sampler,
		publishRate: DefaultPublishRate,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.adapter = cloud.NewAdapter(c.source, logger)
	c.worker = scheduler.NewWorker(componentName, logger)
	return c
}

// SetCloudPublisher binds sink as publish target
func (c *HumidityChecker) SetCloudPublisher(sink publisher.Sink) error {
	return c.adapter.Bind(sink)
}

// UnsetCloudPublisher releases sink; no tick uses it after this returns
func (c *HumidityChecker) UnsetCloudPublisher(sink publisher.Sink) error {
	return c.adapter.Unbind(sink)
}

// Start applies the initial configuration and schedules the first publish.
// Any error is fatal to activation and returned as ACTIVATION_FAILED.
func (c *HumidityChecker) Start(props config.Properties) error {
	c.logger.Info("Activating HumidityChecker...")

	c.applyProperties(props)

	if err := c.doUpdate(false); err != nil {
		c.logger.WithError(err).Error("Error during component activation")
		return errors.NewActivationError(componentName, err)
	}

	c.logger.Info("Activating HumidityChecker... Done.")
	return nil
}

// Reconfigure applies a new configuration and restarts the schedule.
// Failures are logged; the previous schedule stays in place.
func (c *HumidityChecker) Reconfigure(props config.Properties) {
	c.applyProperties(props)

	if err := c.doUpdate(true); err != nil {
		c.addStat(func(s *Stats) { s.ReconfigureFailures++ })
		c.logger.WithError(err).Error("Error during component update")
		return
	}

	c.logger.Info("Updated HumidityChecker... Done.")
}

// Stop shuts the worker down. A tick in flight may finish but no new tick
// starts and Stop does not wait for it.
func (c *HumidityChecker) Stop() {
	c.logger.Debug("Deactivating HumidityChecker")

	c.mu.Lock()
	c.handle = nil
	c.mu.Unlock()

	c.worker.Shutdown()
}

// Properties returns the configuration currently applied
func (c *HumidityChecker) Properties() config.Properties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.properties.Clone()
}

// Humidity returns the cached sample
func (c *HumidityChecker) Humidity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.humidity
}

// ActiveSchedules returns the number of live schedules, 0 or 1
func (c *HumidityChecker) ActiveSchedules() int {
	return c.worker.Active()
}

// ConnectionState returns the sink connection state seen by the adapter
func (c *HumidityChecker) ConnectionState() cloud.ConnectionState {
	return c.adapter.State()
}

// Stats returns a snapshot of the counters
func (c *HumidityChecker) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	s.Confirmed, _ = c.adapter.Confirmed()
	return s
}

func (c *HumidityChecker) applyProperties(props config.Properties) {
	props = props.Clone()

	c.mu.Lock()
	c.properties = props
	c.mu.Unlock()

	for _, p := range props {
		c.logger.Infof("Update - %s: %v", p.Key, p.Value)
	}
}

// doUpdate replaces the running schedule. onUpdate is false on activation;
// on reconfiguration the cached sample is reset before the new schedule
// starts.
func (c *HumidityChecker) doUpdate(onUpdate bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker.IsShutdown() {
		return errors.NewScheduleError("cannot schedule publish", scheduler.ErrWorkerShutdown)
	}
	if c.publishRate <= 0 {
		return errors.NewScheduleError("cannot schedule publish",
			fmt.Errorf("publish rate must be positive, got %s", c.publishRate))
	}

	if c.handle != nil {
		c.handle.Cancel()
		c.handle = nil
	}

	if onUpdate {
		c.humidity = 0
	}

	handle, err := c.worker.ScheduleAtFixedRate(c.tick, 0, c.publishRate)
	if err != nil {
		return errors.NewScheduleError("cannot schedule publish", err)
	}
	c.handle = handle

	c.logger.WithField("publish_rate", c.publishRate).Debug("Publish scheduled")
	return nil
}

// tick runs on the worker goroutine
func (c *HumidityChecker) tick(ctx context.Context) {
	c.addStat(func(s *Stats) { s.Ticks++ })

	value, err := c.sampler.Sample(ctx)
	if err != nil {
		c.addStat(func(s *Stats) { s.SampleFailures++ })
		c.logger.WithFields(logrus.Fields{
			"sampler": c.sampler.Name(),
			"error":   err,
		}).Warn("Cannot sample humidity, skipping publish")
		return
	}

	// a tick of a cancelled schedule must not overwrite the reset value
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.humidity = value
	c.mu.Unlock()

	sent, err := c.adapter.Publish(ctx, value, time.Now())
	switch {
	case err != nil:
		c.addStat(func(s *Stats) { s.PublishFailures++ })
	case !sent:
		c.addStat(func(s *Stats) { s.Skipped++ })
	default:
		c.addStat(func(s *Stats) { s.Published++ })
	}
}

func (c *HumidityChecker) addStat(f func(s *Stats)) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	f(&c.stats)
}
