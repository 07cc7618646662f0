package checker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/internal/cloud"
	"github.com/stormseeker/humidity/internal/config"
	"github.com/stormseeker/humidity/pkg/errors"
	"github.com/stormseeker/humidity/pkg/metrics"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 20 * time.Millisecond

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// gateSampler returns value; while held it blocks until released
type gateSampler struct {
	value float64

	mu      sync.Mutex
	held    bool
	release chan struct{}

	calls  atomic.Int64
	starts chan time.Time
}

func newGateSampler(value float64) *gateSampler {
	return &gateSampler{value: value, release: make(chan struct{}), starts: make(chan time.Time, 100)}
}

func (g *gateSampler) Sample(ctx context.Context) (float64, error) {
	g.calls.Add(1)
	select {
	case g.starts <- time.Now():
	default:
	}

	g.mu.Lock()
	held, release := g.held, g.release
	g.mu.Unlock()

	if held {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	return g.value, nil
}

func (g *gateSampler) Name() string { return "gate" }

func (g *gateSampler) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = true
	g.release = make(chan struct{})
}

func (g *gateSampler) unhold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		g.held = false
		close(g.release)
	}
}

type failingSampler struct{}

func (failingSampler) Sample(ctx context.Context) (float64, error) {
	return 0, errors.NewSensorUnavailableError("broken", fmt.Errorf("i2c timeout"))
}

func (failingSampler) Name() string { return "broken" }

func newTestChecker(t *testing.T, sampler metrics.Sampler, opts ...Option) *HumidityChecker {
	t.Helper()
	opts = append([]Option{WithPublishRate(testRate)}, opts...)
	c := New(sampler, quietLogger(), opts...)
	t.Cleanup(c.Stop)
	return c
}

func TestDefaultPublishRate(t *testing.T) {
	assert.Equal(t, 5*time.Second, DefaultPublishRate)
}

func TestStart_FirstTickPublishesPlaceholder(t *testing.T) {
	c := New(nil, quietLogger())
	t.Cleanup(c.Stop)
	sink := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, c.SetCloudPublisher(sink))

	// default 5s rate: the first tick still fires at time zero
	require.NoError(t, c.Start(config.Properties{}))

	require.Eventually(t, func() bool { return len(sink.Envelopes()) == 1 }, time.Second, 5*time.Millisecond)

	env := sink.Envelopes()[0]
	v, ok := env.Metric(protocol.MetricHumidity)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
	assert.Equal(t, 10.0, c.Humidity())
	assert.Equal(t, 1, c.ActiveSchedules())
}

func TestStart_ToleratesArbitraryProperties(t *testing.T) {
	c := newTestChecker(t, nil)
	props := config.NewProperties("publish.rate", 60, "unknown.key", []interface{}{1, "x"}, "nested", map[string]interface{}{"a": 1})

	require.NoError(t, c.Start(props))
	assert.Equal(t, props.Keys(), c.Properties().Keys())
}

func TestStart_FailureIsActivationError(t *testing.T) {
	t.Run("stopped worker", func(t *testing.T) {
		c := newTestChecker(t, nil)
		c.Stop()

		err := c.Start(nil)
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrCodeActivation))
		assert.Equal(t, 0, c.ActiveSchedules())
	})

	t.Run("invalid rate", func(t *testing.T) {
		c := newTestChecker(t, nil, WithPublishRate(0))

		err := c.Start(nil)
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrCodeActivation))
	})
}

func TestReconfigure_AtMostOneActiveSchedule(t *testing.T) {
	c := newTestChecker(t, nil)
	require.NoError(t, c.Start(nil))
	assert.Equal(t, 1, c.ActiveSchedules())

	for i := 0; i < 20; i++ {
		c.Reconfigure(config.NewProperties("iteration", i))
		assert.Equal(t, 1, c.ActiveSchedules(), "after reconfigure %d", i)
	}
}

func TestReconfigure_ConcurrentCallers(t *testing.T) {
	c := newTestChecker(t, nil)
	require.NoError(t, c.Start(nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.Reconfigure(config.NewProperties("caller", i, "round", j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, c.ActiveSchedules())
	assert.Zero(t, c.Stats().ReconfigureFailures)
}

func TestReconfigure_ResetsCachedValue(t *testing.T) {
	sampler := newGateSampler(10)
	c := newTestChecker(t, sampler, WithPublishRate(time.Hour))
	require.NoError(t, c.Start(nil))
	require.Eventually(t, func() bool { return c.Humidity() == 10 }, time.Second, time.Millisecond)

	sampler.hold()
	c.Reconfigure(config.NewProperties("k", "v"))
	assert.Equal(t, 0.0, c.Humidity(), "reconfigure resets the cached value")

	sampler.unhold()
	assert.Eventually(t, func() bool { return c.Humidity() == 10 }, time.Second, time.Millisecond)
}

func TestStart_DoesNotResetCachedValue(t *testing.T) {
	sampler := newGateSampler(10)
	c := newTestChecker(t, sampler, WithPublishRate(time.Hour))

	c.mu.Lock()
	c.humidity = 42
	c.mu.Unlock()

	sampler.hold()
	require.NoError(t, c.Start(nil))
	assert.Equal(t, 42.0, c.Humidity())
	sampler.unhold()
}

func TestReconfigure_CancelledTickDoesNotLeakValue(t *testing.T) {
	sampler := newGateSampler(10)
	c := newTestChecker(t, sampler, WithPublishRate(time.Hour))
	sink := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, c.SetCloudPublisher(sink))

	sampler.hold()
	require.NoError(t, c.Start(nil))
	<-sampler.starts // first tick is blocked inside the sampler

	c.Reconfigure(nil)
	assert.Equal(t, 0.0, c.Humidity())

	sampler.unhold()
	require.Eventually(t, func() bool { return len(sink.Envelopes()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.Envelopes(), 1, "the cancelled tick must not publish")
}

func TestReconfigure_AfterStopIsNonFatal(t *testing.T) {
	c := newTestChecker(t, nil)
	require.NoError(t, c.Start(nil))
	c.Stop()

	assert.NotPanics(t, func() { c.Reconfigure(config.NewProperties("k", 1)) })
	assert.Equal(t, int64(1), c.Stats().ReconfigureFailures)
	assert.Equal(t, 0, c.ActiveSchedules())
}

func TestStop_NoFurtherPublishes(t *testing.T) {
	c := newTestChecker(t, nil)
	sink := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, c.SetCloudPublisher(sink))
	require.NoError(t, c.Start(nil))
	require.Eventually(t, func() bool { return len(sink.Envelopes()) >= 2 }, time.Second, time.Millisecond)

	c.Stop()
	time.Sleep(testRate) // a tick already running may finish
	after := len(sink.Envelopes())

	time.Sleep(10 * testRate)
	assert.Equal(t, after, len(sink.Envelopes()))
	assert.Equal(t, 0, c.ActiveSchedules())
}

func TestTick_PublishesSampleWithTickTimestamp(t *testing.T) {
	sampler := newGateSampler(61.5)
	c := newTestChecker(t, sampler)
	sink := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, c.SetCloudPublisher(sink))

	require.NoError(t, c.Start(nil))
	require.Eventually(t, func() bool { return len(sink.Envelopes()) >= 3 }, time.Second, time.Millisecond)
	c.Stop()
	time.Sleep(testRate)

	envs := sink.Envelopes()
	var starts []time.Time
	for len(starts) < len(envs) {
		select {
		case ts := <-sampler.starts:
			starts = append(starts, ts)
		default:
			t.Fatalf("%d envelopes but only %d ticks", len(envs), len(starts))
		}
	}

	for i, env := range envs {
		assert.Equal(t, map[string]float64{"Humidity": 61.5}, env.Metrics)
		assert.False(t, env.Timestamp.Before(starts[i]), "envelope %d stamped before its tick", i)
	}

	stats := c.Stats()
	assert.Equal(t, int64(len(envs)), stats.Published)
	assert.Equal(t, int64(len(envs)), stats.Confirmed)
}

func TestTick_NoSinkIsSkipped(t *testing.T) {
	c := newTestChecker(t, nil)
	require.NoError(t, c.Start(nil))

	require.Eventually(t, func() bool { return c.Stats().Skipped >= 2 }, time.Second, time.Millisecond)
	stats := c.Stats()
	assert.Zero(t, stats.Published)
	assert.Zero(t, stats.PublishFailures)
}

func TestTick_SinkFailureKeepsSchedule(t *testing.T) {
	c := newTestChecker(t, nil)
	sink := publisher.NewMemorySink(0, quietLogger())
	sink.FailWith(fmt.Errorf("broker rejected message"))
	require.NoError(t, c.SetCloudPublisher(sink))
	require.NoError(t, c.Start(nil))

	require.Eventually(t, func() bool { return c.Stats().PublishFailures >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.ActiveSchedules())

	sink.FailWith(nil)
	assert.Eventually(t, func() bool { return len(sink.Envelopes()) >= 1 }, time.Second, time.Millisecond)
}

func TestTick_SamplerFailureSkipsPublish(t *testing.T) {
	c := newTestChecker(t, failingSampler{})
	sink := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, c.SetCloudPublisher(sink))
	require.NoError(t, c.Start(nil))

	require.Eventually(t, func() bool { return c.Stats().SampleFailures >= 2 }, time.Second, time.Millisecond)
	assert.Empty(t, sink.Envelopes())
	assert.Equal(t, 0.0, c.Humidity())
}

func TestCloudPublisher_UnsetAndRebind(t *testing.T) {
	c := newTestChecker(t, nil)
	sink := publisher.NewMemorySink(0, quietLogger())

	require.NoError(t, c.SetCloudPublisher(sink))
	assert.Equal(t, 1, sink.ConnectionListenerCount())
	assert.Equal(t, 1, sink.DeliveryListenerCount())

	require.NoError(t, c.UnsetCloudPublisher(sink))
	assert.Equal(t, 0, sink.ConnectionListenerCount())
	assert.Equal(t, 0, sink.DeliveryListenerCount())

	require.NoError(t, c.SetCloudPublisher(sink))
	assert.Equal(t, 1, sink.ConnectionListenerCount())
	assert.Equal(t, 1, sink.DeliveryListenerCount())

	require.NoError(t, c.Start(nil))
	require.Eventually(t, func() bool { return len(sink.Envelopes()) >= 2 }, time.Second, time.Millisecond)
	c.Stop()
	time.Sleep(testRate)

	assert.Equal(t, int64(len(sink.Envelopes())), c.Stats().Confirmed, "one confirmation per envelope")
}

func TestTick_UnbindDuringSampleCountsSkipped(t *testing.T) {
	sampler := newGateSampler(42)
	sampler.hold()
	c := newTestChecker(t, sampler, WithPublishRate(time.Hour))
	sink := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, c.SetCloudPublisher(sink))
	require.NoError(t, c.Start(nil))

	select {
	case <-sampler.starts:
	case <-time.After(time.Second):
		t.Fatal("first tick did not start")
	}
	require.NoError(t, c.UnsetCloudPublisher(sink))
	sampler.unhold()

	require.Eventually(t, func() bool { return c.Stats().Skipped == 1 }, time.Second, time.Millisecond)
	stats := c.Stats()
	assert.Zero(t, stats.Published)
	assert.Empty(t, sink.Envelopes())
}

func TestConnectionState_ResetOnUnset(t *testing.T) {
	c := newTestChecker(t, nil)
	connected := publisher.NewMemorySink(0, quietLogger())
	closed := publisher.NewMemorySink(0, quietLogger())
	require.NoError(t, closed.Close())

	require.NoError(t, c.SetCloudPublisher(connected))
	assert.Equal(t, cloud.Connected, c.ConnectionState())

	require.NoError(t, c.UnsetCloudPublisher(connected))
	assert.Equal(t, cloud.Disconnected, c.ConnectionState())

	require.NoError(t, c.SetCloudPublisher(closed))
	assert.Equal(t, cloud.Disconnected, c.ConnectionState())
}

func TestConnectionState_FollowsSink(t *testing.T) {
	c := newTestChecker(t, nil)
	sink := publisher.NewMemorySink(0, quietLogger())
	assert.Equal(t, cloud.Disconnected, c.ConnectionState())

	require.NoError(t, c.SetCloudPublisher(sink))
	assert.Equal(t, cloud.Connected, c.ConnectionState(), "memory sink is connected from construction")

	sink.MarkLost()
	assert.Equal(t, cloud.Disconnected, c.ConnectionState())

	sink.MarkConnected()
	assert.Equal(t, cloud.Connected, c.ConnectionState())

	require.NoError(t, sink.Close())
	assert.Equal(t, cloud.Disconnected, c.ConnectionState())
}
