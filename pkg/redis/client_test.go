package redis

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	pingErr   error
	cmdErr    error
	xadds     []*redis.XAddArgs
	published map[string][]interface{}
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: make(map[string][]interface{})}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	if f.cmdErr != nil {
		return redis.NewStringResult("", f.cmdErr)
	}
	f.xadds = append(f.xadds, a)
	return redis.NewStringResult("1700000000000-0", nil)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.cmdErr != nil {
		return redis.NewIntResult(0, f.cmdErr)
	}
	f.published[channel] = append(f.published[channel], message)
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

type events struct {
	established, lost, disconnected int
	confirmed                       []string
}

func (e *events) OnConnectionEstablished()     { e.established++ }
func (e *events) OnConnectionLost()            { e.lost++ }
func (e *events) OnDisconnected()              { e.disconnected++ }
func (e *events) OnMessageConfirmed(id string) { e.confirmed = append(e.confirmed, id) }

func testClient(rdb *fakeRedis, mode string) (*Client, *events) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := newClient(rdb, Config{
		Mode:      mode,
		Stream:    "humidity:greenhouse-1",
		Channel:   "humidity:greenhouse-1",
		MaxLength: 500,
	}, logger)

	ev := &events{}
	c.RegisterConnectionListener(ev)
	c.RegisterDeliveryListener(ev)
	return c, ev
}

func TestNewClient_EmptyAddress(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestClient_PublishStream(t *testing.T) {
	rdb := newFakeRedis()
	c, ev := testClient(rdb, ModeStream)

	env := protocol.NewHumidityEnvelope(time.Now(), 10)
	id, err := c.Publish(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-0", id)
	assert.Equal(t, []string{"1700000000000-0"}, ev.confirmed)
	assert.Equal(t, 1, ev.established)

	require.Len(t, rdb.xadds, 1)
	args := rdb.xadds[0]
	assert.Equal(t, "humidity:greenhouse-1", args.Stream)
	assert.Equal(t, int64(500), args.MaxLen)
	assert.True(t, args.Approx)

	values, ok := args.Values.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, env.ID, values["envelope_id"])
	assert.Equal(t, "10", values["value"])
	assert.Equal(t, protocol.MetricHumidity, values["metric"])
}

func TestClient_PublishPubSub(t *testing.T) {
	rdb := newFakeRedis()
	c, ev := testClient(rdb, ModePubSub)

	env := protocol.NewHumidityEnvelope(time.Now(), 42.5)
	id, err := c.Publish(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, env.ID, id)
	assert.Equal(t, []string{env.ID}, ev.confirmed)
	require.Len(t, rdb.published["humidity:greenhouse-1"], 1)

	payload, ok := rdb.published["humidity:greenhouse-1"][0].([]byte)
	require.True(t, ok)
	decoded, err := protocol.FromJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, 42.5, decoded.Metrics[protocol.MetricHumidity])
}

func TestClient_PublishFailure(t *testing.T) {
	rdb := newFakeRedis()
	c, ev := testClient(rdb, ModeStream)

	require.NoError(t, c.Ping(context.Background()))
	assert.True(t, c.Connected())

	rdb.cmdErr = errors.New("connection refused")
	_, err := c.Publish(context.Background(), protocol.NewHumidityEnvelope(time.Now(), 10))
	require.Error(t, err)

	assert.False(t, c.Connected())
	assert.Equal(t, 1, ev.lost)
	assert.Empty(t, ev.confirmed)
}

func TestClient_PingFailure(t *testing.T) {
	rdb := newFakeRedis()
	rdb.pingErr = errors.New("NOAUTH")
	c, ev := testClient(rdb, ModeStream)

	assert.Error(t, c.Ping(context.Background()))
	assert.False(t, c.Connected())
	assert.Equal(t, 0, ev.established)
}

func TestClient_Close(t *testing.T) {
	rdb := newFakeRedis()
	c, ev := testClient(rdb, "")

	require.NoError(t, c.Close())
	assert.True(t, rdb.closed)
	assert.Equal(t, 1, ev.disconnected)
	assert.Equal(t, "redis", c.Name())
	assert.Equal(t, ModeStream, c.config.Mode)
}
