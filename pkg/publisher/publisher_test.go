package publisher

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu          sync.Mutex
	established int
	lost        int
	disconnects int
	confirmed   []string
}

func (r *recordingListener) OnConnectionEstablished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established++
}

func (r *recordingListener) OnConnectionLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost++
}

func (r *recordingListener) OnDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recordingListener) OnMessageConfirmed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, id)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestListeners_RegisterIsIdempotent(t *testing.T) {
	var ls Listeners
	l := &recordingListener{}

	ls.RegisterConnectionListener(l)
	ls.RegisterConnectionListener(l)
	ls.RegisterDeliveryListener(l)
	ls.RegisterDeliveryListener(l)

	assert.Equal(t, 1, ls.ConnectionListenerCount())
	assert.Equal(t, 1, ls.DeliveryListenerCount())

	ls.MarkConnected()
	ls.NotifyMessageConfirmed("m-1")

	assert.Equal(t, 1, l.established)
	assert.Equal(t, []string{"m-1"}, l.confirmed)
}

func TestListeners_Unregister(t *testing.T) {
	var ls Listeners
	a, b := &recordingListener{}, &recordingListener{}

	ls.RegisterConnectionListener(a)
	ls.RegisterConnectionListener(b)
	ls.UnregisterConnectionListener(a)
	ls.UnregisterConnectionListener(a)

	ls.MarkConnected()

	assert.Equal(t, 1, ls.ConnectionListenerCount())
	assert.Equal(t, 0, a.established)
	assert.Equal(t, 1, b.established)
}

func TestListeners_Transitions(t *testing.T) {
	var ls Listeners
	l := &recordingListener{}
	ls.RegisterConnectionListener(l)

	ls.MarkLost() // already down, no event
	ls.MarkConnected()
	ls.MarkConnected() // already up, no event
	ls.MarkLost()
	ls.MarkConnected()
	ls.MarkDisconnected()

	assert.Equal(t, 2, l.established)
	assert.Equal(t, 1, l.lost)
	assert.Equal(t, 1, l.disconnects)
	assert.False(t, ls.Connected())
}

func TestMemorySink_PublishConfirms(t *testing.T) {
	sink := NewMemorySink(0, quietLogger())
	l := &recordingListener{}
	sink.RegisterDeliveryListener(l)

	env := protocol.NewHumidityEnvelope(time.Now(), 10)
	id, err := sink.Publish(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, env.ID, id)
	assert.Equal(t, []string{env.ID}, l.confirmed)
	assert.Len(t, sink.Envelopes(), 1)
	assert.True(t, sink.Connected())
}

func TestMemorySink_Limit(t *testing.T) {
	sink := NewMemorySink(2, quietLogger())

	for i := 0; i < 5; i++ {
		_, err := sink.Publish(context.Background(), protocol.NewHumidityEnvelope(time.Now(), float64(i)))
		require.NoError(t, err)
	}

	envs := sink.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, 4.0, envs[1].Metrics[protocol.MetricHumidity])
}

func TestMemorySink_FailWith(t *testing.T) {
	sink := NewMemorySink(0, quietLogger())
	sink.FailWith(fmt.Errorf("rejected"))

	_, err := sink.Publish(context.Background(), protocol.NewHumidityEnvelope(time.Now(), 10))
	assert.EqualError(t, err, "rejected")
	assert.Empty(t, sink.Envelopes())
}

func TestParseFailureStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailureStrategy
		wantErr bool
	}{
		{"", FailIfAll, false},
		{"fail_if_all", FailIfAll, false},
		{"FAIL_IF_ANY", FailIfAny, false},
		{"primary", FailIfPrimary, false},
		{"sometimes", FailIfAll, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFailureStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMultiPublisher_Strategies(t *testing.T) {
	tests := []struct {
		name       string
		strategy   FailureStrategy
		failFirst  bool
		failSecond bool
		wantErr    bool
	}{
		{"all: one failed", FailIfAll, true, false, false},
		{"all: both failed", FailIfAll, true, true, true},
		{"any: second failed", FailIfAny, false, true, true},
		{"any: none failed", FailIfAny, false, false, false},
		{"primary: secondary failed", FailIfPrimary, false, true, false},
		{"primary: primary failed", FailIfPrimary, true, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := NewMemorySink(0, quietLogger())
			second := NewMemorySink(0, quietLogger())
			if tt.failFirst {
				first.FailWith(fmt.Errorf("first down"))
			}
			if tt.failSecond {
				second.FailWith(fmt.Errorf("second down"))
			}

			multi := NewMultiPublisher([]Sink{first, second}, tt.strategy, quietLogger())
			env := protocol.NewHumidityEnvelope(time.Now(), 10)

			id, err := multi.Publish(context.Background(), env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, env.ID, id)
		})
	}
}

func TestMultiPublisher_NoSinks(t *testing.T) {
	multi := NewMultiPublisher(nil, FailIfAll, nil)

	_, err := multi.Publish(context.Background(), protocol.NewHumidityEnvelope(time.Now(), 10))
	assert.Error(t, err)
}

func TestMultiPublisher_ListenerFanOut(t *testing.T) {
	first := NewMemorySink(0, quietLogger())
	second := NewMemorySink(0, quietLogger())
	multi := NewMultiPublisher([]Sink{first, second}, FailIfAll, quietLogger())
	l := &recordingListener{}

	multi.RegisterConnectionListener(l)
	multi.RegisterDeliveryListener(l)
	assert.Equal(t, 1, first.ConnectionListenerCount())
	assert.Equal(t, 1, second.DeliveryListenerCount())

	_, err := multi.Publish(context.Background(), protocol.NewHumidityEnvelope(time.Now(), 10))
	require.NoError(t, err)
	assert.Len(t, l.confirmed, 2)

	multi.UnregisterConnectionListener(l)
	multi.UnregisterDeliveryListener(l)
	assert.Equal(t, 0, first.ConnectionListenerCount())
	assert.Equal(t, 0, second.DeliveryListenerCount())

	assert.Equal(t, "multi[[memory memory]]", multi.Name())
	require.NoError(t, multi.Close())
}

func TestMultiPublisher_Connected(t *testing.T) {
	first := NewMemorySink(0, quietLogger())
	second := NewMemorySink(0, quietLogger())
	multi := NewMultiPublisher([]Sink{first, second}, FailIfAll, quietLogger())
	assert.True(t, multi.Connected())

	require.NoError(t, first.Close())
	assert.True(t, multi.Connected(), "one connected sink is enough")

	require.NoError(t, second.Close())
	assert.False(t, multi.Connected())

	assert.False(t, NewMultiPublisher(nil, FailIfAll, quietLogger()).Connected())
}
