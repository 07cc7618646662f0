package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/errors"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
)

// ConnectionState is the sink connection state as observed through
// listener callbacks
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

// String returns the state name
func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Adapter wraps samples into envelopes and forwards them to the bound sink.
// It is registered on the sink as both connection and delivery listener.
type Adapter struct {
	source string
	logger *logrus.Logger

	// sinkMu guards sink; Publish holds it for reading so Unbind waits for
	// an in-flight publish before releasing the sink
	sinkMu sync.RWMutex
	sink   publisher.Sink

	stateMu       sync.Mutex
	state         ConnectionState
	confirmed     int64
	lastConfirmed string
}

// NewAdapter creates an adapter with no sink bound. source tags every envelope.
func NewAdapter(source string, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		source: source,
		logger: logger,
		state:  Disconnected,
	}
}

// Bind registers the adapter as listener on sink and keeps it as publish
// target. Binding while another sink is bound is refused.
func (a *Adapter) Bind(sink publisher.Sink) error {
	if sink == nil {
		return errors.NewRequiredFieldError("sink")
	}

	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()

	if a.sink != nil {
		return errors.NewAlreadyBoundError(sink.Name())
	}

	a.sink = sink
	sink.RegisterConnectionListener(a)
	sink.RegisterDeliveryListener(a)

	// sinks that connected before binding never report the transition
	state := Disconnected
	if c, ok := sink.(interface{ Connected() bool }); ok && c.Connected() {
		state = Connected
	}
	a.setState(state)

	a.logger.WithField("sink", sink.Name()).Info("Cloud publisher bound")
	return nil
}

// Unbind unregisters the adapter from sink and drops the reference. sink
// must be the bound one.
func (a *Adapter) Unbind(sink publisher.Sink) error {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()

	if a.sink == nil || sink == nil || a.sink != sink {
		name := "<nil>"
		if sink != nil {
			name = sink.Name()
		}
		return errors.NewNotBoundError(name)
	}

	a.sink.UnregisterConnectionListener(a)
	a.sink.UnregisterDeliveryListener(a)
	a.sink = nil
	a.setState(Disconnected)

	a.logger.WithField("sink", sink.Name()).Info("Cloud publisher unbound")
	return nil
}

// Bound reports whether a sink is bound
func (a *Adapter) Bound() bool {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()
	return a.sink != nil
}

// Publish wraps value into a humidity envelope stamped with capturedAt and
// forwards it. sent reports whether a sink was bound; with none it logs and
// returns false, nil. Sink errors and panics are returned as PUBLISH_FAILED;
// they never escape as panics.
func (a *Adapter) Publish(ctx context.Context, value float64, capturedAt time.Time) (sent bool, err error) {
	a.sinkMu.RLock()
	defer a.sinkMu.RUnlock()

	if a.sink == nil {
		a.logger.Info("No cloud publisher selected. Humidity cannot publish!")
		return false, nil
	}

	env := protocol.NewHumidityEnvelope(capturedAt, value)
	if a.source != "" {
		env = env.WithSource(a.source)
	}

	sinkName := a.sink.Name()
	defer func() {
		if r := recover(); r != nil {
			sent = true
			err = errors.NewPublishError(sinkName,
				errors.NewInternalError("sink panicked", fmt.Errorf("%v", r)))
			a.logger.WithFields(logrus.Fields{
				"sink":        sinkName,
				"envelope_id": env.ID,
				"panic":       r,
			}).Error("Cannot publish message")
		}
	}()

	messageID, pubErr := a.sink.Publish(ctx, env)
	if pubErr != nil {
		a.logger.WithFields(logrus.Fields{
			"sink":        sinkName,
			"envelope_id": env.ID,
			"payload":     env.String(),
			"error":       pubErr,
		}).Error("Cannot publish message")
		return true, errors.NewPublishError(sinkName, pubErr)
	}

	a.logger.WithFields(logrus.Fields{
		"sink":       sinkName,
		"message_id": messageID,
		"payload":    env.String(),
	}).Info("Publish message")
	return true, nil
}

// OnConnectionEstablished implements publisher.ConnectionListener
func (a *Adapter) OnConnectionEstablished() {
	a.setState(Connected)
	a.logger.Info("Connection established")
}

// OnConnectionLost implements publisher.ConnectionListener. The sink may
// keep retrying in the background.
func (a *Adapter) OnConnectionLost() {
	a.setState(Disconnected)
	a.logger.Warn("Connection lost!")
}

// OnDisconnected implements publisher.ConnectionListener
func (a *Adapter) OnDisconnected() {
	a.setState(Disconnected)
	a.logger.Warn("On disconnected")
}

// OnMessageConfirmed implements publisher.DeliveryListener
func (a *Adapter) OnMessageConfirmed(messageID string) {
	a.stateMu.Lock()
	a.confirmed++
	a.lastConfirmed = messageID
	a.stateMu.Unlock()

	a.logger.WithField("message_id", messageID).Info("Confirmed message")
}

// State returns the observed connection state
func (a *Adapter) State() ConnectionState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// Confirmed returns the number of confirmations and the last confirmed id
func (a *Adapter) Confirmed() (int64, string) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.confirmed, a.lastConfirmed
}

func (a *Adapter) setState(s ConnectionState) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.state = s
}
