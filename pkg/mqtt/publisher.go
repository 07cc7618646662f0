// Package mqtt publishes humidity envelopes to an MQTT broker.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package, which
// reconnects in the background. Envelopes go out at QoS 1 and a PUBACK from
// the broker is reported to delivery listeners as a confirmation. A retained
// availability topic flips to "offline" through the will message when the
// process dies without closing the connection.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/errors"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
)

// Config describes the broker connection
type Config struct {
	Broker      string // tcp://host:1883, mqtts://host:8883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	KeepAlive   uint16
	Timeout     time.Duration
}

// connection is the part of *autopaho.ConnectionManager the publisher uses
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Publisher is a publisher.Sink backed by an MQTT broker
type Publisher struct {
	publisher.Listeners

	cfg    Config
	logger *logrus.Logger

	mu     sync.RWMutex
	conn   connection
	cancel context.CancelFunc
}

// New creates a Publisher but does not connect. Call Connect before the
// first Publish.
func New(cfg Config, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Connect starts the connection manager and waits up to Timeout for the
// first CONNACK. A timeout is logged, not returned: autopaho keeps retrying
// in the background and Publish fails until the broker answers.
func (p *Publisher) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       p.cfg.KeepAlive,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.WithField("broker", p.cfg.Broker).Info("MQTT connected to broker")
			p.MarkConnected()
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.WithError(err).Warn("MQTT connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnClientError: func(err error) {
				p.logger.WithError(err).Warn("MQTT client error")
				p.MarkLost()
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.logger.WithField("reason_code", d.ReasonCode).Warn("MQTT server requested disconnect")
				p.MarkLost()
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.conn = cm
	p.cancel = cancel
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.WithError(err).Warn("MQTT initial connection timed out, will retry in background")
	}
	return nil
}

// Publish sends env at QoS 1 and returns once the broker acknowledged it
func (p *Publisher) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return "", errors.NewSinkUnavailableError(p.Name(), fmt.Errorf("not connected"))
	}

	payload, err := env.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	topic := p.HumidityTopic()
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := conn.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"topic":       topic,
			"envelope_id": env.ID,
			"error":       err,
		}).Warn("MQTT publish failed")
		p.MarkLost()
		return "", fmt.Errorf("mqtt publish: %w", err)
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return "", fmt.Errorf("mqtt publish rejected with reason code 0x%02x", resp.ReasonCode)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":       topic,
		"envelope_id": env.ID,
	}).Debug("MQTT envelope acknowledged")

	p.MarkConnected()
	p.NotifyMessageConfirmed(env.ID)
	return env.ID, nil
}

// Close publishes "offline" to the availability topic and disconnects
func (p *Publisher) Close() error {
	p.mu.Lock()
	conn, cancel := p.conn, p.cancel
	p.conn, p.cancel = nil, nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer done()

	p.publishAvailability(ctx, conn, "offline")
	err := conn.Disconnect(ctx)
	if cancel != nil {
		cancel()
	}
	p.MarkDisconnected()
	return err
}

// Name возвращает имя publisher
func (p *Publisher) Name() string {
	return "mqtt"
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.ClientID
}

// HumidityTopic is where envelopes are published
func (p *Publisher) HumidityTopic() string {
	return p.baseTopic() + "/humidity"
}

// AvailabilityTopic carries the retained online/offline status
func (p *Publisher) AvailabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) publishAvailability(ctx context.Context, conn connection, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.WithFields(logrus.Fields{
			"status": status,
			"error":  err,
		}).Warn("MQTT availability publish failed")
		return
	}
	p.logger.WithField("status", status).Debug("MQTT availability published")
}
