package publisher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
)

// MultiPublisher forwards every envelope to several sinks in parallel
type MultiPublisher struct {
	sinks  []Sink
	logger *logrus.Logger

	// Стратегия обработки ошибок
	failureStrategy FailureStrategy
}

// FailureStrategy defines how errors from individual sinks are combined
type FailureStrategy int

const (
	// FailIfAll - error only if every sink failed
	FailIfAll FailureStrategy = iota

	// FailIfAny - error if at least one sink failed
	FailIfAny

	// FailIfPrimary - error only if the first (primary) sink failed
	FailIfPrimary
)

// ParseFailureStrategy maps a config value to a FailureStrategy.
// An empty string selects FailIfAll.
func ParseFailureStrategy(s string) (FailureStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail_if_all", "all":
		return FailIfAll, nil
	case "fail_if_any", "any":
		return FailIfAny, nil
	case "fail_if_primary", "primary":
		return FailIfPrimary, nil
	default:
		return FailIfAll, fmt.Errorf("unknown failure strategy %q", s)
	}
}

// NewMultiPublisher создает новый multi-publisher
func NewMultiPublisher(sinks []Sink, strategy FailureStrategy, logger *logrus.Logger) *MultiPublisher {
	if logger == nil {
		logger = logrus.New()
	}

	return &MultiPublisher{
		sinks:           sinks,
		failureStrategy: strategy,
		logger:          logger,
	}
}

// Publish sends the envelope to all sinks in parallel. The returned id is
// the envelope id; each sink confirms with its own id.
func (m *MultiPublisher) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	if len(m.sinks) == 0 {
		return "", fmt.Errorf("no sinks configured")
	}

	if len(m.sinks) == 1 {
		return m.sinks[0].Publish(ctx, env)
	}

	var wg sync.WaitGroup
	errors := make([]error, len(m.sinks))

	for i, s := range m.sinks {
		wg.Add(1)
		go func(index int, sink Sink) {
			defer wg.Done()

			if _, err := sink.Publish(ctx, env); err != nil {
				errors[index] = err
				m.logger.WithFields(logrus.Fields{
					"sink":        sink.Name(),
					"envelope_id": env.ID,
					"error":       err,
				}).Warn("Sink failed to publish envelope")
			} else {
				m.logger.WithFields(logrus.Fields{
					"sink":        sink.Name(),
					"envelope_id": env.ID,
				}).Debug("Envelope sent successfully")
			}
		}(i, s)
	}

	wg.Wait()

	if err := m.evaluateErrors(errors); err != nil {
		return "", err
	}
	return env.ID, nil
}

// RegisterConnectionListener registers l on every sink
func (m *MultiPublisher) RegisterConnectionListener(l ConnectionListener) {
	for _, s := range m.sinks {
		s.RegisterConnectionListener(l)
	}
}

// UnregisterConnectionListener unregisters l from every sink
func (m *MultiPublisher) UnregisterConnectionListener(l ConnectionListener) {
	for _, s := range m.sinks {
		s.UnregisterConnectionListener(l)
	}
}

// RegisterDeliveryListener registers l on every sink
func (m *MultiPublisher) RegisterDeliveryListener(l DeliveryListener) {
	for _, s := range m.sinks {
		s.RegisterDeliveryListener(l)
	}
}

// UnregisterDeliveryListener unregisters l from every sink
func (m *MultiPublisher) UnregisterDeliveryListener(l DeliveryListener) {
	for _, s := range m.sinks {
		s.UnregisterDeliveryListener(l)
	}
}

// Connected reports whether at least one sink is connected. Sinks without
// connection tracking count as disconnected.
func (m *MultiPublisher) Connected() bool {
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Connected() bool }); ok && c.Connected() {
			return true
		}
	}
	return false
}

// Close закрывает все sinks
func (m *MultiPublisher) Close() error {
	var lastErr error

	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.logger.WithFields(logrus.Fields{
				"sink":  s.Name(),
				"error": err,
			}).Error("Failed to close sink")
			lastErr = err
		}
	}

	return lastErr
}

// Name возвращает имя multi-publisher
func (m *MultiPublisher) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return fmt.Sprintf("multi[%v]", names)
}

// evaluateErrors combines per-sink errors according to the strategy
func (m *MultiPublisher) evaluateErrors(errors []error) error {
	switch m.failureStrategy {
	case FailIfAll:
		allFailed := true
		for _, err := range errors {
			if err == nil {
				allFailed = false
				break
			}
		}
		if allFailed {
			return fmt.Errorf("all sinks failed: %v", errors)
		}
		return nil

	case FailIfAny:
		for _, err := range errors {
			if err != nil {
				return fmt.Errorf("at least one sink failed: %w", err)
			}
		}
		return nil

	case FailIfPrimary:
		// Возвращаем ошибку только если первый (основной) sink упал
		if len(errors) > 0 && errors[0] != nil {
			return fmt.Errorf("primary sink failed: %w", errors[0])
		}
		return nil

	default:
		return fmt.Errorf("unknown failure strategy: %d", m.failureStrategy)
	}
}

// Sinks returns the wrapped sinks
func (m *MultiPublisher) Sinks() []Sink {
	return m.sinks
}
