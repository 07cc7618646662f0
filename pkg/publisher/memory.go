package publisher

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
)

// MemorySink keeps published envelopes in memory and logs them. It backs
// the dry-run mode and is connected from construction until Close.
type MemorySink struct {
	Listeners

	mu        sync.Mutex
	envelopes []*protocol.Envelope
	failWith  error
	limit     int
	logger    *logrus.Logger
}

// NewMemorySink creates a memory sink retaining at most limit envelopes
// (0 keeps everything).
func NewMemorySink(limit int, logger *logrus.Logger) *MemorySink {
	if logger == nil {
		logger = logrus.New()
	}
	s := &MemorySink{limit: limit, logger: logger}
	s.connected = true
	return s
}

// Publish records env and confirms it immediately
func (s *MemorySink) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return "", err
	}
	s.envelopes = append(s.envelopes, env)
	if s.limit > 0 && len(s.envelopes) > s.limit {
		s.envelopes = s.envelopes[len(s.envelopes)-s.limit:]
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"envelope_id": env.ID,
		"payload":     env.String(),
	}).Info("Dry-run publish")

	s.NotifyMessageConfirmed(env.ID)
	return env.ID, nil
}

// FailWith makes subsequent publishes return err; nil restores normal operation
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Envelopes returns a copy of the retained envelopes
func (s *MemorySink) Envelopes() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

// Close marks the sink disconnected
func (s *MemorySink) Close() error {
	s.MarkDisconnected()
	return nil
}

// Name returns the sink name
func (s *MemorySink) Name() string {
	return "memory"
}
