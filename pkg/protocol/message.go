package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetricHumidity is the metric name carried by humidity envelopes
const MetricHumidity = "Humidity"

// EnvelopeVersion is the wire version of Envelope
const EnvelopeVersion = "1.0"

// Envelope is a timestamped set of named metrics handed to a sink.
// It is not modified after NewEnvelope returns; sinks may keep it.
type Envelope struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Source    string             `json:"source,omitempty"`
	Version   string             `json:"version"`
}

// NewEnvelope creates an envelope holding a single metric
func NewEnvelope(timestamp time.Time, name string, value float64) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: timestamp,
		Metrics:   map[string]float64{name: value},
		Version:   EnvelopeVersion,
	}
}

// NewHumidityEnvelope creates the envelope published on every tick
func NewHumidityEnvelope(capturedAt time.Time, value float64) *Envelope {
	return NewEnvelope(capturedAt, MetricHumidity, value)
}

// WithSource returns a copy of the envelope tagged with the publishing source
func (e *Envelope) WithSource(source string) *Envelope {
	metrics := make(map[string]float64, len(e.Metrics))
	for k, v := range e.Metrics {
		metrics[k] = v
	}
	return &Envelope{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Metrics:   metrics,
		Source:    source,
		Version:   e.Version,
	}
}

// Metric returns the value of the named metric
func (e *Envelope) Metric(name string) (float64, bool) {
	v, ok := e.Metrics[name]
	return v, ok
}

// String formats the envelope for logs and text sinks
func (e *Envelope) String() string {
	if v, ok := e.Metric(MetricHumidity); ok {
		return fmt.Sprintf("%s=%.2f at %s", MetricHumidity, v, e.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("envelope %s with %d metrics at %s", e.ID, len(e.Metrics), e.Timestamp.Format(time.RFC3339))
}

// ToJSON serializes envelope to JSON
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes envelope from JSON
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return &env, err
}
