package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/stormseeker/humidity/pkg/errors"
)

// DefaultHumidity is the reading returned by PlaceholderSampler
const DefaultHumidity = 10.0

// Sampler produces the current humidity reading in percent.
// Implementations must return well within the publish period.
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
	Name() string
}

// PlaceholderSampler returns a fixed value; it stands in for a real sensor
type PlaceholderSampler struct {
	Value float64
}

// NewPlaceholderSampler creates a sampler returning DefaultHumidity
func NewPlaceholderSampler() *PlaceholderSampler {
	return &PlaceholderSampler{Value: DefaultHumidity}
}

// Sample returns the fixed value
func (p *PlaceholderSampler) Sample(ctx context.Context) (float64, error) {
	return p.Value, nil
}

// Name returns the sampler name
func (p *PlaceholderSampler) Name() string {
	return "placeholder"
}

// DefaultSysfsSources are the IIO attributes probed when no path is configured
var DefaultSysfsSources = []string{
	"/sys/bus/iio/devices/iio:device0/in_humidityrelative_input",
	"/sys/bus/iio/devices/iio:device1/in_humidityrelative_input",
	"/sys/class/hwmon/hwmon0/humidity1_input",
}

// SysfsSampler reads relative humidity from an IIO/hwmon sysfs attribute
// reporting milli-percent.
type SysfsSampler struct {
	sources []string
}

// NewSysfsSampler creates a sampler reading path, or DefaultSysfsSources
// when path is empty.
func NewSysfsSampler(path string) *SysfsSampler {
	if path == "" {
		return &SysfsSampler{sources: DefaultSysfsSources}
	}
	return &SysfsSampler{sources: []string{path}}
}

// Sample returns the first reading that can be read and validated
func (s *SysfsSampler) Sample(ctx context.Context) (float64, error) {
	var lastErr error
	for _, source := range s.sources {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		humidity, err := s.readHumidityFromFile(source)
		if err == nil {
			return humidity, nil
		}
		lastErr = err
	}

	return 0, errors.NewSensorUnavailableError(s.Name(), lastErr)
}

// Name returns the sampler name
func (s *SysfsSampler) Name() string {
	return "sysfs"
}

// Source returns the sysfs attribute that currently answers, or "unknown"
func (s *SysfsSampler) Source() string {
	for _, source := range s.sources {
		if _, err := os.Stat(source); err == nil {
			return source
		}
	}

	return "unknown"
}

// readHumidityFromFile reads relative humidity from system file
func (s *SysfsSampler) readHumidityFromFile(filepath string) (float64, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, fmt.Errorf("failed to read data from %s", filepath)
	}

	raw := strings.TrimSpace(scanner.Text())
	milliPercent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse humidity: %v", err)
	}

	humidity := milliPercent / 1000.0

	if humidity < 0 || humidity > 100 {
		return 0, fmt.Errorf("unreasonable humidity value: %.2f%%", humidity)
	}

	return humidity, nil
}

// NewSampler builds the sampler selected by source ("placeholder" or "sysfs")
func NewSampler(source, path string) (Sampler, error) {
	switch strings.ToLower(source) {
	case "", "placeholder":
		return NewPlaceholderSampler(), nil
	case "sysfs":
		return NewSysfsSampler(path), nil
	default:
		return nil, errors.NewValidationError("unknown sensor source", map[string]interface{}{"source": source})
	}
}
