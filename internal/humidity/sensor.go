// Package humidity reads air temperature and relative humidity from a DHT11/DHT22 sensor
// through the Linux IIO subsystem (the dht11 kernel driver).
package humidity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	tempFile     = "in_temp_input"
	humidityFile = "in_humidityrelative_input"

	// The dht11 driver refuses reads more often than every two seconds and its
	// bit-banged transfer fails now and then, so a failed read is retried.
	defaultAttempts = 3
	retryPause      = 2100 * time.Millisecond
	defaultTimeout  = 10 * time.Second
)

var ErrTimeout = errors.New("humidity sensor did not answer in time")

// Reading is one sample. Temperature is in degrees Celsius and Humidity in percent.
type Reading struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature_c"`
	Humidity    float64   `json:"humidity_pct"`
	Valid       bool      `json:"valid"`
	Error       string    `json:"error,omitempty"`
}

type Option func(*Sensor)

func WithClock(c clockwork.Clock) Option {
	return func(s *Sensor) { s.clock = c }
}

// WithAttempts sets how many times a failed read is tried before giving up.
func WithAttempts(n int) Option {
	return func(s *Sensor) {
		if n > 0 {
			s.attempts = n
		}
	}
}

type Sensor struct {
	path     string
	timeout  time.Duration
	attempts int
	logger   *zap.SugaredLogger
	clock    clockwork.Clock
}

func New(cfg config.HumidityData, logger *zap.SugaredLogger, opts ...Option) *Sensor {
	s := &Sensor{
		path:     cfg.Path,
		timeout:  cfg.Timeout.D(),
		attempts: defaultAttempts,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Read samples the sensor. Failures are reported as an invalid reading.
func (s *Sensor) Read(ctx context.Context) Reading {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		temp, hum float64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for i := 0; i < s.attempts; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					done <- result{err: ctx.Err()}
					return
				case <-s.clock.After(retryPause):
				}
			}
			r.temp, r.hum, r.err = s.readOnce()
			if r.err == nil {
				break
			}
			s.logger.Debugf("humidity: read attempt %d/%d failed: %v", i+1, s.attempts, r.err)
		}
		done <- r
	}()

	now := s.clock.Now()
	select {
	case <-ctx.Done():
		return Reading{Timestamp: now, Error: ErrTimeout.Error()}
	case r := <-done:
		if r.err != nil {
			return Reading{Timestamp: now, Error: r.err.Error()}
		}
		if r.hum < 0 || r.hum > 100 {
			return Reading{Timestamp: now, Error: fmt.Sprintf("humidity %.1f%% out of range", r.hum)}
		}
		return Reading{Timestamp: now, Temperature: r.temp, Humidity: r.hum, Valid: true}
	}
}

func (s *Sensor) readOnce() (temp, hum float64, err error) {
	if temp, err = readMilli(filepath.Join(s.path, tempFile)); err != nil {
		return 0, 0, err
	}
	if hum, err = readMilli(filepath.Join(s.path, humidityFile)); err != nil {
		return 0, 0, err
	}
	return temp, hum, nil
}

// readMilli reads an IIO processed channel, which the kernel reports in thousandths.
func readMilli(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return v / 1000, nil
}
