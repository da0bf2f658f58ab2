package humidity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeChannels(t *testing.T, dir, temp, hum string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempFile), []byte(temp), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, humidityFile), []byte(hum), 0o644))
}

func TestRead(t *testing.T) {
	tests := []struct {
		name      string
		temp, hum string
		wantValid bool
		wantTemp  float64
		wantHum   float64
	}{
		{"normal", "26400\n", "83100\n", true, 26.4, 83.1},
		{"below freezing", "-3500\n", "97000\n", true, -3.5, 97},
		{"garbage", "26400\n", "n/a\n", false, 0, 0},
		{"impossible humidity", "20000\n", "140000\n", false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeChannels(t, dir, tt.temp, tt.hum)
			s := New(config.HumidityData{Enabled: true, Path: dir}, zap.NewNop().Sugar(), WithAttempts(1))

			r := s.Read(context.Background())
			assert.Equal(t, tt.wantValid, r.Valid, r.Error)
			if tt.wantValid {
				assert.InDelta(t, tt.wantTemp, r.Temperature, 1e-9)
				assert.InDelta(t, tt.wantHum, r.Humidity, 1e-9)
				assert.Empty(t, r.Error)
			} else {
				assert.NotEmpty(t, r.Error)
			}
		})
	}
}

func TestReadMissingDevice(t *testing.T) {
	s := New(config.HumidityData{Path: filepath.Join(t.TempDir(), "iio:device9")}, zap.NewNop().Sugar(), WithAttempts(1))
	r := s.Read(context.Background())
	assert.False(t, r.Valid)
	assert.Contains(t, r.Error, tempFile)
}

func TestReadRetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	s := New(config.HumidityData{Path: dir}, zap.NewNop().Sugar(), WithClock(clock), WithAttempts(2))

	done := make(chan Reading)
	go func() { done <- s.Read(context.Background()) }()

	// first attempt fails on the missing files, then waits out the driver's rate limit
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	writeChannels(t, dir, "21000", "64000")
	clock.Advance(retryPause)

	r := <-done
	require.True(t, r.Valid, r.Error)
	assert.InDelta(t, 64.0, r.Humidity, 1e-9)
}

func TestReadTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(config.HumidityData{Path: t.TempDir(), Timeout: config.Duration(20 * time.Millisecond)},
		zap.NewNop().Sugar(), WithClock(clock), WithAttempts(5))

	// the retry pause never elapses on the fake clock, so the deadline wins
	r := s.Read(context.Background())
	assert.False(t, r.Valid)
	assert.Equal(t, ErrTimeout.Error(), r.Error)
}
