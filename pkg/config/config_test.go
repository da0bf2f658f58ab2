package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stationYAML = `
station:
  id: bridge-07
  address: 7
  warning-level: 2.2
  critical-level: 3.6
  sensor-interval: 15s
  upload-interval: 90
  location:
    latitude: 47.6
    longitude: -122.3
  radar:
    enabled: true
    protocol: line
    serial-device: /dev/ttyUSB0
    baud: 115200
    mount-height: 5.0
  alarm:
    messages:
      3: "Danger. Leave the river bank now."
radio:
  serial-device: /dev/ttyAMA0
system:
  weights:
    radar: 50
    cloud: 20
    forecast: 30
storage:
  mqtt:
    broker: mqtt.local
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLStation(t *testing.T) {
	provider := NewYAMLProvider(writeFile(t, "station.yaml", stationYAML))
	defer provider.Close()

	cfg, err := Load(provider, RoleStation)
	require.NoError(t, err)

	s := cfg.Station
	assert.Equal(t, "bridge-07", s.ID)
	assert.Equal(t, uint8(7), s.Address)
	assert.Equal(t, 15*time.Second, s.SensorInterval.D())
	assert.Equal(t, 90*time.Second, s.UploadInterval.D())
	assert.Equal(t, 300*time.Second, s.CloudInterval.D())
	assert.Equal(t, ProtocolLine, s.Radar.Protocol)
	assert.Equal(t, 5, s.Radar.Window)
	assert.Equal(t, 5.0, s.Radar.MaxRange)
	assert.Equal(t, 2*time.Second, s.Radar.Timeout.D())
	assert.Equal(t, 300*time.Millisecond, s.Alarm.FlashInterval.D())
	assert.Equal(t, "Danger. Leave the river bank now.", s.Alarm.Messages[3])

	assert.Equal(t, WeightsData{Radar: 50, Cloud: 20, Forecast: 30}, cfg.System.Weights)
	assert.Equal(t, DefaultThresholds, cfg.System.Thresholds)
	assert.Equal(t, 120*time.Second, cfg.System.NodeTimeout.D())

	require.NotNil(t, cfg.Storage.MQTT)
	assert.Equal(t, 1883, cfg.Storage.MQTT.Port)
	assert.Equal(t, "remoteflood-bridge-07", cfg.Storage.MQTT.ClientID)

	assert.True(t, provider.IsReadOnly())
}

func TestYAMLRejectsUnknownKeys(t *testing.T) {
	provider := NewYAMLProvider(writeFile(t, "bad.yaml", "station:\n  idd: typo\n"))
	_, err := provider.LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *ConfigData {
		c := &ConfigData{
			Station: StationData{ID: "s1", Address: 1},
			Radio:   RadioData{SerialDevice: "/dev/ttyAMA0"},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		role    Role
		mutate  func(*ConfigData)
		wantErr string
	}{
		{"valid station", RoleStation, func(c *ConfigData) {}, ""},
		{"valid gateway", RoleGateway, func(c *ConfigData) {}, ""},
		{"missing id", RoleStation, func(c *ConfigData) { c.Station.ID = "" }, "station.id"},
		{"broadcast address", RoleStation, func(c *ConfigData) { c.Station.Address = 0xFF }, "broadcast"},
		{"gateway collision", RoleStation, func(c *ConfigData) { c.Station.Address = 0 }, "collides"},
		{"radar without mount height", RoleStation, func(c *ConfigData) {
			c.Station.Radar = RadarData{Enabled: true, Protocol: ProtocolModbus, SerialDevice: "/dev/ttyUSB0"}
		}, "mount-height"},
		{"radar without transport", RoleStation, func(c *ConfigData) {
			c.Station.Radar = RadarData{Enabled: true, Protocol: ProtocolModbus, MountHeight: 4}
		}, "serial-device or hostname+port"},
		{"bad protocol", RoleStation, func(c *ConfigData) {
			c.Station.Radar = RadarData{Enabled: true, Protocol: "nmea", MountHeight: 4, SerialDevice: "/dev/ttyUSB0"}
		}, "protocol"},
		{"no radio", RoleGateway, func(c *ConfigData) { c.Radio = RadioData{} }, "radio"},
		{"thresholds not increasing", RoleStation, func(c *ConfigData) { c.System.Thresholds = []float64{20, 60, 40, 80} }, "strictly increasing"},
		{"negative weight", RoleStation, func(c *ConfigData) { c.System.Weights.Cloud = -1 }, "negative"},
		{"warning above critical", RoleStation, func(c *ConfigData) { c.Station.WarningLevel = 4 }, "warning-level"},
		{"assisted without classifier", RoleStation, func(c *ConfigData) {
			c.Station.Camera = CameraData{Enabled: true, SnapshotURL: "http://cam/snap.jpg", Assisted: true}
		}, "classifier-url"},
		{"duplicate station address", RoleGateway, func(c *ConfigData) {
			c.Gateway.Stations = []StationRefData{{Address: 1, ID: "a"}, {Address: 1, ID: "b"}}
		}, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate(tt.role)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvTimescaleDSN, "postgres://flood@db/flood")
	t.Setenv(EnvAerisSecret, "s3cret")

	c := &ConfigData{}
	ApplyEnv(c)

	require.NotNil(t, c.Storage.TimescaleDB)
	assert.Equal(t, "postgres://flood@db/flood", c.Storage.TimescaleDB.ConnectionString)
	assert.Equal(t, "s3cret", c.Station.Forecast.APIClientSecret)
}

func TestSQLiteProviderRoundTrip(t *testing.T) {
	yamlProvider := NewYAMLProvider(writeFile(t, "station.yaml", stationYAML))
	src, err := yamlProvider.LoadConfig()
	require.NoError(t, err)

	provider, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, provider.SaveConfig(src))

	got, err := provider.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, src.Station, got.Station)
	assert.Equal(t, src.System, got.System)
	assert.Equal(t, src.Radio, got.Radio)

	station, err := provider.GetStation()
	require.NoError(t, err)
	assert.Equal(t, "bridge-07", station.ID)
	system, err := provider.GetSystem()
	require.NoError(t, err)
	assert.Equal(t, src.System, *system)
	storage, err := provider.GetStorageConfig()
	require.NoError(t, err)
	assert.Equal(t, src.Storage, *storage)
	assert.False(t, provider.IsReadOnly())
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"300ms", 300 * time.Millisecond},
		{"45", 45 * time.Second},
		{"0.5", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := parseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.D())
		})
	}

	_, err := parseDuration("soon")
	assert.Error(t, err)
}

func TestExampleConfigsAreValid(t *testing.T) {
	tests := []struct {
		file string
		role Role
	}{
		{"../../station.example.yaml", RoleStation},
		{"../../gateway.example.yaml", RoleGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			cfg, err := Load(NewYAMLProvider(tt.file), tt.role)
			require.NoError(t, err)

			switch tt.role {
			case RoleStation:
				assert.Equal(t, uint8(0x11), cfg.Station.Address)
				assert.Equal(t, 5*time.Minute, cfg.Station.Recorder.Duration.D())
			case RoleGateway:
				assert.Len(t, cfg.Gateway.Stations, 2)
				assert.Equal(t, 2*time.Minute, cfg.System.NodeTimeout.D())
			}
		})
	}
}
