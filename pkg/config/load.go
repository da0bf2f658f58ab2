package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Role selects which sections of the configuration are required.
type Role string

const (
	RoleStation Role = "station"
	RoleGateway Role = "gateway"
)

// Environment variables that override secrets from the configuration source.
const (
	EnvTimescaleDSN     = "REMOTEFLOOD_TIMESCALEDB_DSN"
	EnvMQTTPassword     = "REMOTEFLOOD_MQTT_PASSWORD"
	EnvAerisSecret      = "REMOTEFLOOD_AERIS_CLIENT_SECRET"
	EnvClassifierAPIKey = "REMOTEFLOOD_CLASSIFIER_API_KEY"
	EnvCameraPassword   = "REMOTEFLOOD_CAMERA_PASSWORD"
)

// Default decision tunables.
var (
	DefaultWeights    = WeightsData{Radar: 40, Vision: 25, Cloud: 15, DHT: 10, Forecast: 10}
	DefaultThresholds = []float64{20, 40, 60, 80}
)

const (
	ProtocolModbus = "modbus"
	ProtocolLine   = "line"
)

// Load reads the configuration from provider, overlays secrets from the environment (and
// a .env file if present), fills defaults and validates the sections needed by role.
func Load(provider ConfigProvider, role Role) (*ConfigData, error) {
	cfg, err := provider.LoadConfig()
	if err != nil {
		return nil, err
	}

	// a missing .env is normal in production
	_ = godotenv.Load()

	ApplyEnv(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets with environment variables when they are set.
func ApplyEnv(c *ConfigData) {
	if v := os.Getenv(EnvTimescaleDSN); v != "" {
		if c.Storage.TimescaleDB == nil {
			c.Storage.TimescaleDB = &TimescaleDBData{}
		}
		c.Storage.TimescaleDB.ConnectionString = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" && c.Storage.MQTT != nil {
		c.Storage.MQTT.Password = v
	}
	if v := os.Getenv(EnvAerisSecret); v != "" {
		c.Station.Forecast.APIClientSecret = v
	}
	if v := os.Getenv(EnvClassifierAPIKey); v != "" {
		c.Station.Camera.ClassifierAPIKey = v
	}
	if v := os.Getenv(EnvCameraPassword); v != "" {
		c.Station.Camera.Password = v
	}
}

func defaultDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// ApplyDefaults fills every unset tunable.
func (c *ConfigData) ApplyDefaults() {
	s := &c.Station
	defaultDuration(&s.SensorInterval, 30*time.Second)
	defaultDuration(&s.CloudInterval, 300*time.Second)
	defaultDuration(&s.UploadInterval, 60*time.Second)
	if s.WarningLevel == 0 {
		s.WarningLevel = 2.0
	}
	if s.CriticalLevel == 0 {
		s.CriticalLevel = 3.5
	}

	r := &s.Radar
	if r.Protocol == "" {
		r.Protocol = ProtocolModbus
	}
	if r.Baud == 0 {
		r.Baud = 9600
	}
	if r.SlaveAddress == 0 {
		r.SlaveAddress = 0x01
	}
	if r.Window <= 0 {
		r.Window = 5
	}
	if r.MaxRange == 0 {
		r.MaxRange = r.MountHeight
	}
	defaultDuration(&r.Timeout, 2*time.Second)

	if s.Humidity.Path == "" {
		s.Humidity.Path = "/sys/bus/iio/devices/iio:device0"
	}
	defaultDuration(&s.Humidity.Timeout, 2*time.Second)

	defaultDuration(&s.Camera.Timeout, 10*time.Second)
	defaultDuration(&s.Camera.ClassifierTimeout, 20*time.Second)

	if s.Forecast.APIEndpoint == "" {
		s.Forecast.APIEndpoint = "https://api.aerisapi.com"
	}
	if s.Forecast.Hours <= 0 {
		s.Forecast.Hours = 6
	}
	defaultDuration(&s.Forecast.RefreshInterval, 15*time.Minute)

	a := &s.Alarm
	if len(a.SpeechCommand) == 0 {
		a.SpeechCommand = []string{"espeak-ng", "-s", "140"}
	}
	defaultDuration(&a.FlashInterval, 300*time.Millisecond)
	defaultDuration(&a.SirenDuration, 5*time.Minute)
	defaultDuration(&a.StrobeDuration, 10*time.Minute)
	defaultDuration(&a.PASettle, 500*time.Millisecond)
	defaultDuration(&a.RepeatPause, 2*time.Second)
	if a.SpeechRepeat <= 0 {
		a.SpeechRepeat = 2
	}

	rec := &s.Recorder
	if len(rec.Command) == 0 {
		rec.Command = []string{
			"ffmpeg", "-y", "-loglevel", "error",
			"-rtsp_transport", "tcp", "-i", "rtsp://127.0.0.1:554/stream",
			"-t", "{seconds}", "-c", "copy", "{output}",
		}
	}
	if rec.Directory == "" {
		rec.Directory = "/var/lib/remoteflood/recordings"
	}
	defaultDuration(&rec.Duration, 5*time.Minute)

	sys := &c.System
	if sys.Weights.sum() == 0 {
		sys.Weights = DefaultWeights
	}
	if len(sys.Thresholds) == 0 {
		sys.Thresholds = append([]float64(nil), DefaultThresholds...)
	}
	if sys.TrendHysteresis <= 0 {
		sys.TrendHysteresis = 2.0
	}
	defaultDuration(&sys.NodeTimeout, 120*time.Second)

	if c.Radio.Baud == 0 {
		c.Radio.Baud = 9600
	}
	defaultDuration(&c.Radio.ReadTimeout, time.Second)

	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8080"
	}
	if c.Gateway.AreaBroadcastLevel == 0 {
		c.Gateway.AreaBroadcastLevel = 3
	}

	if m := c.Storage.MQTT; m != nil {
		if m.Port == 0 {
			m.Port = 1883
		}
		if m.ClientID == "" {
			m.ClientID = "remoteflood-" + strings.ToLower(clientSuffix(c))
		}
		if m.Topic == "" {
			m.Topic = "remoteflood/decisions"
		}
		defaultDuration(&m.ConnectTimeout, 10*time.Second)
	}
}

func clientSuffix(c *ConfigData) string {
	if c.Station.ID != "" {
		return c.Station.ID
	}
	return string(RoleGateway)
}

// Validate reports every missing or inconsistent setting needed by role. A non-nil error
// is fatal at startup.
func (c *ConfigData) Validate(r Role) error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Radio.SerialDevice == "" && (c.Radio.Hostname == "" || c.Radio.Port == "") {
		fail("radio: must define either serial-device or hostname+port")
	}

	w := c.System.Weights
	if w.Radar < 0 || w.Vision < 0 || w.Cloud < 0 || w.DHT < 0 || w.Forecast < 0 {
		fail("system.weights: weights must not be negative")
	}
	if w.sum() <= 0 {
		fail("system.weights: at least one weight must be positive")
	}
	if len(c.System.Thresholds) != 4 {
		fail("system.thresholds: need exactly 4 thresholds, have %d", len(c.System.Thresholds))
	}
	for i, t := range c.System.Thresholds {
		if t < 0 || t > 100 {
			fail("system.thresholds[%d]: %.1f outside 0-100", i, t)
		}
		if i > 0 && t <= c.System.Thresholds[i-1] {
			fail("system.thresholds: must be strictly increasing")
		}
	}

	switch r {
	case RoleStation:
		c.validateStation(fail)
	case RoleGateway:
		if c.Gateway.Address == 0xFF {
			fail("gateway.address: 0xff is the broadcast address")
		}
		seen := make(map[uint8]bool)
		for _, st := range c.Gateway.Stations {
			if seen[st.Address] {
				fail("gateway.stations: duplicate address %#02x", st.Address)
			}
			seen[st.Address] = true
		}
	default:
		fail("unknown role %q", r)
	}

	return errors.Join(errs...)
}

func (c *ConfigData) validateStation(fail func(string, ...interface{})) {
	s := c.Station
	if s.ID == "" {
		fail("station.id: required")
	}
	if s.Address == 0xFF {
		fail("station.address: 0xff is the broadcast address")
	}
	if s.Address == s.GatewayAddress {
		fail("station.address: %#02x collides with the gateway address", s.Address)
	}
	if s.WarningLevel >= s.CriticalLevel {
		fail("station: warning-level (%.2f) must be below critical-level (%.2f)", s.WarningLevel, s.CriticalLevel)
	}

	if s.Radar.Enabled {
		if s.Radar.MountHeight <= 0 {
			fail("station.radar.mount-height: required when the radar is installed")
		}
		if s.Radar.SerialDevice == "" && (s.Radar.Hostname == "" || s.Radar.Port == "") {
			fail("station.radar: must define either serial-device or hostname+port")
		}
		if s.Radar.Protocol != ProtocolModbus && s.Radar.Protocol != ProtocolLine {
			fail("station.radar.protocol: %q is not %q or %q", s.Radar.Protocol, ProtocolModbus, ProtocolLine)
		}
	}

	if s.Camera.Enabled && s.Camera.SnapshotURL == "" {
		fail("station.camera.snapshot-url: required when the camera is installed")
	}
	if s.Camera.Assisted && s.Camera.ClassifierURL == "" {
		fail("station.camera.classifier-url: required for assisted classification")
	}
	if s.Forecast.Enabled && (s.Forecast.APIClientID == "" || s.Forecast.APIClientSecret == "" || s.Forecast.Location == "") {
		fail("station.forecast: api-client-id, api-client-secret and location are required")
	}
	if s.Recorder.Enabled && len(s.Recorder.Command) == 0 {
		fail("station.recorder.command: required when recording is enabled")
	}
}
