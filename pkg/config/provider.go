package config

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetStation() (*StationData, error)
	GetSystem() (*SystemData, error)
	GetStorageConfig() (*StorageData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData is the complete configuration of either a station or the gateway. A station
// reads station, system, radio and storage; the gateway reads gateway, system, radio and
// storage.
type ConfigData struct {
	Station StationData `json:"station" yaml:"station"`
	System  SystemData  `json:"system" yaml:"system"`
	Radio   RadioData   `json:"radio" yaml:"radio"`
	Gateway GatewayData `json:"gateway" yaml:"gateway"`
	Storage StorageData `json:"storage" yaml:"storage"`
}

// StationData describes one remote station. It is read once at startup and never changes.
type StationData struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name,omitempty" yaml:"name,omitempty"`
	Address        uint8     `json:"address" yaml:"address"`
	GatewayAddress uint8     `json:"gateway_address" yaml:"gateway-address"`
	Location       PointData `json:"location,omitempty" yaml:"location,omitempty"`

	// Water levels in meters above the gauge datum.
	WarningLevel  float64 `json:"warning_level" yaml:"warning-level"`
	CriticalLevel float64 `json:"critical_level" yaml:"critical-level"`

	SensorInterval Duration `json:"sensor_interval,omitempty" yaml:"sensor-interval,omitempty"`
	CloudInterval  Duration `json:"cloud_interval,omitempty" yaml:"cloud-interval,omitempty"`
	UploadInterval Duration `json:"upload_interval,omitempty" yaml:"upload-interval,omitempty"`

	MetricsListen string `json:"metrics_listen,omitempty" yaml:"metrics-listen,omitempty"`

	Radar    RadarData    `json:"radar" yaml:"radar"`
	Humidity HumidityData `json:"humidity,omitempty" yaml:"humidity,omitempty"`
	Camera   CameraData   `json:"camera,omitempty" yaml:"camera,omitempty"`
	Forecast ForecastData `json:"forecast,omitempty" yaml:"forecast,omitempty"`
	Alarm    AlarmData    `json:"alarm,omitempty" yaml:"alarm,omitempty"`
	Recorder RecorderData `json:"recorder,omitempty" yaml:"recorder,omitempty"`
}

type PointData struct {
	Lat float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Lon float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
}

// RadarData configures the radar level sensor. Either SerialDevice or Hostname+Port must
// be set when the radar is enabled.
type RadarData struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Protocol      string   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	SerialDevice  string   `json:"serial_device,omitempty" yaml:"serial-device,omitempty"`
	Baud          int      `json:"baud,omitempty" yaml:"baud,omitempty"`
	Hostname      string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Port          string   `json:"port,omitempty" yaml:"port,omitempty"`
	SlaveAddress  uint8    `json:"slave_address,omitempty" yaml:"slave-address,omitempty"`
	StartRegister uint16   `json:"start_register,omitempty" yaml:"start-register,omitempty"`
	MountHeight   float64  `json:"mount_height" yaml:"mount-height"`
	MaxRange      float64  `json:"max_range,omitempty" yaml:"max-range,omitempty"`
	Offset        float64  `json:"offset,omitempty" yaml:"offset,omitempty"`
	Window        int      `json:"window,omitempty" yaml:"window,omitempty"`
	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HumidityData points at a Linux IIO device exposing temperature and relative humidity.
type HumidityData struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type CameraData struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	SnapshotURL       string   `json:"snapshot_url,omitempty" yaml:"snapshot-url,omitempty"`
	Username          string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password          string   `json:"password,omitempty" yaml:"password,omitempty"`
	Timeout           Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SkipAtNight       bool     `json:"skip_at_night,omitempty" yaml:"skip-at-night,omitempty"`
	Assisted          bool     `json:"assisted,omitempty" yaml:"assisted,omitempty"`
	ClassifierURL     string   `json:"classifier_url,omitempty" yaml:"classifier-url,omitempty"`
	ClassifierAPIKey  string   `json:"classifier_api_key,omitempty" yaml:"classifier-api-key,omitempty"`
	ClassifierTimeout Duration `json:"classifier_timeout,omitempty" yaml:"classifier-timeout,omitempty"`
}

type ForecastData struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	APIClientID     string   `json:"api_client_id,omitempty" yaml:"api-client-id,omitempty"`
	APIClientSecret string   `json:"api_client_secret,omitempty" yaml:"api-client-secret,omitempty"`
	APIEndpoint     string   `json:"api_endpoint,omitempty" yaml:"api-endpoint,omitempty"`
	Location        string   `json:"location,omitempty" yaml:"location,omitempty"`
	Hours           int      `json:"hours,omitempty" yaml:"hours,omitempty"`
	RefreshInterval Duration `json:"refresh_interval,omitempty" yaml:"refresh-interval,omitempty"`
}

// AlarmData configures the siren, strobe and PA outputs. Pins are periph.io pin names
// such as "GPIO17"; Hardware=false replaces every line with a logging no-op.
type AlarmData struct {
	Hardware       bool           `json:"hardware" yaml:"hardware"`
	SirenPin       string         `json:"siren_pin,omitempty" yaml:"siren-pin,omitempty"`
	StrobePin      string         `json:"strobe_pin,omitempty" yaml:"strobe-pin,omitempty"`
	PAPin          string         `json:"pa_pin,omitempty" yaml:"pa-pin,omitempty"`
	SpeechCommand  []string       `json:"speech_command,omitempty" yaml:"speech-command,omitempty"`
	FlashInterval  Duration       `json:"flash_interval,omitempty" yaml:"flash-interval,omitempty"`
	SirenDuration  Duration       `json:"siren_duration,omitempty" yaml:"siren-duration,omitempty"`
	StrobeDuration Duration       `json:"strobe_duration,omitempty" yaml:"strobe-duration,omitempty"`
	PASettle       Duration       `json:"pa_settle,omitempty" yaml:"pa-settle,omitempty"`
	RepeatPause    Duration       `json:"repeat_pause,omitempty" yaml:"repeat-pause,omitempty"`
	SpeechRepeat   int            `json:"speech_repeat,omitempty" yaml:"speech-repeat,omitempty"`
	Messages       map[int]string `json:"messages,omitempty" yaml:"messages,omitempty"`
}

type RecorderData struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
	Directory string   `json:"directory,omitempty" yaml:"directory,omitempty"`
	Duration  Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// SystemData holds the decision tunables shared by every station.
type SystemData struct {
	Weights         WeightsData `json:"weights" yaml:"weights"`
	Thresholds      []float64   `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	TrendHysteresis float64     `json:"trend_hysteresis,omitempty" yaml:"trend-hysteresis,omitempty"`
	NodeTimeout     Duration    `json:"node_timeout,omitempty" yaml:"node-timeout,omitempty"`
}

// WeightsData holds the relative weight of each evidence source.
type WeightsData struct {
	Radar    float64 `json:"radar" yaml:"radar"`
	Vision   float64 `json:"vision" yaml:"vision"`
	Cloud    float64 `json:"cloud" yaml:"cloud"`
	DHT      float64 `json:"dht" yaml:"dht"`
	Forecast float64 `json:"forecast" yaml:"forecast"`
}

func (w WeightsData) sum() float64 {
	return w.Radar + w.Vision + w.Cloud + w.DHT + w.Forecast
}

// RadioData configures the LoRa modem link, a transparent UART or a TCP bridge.
type RadioData struct {
	SerialDevice string   `json:"serial_device,omitempty" yaml:"serial-device,omitempty"`
	Baud         int      `json:"baud,omitempty" yaml:"baud,omitempty"`
	Hostname     string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Port         string   `json:"port,omitempty" yaml:"port,omitempty"`
	ReadTimeout  Duration `json:"read_timeout,omitempty" yaml:"read-timeout,omitempty"`
}

// GatewayData configures the central gateway.
type GatewayData struct {
	Address              uint8            `json:"address" yaml:"address"`
	ListenAddr           string           `json:"listen_addr,omitempty" yaml:"listen-addr,omitempty"`
	AreaBroadcastLevel   int              `json:"area_broadcast_level,omitempty" yaml:"area-broadcast-level,omitempty"`
	AreaBroadcastMessage string           `json:"area_broadcast_message,omitempty" yaml:"area-broadcast-message,omitempty"`
	Stations             []StationRefData `json:"stations,omitempty" yaml:"stations,omitempty"`
}

// StationRefData maps a radio address to a station id on the gateway side.
type StationRefData struct {
	Address uint8  `json:"address" yaml:"address"`
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

// StorageData holds the configuration for decision sinks
type StorageData struct {
	TimescaleDB *TimescaleDBData `json:"timescaledb,omitempty" yaml:"timescaledb,omitempty"`
	MQTT        *MQTTData        `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Kafka       *KafkaData       `json:"kafka,omitempty" yaml:"kafka,omitempty"`
}

type TimescaleDBData struct {
	ConnectionString string `json:"connection_string" yaml:"connection-string"`
}

type MQTTData struct {
	Broker         string   `json:"broker" yaml:"broker"`
	Port           int      `json:"port,omitempty" yaml:"port,omitempty"`
	ClientID       string   `json:"client_id,omitempty" yaml:"client-id,omitempty"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty"`
	Topic          string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	QoS            byte     `json:"qos,omitempty" yaml:"qos,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect-timeout,omitempty"`
}

type KafkaData struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}
