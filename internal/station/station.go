// Package station runs one remote flood station: it polls the sensors, fuses their
// readings into decisions, drives the local alarms and reports to the gateway over radio.
package station

import (
	"context"
	"time"

	"github.com/chrissnell/remoteflood/internal/alarm"
	"github.com/chrissnell/remoteflood/internal/cloud"
	"github.com/chrissnell/remoteflood/internal/forecast"
	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/humidity"
	"github.com/chrissnell/remoteflood/internal/observability"
	"github.com/chrissnell/remoteflood/internal/radar"
	"github.com/chrissnell/remoteflood/internal/radio"
	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RadarSensor is the water-level sensor. *radar.Driver satisfies it.
type RadarSensor interface {
	Read(ctx context.Context) radar.Reading
	Calibrate(ctx context.Context, knownLevel float64) error
}

// HumiditySensor is satisfied by *humidity.Sensor.
type HumiditySensor interface {
	Read(ctx context.Context) humidity.Reading
}

// CloudSampler is satisfied by *cloud.Estimator.
type CloudSampler interface {
	Daylight() bool
	Sample(ctx context.Context) (cloud.Estimate, bool)
}

// ForecastSource is satisfied by *forecast.Client.
type ForecastSource interface {
	Latest() (forecast.Forecast, bool)
}

// Radio is satisfied by *radio.Gateway.
type Radio interface {
	Address() uint8
	On(t wire.MessageType, h radio.Handler) error
	SendMessage(dst uint8, msg wire.Message) bool
}

// Alarm is satisfied by *alarm.Controller.
type Alarm interface {
	TriggerAlert(level int, message string)
	BroadcastTTS(ctx context.Context, text string, repeat int) bool
	SirenOn(d time.Duration)
	SirenOff()
	State() alarm.State
}

// Recorder is satisfied by *recorder.Recorder.
type Recorder interface {
	IsRecording() bool
	Start(ctx context.Context, prefix string) (string, bool)
}

// Publisher hands decisions to the storage and notification backends without blocking.
// *managers.PublishManager satisfies it.
type Publisher interface {
	Publish(d fusion.FloodDecision) bool
}

// Deps bundles everything a Controller drives. Radar, Humidity, Cloud, Forecast,
// Recorder and Publisher are optional; a nil sensor is treated as not installed.
type Deps struct {
	Config config.StationData
	Engine *fusion.Engine
	Radio  Radio
	Alarm  Alarm

	Radar     RadarSensor
	Humidity  HumiditySensor
	Cloud     CloudSampler
	Forecast  ForecastSource
	Recorder  Recorder
	Publisher Publisher

	Metrics *observability.Metrics
	Logger  *zap.SugaredLogger
	Clock   clockwork.Clock
}
