package station

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/cloud"
	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/humidity"
	"github.com/chrissnell/remoteflood/internal/radar"
	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultSensorInterval = 30 * time.Second
	defaultCloudInterval  = 300 * time.Second
	defaultUploadInterval = 60 * time.Second

	// A cached cloud analysis older than this many cloud intervals is not fused.
	cloudMaxAgeIntervals = 3
)

// snapshot is the state shared by the three periodic tasks.
type snapshot struct {
	reading     radar.Reading
	weather     humidity.Reading
	cloud       cloud.Analysis
	decision    fusion.FloodDecision
	hasDecision bool
}

// Controller owns one station's periodic tasks. All shared state lives in one snapshot
// behind mu; no I/O happens while mu is held.
type Controller struct {
	deps   Deps
	logger *zap.SugaredLogger
	clock  clockwork.Clock

	sensorInterval time.Duration
	cloudInterval  time.Duration
	uploadInterval time.Duration

	mu    sync.Mutex
	state snapshot

	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New checks the dependencies and creates a controller. A missing engine, radio or
// alarm controller is a programming error.
func New(deps Deps) (*Controller, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("station: fusion engine is required")
	}
	if deps.Radio == nil {
		return nil, fmt.Errorf("station: radio is required")
	}
	if deps.Alarm == nil {
		return nil, fmt.Errorf("station: alarm controller is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	c := &Controller{
		deps:           deps,
		logger:         deps.Logger,
		clock:          deps.Clock,
		sensorInterval: orDefault(deps.Config.SensorInterval.D(), defaultSensorInterval),
		cloudInterval:  orDefault(deps.Config.CloudInterval.D(), defaultCloudInterval),
		uploadInterval: orDefault(deps.Config.UploadInterval.D(), defaultUploadInterval),
	}
	c.started = c.clock.Now()
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start registers the inbound command handlers and launches the sensor, cloud and
// upload tasks. The radio receive loop is started by whoever owns the radio.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.registerHandlers(); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.runTask(ctx, "sensor", c.sensorInterval, c.RunSensorCycle)
	if c.deps.Cloud != nil {
		c.runTask(ctx, "cloud", c.cloudInterval, c.RunCloudCycle)
	}
	c.runTask(ctx, "upload", c.uploadInterval, c.RunUploadCycle)

	c.logger.Infof("[%s] station started: sensor every %v, cloud every %v, upload every %v",
		c.deps.Config.ID, c.sensorInterval, c.cloudInterval, c.uploadInterval)
	return nil
}

func (c *Controller) registerHandlers() error {
	for _, t := range []wire.MessageType{wire.Alert, wire.BroadcastCommand, wire.SirenCommand, wire.CalibrateCommand} {
		if err := c.deps.Radio.On(t, c.handleCommand); err != nil {
			return fmt.Errorf("register %s handler: %w", t, err)
		}
	}
	return nil
}

// Stop cancels the periodic tasks and waits for them to return.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// runTask runs cycle now and then on every interval until ctx is done. A panic ends this
// task only; its siblings keep running.
func (c *Controller) runTask(ctx context.Context, name string, interval time.Duration, cycle func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Errorf("[%s] %s task stopped after panic: %v\n%s", c.deps.Config.ID, name, r, debug.Stack())
			}
		}()

		ticker := c.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			start := c.clock.Now()
			cycle(ctx)
			if m := c.deps.Metrics; m != nil {
				m.CycleDuration.WithLabelValues(name).Observe(c.clock.Since(start).Seconds())
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
}

// RunSensorCycle reads every installed sensor, fuses the valid readings with the cached
// cloud analysis and forecast, and acts on the decision.
func (c *Controller) RunSensorCycle(ctx context.Context) {
	var inputs []fusion.SensorInput
	engine := c.deps.Engine

	var reading radar.Reading
	if c.deps.Radar != nil {
		reading = c.deps.Radar.Read(ctx)
		if reading.Valid {
			in := engine.NormalizeRadar(reading.Level)
			in.Timestamp = reading.Timestamp
			inputs = append(inputs, in)
			if m := c.deps.Metrics; m != nil {
				m.WaterLevel.Set(reading.Level)
			}
		} else {
			c.logger.Warnf("[%s] radar reading invalid: %s", c.deps.Config.ID, reading.Error)
			c.sensorFailed("radar")
		}
	}

	var weather humidity.Reading
	if c.deps.Humidity != nil {
		weather = c.deps.Humidity.Read(ctx)
		if weather.Valid {
			inputs = append(inputs, engine.NormalizeDHT(weather.Temperature, weather.Humidity))
		} else {
			c.logger.Warnf("[%s] humidity reading invalid: %s", c.deps.Config.ID, weather.Error)
			c.sensorFailed("humidity")
		}
	}

	c.mu.Lock()
	cached := c.state.cloud
	previous, hadDecision := c.state.decision, c.state.hasDecision
	c.mu.Unlock()

	if cached.Valid && c.clock.Since(cached.Timestamp) <= cloudMaxAgeIntervals*c.cloudInterval {
		inputs = append(inputs, engine.NormalizeCloudAnalysis(cached))
	}

	if c.deps.Forecast != nil {
		if f, ok := c.deps.Forecast.Latest(); ok {
			inputs = append(inputs, engine.NormalizeForecast(f.PrecipMM))
		}
	}

	d := engine.Decide(inputs)

	c.mu.Lock()
	if c.deps.Radar != nil {
		c.state.reading = reading
	}
	if c.deps.Humidity != nil {
		c.state.weather = weather
	}
	c.state.decision = d
	c.state.hasDecision = true
	c.mu.Unlock()

	c.record(d)

	if d.NoData() {
		c.logger.Warnf("[%s] no valid sensor sources this cycle", c.deps.Config.ID)
	} else {
		c.logger.Infof("[%s] decision: score=%.1f level=%d (%s) trend=%s confidence=%.2f",
			c.deps.Config.ID, d.Score, d.Level, d.Level, d.Trend, d.Confidence)
	}

	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(d)
	}

	prevLevel := fusion.LevelSafe
	if hadDecision {
		prevLevel = previous.Level
	}
	if d.Level > prevLevel {
		c.logger.Warnf("[%s] alert level raised from %d to %d", c.deps.Config.ID, prevLevel, d.Level)
		c.deps.Alarm.TriggerAlert(int(d.Level), "")
	}

	if d.Level >= fusion.LevelDanger && c.deps.Recorder != nil && !c.deps.Recorder.IsRecording() {
		if out, ok := c.deps.Recorder.Start(ctx, c.deps.Config.ID); ok {
			c.logger.Infof("[%s] recording to %s", c.deps.Config.ID, out)
		}
	}
}

func (c *Controller) record(d fusion.FloodDecision) {
	m := c.deps.Metrics
	if m == nil {
		return
	}
	m.Decisions.Inc()
	if d.NoData() {
		m.NoDataCycles.Inc()
	}
	m.AlertLevel.Set(float64(d.Level))
	m.FusedScore.Set(d.Score)
}

func (c *Controller) sensorFailed(sensor string) {
	if m := c.deps.Metrics; m != nil {
		m.SensorErrors.WithLabelValues(sensor).Inc()
	}
}

// RunCloudCycle samples the sky and caches the analysis for the sensor task. Nothing is
// captured at night.
func (c *Controller) RunCloudCycle(ctx context.Context) {
	if c.deps.Cloud == nil {
		return
	}
	if !c.deps.Cloud.Daylight() {
		c.logger.Debugf("[%s] skipping sky capture at night", c.deps.Config.ID)
		return
	}

	est, ok := c.deps.Cloud.Sample(ctx)
	if !ok {
		c.sensorFailed("camera")
		return
	}
	a := est.Analysis()
	if !a.Valid {
		c.logger.Warnf("[%s] cloud analysis invalid: %s", c.deps.Config.ID, a.Note)
		c.sensorFailed("camera")
		return
	}

	c.mu.Lock()
	c.state.cloud = a
	c.mu.Unlock()
}

// RunUploadCycle reports the cached state to the gateway. Missing values are skipped;
// the next cycle sends fresh ones, so no packet is retried.
func (c *Controller) RunUploadCycle(ctx context.Context) {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	dst := c.deps.Config.GatewayAddress
	msgs := []wire.Message{
		wire.HeartbeatMsg{UptimeSec: uint32(c.clock.Since(c.started) / time.Second)},
	}
	if s.reading.Valid {
		msgs = append(msgs, wire.WaterLevelReport{LevelMM: toUint16(s.reading.Level * 1000)})
	}
	if s.weather.Valid {
		msgs = append(msgs, wire.WeatherReport{
			TempDeciC:       int16(math.Round(s.weather.Temperature * 10)),
			HumidityDeciPct: toUint16(s.weather.Humidity * 10),
		})
	}
	if s.cloud.Valid {
		msgs = append(msgs, wire.CloudCoverReport{
			CoverPct:        toUint8(s.cloud.CoverPct),
			CloudType:       uint8(s.cloud.Type),
			RainProbability: toUint8(s.cloud.RainProbability),
		})
	}
	if s.hasDecision {
		msgs = append(msgs, wire.AlertReport{Level: uint8(s.decision.Level), Score: toUint8(s.decision.Score)})
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if !c.deps.Radio.SendMessage(dst, m) {
			c.logger.Warnf("[%s] could not send %s to gateway", c.deps.Config.ID, m.Type())
		}
	}
}

// Latest returns the most recent decision.
func (c *Controller) Latest() (fusion.FloodDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.decision, c.state.hasDecision
}

func toUint16(v float64) uint16 {
	return uint16(math.Round(math.Max(0, math.Min(v, math.MaxUint16))))
}

func toUint8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(v, math.MaxUint8))))
}
