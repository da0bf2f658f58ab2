package station

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
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
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const stationAddr uint8 = 0x11

type fakeRadar struct {
	mu         sync.Mutex
	reading    radar.Reading
	reads      int
	calibrated []float64
	err        error
}

func (r *fakeRadar) Read(context.Context) radar.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	return r.reading
}

func (r *fakeRadar) Calibrate(_ context.Context, known float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calibrated = append(r.calibrated, known)
	return r.err
}

func (r *fakeRadar) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

type fakeHumidity struct{ reading humidity.Reading }

func (h fakeHumidity) Read(context.Context) humidity.Reading { return h.reading }

type fakeForecast struct {
	f  forecast.Forecast
	ok bool
}

func (f fakeForecast) Latest() (forecast.Forecast, bool) { return f.f, f.ok }

type sent struct {
	dst uint8
	msg wire.Message
}

type fakeRadio struct {
	mu       sync.Mutex
	handlers map[wire.MessageType]radio.Handler
	sent     []sent
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{handlers: map[wire.MessageType]radio.Handler{}}
}

func (r *fakeRadio) Address() uint8 { return stationAddr }

func (r *fakeRadio) On(t wire.MessageType, h radio.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	return nil
}

func (r *fakeRadio) SendMessage(dst uint8, msg wire.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{dst, msg})
	return true
}

func (r *fakeRadio) messages() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

// deliver runs the registered handler the way the radio receive loop would.
func (r *fakeRadio) deliver(t *testing.T, p wire.Packet, msg wire.Message) {
	t.Helper()
	r.mu.Lock()
	h, ok := r.handlers[p.Type]
	r.mu.Unlock()
	require.True(t, ok, "no handler for %s", p.Type)
	require.NoError(t, h(t.Context(), p, msg))
}

type fakeAlarm struct {
	mu         sync.Mutex
	alerts     []int
	messages   []string
	broadcasts []string
	siren      []time.Duration
	sirenOffs  int
}

func (a *fakeAlarm) TriggerAlert(level int, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, level)
	a.messages = append(a.messages, message)
}

func (a *fakeAlarm) BroadcastTTS(_ context.Context, text string, repeat int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < repeat; i++ {
		a.broadcasts = append(a.broadcasts, text)
	}
	return true
}

func (a *fakeAlarm) SirenOn(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.siren = append(a.siren, d)
}

func (a *fakeAlarm) SirenOff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sirenOffs++
}

func (a *fakeAlarm) State() alarm.State { return alarm.State{} }

func (a *fakeAlarm) alertLevels() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.alerts...)
}

type fakeRecorder struct {
	recording bool
	starts    int
}

func (r *fakeRecorder) IsRecording() bool { return r.recording }

func (r *fakeRecorder) Start(context.Context, string) (string, bool) {
	r.starts++
	r.recording = true
	return "/tmp/clip.mp4", true
}

type fakePublisher struct {
	mu        sync.Mutex
	decisions []fusion.FloodDecision
}

func (p *fakePublisher) Publish(d fusion.FloodDecision) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
	return true
}

type fakeClassifier struct{ res cloud.ClassifierResult }

func (c fakeClassifier) Classify(context.Context, []byte) (cloud.ClassifierResult, error) {
	return c.res, nil
}

type fakeCamera struct{ data []byte }

func (c fakeCamera) Capture(context.Context) ([]byte, error) { return c.data, nil }

func overcastPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{90, 90, 95, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type rig struct {
	ctl       *Controller
	clock     *clockwork.FakeClock
	engine    *fusion.Engine
	radar     *fakeRadar
	radio     *fakeRadio
	alarm     *fakeAlarm
	recorder  *fakeRecorder
	publisher *fakePublisher
	metrics   *observability.Metrics
}

func newRig(t *testing.T, with func(*Deps)) *rig {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	r := &rig{
		clock:     clock,
		engine:    fusion.New("river-bend", config.SystemData{}, fusion.Levels{Warning: 2.0, Critical: 3.5, MountHeight: 5.0}, fusion.WithClock(clock)),
		radar:     &fakeRadar{},
		radio:     newFakeRadio(),
		alarm:     &fakeAlarm{},
		recorder:  &fakeRecorder{},
		publisher: &fakePublisher{},
		metrics:   observability.NewMetricsForTesting(),
	}
	deps := Deps{
		Config:    config.StationData{ID: "river-bend", Address: stationAddr, GatewayAddress: wire.GatewayAddr},
		Engine:    r.engine,
		Radio:     r.radio,
		Alarm:     r.alarm,
		Radar:     r.radar,
		Recorder:  r.recorder,
		Publisher: r.publisher,
		Metrics:   r.metrics,
		Logger:    zap.NewNop().Sugar(),
		Clock:     clock,
	}
	if with != nil {
		with(&deps)
	}
	ctl, err := New(deps)
	require.NoError(t, err)
	r.ctl = ctl
	return r
}

func validRadar(clock clockwork.Clock, level float64) radar.Reading {
	return radar.Reading{Timestamp: clock.Now(), Distance: 5.0 - level, Level: level, RawLevel: level, Valid: true}
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Engine: fusion.New("x", config.SystemData{}, fusion.Levels{})})
	assert.Error(t, err)
}

func TestScenarioRadarAndStormCloudRaisesDanger(t *testing.T) {
	r := newRig(t, func(d *Deps) {
		cover := 80.0
		d.Cloud = cloud.NewEstimator(config.CameraData{Assisted: true}, fakeCamera{overcastPNG(t)},
			fakeClassifier{cloud.ClassifierResult{Label: "cumulonimbus", Confidence: 0.9, CoverPct: &cover}},
			zap.NewNop().Sugar(), cloud.WithClock(d.Clock))
	})
	r.radar.reading = validRadar(r.clock, 3.2)

	r.ctl.RunCloudCycle(t.Context())
	r.ctl.RunSensorCycle(t.Context())

	d, ok := r.ctl.Latest()
	require.True(t, ok)
	assert.Len(t, d.Inputs, 2)
	assert.Greater(t, d.Score, 60.0)
	assert.Equal(t, fusion.LevelDanger, d.Level)

	assert.Equal(t, []int{3}, r.alarm.alertLevels())
	assert.Equal(t, 1, r.recorder.starts)
	require.Len(t, r.publisher.decisions, 1)
	assert.Equal(t, d.ID, r.publisher.decisions[0].ID)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.AlertLevel))
	assert.Equal(t, 3.2, testutil.ToFloat64(r.metrics.WaterLevel))
}

func TestScenarioRadarDownHumidityOnly(t *testing.T) {
	r := newRig(t, func(d *Deps) {
		d.Humidity = fakeHumidity{humidity.Reading{Temperature: 20, Humidity: 75, Valid: true}}
	})
	r.radar.reading = radar.Reading{Valid: false, Error: "radar did not answer in time"}

	r.ctl.RunSensorCycle(t.Context())

	d, ok := r.ctl.Latest()
	require.True(t, ok)
	require.Len(t, d.Inputs, 1)
	assert.Equal(t, fusion.SourceDHT, d.Inputs[0].Source)
	assert.InDelta(t, r.engine.NormalizeDHT(20, 75).Value, d.Score, 1e-9)
	assert.InDelta(t, 1.0, d.Weights[fusion.SourceDHT], 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.SensorErrors.WithLabelValues("radar")))
}

func TestNoValidSourcesIsNoData(t *testing.T) {
	r := newRig(t, nil)
	r.radar.reading = radar.Reading{Error: "checksum"}

	r.ctl.RunSensorCycle(t.Context())

	d, _ := r.ctl.Latest()
	assert.True(t, d.NoData())
	assert.Equal(t, fusion.LevelSafe, d.Level)
	assert.Equal(t, []string{fusion.NoDataAction}, d.Actions)
	assert.Empty(t, r.alarm.alertLevels())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.NoDataCycles))
}

func TestAlarmOnlyOnLevelIncrease(t *testing.T) {
	r := newRig(t, nil)

	steps := []struct {
		level float64
		want  []int
	}{
		{0.5, nil},         // safe
		{2.6, []int{2}},    // watch
		{2.6, []int{2}},    // unchanged
		{0.5, []int{2}},    // falling is silent
		{4.0, []int{2, 4}}, // evacuate
	}
	for _, s := range steps {
		r.clock.Advance(30 * time.Second)
		r.radar.reading = validRadar(r.clock, s.level)
		r.ctl.RunSensorCycle(t.Context())
		assert.Equal(t, s.want, r.alarm.alertLevels(), "level %.1f", s.level)
	}
}

func TestRecordingStartsOnceAtDanger(t *testing.T) {
	r := newRig(t, nil)
	for i := 0; i < 3; i++ {
		r.clock.Advance(30 * time.Second)
		r.radar.reading = validRadar(r.clock, 4.5)
		r.ctl.RunSensorCycle(t.Context())
	}
	assert.Equal(t, 1, r.recorder.starts)
}

func TestStaleCloudAnalysisIsNotFused(t *testing.T) {
	r := newRig(t, func(d *Deps) {
		d.Config.CloudInterval = config.Duration(5 * time.Minute)
		d.Cloud = cloud.NewEstimator(config.CameraData{}, fakeCamera{overcastPNG(t)}, nil,
			zap.NewNop().Sugar(), cloud.WithClock(d.Clock))
	})
	r.radar.reading = validRadar(r.clock, 1.0)

	r.ctl.RunCloudCycle(t.Context())
	r.ctl.RunSensorCycle(t.Context())
	d, _ := r.ctl.Latest()
	_, ok := d.Input(fusion.SourceCloud)
	assert.True(t, ok)

	r.clock.Advance(16 * time.Minute)
	r.radar.reading = validRadar(r.clock, 1.0)
	r.ctl.RunSensorCycle(t.Context())
	d, _ = r.ctl.Latest()
	_, ok = d.Input(fusion.SourceCloud)
	assert.False(t, ok)
}

func TestForecastIsFused(t *testing.T) {
	r := newRig(t, func(d *Deps) {
		d.Forecast = fakeForecast{forecast.Forecast{PrecipMM: 20}, true}
	})
	r.radar.reading = radar.Reading{}

	r.ctl.RunSensorCycle(t.Context())

	d, _ := r.ctl.Latest()
	require.Len(t, d.Inputs, 1)
	assert.InDelta(t, 60.0, d.Score, 1e-9)
}

func TestUploadCycle(t *testing.T) {
	r := newRig(t, func(d *Deps) {
		d.Humidity = fakeHumidity{humidity.Reading{Temperature: 21.46, Humidity: 88.2, Valid: true}}
	})
	r.radar.reading = validRadar(r.clock, 3.2)
	r.ctl.RunSensorCycle(t.Context())
	r.clock.Advance(90 * time.Second)

	r.ctl.RunUploadCycle(t.Context())

	msgs := r.radio.messages()
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, wire.GatewayAddr, m.dst)
	}
	assert.Equal(t, wire.HeartbeatMsg{UptimeSec: 90}, msgs[0].msg)
	assert.Equal(t, wire.WaterLevelReport{LevelMM: 3200}, msgs[1].msg)
	assert.Equal(t, wire.WeatherReport{TempDeciC: 215, HumidityDeciPct: 882}, msgs[2].msg)

	d, _ := r.ctl.Latest()
	report, ok := msgs[3].msg.(wire.AlertReport)
	require.True(t, ok)
	assert.Equal(t, uint8(d.Level), report.Level)
}

func TestUploadBeforeFirstDecisionSendsHeartbeatOnly(t *testing.T) {
	r := newRig(t, nil)
	r.ctl.RunUploadCycle(t.Context())
	msgs := r.radio.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.Heartbeat, msgs[0].msg.Type())
}

func TestInboundCommands(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctl.registerHandlers())
	defer r.ctl.Stop()

	unicast := func(typ wire.MessageType, seq uint8) wire.Packet {
		return wire.Packet{Src: wire.GatewayAddr, Dst: stationAddr, Type: typ, Seq: seq}
	}

	t.Run("broadcast alert is applied without reply", func(t *testing.T) {
		before := len(r.radio.messages())
		r.radio.deliver(t, wire.Packet{Src: wire.GatewayAddr, Dst: wire.BroadcastAddr, Type: wire.Alert, Seq: 1},
			wire.AlertCommand{Level: 4, Message: "evacuate now"})
		assert.Contains(t, r.alarm.alertLevels(), 4)
		assert.Len(t, r.radio.messages(), before)
	})

	t.Run("siren command is acked", func(t *testing.T) {
		r.radio.deliver(t, unicast(wire.SirenCommand, 7), wire.SirenCmd{On: true, DurationSec: 45})
		r.alarm.mu.Lock()
		assert.Equal(t, []time.Duration{45 * time.Second}, r.alarm.siren)
		r.alarm.mu.Unlock()

		msgs := r.radio.messages()
		last := msgs[len(msgs)-1]
		assert.Equal(t, wire.GatewayAddr, last.dst)
		assert.Equal(t, wire.AckMsg{Seq: 7, Kind: wire.SirenCommand}, last.msg)

		r.radio.deliver(t, unicast(wire.SirenCommand, 8), wire.SirenCmd{On: false})
		r.alarm.mu.Lock()
		assert.Equal(t, 1, r.alarm.sirenOffs)
		r.alarm.mu.Unlock()
	})

	t.Run("broadcast text is spoken in the background", func(t *testing.T) {
		r.radio.deliver(t, unicast(wire.BroadcastCommand, 9), wire.BroadcastCmd{Repeat: 2, Text: "road closed"})
		assert.Eventually(t, func() bool {
			r.alarm.mu.Lock()
			defer r.alarm.mu.Unlock()
			return len(r.alarm.broadcasts) == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("calibration", func(t *testing.T) {
		r.radio.deliver(t, unicast(wire.CalibrateCommand, 10), wire.CalibrateCmd{KnownLevelMM: 1250})
		r.radar.mu.Lock()
		assert.Equal(t, []float64{1.25}, r.radar.calibrated)
		r.radar.err = errors.New("no reading")
		r.radar.mu.Unlock()

		r.radio.deliver(t, unicast(wire.CalibrateCommand, 11), wire.CalibrateCmd{KnownLevelMM: 1300})
		msgs := r.radio.messages()
		assert.Equal(t, wire.NackMsg{Seq: 11, Kind: wire.CalibrateCommand, Reason: wire.NackFailed}, msgs[len(msgs)-1].msg)
	})

	t.Run("another station's report is ignored", func(t *testing.T) {
		before := len(r.radio.messages())
		levels := len(r.alarm.alertLevels())
		r.radio.deliver(t, wire.Packet{Src: 0x22, Dst: wire.BroadcastAddr, Type: wire.Alert}, wire.AlertReport{Level: 4, Score: 90})
		assert.Len(t, r.alarm.alertLevels(), levels)
		assert.Len(t, r.radio.messages(), before)
	})
}

func TestCalibrateWithoutRadarIsNacked(t *testing.T) {
	r := newRig(t, func(d *Deps) { d.Radar = nil })
	require.NoError(t, r.ctl.registerHandlers())

	r.radio.deliver(t, wire.Packet{Src: wire.GatewayAddr, Dst: stationAddr, Type: wire.CalibrateCommand, Seq: 3},
		wire.CalibrateCmd{KnownLevelMM: 1000})

	msgs := r.radio.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.NackMsg{Seq: 3, Kind: wire.CalibrateCommand, Reason: wire.NackDisabled}, msgs[0].msg)
}

func TestStartRunsTasksOnSchedule(t *testing.T) {
	r := newRig(t, nil)
	r.radar.reading = validRadar(r.clock, 1.0)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	require.NoError(t, r.ctl.Start(ctx))
	assert.Eventually(t, func() bool { return r.radar.readCount() == 1 }, time.Second, 5*time.Millisecond)

	// sensor and upload tickers
	require.NoError(t, r.clock.BlockUntilContext(ctx, 2))
	r.clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return r.radar.readCount() == 2 }, time.Second, 5*time.Millisecond)

	r.ctl.Stop()
	r.clock.Advance(30 * time.Second)
	assert.Equal(t, 2, r.radar.readCount())
}
