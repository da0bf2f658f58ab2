// Package alarm drives the station's physical warning outputs: a siren, a strobe and a
// public-address relay used for spoken announcements.
package alarm

import (
	"context"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/observability"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultFlashInterval = 300 * time.Millisecond

// DefaultMessages are spoken when an alert carries no text of its own.
var DefaultMessages = map[int]string{
	1: "Flood caution. The river is rising. Stay alert.",
	2: "Flood watch. Prepare to move to higher ground.",
	3: "Flood danger. Leave the river bank and low lying areas now.",
	4: "Flood emergency. Evacuate immediately to higher ground.",
}

// State is a snapshot of the outputs.
type State struct {
	SirenOn  bool `json:"siren_on"`
	StrobeOn bool `json:"strobe_on"`
	Flashing bool `json:"flashing"`
	PAOn     bool `json:"pa_on"`
}

type Option func(*Controller)

func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// Controller exclusively owns the alarm lines. All state sits behind one mutex. Auto-off
// timers and the flasher carry a generation number and do nothing once a newer command
// has superseded them.
type Controller struct {
	config  config.AlarmData
	lines   Lines
	speaker Speaker
	logger  *zap.SugaredLogger
	clock   clockwork.Clock
	metrics *observability.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	speech   sync.WaitGroup
	flashers sync.WaitGroup
	paSem    chan struct{}

	mu          sync.Mutex
	state       State
	sirenGen    uint64
	strobeGen   uint64
	paGen       uint64
	sirenTimer  clockwork.Timer
	strobeTimer clockwork.Timer
	closed      bool
}

// New creates a controller and drives every line off.
func New(cfg config.AlarmData, lines Lines, speaker Speaker, logger *zap.SugaredLogger, opts ...Option) *Controller {
	c := &Controller{
		config:  cfg,
		lines:   lines,
		speaker: speaker,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		paSem:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	c.write(c.lines.Siren, false)
	c.write(c.lines.Strobe, false)
	c.write(c.lines.PA, false)
	c.mu.Unlock()
	return c
}

// write sets a line, logging failures. Callers hold c.mu.
func (c *Controller) write(l Line, on bool) bool {
	if err := l.Set(on); err != nil {
		c.logger.Errorf("alarm: setting %s %v failed: %v", l.Name(), on, err)
		return false
	}
	return true
}

func (c *Controller) activated(output string) {
	if c.metrics != nil {
		c.metrics.AlarmActivations.WithLabelValues(output).Inc()
	}
}

// SirenOn sounds the siren and schedules it off after d. A non-positive d uses the
// configured siren duration.
func (c *Controller) SirenOn(d time.Duration) {
	if d <= 0 {
		d = c.config.SirenDuration.D()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.sirenGen++
	gen := c.sirenGen
	if c.sirenTimer != nil {
		c.sirenTimer.Stop()
	}
	if !c.state.SirenOn {
		c.activated("siren")
	}
	c.state.SirenOn = true
	c.write(c.lines.Siren, true)
	c.sirenTimer = c.clock.AfterFunc(d, func() { c.sirenAutoOff(gen) })
	c.logger.Infof("alarm: siren on for %v", d)
}

func (c *Controller) sirenAutoOff(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.sirenGen || !c.state.SirenOn {
		return
	}
	c.sirenOffLocked()
	c.logger.Info("alarm: siren auto-off")
}

// SirenOff silences the siren. A pending auto-off becomes a no-op.
func (c *Controller) SirenOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sirenOffLocked()
}

func (c *Controller) sirenOffLocked() {
	c.sirenGen++
	if c.sirenTimer != nil {
		c.sirenTimer.Stop()
		c.sirenTimer = nil
	}
	c.state.SirenOn = false
	c.write(c.lines.Siren, false)
}

// LightOn turns the strobe on, flashing at the configured cadence when flash is set, and
// schedules it off after d. A non-positive d uses the configured strobe duration.
func (c *Controller) LightOn(flash bool, d time.Duration) {
	if d <= 0 {
		d = c.config.StrobeDuration.D()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.strobeGen++
	gen := c.strobeGen
	if c.strobeTimer != nil {
		c.strobeTimer.Stop()
	}
	if !c.state.StrobeOn {
		c.activated("strobe")
	}
	c.state.StrobeOn = true
	c.state.Flashing = flash
	c.write(c.lines.Strobe, true)
	c.strobeTimer = c.clock.AfterFunc(d, func() { c.strobeAutoOff(gen) })

	if flash {
		interval := c.config.FlashInterval.D()
		if interval <= 0 {
			interval = defaultFlashInterval
		}
		ticker := c.clock.NewTicker(interval)
		c.flashers.Add(1)
		go c.flash(gen, ticker)
	}
	c.logger.Infof("alarm: strobe on (flash=%v) for %v", flash, d)
}

// flash toggles the strobe on every tick until its generation is superseded.
func (c *Controller) flash(gen uint64, ticker clockwork.Ticker) {
	defer c.flashers.Done()
	defer ticker.Stop()

	lit := true
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.Chan():
		}

		c.mu.Lock()
		if gen != c.strobeGen || !c.state.StrobeOn {
			c.mu.Unlock()
			return
		}
		lit = !lit
		c.write(c.lines.Strobe, lit)
		c.mu.Unlock()
	}
}

func (c *Controller) strobeAutoOff(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.strobeGen || !c.state.StrobeOn {
		return
	}
	c.lightOffLocked()
	c.logger.Info("alarm: strobe auto-off")
}

// LightOff turns the strobe off and stops flashing.
func (c *Controller) LightOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lightOffLocked()
}

func (c *Controller) lightOffLocked() {
	c.strobeGen++
	if c.strobeTimer != nil {
		c.strobeTimer.Stop()
		c.strobeTimer = nil
	}
	c.state.StrobeOn = false
	c.state.Flashing = false
	c.write(c.lines.Strobe, false)
}

// BroadcastTTS speaks text over the PA repeat times. The relay is engaged and allowed to
// settle first, and is always released afterwards, even when synthesis fails. Concurrent
// broadcasts queue for the PA. It reports whether every repeat was played.
func (c *Controller) BroadcastTTS(ctx context.Context, text string, repeat int) bool {
	if repeat <= 0 {
		repeat = 1
	}

	select {
	case c.paSem <- struct{}{}:
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return false
	}
	defer func() { <-c.paSem }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.paGen++
	gen := c.paGen
	c.state.PAOn = true
	engaged := c.write(c.lines.PA, true)
	c.mu.Unlock()
	c.activated("pa")

	defer func() {
		c.mu.Lock()
		if c.paGen == gen {
			c.state.PAOn = false
		}
		c.write(c.lines.PA, false)
		c.mu.Unlock()
	}()

	if !engaged {
		return false
	}
	if !c.sleep(ctx, c.config.PASettle.D()) {
		return false
	}

	for i := 0; i < repeat; i++ {
		if i > 0 && !c.sleep(ctx, c.config.RepeatPause.D()) {
			return false
		}
		c.mu.Lock()
		superseded := c.paGen != gen
		c.mu.Unlock()
		if superseded {
			return false
		}

		if err := c.speaker.Speak(ctx, text); err != nil {
			c.logger.Errorf("alarm: speech failed on repeat %d/%d: %v", i+1, repeat, err)
			return false
		}
	}
	c.logger.Infof("alarm: announced %q x%d", text, repeat)
	return true
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// MessageFor returns the spoken text for a level: the configured override or the
// default.
func (c *Controller) MessageFor(level int) string {
	if m, ok := c.config.Messages[level]; ok && m != "" {
		return m
	}
	if level > 4 {
		level = 4
	}
	return DefaultMessages[level]
}

// TriggerAlert escalates the outputs for an alert level: level 2 and above flash the
// strobe, level 3 and above also sound the siren, and every level from 1 up is announced
// over the PA. The announcement runs in the background. An empty message uses the
// level's default text.
func (c *Controller) TriggerAlert(level int, message string) {
	if level <= 0 {
		return
	}
	c.logger.Warnf("alarm: triggering alert level %d", level)

	if level >= 2 {
		c.LightOn(true, c.config.StrobeDuration.D())
	}
	if level >= 3 {
		c.SirenOn(c.config.SirenDuration.D())
	}

	text := message
	if text == "" {
		text = c.MessageFor(level)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.speech.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.speech.Done()
		c.BroadcastTTS(c.ctx, text, c.config.SpeechRepeat)
	}()
}

// AllOff silences every output and abandons any announcement in progress.
func (c *Controller) AllOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sirenOffLocked()
	c.lightOffLocked()
	c.paGen++
	c.state.PAOn = false
	c.write(c.lines.PA, false)
}

// State returns a snapshot of the outputs.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until background announcements have finished.
func (c *Controller) Wait() {
	c.speech.Wait()
}

// Close turns everything off, stops background work and waits for it.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.AllOff()
	c.cancel()
	c.speech.Wait()
	c.flashers.Wait()
	return nil
}
