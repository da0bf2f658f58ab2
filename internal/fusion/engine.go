package fusion

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var actionsByLevel = map[AlertLevel][]string{
	LevelSafe: {
		"continue normal monitoring",
	},
	LevelCaution: {
		"increase monitoring frequency",
		"notify the station operator",
	},
	LevelWatch: {
		"prepare to evacuate low-lying areas",
		"alert local authorities",
	},
	LevelDanger: {
		"evacuate riverside and low-lying areas",
		"sound siren and strobe",
		"notify emergency services",
	},
	LevelEvacuate: {
		"evacuate immediately",
		"sound all alarms",
		"request emergency response",
	},
}

// Actions returns the suggested actions for an alert level.
func Actions(l AlertLevel) []string {
	a := actionsByLevel[l]
	return append([]string(nil), a...)
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// history is the engine's memory of the previous cycle.
type history struct {
	hasScore  bool
	prevScore float64

	hasRadar  bool
	prevLevel float64
	prevTime  time.Time
	rate      float64
}

// Engine fuses normalised inputs into decisions. It performs no I/O. Decide may be
// called from one goroutine at a time per station; the mutex only protects the history
// against concurrent readers such as LastScore.
type Engine struct {
	stationID  string
	weights    map[Source]float64
	thresholds []float64
	hysteresis float64
	levels     Levels
	clock      clockwork.Clock

	mu      sync.Mutex
	history history
}

// New creates an engine for one station. Weights and thresholds come from the system
// configuration; missing values fall back to the defaults.
func New(stationID string, sys config.SystemData, levels Levels, opts ...Option) *Engine {
	w := sys.Weights
	if w == (config.WeightsData{}) {
		w = config.DefaultWeights
	}
	thresholds := sys.Thresholds
	if len(thresholds) == 0 {
		thresholds = config.DefaultThresholds
	}
	hysteresis := sys.TrendHysteresis
	if hysteresis <= 0 {
		hysteresis = 2.0
	}

	e := &Engine{
		stationID: stationID,
		weights: map[Source]float64{
			SourceRadar:    w.Radar,
			SourceVision:   w.Vision,
			SourceCloud:    w.Cloud,
			SourceDHT:      w.DHT,
			SourceForecast: w.Forecast,
		},
		thresholds: append([]float64(nil), thresholds...),
		hysteresis: hysteresis,
		levels:     levels,
		clock:      clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LevelFor maps a score to an alert level: the number of thresholds at or below the
// score. Higher scores never give lower levels.
func (e *Engine) LevelFor(score float64) AlertLevel {
	return AlertLevel(sort.Search(len(e.thresholds), func(i int) bool { return e.thresholds[i] > score }))
}

// Decide fuses one cycle's inputs. Invalid inputs and sources without weight are
// ignored; the weights of the remaining sources are renormalised to sum to one. With no
// usable input the decision is level 0 with a no-data action and the history is left
// untouched.
func (e *Engine) Decide(inputs []SensorInput) FloodDecision {
	now := e.clock.Now()
	d := FloodDecision{
		ID:        uuid.New(),
		Timestamp: now,
		StationID: e.stationID,
		Trend:     TrendStable,
		Weights:   map[Source]float64{},
	}

	var used []SensorInput
	var total float64
	for _, in := range inputs {
		if !in.Valid || e.weights[in.Source] <= 0 || math.IsNaN(in.Value) {
			continue
		}
		used = append(used, in)
		total += e.weights[in.Source]
	}

	if len(used) == 0 {
		d.Level = LevelSafe
		d.Actions = []string{NoDataAction}
		e.mu.Lock()
		d.RateOfChange = e.history.rate
		e.mu.Unlock()
		return d
	}

	var score, confidence float64
	for _, in := range used {
		w := e.weights[in.Source] / total
		d.Weights[in.Source] += w
		score += w * in.Value
		confidence += w * in.Confidence
	}
	d.Inputs = used
	d.Score = clampScore(score)
	d.Confidence = confidence
	d.Level = e.LevelFor(d.Score)
	d.Actions = Actions(d.Level)

	radar, hasRadar := d.Input(SourceRadar)
	radarTime := radar.Timestamp
	if radarTime.IsZero() {
		radarTime = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	h := &e.history

	if h.hasScore {
		switch delta := d.Score - h.prevScore; {
		case delta > e.hysteresis:
			d.Trend = TrendRising
		case delta < -e.hysteresis:
			d.Trend = TrendFalling
		}
	}

	if hasRadar && h.hasRadar {
		if minutes := radarTime.Sub(h.prevTime).Minutes(); minutes > 0 {
			h.rate = (radar.Raw - h.prevLevel) / minutes
		}
	}
	d.RateOfChange = h.rate

	if hasRadar && d.Trend == TrendRising && h.rate > 0 {
		d.EtaWarningMin = eta(radar.Raw, e.levels.Warning, h.rate)
		d.EtaCriticalMin = eta(radar.Raw, e.levels.Critical, h.rate)
	}

	// history moves forward only after the decision is complete
	h.hasScore = true
	h.prevScore = d.Score
	if hasRadar {
		h.hasRadar = true
		h.prevLevel = radar.Raw
		h.prevTime = radarTime
	}

	return d
}

// eta returns minutes until level reaches threshold at rate m/min, or nil when the
// threshold is already reached.
func eta(level, threshold, rate float64) *float64 {
	if level >= threshold || rate <= 0 {
		return nil
	}
	m := (threshold - level) / rate
	return &m
}

// LastScore returns the score of the previous decision that had data.
func (e *Engine) LastScore() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.prevScore, e.history.hasScore
}
