// Package fusion turns heterogeneous sensor evidence into a single flood-risk score and
// alert level.
package fusion

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies a kind of evidence.
type Source string

const (
	SourceRadar    Source = "radar"
	SourceVision   Source = "vision"
	SourceCloud    Source = "cloud"
	SourceDHT      Source = "dht"
	SourceForecast Source = "forecast"
)

// SensorInput is a reading normalised to a 0-100 risk value. Raw keeps the value in the
// sensor's own unit (meters, percent, millimeters).
type SensorInput struct {
	Source     Source    `json:"source"`
	Value      float64   `json:"value"`
	Raw        float64   `json:"raw"`
	Confidence float64   `json:"confidence"`
	Valid      bool      `json:"valid"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertLevel is the ordinal risk class, 0 (safe) to 4 (evacuate).
type AlertLevel int

const (
	LevelSafe AlertLevel = iota
	LevelCaution
	LevelWatch
	LevelDanger
	LevelEvacuate
)

// MaxLevel is the highest alert level.
const MaxLevel = LevelEvacuate

var levelNames = [...]string{"safe", "caution", "watch", "danger", "evacuate"}

func (l AlertLevel) String() string {
	if l >= LevelSafe && l <= MaxLevel {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Trend is the direction of the fused score between consecutive decisions.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// NoDataAction is the only action of a decision made without any valid source.
const NoDataAction = "no data: no valid sensor sources"

// FloodDecision is the engine's verdict for one cycle. It is never modified after Decide
// returns it.
type FloodDecision struct {
	ID             uuid.UUID          `json:"id"`
	Timestamp      time.Time          `json:"timestamp"`
	StationID      string             `json:"station_id"`
	Score          float64            `json:"score"`
	Level          AlertLevel         `json:"level"`
	Inputs         []SensorInput      `json:"inputs"`
	Weights        map[Source]float64 `json:"weights"`
	Confidence     float64            `json:"confidence"`
	Actions        []string           `json:"actions"`
	Trend          Trend              `json:"trend"`
	RateOfChange   float64            `json:"rate_of_change_m_per_min"`
	EtaWarningMin  *float64           `json:"eta_warning_min,omitempty"`
	EtaCriticalMin *float64           `json:"eta_critical_min,omitempty"`
}

// NoData reports whether the decision was made without any valid source.
func (d FloodDecision) NoData() bool {
	return len(d.Inputs) == 0
}

// Input returns the input from source s, if the decision used one.
func (d FloodDecision) Input(s Source) (SensorInput, bool) {
	for _, in := range d.Inputs {
		if in.Source == s {
			return in, true
		}
	}
	return SensorInput{}, false
}

// Levels are the station's water-level landmarks in meters above the gauge datum.
type Levels struct {
	Warning     float64
	Critical    float64
	MountHeight float64
}
