package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/jackc/pgtype"
	"github.com/lib/pq"
)

// DecisionRecord is one row of the flood_decisions hypertable.
type DecisionRecord struct {
	Time           time.Time      `gorm:"column:time;not null"`
	DecisionID     string         `gorm:"column:decision_id;not null"`
	StationID      string         `gorm:"column:station_id;not null"`
	Score          float64        `gorm:"column:score"`
	Level          int16          `gorm:"column:level"`
	Confidence     float64        `gorm:"column:confidence"`
	Trend          string         `gorm:"column:trend"`
	RateOfChange   float64        `gorm:"column:rate_of_change"`
	EtaWarningMin  *float64       `gorm:"column:eta_warning_min"`
	EtaCriticalMin *float64       `gorm:"column:eta_critical_min"`
	WaterLevel     *float64       `gorm:"column:water_level"`
	Inputs         pgtype.JSONB   `gorm:"column:inputs;type:jsonb;default:'[]';not null"`
	Weights        pgtype.JSONB   `gorm:"column:weights;type:jsonb;default:'{}';not null"`
	Actions        pq.StringArray `gorm:"column:actions;type:text[]"`
}

// TableName implements the Tabler interface for the DecisionRecord struct
func (DecisionRecord) TableName() string {
	return "flood_decisions"
}

// NewDecisionRecord flattens a decision into its table row. The radar input's raw value,
// when present, is kept as the water level so the level can be charted without unpacking
// the inputs column.
func NewDecisionRecord(d fusion.FloodDecision) (DecisionRecord, error) {
	rec := DecisionRecord{
		Time:           d.Timestamp,
		DecisionID:     d.ID.String(),
		StationID:      d.StationID,
		Score:          d.Score,
		Level:          int16(d.Level),
		Confidence:     d.Confidence,
		Trend:          string(d.Trend),
		RateOfChange:   d.RateOfChange,
		EtaWarningMin:  d.EtaWarningMin,
		EtaCriticalMin: d.EtaCriticalMin,
		Actions:        pq.StringArray(d.Actions),
	}

	if in, ok := d.Input(fusion.SourceRadar); ok {
		level := in.Raw
		rec.WaterLevel = &level
	}

	inputs := d.Inputs
	if inputs == nil {
		inputs = []fusion.SensorInput{}
	}
	if err := setJSONB(&rec.Inputs, inputs); err != nil {
		return DecisionRecord{}, fmt.Errorf("encoding inputs: %w", err)
	}
	weights := d.Weights
	if weights == nil {
		weights = map[fusion.Source]float64{}
	}
	if err := setJSONB(&rec.Weights, weights); err != nil {
		return DecisionRecord{}, fmt.Errorf("encoding weights: %w", err)
	}
	return rec, nil
}

func setJSONB(dst *pgtype.JSONB, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dst.Set(b)
}
