package database

import "time"

// LevelBucket is one row of the flood_decisions_5m continuous aggregate.
type LevelBucket struct {
	Bucket        *time.Time `gorm:"column:bucket" json:"bucket"`
	StationID     string     `gorm:"column:station_id" json:"station_id"`
	WaterLevel    *float64   `gorm:"column:water_level" json:"water_level,omitempty"`
	MaxWaterLevel *float64   `gorm:"column:max_water_level" json:"max_water_level,omitempty"`
	Score         float64    `gorm:"column:score" json:"score"`
	MaxScore      float64    `gorm:"column:max_score" json:"max_score"`
	MaxLevel      int16      `gorm:"column:max_level" json:"max_level"`
}

// TableName implements the Tabler interface for the LevelBucket struct
func (LevelBucket) TableName() string {
	return "flood_decisions_5m"
}
