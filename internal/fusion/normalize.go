package fusion

import (
	"math"

	"github.com/chrissnell/remoteflood/internal/cloud"
)

const (
	dhtConfidence      = 0.6
	forecastConfidence = 0.7
	// humid heat favours convective storms
	dhtHotHumidBonus = 10.0
)

type knot struct{ x, y float64 }

// interpolate evaluates the piecewise-linear curve through knots, clamping outside them.
// Knots must be sorted by x.
func interpolate(x float64, knots []knot) float64 {
	if x <= knots[0].x {
		return knots[0].y
	}
	for i := 1; i < len(knots); i++ {
		if x <= knots[i].x {
			a, b := knots[i-1], knots[i]
			if b.x == a.x {
				return b.y
			}
			return a.y + (x-a.x)/(b.x-a.x)*(b.y-a.y)
		}
	}
	return knots[len(knots)-1].y
}

func clampScore(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

// levelRisk maps a water level onto 0-100: the warning level scores 40, the critical
// level 80 and the water reaching the sensor 100.
func (e *Engine) levelRisk(level float64) float64 {
	l := e.levels
	top := math.Max(l.MountHeight, l.Critical)
	return interpolate(level, []knot{{0, 0}, {l.Warning, 40}, {l.Critical, 80}, {top, 100}})
}

// NormalizeRadar converts a radar water level in meters.
func (e *Engine) NormalizeRadar(level float64) SensorInput {
	return SensorInput{
		Source:     SourceRadar,
		Value:      e.levelRisk(level),
		Raw:        level,
		Confidence: 1.0,
		Valid:      true,
		Timestamp:  e.clock.Now(),
	}
}

// NormalizeVision converts a camera-estimated water level in meters.
func (e *Engine) NormalizeVision(level, confidence float64) SensorInput {
	return SensorInput{
		Source:     SourceVision,
		Value:      e.levelRisk(level),
		Raw:        level,
		Confidence: math.Min(1, math.Max(0, confidence)),
		Valid:      true,
		Timestamp:  e.clock.Now(),
	}
}

// NormalizeDHT converts ambient temperature (°C) and relative humidity (%).
func (e *Engine) NormalizeDHT(temperature, humidity float64) SensorInput {
	v := interpolate(humidity, []knot{{0, 0}, {60, 20}, {90, 70}, {100, 100}})
	if temperature > 25 && humidity > 80 {
		v += dhtHotHumidBonus
	}
	return SensorInput{
		Source:     SourceDHT,
		Value:      clampScore(v),
		Raw:        humidity,
		Confidence: dhtConfidence,
		Valid:      true,
		Timestamp:  e.clock.Now(),
	}
}

// NormalizeCloud converts cloud cover (%) and type using the type's baseline rain
// probability.
func (e *Engine) NormalizeCloud(cover float64, t cloud.Type) SensorInput {
	return e.cloudInput(cover, t.RainProbability(), 1.0)
}

// NormalizeCloudAnalysis converts a full analysis, honouring a rain probability raised
// by the assisted path and the analysis confidence.
func (e *Engine) NormalizeCloudAnalysis(a cloud.Analysis) SensorInput {
	in := e.cloudInput(a.CoverPct, a.RainProbability, a.Confidence)
	in.Valid = a.Valid
	return in
}

func (e *Engine) cloudInput(cover, rain, confidence float64) SensorInput {
	cover = clampScore(cover)
	return SensorInput{
		Source:     SourceCloud,
		Value:      clampScore(0.5*cover + 0.5*rain),
		Raw:        cover,
		Confidence: confidence,
		Valid:      true,
		Timestamp:  e.clock.Now(),
	}
}

// NormalizeForecast converts the forecast rainfall total in millimeters.
func (e *Engine) NormalizeForecast(mm float64) SensorInput {
	return SensorInput{
		Source:     SourceForecast,
		Value:      interpolate(mm, []knot{{0, 0}, {5, 20}, {20, 60}, {50, 90}, {100, 100}}),
		Raw:        mm,
		Confidence: forecastConfidence,
		Valid:      true,
		Timestamp:  e.clock.Now(),
	}
}
