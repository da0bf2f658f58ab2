// Package cloud estimates sky cloud cover from a camera snapshot, either locally by
// colour segmentation or with the help of an external image classifier.
package cloud

import (
	"fmt"
	"strings"
	"time"
)

// Type is a coarse cloud genus. The numeric values travel in radio cloud-cover reports.
type Type uint8

const (
	Clear Type = iota
	Cirrus
	Cumulus
	Stratus
	Nimbostratus
	Cumulonimbus
)

var typeNames = map[Type]string{
	Clear:        "clear",
	Cirrus:       "cirrus",
	Cumulus:      "cumulus",
	Stratus:      "stratus",
	Nimbostratus: "nimbostratus",
	Cumulonimbus: "cumulonimbus",
}

// baseline rain probability in percent for each cloud type
var rainBaseline = map[Type]float64{
	Clear:        0,
	Cirrus:       10,
	Cumulus:      30,
	Stratus:      50,
	Nimbostratus: 80,
	Cumulonimbus: 95,
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// RainProbability returns the baseline chance of rain for the cloud type. Unknown types
// count as clear sky.
func (t Type) RainProbability() float64 {
	return rainBaseline[t]
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, ok := ParseType(string(b))
	if !ok {
		return fmt.Errorf("unknown cloud type %q", string(b))
	}
	*t = parsed
	return nil
}

// ParseType maps a label such as "Cumulonimbus" or "clear sky" to a Type.
func ParseType(label string) (Type, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	for t, n := range typeNames {
		if strings.HasPrefix(l, n) {
			return t, true
		}
	}
	switch l {
	case "cb", "thunderstorm", "storm":
		return Cumulonimbus, true
	case "ns", "rain":
		return Nimbostratus, true
	case "overcast", "st", "fog":
		return Stratus, true
	case "cu":
		return Cumulus, true
	case "ci", "cirrostratus", "cirrocumulus":
		return Cirrus, true
	case "sunny", "none":
		return Clear, true
	}
	return Clear, false
}

// Analysis is one cloud-cover sample.
type Analysis struct {
	Timestamp       time.Time `json:"timestamp"`
	CoverPct        float64   `json:"cover_pct"`
	Type            Type      `json:"type"`
	Brightness      float64   `json:"brightness"`
	RainProbability float64   `json:"rain_probability"`
	Confidence      float64   `json:"confidence"`
	Method          string    `json:"method"`
	Note            string    `json:"note,omitempty"`
	Valid           bool      `json:"valid"`
}

const (
	MethodFast     = "fast"
	MethodAssisted = "assisted"
)

// Estimate is the result of one analysis path. It is either a FastEstimate or an
// AssistedEstimate.
type Estimate interface {
	Analysis() Analysis
	isEstimate()
}

// FastEstimate comes from local colour segmentation.
type FastEstimate struct {
	result        Analysis
	SampledPixels int
	SkyPixels     int
}

func (e FastEstimate) Analysis() Analysis { return e.result }
func (FastEstimate) isEstimate()          {}

// AssistedEstimate comes from the external classifier. Floor is the fast estimate it was
// built on; when the classifier failed, Degraded is set and the result reuses the floor's
// numbers.
type AssistedEstimate struct {
	result   Analysis
	Floor    FastEstimate
	Label    string
	Degraded bool
	Err      error
}

func (e AssistedEstimate) Analysis() Analysis { return e.result }
func (AssistedEstimate) isEstimate()          {}
