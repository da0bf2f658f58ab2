package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
)

// StationState is the gateway's latest knowledge of one station, assembled from the
// reports it uploads.
type StationState struct {
	Address  uint8     `json:"address"`
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`

	UptimeSec       uint32   `json:"uptime_sec"`
	LevelM          *float64 `json:"level_m,omitempty"`
	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	HumidityPct     *float64 `json:"humidity_pct,omitempty"`
	CoverPct        *float64 `json:"cover_pct,omitempty"`
	CloudType       string   `json:"cloud_type,omitempty"`
	RainProbability *float64 `json:"rain_probability,omitempty"`

	AlertLevel int       `json:"alert_level"`
	Score      float64   `json:"score"`
	AlertAt    time.Time `json:"alert_at,omitempty"`

	LastReply *CommandReply `json:"last_reply,omitempty"`
}

// CommandReply is a station's answer to the last command it acknowledged or refused.
type CommandReply struct {
	Command string    `json:"command"`
	Seq     uint8     `json:"seq"`
	Ok      bool      `json:"ok"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Registry keeps StationState by radio address. Stations named in the configuration are
// known from the start; any other address is added when first heard.
type Registry struct {
	mu       sync.RWMutex
	stations map[uint8]*StationState
}

func NewRegistry(refs []config.StationRefData) *Registry {
	r := &Registry{stations: make(map[uint8]*StationState, len(refs))}
	for _, ref := range refs {
		r.stations[ref.Address] = &StationState{Address: ref.Address, ID: ref.ID, Name: ref.Name}
	}
	return r
}

// Update applies fn to the station at addr, creating it if needed, and returns the
// state before and after.
func (r *Registry) Update(addr uint8, seen time.Time, fn func(*StationState)) (before, after StationState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stations[addr]
	if !ok {
		st = &StationState{Address: addr, ID: fmt.Sprintf("node-%02x", addr)}
		r.stations[addr] = st
	}
	before = *st
	st.LastSeen = seen
	fn(st)
	return before, *st
}

func (r *Registry) Get(addr uint8) (StationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stations[addr]
	if !ok {
		return StationState{}, false
	}
	return *st, true
}

// ByID finds a station by its configured or generated id.
func (r *Registry) ByID(id string) (StationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.stations {
		if st.ID == id {
			return *st, true
		}
	}
	return StationState{}, false
}

// All returns every station ordered by address.
func (r *Registry) All() []StationState {
	r.mu.RLock()
	out := make([]StationState, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, *st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func ptr(v float64) *float64 { return &v }
