package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/log"
	"github.com/chrissnell/remoteflood/internal/radio"
	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 30
	maxRequestBody      = 4096
)

// Router builds the HTTP API.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.Use(log.HTTPMiddleware(s.logger))
	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/nodes", s.getNodes).Methods(http.MethodGet)
	api.HandleFunc("/stations", s.getStations).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", s.getStation).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}/history", s.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/broadcast", s.postBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/siren", s.postSiren).Methods(http.MethodPost)
	api.HandleFunc("/message", s.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/calibrate", s.postCalibrate).Methods(http.MethodPost)

	router.HandleFunc("/ws", s.hub.ServeWS)
	router.Handle("/metrics", promhttp.Handler())

	return router
}

type statusResponse struct {
	Address          uint8          `json:"address"`
	Stations         int            `json:"stations"`
	NodesOnline      int            `json:"nodes_online"`
	WebsocketClients int            `json:"websocket_clients"`
	Storage          map[string]any `json:"storage,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, req *http.Request) {
	resp := statusResponse{
		Address:          s.radio.Address(),
		Stations:         len(s.registry.All()),
		WebsocketClients: s.hub.Clients(),
	}
	for _, n := range s.radio.NodeStatus() {
		if n.Online {
			resp.NodesOnline++
		}
	}
	if s.health != nil {
		resp.Storage = map[string]any{}
		for name, h := range s.health.GetAllHealth() {
			resp.Storage[name] = h
		}
	}
	s.formatter.WriteResponse(w, req, http.StatusOK, resp)
}

func (s *Server) getNodes(w http.ResponseWriter, req *http.Request) {
	status := s.radio.NodeStatus()
	nodes := make([]radio.NodeStatus, 0, len(status))
	for _, n := range status {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	s.formatter.WriteResponse(w, req, http.StatusOK, nodes)
}

func (s *Server) getStations(w http.ResponseWriter, req *http.Request) {
	s.formatter.WriteResponse(w, req, http.StatusOK, s.registry.All())
}

func (s *Server) getStation(w http.ResponseWriter, req *http.Request) {
	st, ok := s.lookup(mux.Vars(req)["id"])
	if !ok {
		s.formatter.WriteError(w, req, http.StatusNotFound, "unknown station")
		return
	}
	s.formatter.WriteResponse(w, req, http.StatusOK, st)
}

func (s *Server) getHistory(w http.ResponseWriter, req *http.Request) {
	if s.history == nil {
		s.formatter.WriteError(w, req, http.StatusServiceUnavailable, "no database configured")
		return
	}
	st, ok := s.lookup(mux.Vars(req)["id"])
	if !ok {
		s.formatter.WriteError(w, req, http.StatusNotFound, "unknown station")
		return
	}

	hours := defaultHistoryHours
	if v := req.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 || h > maxHistoryHours {
			s.formatter.WriteError(w, req, http.StatusBadRequest, fmt.Sprintf("hours must be between 1 and %d", maxHistoryHours))
			return
		}
		hours = h
	}

	since := s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	buckets, err := s.history.LevelHistory(req.Context(), st.ID, since)
	if err != nil {
		s.logger.Errorf("level history for %s: %v", st.ID, err)
		s.formatter.WriteError(w, req, http.StatusInternalServerError, "history query failed")
		return
	}
	s.formatter.WriteResponse(w, req, http.StatusOK, buckets)
}

type broadcastRequest struct {
	Level   int    `json:"level"`
	Message string `json:"message"`
}

type commandResponse struct {
	Destination uint8  `json:"destination"`
	Command     string `json:"command"`
	Sent        bool   `json:"sent"`
}

func (s *Server) postBroadcast(w http.ResponseWriter, req *http.Request) {
	var body broadcastRequest
	if !s.decode(w, req, &body) {
		return
	}
	if body.Level < int(fusion.LevelSafe) || body.Level > int(fusion.MaxLevel) {
		s.formatter.WriteError(w, req, http.StatusBadRequest, "level must be between 0 and 4")
		return
	}
	if body.Message == "" && body.Level > 0 {
		body.Message = fmt.Sprintf("Flood alert level %d issued for this area.", body.Level)
	}

	ok := s.broadcast(uint8(body.Level), body.Message)
	s.commandResult(w, req, wire.BroadcastAddr, wire.Alert, ok)
}

type sirenRequest struct {
	Station     string `json:"station"`
	On          bool   `json:"on"`
	DurationSec uint16 `json:"duration_sec"`
}

func (s *Server) postSiren(w http.ResponseWriter, req *http.Request) {
	var body sirenRequest
	if !s.decode(w, req, &body) {
		return
	}
	dst, err := s.resolve(body.Station, true)
	if err != nil {
		s.formatter.WriteError(w, req, http.StatusBadRequest, err.Error())
		return
	}
	ok := s.radio.SendMessage(dst, wire.SirenCmd{On: body.On, DurationSec: body.DurationSec})
	s.commandResult(w, req, dst, wire.SirenCommand, ok)
}

type messageRequest struct {
	Station string `json:"station"`
	Text    string `json:"text"`
	Repeat  uint8  `json:"repeat"`
}

func (s *Server) postMessage(w http.ResponseWriter, req *http.Request) {
	var body messageRequest
	if !s.decode(w, req, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		s.formatter.WriteError(w, req, http.StatusBadRequest, "text is required")
		return
	}
	if len(body.Text) > wire.MaxBroadcastText {
		s.formatter.WriteError(w, req, http.StatusBadRequest, fmt.Sprintf("text is limited to %d bytes", wire.MaxBroadcastText))
		return
	}
	dst, err := s.resolve(body.Station, true)
	if err != nil {
		s.formatter.WriteError(w, req, http.StatusBadRequest, err.Error())
		return
	}
	if body.Repeat == 0 {
		body.Repeat = 1
	}
	ok := s.radio.SendMessage(dst, wire.BroadcastCmd{Repeat: body.Repeat, Text: body.Text})
	s.commandResult(w, req, dst, wire.BroadcastCommand, ok)
}

type calibrateRequest struct {
	Station string  `json:"station"`
	LevelM  float64 `json:"level_m"`
}

func (s *Server) postCalibrate(w http.ResponseWriter, req *http.Request) {
	var body calibrateRequest
	if !s.decode(w, req, &body) {
		return
	}
	if body.LevelM < 0 || body.LevelM*1000 > 65535 {
		s.formatter.WriteError(w, req, http.StatusBadRequest, "level_m is out of range")
		return
	}
	dst, err := s.resolve(body.Station, false)
	if err != nil {
		s.formatter.WriteError(w, req, http.StatusBadRequest, err.Error())
		return
	}
	ok := s.radio.SendMessage(dst, wire.CalibrateCmd{KnownLevelMM: uint16(body.LevelM*1000 + 0.5)})
	s.commandResult(w, req, dst, wire.CalibrateCommand, ok)
}

func (s *Server) decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.formatter.WriteError(w, req, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) commandResult(w http.ResponseWriter, req *http.Request, dst uint8, t wire.MessageType, ok bool) {
	status := http.StatusAccepted
	if !ok {
		status = http.StatusBadGateway
	}
	s.formatter.WriteResponse(w, req, status, commandResponse{Destination: dst, Command: t.String(), Sent: ok})
}

// lookup finds a station by id or by radio address.
func (s *Server) lookup(key string) (StationState, bool) {
	if st, ok := s.registry.ByID(key); ok {
		return st, true
	}
	if addr, err := strconv.ParseUint(key, 0, 8); err == nil {
		return s.registry.Get(uint8(addr))
	}
	return StationState{}, false
}

// resolve turns a station reference into a radio address. An empty reference or "all"
// means every station when allowBroadcast is set.
func (s *Server) resolve(ref string, allowBroadcast bool) (uint8, error) {
	if ref == "" || ref == "all" {
		if !allowBroadcast {
			return 0, fmt.Errorf("a station is required")
		}
		return wire.BroadcastAddr, nil
	}
	st, ok := s.lookup(ref)
	if !ok {
		return 0, fmt.Errorf("unknown station %q", ref)
	}
	return st.Address, nil
}
