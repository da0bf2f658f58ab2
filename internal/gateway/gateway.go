// Package gateway is the central side of the radio network. It tracks what every station
// reports, raises an area-wide alert when one of them reaches the configured level, and
// exposes the network over HTTP.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/cloud"
	"github.com/chrissnell/remoteflood/internal/database"
	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/radio"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/chrissnell/remoteflood/pkg/responseformat"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultAreaMessage = "Flood alert level %d reported at %s. Follow instructions from local authorities."

// Radio is satisfied by *radio.Gateway.
type Radio interface {
	Address() uint8
	On(t wire.MessageType, h radio.Handler) error
	SendMessage(dst uint8, msg wire.Message) bool
	BroadcastAlert(level uint8, message string) bool
	NodeStatus() map[uint8]radio.NodeStatus
}

// Publisher is satisfied by *managers.PublishManager.
type Publisher interface {
	Publish(d fusion.FloodDecision) bool
}

// History is satisfied by *database.Client.
type History interface {
	LevelHistory(ctx context.Context, stationID string, since time.Time) ([]database.LevelBucket, error)
}

type Option func(*Server)

func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithPublisher records every station alert report as a decision.
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithHistory enables the level history endpoint.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithStorageHealth exposes backend health on the status endpoint.
func WithStorageHealth(hm *storage.HealthManager) Option {
	return func(s *Server) { s.health = hm }
}

// Server is the gateway daemon.
type Server struct {
	config    config.GatewayData
	radio     Radio
	registry  *Registry
	hub       *Hub
	formatter *responseformat.Formatter
	logger    *zap.SugaredLogger
	clock     clockwork.Clock

	publisher Publisher
	history   History
	health    *storage.HealthManager

	httpServer http.Server
}

func New(cfg config.GatewayData, r Radio, logger *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		config:    cfg,
		radio:     r,
		registry:  NewRegistry(cfg.Stations),
		hub:       NewHub(logger),
		formatter: responseformat.NewFormatter(),
		logger:    logger,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer.Addr = cfg.ListenAddr
	s.httpServer.Handler = s.Router()
	return s
}

// Registry returns the station registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start subscribes to station reports and, when a listen address is configured, serves
// the HTTP API until ctx is done.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := s.subscribe(); err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()

	if s.config.ListenAddr == "" {
		return nil
	}

	s.logger.Infof("gateway API listening on %s", s.config.ListenAddr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Errorf("gateway API server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down the gateway API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	return nil
}

func (s *Server) subscribe() error {
	for _, t := range wire.KnownTypes {
		if err := s.radio.On(t, s.handleReport); err != nil {
			return fmt.Errorf("register %s handler: %w", t, err)
		}
	}
	return nil
}

// handleReport folds one station message into the registry.
func (s *Server) handleReport(_ context.Context, pkt wire.Packet, msg wire.Message) error {
	now := s.clock.Now()

	var apply func(*StationState)
	var alert bool

	switch m := msg.(type) {
	case wire.HeartbeatMsg:
		apply = func(st *StationState) { st.UptimeSec = m.UptimeSec }
	case wire.WaterLevelReport:
		apply = func(st *StationState) { st.LevelM = ptr(float64(m.LevelMM) / 1000) }
	case wire.WeatherReport:
		apply = func(st *StationState) {
			st.TemperatureC = ptr(float64(m.TempDeciC) / 10)
			st.HumidityPct = ptr(float64(m.HumidityDeciPct) / 10)
		}
	case wire.CloudCoverReport:
		apply = func(st *StationState) {
			st.CoverPct = ptr(float64(m.CoverPct))
			st.CloudType = cloud.Type(m.CloudType).String()
			st.RainProbability = ptr(float64(m.RainProbability))
		}
	case wire.AlertReport:
		alert = true
		apply = func(st *StationState) {
			if int(m.Level) != st.AlertLevel {
				st.AlertAt = now
			}
			st.AlertLevel = int(m.Level)
			st.Score = float64(m.Score)
		}
	case wire.AckMsg:
		apply = func(st *StationState) {
			st.LastReply = &CommandReply{Command: m.Kind.String(), Seq: m.Seq, Ok: true, At: now}
		}
	case wire.NackMsg:
		apply = func(st *StationState) {
			st.LastReply = &CommandReply{Command: m.Kind.String(), Seq: m.Seq, Reason: nackReason(m.Reason), At: now}
		}
	case wire.AlertCommand, wire.BroadcastCmd, wire.SirenCmd, wire.CalibrateCmd:
		// commands from another gateway are not station state
		return nil
	default:
		return nil
	}

	before, after := s.registry.Update(pkt.Src, now, apply)
	s.hub.Publish(EventStation, after)

	switch msg.(type) {
	case wire.AckMsg, wire.NackMsg:
		s.hub.Publish(EventReply, after.LastReply)
	}

	if alert {
		s.onAlertReport(before, after)
	}
	return nil
}

func nackReason(r uint8) string {
	switch r {
	case wire.NackMalformed:
		return "malformed"
	case wire.NackFailed:
		return "failed"
	case wire.NackDisabled:
		return "disabled"
	}
	return fmt.Sprintf("reason %d", r)
}

// onAlertReport records the station's verdict and raises the area alert when the
// station has just climbed to or past the area broadcast level.
func (s *Server) onAlertReport(before, after StationState) {
	level := fusion.AlertLevel(after.AlertLevel)

	if s.publisher != nil {
		trend := fusion.TrendStable
		switch {
		case after.Score > before.Score:
			trend = fusion.TrendRising
		case after.Score < before.Score:
			trend = fusion.TrendFalling
		}
		s.publisher.Publish(fusion.FloodDecision{
			ID:        uuid.New(),
			Timestamp: after.LastSeen,
			StationID: after.ID,
			Score:     after.Score,
			Level:     level,
			Actions:   fusion.Actions(level),
			Trend:     trend,
		})
	}

	threshold := s.config.AreaBroadcastLevel
	if threshold <= 0 || after.AlertLevel < threshold || after.AlertLevel <= before.AlertLevel {
		return
	}

	name := after.Name
	if name == "" {
		name = after.ID
	}
	text := s.config.AreaBroadcastMessage
	if text == "" {
		text = fmt.Sprintf(defaultAreaMessage, after.AlertLevel, name)
	}
	s.logger.Warnf("station %s reached alert level %d, broadcasting area alert", name, after.AlertLevel)
	s.broadcast(uint8(after.AlertLevel), text)
}

func (s *Server) broadcast(level uint8, text string) bool {
	ok := s.radio.BroadcastAlert(level, text)
	if !ok {
		s.logger.Errorf("area alert level %d could not be sent", level)
	}
	s.hub.Publish(EventBroadcast, map[string]any{"level": level, "message": text, "sent": ok})
	return ok
}
