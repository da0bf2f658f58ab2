// Package managers wires the configured publish engines together and fans decisions out
// to them.
package managers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/observability"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/chrissnell/remoteflood/internal/storage/kafka"
	"github.com/chrissnell/remoteflood/internal/storage/mqtt"
	"github.com/chrissnell/remoteflood/internal/storage/timescaledb"
	"github.com/chrissnell/remoteflood/pkg/config"
	"go.uber.org/zap"
)

const healthInterval = 60 * time.Second

// PublishManager holds our active publish engines
type PublishManager struct {
	Engines             []PublishEngine
	DecisionDistributor chan fusion.FloodDecision
	Health              *storage.HealthManager

	logger  *zap.SugaredLogger
	metrics *observability.Metrics
}

// PublishEngine holds a backend's interface as well as the channel for passing decisions
// to it
type PublishEngine struct {
	Name   string
	Engine storage.StorageEngineInterface
	C      chan<- fusion.FloodDecision
}

// NewPublishManager creates a PublishManager populated with every configured engine and
// starts distributing. An engine that cannot be set up is a startup error.
func NewPublishManager(ctx context.Context, wg *sync.WaitGroup, c config.StorageData, logger *zap.SugaredLogger, metrics *observability.Metrics) (*PublishManager, error) {
	s := newPublishManager(logger, metrics)

	if c.TimescaleDB != nil && c.TimescaleDB.ConnectionString != "" {
		engine, err := timescaledb.New(ctx, c.TimescaleDB.ConnectionString, logger)
		if err != nil {
			return s, fmt.Errorf("could not add TimescaleDB storage backend: %v", err)
		}
		s.AddEngine(ctx, wg, "timescaledb", engine)
	}

	if c.MQTT != nil && c.MQTT.Broker != "" {
		engine, err := mqtt.New(*c.MQTT, logger)
		if err != nil {
			return s, fmt.Errorf("could not add MQTT storage backend: %v", err)
		}
		s.AddEngine(ctx, wg, "mqtt", engine)
	}

	if c.Kafka != nil && len(c.Kafka.Brokers) > 0 {
		engine, err := kafka.New(*c.Kafka, logger)
		if err != nil {
			return s, fmt.Errorf("could not add Kafka storage backend: %v", err)
		}
		s.AddEngine(ctx, wg, "kafka", engine)
	}

	wg.Add(1)
	go s.startDecisionDistributor(ctx, wg)

	return s, nil
}

func newPublishManager(logger *zap.SugaredLogger, metrics *observability.Metrics) *PublishManager {
	return &PublishManager{
		DecisionDistributor: make(chan fusion.FloodDecision, 20),
		Health:              storage.NewHealthManager(),
		logger:              logger,
		metrics:             metrics,
	}
}

// AddEngine starts engine and adds it to the fan-out. Engines that can report health
// are checked periodically.
func (s *PublishManager) AddEngine(ctx context.Context, wg *sync.WaitGroup, name string, engine storage.StorageEngineInterface) {
	pe := PublishEngine{Name: name, Engine: engine}
	pe.C = engine.StartStorageEngine(ctx, wg)
	s.Engines = append(s.Engines, pe)

	if hc, ok := engine.(storage.HealthChecker); ok {
		storage.StartHealthMonitor(ctx, wg, s.Health, name, hc, healthInterval, s.logger)
	}
	s.logger.Infof("publishing decisions to %s", name)
}

// Publish queues a decision for every engine without waiting on any of them. It reports
// false when the queue is full and the decision was dropped.
func (s *PublishManager) Publish(d fusion.FloodDecision) bool {
	select {
	case s.DecisionDistributor <- d:
		return true
	default:
		s.logger.Warnf("publish queue full, dropping decision %s", d.ID)
		s.publishFailed("distributor")
		return false
	}
}

func (s *PublishManager) publishFailed(engine string) {
	if s.metrics != nil {
		s.metrics.PublishErrors.WithLabelValues(engine).Inc()
	}
}

// startDecisionDistributor receives decisions and fans them out to the engines. A slow
// engine loses decisions rather than holding up the others.
func (s *PublishManager) startDecisionDistributor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case d := <-s.DecisionDistributor:
			for _, e := range s.Engines {
				select {
				case e.C <- d:
				default:
					s.logger.Warnf("%s is backed up, dropping decision %s", e.Name, d.ID)
					s.publishFailed(e.Name)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
