package storage

import (
	"context"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"go.uber.org/zap"
)

// StartHealthMonitor checks a backend now and then on every interval, recording the
// result in hm.
func StartHealthMonitor(ctx context.Context, wg *sync.WaitGroup, hm *HealthManager, storageType string, checker HealthChecker, interval time.Duration, logger *zap.SugaredLogger) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		updateHealth := func() {
			health := checker.CheckHealth(ctx)
			hm.UpdateHealth(storageType, health)
			logger.Debugf("updated %s health status: %s", storageType, health.Status)
		}

		updateHealth()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				updateHealth()
			case <-ctx.Done():
				logger.Infof("stopping %s health monitor", storageType)
				return
			}
		}
	}()
}

// ProcessDecisions provides a standard pattern for processing decisions from a channel
func ProcessDecisions(ctx context.Context, wg *sync.WaitGroup, decisions <-chan fusion.FloodDecision, processor func(fusion.FloodDecision) error, name string, logger *zap.SugaredLogger) {
	defer wg.Done()

	for {
		select {
		case d := <-decisions:
			if err := processor(d); err != nil {
				logger.Errorf("%s decision processor error: %v", name, err)
			}
		case <-ctx.Done():
			logger.Infof("cancellation request received. Cancelling %s decision processor", name)
			return
		}
	}
}

// CreateHealthData creates a basic health data structure
func CreateHealthData(status, message string, err error) *Health {
	health := &Health{
		LastCheck: time.Now(),
		Status:    status,
		Message:   message,
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}
