// Package storage defines the sinks that flood decisions are published to: a time-series
// store and the notification transports downstream alerting listens on.
package storage

import (
	"context"
	"sync"

	"github.com/chrissnell/remoteflood/internal/fusion"
)

// StorageEngineInterface is an interface that provides a few standardized
// methods for various storage backends
type StorageEngineInterface interface {
	StartStorageEngine(context.Context, *sync.WaitGroup) chan<- fusion.FloodDecision
}

// HealthChecker is implemented by engines that can report on their backend.
type HealthChecker interface {
	CheckHealth(ctx context.Context) *Health
}
