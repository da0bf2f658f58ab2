package managers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/observability"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu       sync.Mutex
	received []fusion.FloodDecision
	block    chan struct{}
	healthy  bool
	buffer   int
}

func (f *fakeEngine) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup) chan<- fusion.FloodDecision {
	c := make(chan fusion.FloodDecision, f.buffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case d := <-c:
				if f.block != nil {
					<-f.block
				}
				f.mu.Lock()
				f.received = append(f.received, d)
				f.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

func (f *fakeEngine) CheckHealth(context.Context) *storage.Health {
	if f.healthy {
		return storage.CreateHealthData(storage.StatusHealthy, "ok", nil)
	}
	return storage.CreateHealthData(storage.StatusUnhealthy, "down", nil)
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestManager(t *testing.T) (*PublishManager, context.Context, *sync.WaitGroup) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	wg := &sync.WaitGroup{}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return newPublishManager(zap.NewNop().Sugar(), observability.NewMetricsForTesting()), ctx, wg
}

func TestPublishFansOutToEveryEngine(t *testing.T) {
	s, ctx, wg := newTestManager(t)
	a, b := &fakeEngine{healthy: true, buffer: 1}, &fakeEngine{buffer: 1}
	s.AddEngine(ctx, wg, "a", a)
	s.AddEngine(ctx, wg, "b", b)
	wg.Add(1)
	go s.startDecisionDistributor(ctx, wg)

	assert.True(t, s.Publish(fusion.FloodDecision{StationID: "river-bend", Level: fusion.LevelWatch}))

	assert.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		h, ok := s.Health.GetHealth("a")
		return ok && h.Status == storage.StatusHealthy
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Health.IsHealthy("b", time.Minute) && s.Health.IsHealthy("a", time.Minute) }, time.Second, 5*time.Millisecond)
}

func TestSlowEngineDoesNotHoldUpOthers(t *testing.T) {
	s, ctx, wg := newTestManager(t)
	slow := &fakeEngine{block: make(chan struct{})}
	fast := &fakeEngine{buffer: 10}
	s.AddEngine(ctx, wg, "slow", slow)
	s.AddEngine(ctx, wg, "fast", fast)
	wg.Add(1)
	go s.startDecisionDistributor(ctx, wg)
	defer close(slow.block)

	for i := 0; i < 5; i++ {
		require.True(t, s.Publish(fusion.FloodDecision{StationID: "river-bend"}))
	}

	assert.Eventually(t, func() bool { return fast.count() == 5 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.PublishErrors.WithLabelValues("slow")), 1.0)
}

func TestPublishDropsWhenQueueIsFull(t *testing.T) {
	s := newPublishManager(zap.NewNop().Sugar(), observability.NewMetricsForTesting())
	// no distributor running, so the queue only fills
	for i := 0; i < cap(s.DecisionDistributor); i++ {
		require.True(t, s.Publish(fusion.FloodDecision{}))
	}
	assert.False(t, s.Publish(fusion.FloodDecision{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.PublishErrors.WithLabelValues("distributor")))
}

func TestNewPublishManagerWithoutEngines(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	wg := &sync.WaitGroup{}
	s, err := NewPublishManager(ctx, wg, config.StorageData{}, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	assert.Empty(t, s.Engines)
	assert.True(t, s.Publish(fusion.FloodDecision{}))
	cancel()
	wg.Wait()
}
