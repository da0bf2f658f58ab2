package storage

import (
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is the last known state of one storage backend.
type Health struct {
	LastCheck time.Time `json:"last_check"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// HealthManager keeps storage health in memory for the status API.
type HealthManager struct {
	mu     sync.RWMutex
	health map[string]Health
}

func NewHealthManager() *HealthManager {
	return &HealthManager{
		health: make(map[string]Health),
	}
}

// UpdateHealth records the status of a storage backend.
func (hm *HealthManager) UpdateHealth(storageType string, health *Health) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.health[storageType] = *health
}

// GetHealth retrieves the health status for a specific storage backend
func (hm *HealthManager) GetHealth(storageType string) (Health, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	h, ok := hm.health[storageType]
	return h, ok
}

// GetAllHealth retrieves all storage health statuses
func (hm *HealthManager) GetAllHealth() map[string]Health {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	result := make(map[string]Health, len(hm.health))
	for k, v := range hm.health {
		result[k] = v
	}
	return result
}

// IsHealthy reports whether a backend was last seen healthy within maxAge.
func (hm *HealthManager) IsHealthy(storageType string, maxAge time.Duration) bool {
	health, exists := hm.GetHealth(storageType)
	if !exists {
		return false
	}
	if time.Since(health.LastCheck) > maxAge {
		return false
	}
	return health.Status == StatusHealthy
}
