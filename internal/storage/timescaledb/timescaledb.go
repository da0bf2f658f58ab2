package timescaledb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chrissnell/remoteflood/internal/database"
	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Postgres error codes tolerated while creating the schema.
const (
	pgDuplicateObject       = "42710"
	pgInsufficientPrivilege = "42501"
)

// Storage holds the configuration for a TimescaleDB storage backend
type Storage struct {
	TimescaleDBConn *gorm.DB
	logger          *zap.SugaredLogger
}

// StartStorageEngine creates a goroutine loop to receive decisions and send
// them off to TimescaleDB
func (t *Storage) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup) chan<- fusion.FloodDecision {
	t.logger.Info("starting TimescaleDB storage engine...")
	decisionChan := make(chan fusion.FloodDecision, 10)
	wg.Add(1)
	go storage.ProcessDecisions(ctx, wg, decisionChan, t.StoreDecision, "TimescaleDB", t.logger)
	return decisionChan
}

// StoreDecision stores a decision in TimescaleDB
func (t *Storage) StoreDecision(d fusion.FloodDecision) error {
	rec, err := database.NewDecisionRecord(d)
	if err != nil {
		return err
	}
	if err := t.TimescaleDBConn.Create(&rec).Error; err != nil {
		return fmt.Errorf("could not store decision: %w", err)
	}
	return nil
}

type step struct {
	name string
	sql  string
	// tolerate lists error codes that are logged and skipped
	tolerate []string
}

var schema = []step{
	{name: "TimescaleDB extension", sql: createExtensionSQL, tolerate: []string{pgInsufficientPrivilege}},
	{name: "flood_trend type", sql: createTrendTypeSQL, tolerate: []string{pgDuplicateObject}},
	{name: "flood_decisions table", sql: createTableSQL},
	{name: "station index", sql: createStationIndexSQL},
	{name: "hypertable", sql: createHypertableSQL},
	{name: "5m view", sql: create5mViewSQL},
	{name: "5m aggregation policy", sql: addAggregationPolicy5mSQL},
	{name: "retention policy", sql: addRetentionPolicySQL},
}

// New sets up a new TimescaleDB storage backend
func New(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Storage, error) {
	var err error
	t := Storage{logger: logger}

	t.TimescaleDBConn, err = database.CreateConnection(dsn)
	if err != nil {
		return &Storage{}, err
	}

	for _, s := range schema {
		logger.Infof("creating %s...", s.name)
		err = t.TimescaleDBConn.WithContext(ctx).Exec(s.sql).Error
		if err == nil {
			continue
		}
		if tolerated(err, s.tolerate) {
			// CREATE TYPE has no IF NOT EXISTS, and a managed database may not let us
			// install extensions that are already present
			logger.Infof("skipping %s: %v", s.name, err)
			continue
		}
		return &Storage{}, fmt.Errorf("could not create %s: %w", s.name, err)
	}

	return &t, nil
}

func tolerated(err error, codes []string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}
