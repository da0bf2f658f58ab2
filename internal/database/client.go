// Package database holds the TimescaleDB connection and the models stored in it.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/remoteflood/internal/log"
	"go.uber.org/zap"
)

// Client holds the connection to a TimescaleDB database
type Client struct {
	dsn    string
	DB     *gorm.DB // Exported so it can be accessed from other packages
	logger *zap.SugaredLogger
}

// NewClient creates a new database client
func NewClient(dsn string, logger *zap.SugaredLogger) *Client {
	return &Client{
		dsn:    dsn,
		logger: logger,
	}
}

// Connect connects to the TimescaleDB database
func (c *Client) Connect() error {
	var err error
	c.DB, err = CreateConnection(c.dsn)
	if err != nil {
		return err
	}
	c.logger.Info("TimescaleDB connection successful")
	return nil
}

// LatestDecision returns the newest stored decision for a station.
func (c *Client) LatestDecision(ctx context.Context, stationID string) (DecisionRecord, error) {
	var rec DecisionRecord
	err := c.DB.WithContext(ctx).
		Where("station_id = ?", stationID).
		Order("time DESC").
		First(&rec).Error
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("error querying latest decision for %s: %w", stationID, err)
	}
	return rec, nil
}

// LevelHistory returns the 5-minute aggregates for a station since the given time,
// oldest first.
func (c *Client) LevelHistory(ctx context.Context, stationID string, since time.Time) ([]LevelBucket, error) {
	var buckets []LevelBucket
	err := c.DB.WithContext(ctx).
		Where("station_id = ? AND bucket >= ?", stationID, since).
		Order("bucket ASC").
		Find(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("error querying level history for %s: %w", stationID, err)
	}
	return buckets, nil
}

// CreateConnection is a helper function to create a database connection with standard GORM configuration
func CreateConnection(connectionString string) (*gorm.DB, error) {
	// Create a logger for gorm
	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Info("connecting to TimescaleDB...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		log.Warnf("warning: unable to create a TimescaleDB connection: %v", err)
		return nil, err
	}

	return db, nil
}
