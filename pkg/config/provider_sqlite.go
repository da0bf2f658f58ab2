package config

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createSectionsTableSQL = `
CREATE TABLE IF NOT EXISTS config_sections (
	section    TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// Section names used as keys in config_sections.
const (
	sectionStation = "station"
	sectionSystem  = "system"
	sectionRadio   = "radio"
	sectionGateway = "gateway"
	sectionStorage = "storage"
)

// SQLiteProvider implements ConfigProvider for SQLite database configuration. Each
// section is stored as one JSON document.
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if _, err := db.Exec(createSectionsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create config_sections table: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// LoadConfig loads the complete configuration from SQLite database. Missing sections are
// left zero so defaults apply.
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}

	sections := []struct {
		name string
		dst  interface{}
	}{
		{sectionStation, &config.Station},
		{sectionSystem, &config.System},
		{sectionRadio, &config.Radio},
		{sectionGateway, &config.Gateway},
		{sectionStorage, &config.Storage},
	}
	for _, sec := range sections {
		if err := s.loadSection(sec.name, sec.dst); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (s *SQLiteProvider) loadSection(name string, dst interface{}) error {
	var body string
	err := s.db.QueryRow(`SELECT body FROM config_sections WHERE section = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query %s section: %w", name, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return fmt.Errorf("failed to decode %s section: %w", name, err)
	}
	return nil
}

// GetStation returns the station section
func (s *SQLiteProvider) GetStation() (*StationData, error) {
	st := &StationData{}
	if err := s.loadSection(sectionStation, st); err != nil {
		return nil, err
	}
	return st, nil
}

// GetSystem returns the decision tunables
func (s *SQLiteProvider) GetSystem() (*SystemData, error) {
	sys := &SystemData{}
	if err := s.loadSection(sectionSystem, sys); err != nil {
		return nil, err
	}
	return sys, nil
}

// GetStorageConfig returns storage configuration from the database
func (s *SQLiteProvider) GetStorageConfig() (*StorageData, error) {
	st := &StorageData{}
	if err := s.loadSection(sectionStorage, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveConfig writes every section of c in one transaction.
func (s *SQLiteProvider) SaveConfig(c *ConfigData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sections := map[string]interface{}{
		sectionStation: c.Station,
		sectionSystem:  c.System,
		sectionRadio:   c.Radio,
		sectionGateway: c.Gateway,
		sectionStorage: c.Storage,
	}
	now := time.Now().UTC()
	for name, v := range sections {
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s section: %w", name, err)
		}
		_, err = tx.Exec(`
			INSERT INTO config_sections (section, body, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(section) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			name, string(body), now)
		if err != nil {
			return fmt.Errorf("failed to store %s section: %w", name, err)
		}
	}

	return tx.Commit()
}

// IsReadOnly returns false since SQLite supports writes
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
