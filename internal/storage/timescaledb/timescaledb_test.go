package timescaledb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestTolerated(t *testing.T) {
	dup := &pgconn.PgError{Code: pgDuplicateObject, Message: `type "flood_trend" already exists`}

	assert.True(t, tolerated(dup, []string{pgDuplicateObject}))
	assert.True(t, tolerated(fmt.Errorf("exec: %w", dup), []string{pgInsufficientPrivilege, pgDuplicateObject}))
	assert.False(t, tolerated(dup, nil))
	assert.False(t, tolerated(&pgconn.PgError{Code: "42P01"}, []string{pgDuplicateObject}))
	assert.False(t, tolerated(errors.New("connection refused"), []string{pgDuplicateObject}))
}

func TestSchemaCreatesTableBeforeHypertable(t *testing.T) {
	pos := map[string]int{}
	for i, s := range schema {
		pos[s.name] = i
	}
	assert.Less(t, pos["flood_trend type"], pos["flood_decisions table"])
	assert.Less(t, pos["flood_decisions table"], pos["hypertable"])
	assert.Less(t, pos["hypertable"], pos["5m view"])
	assert.Less(t, pos["5m view"], pos["5m aggregation policy"])
}

func TestCheckHealthWithoutConnection(t *testing.T) {
	h := (&Storage{}).CheckHealth(t.Context())
	assert.Equal(t, storage.StatusUnhealthy, h.Status)
}
