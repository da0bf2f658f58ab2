package timescaledb

const createTrendTypeSQL = `CREATE TYPE flood_trend AS ENUM ('rising', 'stable', 'falling');`

const createTableSQL = `
CREATE TABLE IF NOT EXISTS flood_decisions (
    time timestamp WITH TIME ZONE NOT NULL,
    decision_id uuid NOT NULL,
    station_id text NOT NULL,
    score float8 NOT NULL,
    level smallint NOT NULL,
    confidence float8 NOT NULL,
    trend flood_trend NOT NULL DEFAULT 'stable',
    rate_of_change float8 NOT NULL DEFAULT 0,
    eta_warning_min float8 NULL,
    eta_critical_min float8 NULL,
    water_level float8 NULL,
    inputs jsonb NOT NULL DEFAULT '[]',
    weights jsonb NOT NULL DEFAULT '{}',
    actions text[] NULL
);`

const createStationIndexSQL = `CREATE INDEX IF NOT EXISTS flood_decisions_station_time_idx ON flood_decisions (station_id, time DESC);`

const createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS timescaledb;`

const createHypertableSQL = `SELECT create_hypertable('flood_decisions', 'time', if_not_exists => true);`

const create5mViewSQL = `CREATE MATERIALIZED VIEW IF NOT EXISTS flood_decisions_5m
WITH (timescaledb.continuous, timescaledb.materialized_only = false)
AS
SELECT
    time_bucket('5 minutes', time) as bucket,
    station_id,
    avg(water_level) as water_level,
    max(water_level) as max_water_level,
    avg(score) as score,
    max(score) as max_score,
    max(level) as max_level
FROM flood_decisions
GROUP BY bucket, station_id
WITH NO DATA;`

const addAggregationPolicy5mSQL = `SELECT add_continuous_aggregate_policy('flood_decisions_5m', INTERVAL '6 months', INTERVAL '5 minutes', INTERVAL '5 minutes', if_not_exists => true);`

const addRetentionPolicySQL = `SELECT add_retention_policy('flood_decisions', INTERVAL '2 years', if_not_exists => true);`
