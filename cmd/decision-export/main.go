// decision-export dumps stored flood decisions from TimescaleDB as CSV or JSON lines,
// for post-event review and for sharing with agencies that do not have database access.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

type Config struct {
	DSN     string
	Station string
	Since   time.Duration
	Until   string
	Format  ExportFormat
	Output  string
}

// decisionRow is one exported decision. Inputs and weights stay in the database; the
// export carries the verdict and what it was based on at a glance.
type decisionRow struct {
	Time         time.Time `json:"time"`
	DecisionID   string    `json:"decision_id"`
	StationID    string    `json:"station_id"`
	Score        float64   `json:"score"`
	Level        int16     `json:"level"`
	Confidence   float64   `json:"confidence"`
	Trend        string    `json:"trend"`
	RateOfChange float64   `json:"rate_of_change"`
	WaterLevel   *float64  `json:"water_level,omitempty"`
	Actions      []string  `json:"actions"`
}

const selectColumns = `time, decision_id, station_id, score, level, confidence, trend::text,
	rate_of_change, water_level, actions`

func main() {
	var cfg Config

	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("REMOTEFLOOD_TIMESCALEDB_DSN"), "TimescaleDB connection string (default $REMOTEFLOOD_TIMESCALEDB_DSN)")
	flag.StringVar(&cfg.Station, "station", "", "Only export this station id")
	flag.DurationVar(&cfg.Since, "since", 7*24*time.Hour, "Export decisions newer than this")
	flag.StringVar(&cfg.Until, "until", "", "Export decisions older than this RFC3339 time")
	formatStr := flag.String("format", "csv", "Export format: csv or json")
	flag.StringVar(&cfg.Output, "output", "-", "Output file, - for stdout")
	flag.Parse()

	switch ExportFormat(*formatStr) {
	case FormatCSV, FormatJSON:
		cfg.Format = ExportFormat(*formatStr)
	default:
		log.Fatalf("Invalid format: %s. Must be csv or json", *formatStr)
	}
	if cfg.DSN == "" {
		log.Fatalf("No connection string: pass -dsn or set REMOTEFLOOD_TIMESCALEDB_DSN")
	}

	query, args, err := buildQuery(cfg, time.Now())
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var out io.Writer = os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", cfg.Output, err)
		}
		defer f.Close()
		out = f
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		log.Fatalf("Failed to execute query: %v", err)
	}
	defer rows.Close()

	var count int64
	switch cfg.Format {
	case FormatCSV:
		count, err = exportCSV(rows, out)
	case FormatJSON:
		count, err = exportJSON(rows, out)
	}
	if err != nil {
		log.Fatalf("Export failed after %d decisions: %v", count, err)
	}

	log.Printf("Exported %d decisions", count)
}

// buildQuery turns the filters into a parameterised query.
func buildQuery(cfg Config, now time.Time) (string, []any, error) {
	where := []string{"time >= $1"}
	args := []any{now.Add(-cfg.Since)}

	if cfg.Until != "" {
		until, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return "", nil, fmt.Errorf("invalid -until: %w", err)
		}
		args = append(args, until)
		where = append(where, "time < $"+strconv.Itoa(len(args)))
	}
	if cfg.Station != "" {
		args = append(args, cfg.Station)
		where = append(where, "station_id = $"+strconv.Itoa(len(args)))
	}

	query := "SELECT " + selectColumns + " FROM flood_decisions WHERE " + strings.Join(where, " AND ") + " ORDER BY time"
	return query, args, nil
}

func scanDecision(row pgx.CollectableRow) (decisionRow, error) {
	var d decisionRow
	err := row.Scan(&d.Time, &d.DecisionID, &d.StationID, &d.Score, &d.Level, &d.Confidence,
		&d.Trend, &d.RateOfChange, &d.WaterLevel, &d.Actions)
	return d, err
}

var csvHeader = []string{"time", "decision_id", "station_id", "score", "level", "confidence", "trend", "rate_of_change", "water_level", "actions"}

func (d decisionRow) csvRecord() []string {
	level := ""
	if d.WaterLevel != nil {
		level = strconv.FormatFloat(*d.WaterLevel, 'f', 3, 64)
	}
	return []string{
		d.Time.UTC().Format(time.RFC3339),
		d.DecisionID,
		d.StationID,
		strconv.FormatFloat(d.Score, 'f', 1, 64),
		strconv.Itoa(int(d.Level)),
		strconv.FormatFloat(d.Confidence, 'f', 2, 64),
		d.Trend,
		strconv.FormatFloat(d.RateOfChange, 'f', 3, 64),
		level,
		strings.Join(d.Actions, ";"),
	}
}

func exportCSV(rows pgx.Rows, out io.Writer) (int64, error) {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return 0, err
	}

	var count int64
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return count, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := w.Write(d.csvRecord()); err != nil {
			return count, err
		}
		count++
		if count%10000 == 0 {
			log.Printf("Processed %d decisions...", count)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return count, err
	}
	return count, rows.Err()
}

func exportJSON(rows pgx.Rows, out io.Writer) (int64, error) {
	enc := json.NewEncoder(out)

	var count int64
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return count, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := enc.Encode(d); err != nil {
			return count, err
		}
		count++
		if count%10000 == 0 {
			log.Printf("Processed %d decisions...", count)
		}
	}
	return count, rows.Err()
}
