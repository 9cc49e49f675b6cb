package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS routes (
  id     TEXT PRIMARY KEY,
  name   TEXT NOT NULL,
  number TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS route_stops (
  route_id   TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
  seq        INTEGER NOT NULL,
  name       TEXT NOT NULL,
  lat        DOUBLE PRECISION,
  lng        DOUBLE PRECISION,
  stop_order INTEGER NOT NULL,
  PRIMARY KEY (route_id, seq)
)`,
	`CREATE TABLE IF NOT EXISTS vehicles (
  code                TEXT PRIMARY KEY,
  operator_id         TEXT NOT NULL DEFAULT '',
  route_id            TEXT NOT NULL DEFAULT '',
  capacity            INTEGER NOT NULL DEFAULT 0,
  current_passengers  INTEGER NOT NULL DEFAULT 0,
  current_stop_index  INTEGER NOT NULL DEFAULT 0,
  is_active           BOOLEAN NOT NULL DEFAULT FALSE,
  status              TEXT NOT NULL DEFAULT 'inactive',
  lat                 DOUBLE PRECISION NOT NULL DEFAULT 0,
  lng                 DOUBLE PRECISION NOT NULL DEFAULT 0,
  position_valid      BOOLEAN NOT NULL DEFAULT FALSE,
  position_updated_at TIMESTAMPTZ,
  last_trip_ended_at  TIMESTAMPTZ
)`,
}

// Migrate creates the directory tables when they are missing and checks that
// an existing vehicles table has every column the directory reads.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	cols, err := hasColumns(ctx, db, "public", "vehicles", vehicleColumns...)
	if err != nil {
		return fmt.Errorf("inspect vehicles: %w", err)
	}
	for _, c := range vehicleColumns {
		if !cols[c] {
			return fmt.Errorf("vehicles table is missing column %q", c)
		}
	}
	return nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	want := make(map[string]bool, len(cols))
	for _, c := range cols {
		res[c] = false
		want[c] = true
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2`
	rows, err := db.QueryContext(ctx, q, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if want[name] {
			res[name] = true
		}
	}
	return res, rows.Err()
}
