package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"bus-tracker/internal/transit"
)

var vehicleColumns = []string{
	"code", "operator_id", "route_id", "capacity", "current_passengers",
	"current_stop_index", "is_active", "status", "lat", "lng",
	"position_valid", "position_updated_at", "last_trip_ended_at",
}

var selectVehicle = `SELECT ` + strings.Join(vehicleColumns, ", ") + ` FROM vehicles`

// Directory reads routes and vehicles from PostgreSQL.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) RouteByID(ctx context.Context, id string) (*transit.Route, error) {
	r := &transit.Route{ID: id}
	err := d.db.QueryRowContext(ctx, `SELECT name, number FROM routes WHERE id = $1`, id).Scan(&r.Name, &r.Number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("route %s: %w", id, transit.ErrNotFound)
		}
		return nil, fmt.Errorf("query route: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT name, lat, lng, stop_order FROM route_stops WHERE route_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s transit.Stop
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&s.Name, &lat, &lng, &s.Order); err != nil {
			return nil, err
		}
		// stops without coordinates never match a position
		s.Lat, s.Lng = math.NaN(), math.NaN()
		if lat.Valid && lng.Valid {
			s.Lat, s.Lng = lat.Float64, lng.Float64
		}
		r.Stops = append(r.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Directory) VehicleByCode(ctx context.Context, code string) (transit.Vehicle, error) {
	code = transit.NormalizeCode(code)
	row := d.db.QueryRowContext(ctx, selectVehicle+` WHERE code = $1`, code)
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transit.Vehicle{}, fmt.Errorf("vehicle %s: %w", code, transit.ErrNotFound)
		}
		return transit.Vehicle{}, fmt.Errorf("query vehicle: %w", err)
	}
	return v, nil
}

func (d *Directory) SaveVehicle(ctx context.Context, v transit.Vehicle) error {
	q := `UPDATE vehicles SET
  operator_id = $2, route_id = $3, capacity = $4, current_passengers = $5,
  current_stop_index = $6, is_active = $7, status = $8, lat = $9, lng = $10,
  position_valid = $11, position_updated_at = $12, last_trip_ended_at = $13
WHERE code = $1`
	res, err := d.db.ExecContext(ctx, q, vehicleArgs(v)...)
	if err != nil {
		return fmt.Errorf("update vehicle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update vehicle: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("vehicle %s: %w", v.Code, transit.ErrNotFound)
	}
	return nil
}

func (d *Directory) ListVehicles(ctx context.Context) ([]transit.Vehicle, error) {
	rows, err := d.db.QueryContext(ctx, selectVehicle+` ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()
	var out []transit.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Import upserts routes and vehicles in one transaction. A route's stops are
// replaced as a whole.
func (d *Directory) Import(ctx context.Context, routes []transit.Route, vehicles []transit.Vehicle) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range routes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, name, number) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, number = EXCLUDED.number`, r.ID, r.Name, r.Number); err != nil {
			return fmt.Errorf("import route %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id = $1`, r.ID); err != nil {
			return fmt.Errorf("import route %s: %w", r.ID, err)
		}
		for seq, s := range r.Stops {
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (route_id, seq, name, lat, lng, stop_order) VALUES ($1, $2, $3, $4, $5, $6)`,
				r.ID, seq, s.Name, nullFloat(s.Lat), nullFloat(s.Lng), s.Order); err != nil {
				return fmt.Errorf("import stop %s/%d: %w", r.ID, seq, err)
			}
		}
	}
	for _, v := range vehicles {
		v.Code = transit.NormalizeCode(v.Code)
		if v.Status == "" {
			v.Status = transit.StatusInactive
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vehicles (`+strings.Join(vehicleColumns, ", ")+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (code) DO UPDATE SET operator_id = EXCLUDED.operator_id, route_id = EXCLUDED.route_id,
  capacity = EXCLUDED.capacity, current_passengers = EXCLUDED.current_passengers`, vehicleArgs(v)...); err != nil {
			return fmt.Errorf("import vehicle %s: %w", v.Code, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVehicle(s scanner) (transit.Vehicle, error) {
	var v transit.Vehicle
	var status string
	var updatedAt, endedAt sql.NullTime
	err := s.Scan(&v.Code, &v.OperatorID, &v.RouteID, &v.Capacity, &v.CurrentPassengers,
		&v.CurrentStopIndex, &v.IsActive, &status, &v.Position.Lat, &v.Position.Lng,
		&v.Position.Valid, &updatedAt, &endedAt)
	if err != nil {
		return transit.Vehicle{}, err
	}
	v.Status = transit.Status(status)
	if updatedAt.Valid {
		v.Position.UpdatedAt = updatedAt.Time
	}
	if endedAt.Valid {
		t := endedAt.Time
		v.LastTripEndedAt = &t
	}
	return v, nil
}

func vehicleArgs(v transit.Vehicle) []any {
	return []any{
		v.Code, v.OperatorID, v.RouteID, v.Capacity, v.CurrentPassengers,
		v.CurrentStopIndex, v.IsActive, string(v.Status), v.Position.Lat, v.Position.Lng,
		v.Position.Valid, nullTime(v.Position.UpdatedAt), nullTimePtr(v.LastTripEndedAt),
	}
}

func nullFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}
