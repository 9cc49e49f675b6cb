package db

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/transit"
)

func newMock(t *testing.T) (*Directory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDirectory(db), mock
}

func TestRouteByID_Success(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectQuery(`SELECT name, number FROM routes WHERE id = (.+)`).
		WithArgs("R1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "number"}).AddRow("Harbour Loop", "12"))
	mock.ExpectQuery(`SELECT name, lat, lng, stop_order FROM route_stops WHERE route_id = (.+) ORDER BY seq`).
		WithArgs("R1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "lat", "lng", "stop_order"}).
			AddRow("Depot", 1.30, 103.80, 0).
			AddRow("Unmapped", nil, nil, 1).
			AddRow("Pier", 1.31, 103.81, 2))

	r, err := d.RouteByID(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "Harbour Loop", r.Name)
	assert.Equal(t, "12", r.Number)
	require.Len(t, r.Stops, 3)
	assert.Equal(t, "Depot", r.Stops[0].Name)
	assert.True(t, math.IsNaN(r.Stops[1].Lat))
	assert.Equal(t, 103.81, r.Stops[2].Lng)
	assert.Equal(t, 2, r.Stops[2].Order)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteByID_NotFound(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery(`SELECT name, number FROM routes`).
		WithArgs("R9").
		WillReturnError(sql.ErrNoRows)

	_, err := d.RouteByID(context.Background(), "R9")
	assert.ErrorIs(t, err, transit.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func vehicleRows() *sqlmock.Rows {
	return sqlmock.NewRows(vehicleColumns)
}

func TestVehicleByCode_Success(t *testing.T) {
	d, mock := newMock(t)
	ts := time.Unix(1715003456, 0).UTC()

	mock.ExpectQuery(`SELECT code, (.+) FROM vehicles WHERE code = (.+)`).
		WithArgs("SG-101").
		WillReturnRows(vehicleRows().AddRow(
			"SG-101", "driver-7", "R1", 50, 12, 2, true, "active", 1.3, 103.8, true, ts, nil))

	v, err := d.VehicleByCode(context.Background(), "sg-101")
	require.NoError(t, err)
	assert.Equal(t, "SG-101", v.Code)
	assert.Equal(t, "driver-7", v.OperatorID)
	assert.Equal(t, 2, v.CurrentStopIndex)
	assert.True(t, v.IsActive)
	assert.Equal(t, transit.StatusActive, v.Status)
	assert.Equal(t, transit.Position{Lat: 1.3, Lng: 103.8, UpdatedAt: ts, Valid: true}, v.Position)
	assert.Nil(t, v.LastTripEndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVehicleByCode_NotFound(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery(`SELECT code, (.+) FROM vehicles WHERE code = (.+)`).
		WithArgs("NOPE").
		WillReturnRows(vehicleRows())

	_, err := d.VehicleByCode(context.Background(), "nope")
	assert.ErrorIs(t, err, transit.ErrNotFound)
}

func TestVehicleByCode_QueryError(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery(`SELECT code, (.+) FROM vehicles`).
		WillReturnError(sqlmock.ErrCancelled)

	_, err := d.VehicleByCode(context.Background(), "SG-101")
	require.Error(t, err)
	assert.False(t, errors.Is(err, transit.ErrNotFound))
}

func TestSaveVehicle(t *testing.T) {
	d, mock := newMock(t)
	ended := time.Unix(1715003456, 0).UTC()
	v := transit.Vehicle{
		Code:             "SG-101",
		RouteID:          "R1",
		Capacity:         50,
		CurrentStopIndex: 0,
		Status:           transit.StatusInactive,
		Position:         transit.Position{UpdatedAt: ended.Add(-10 * time.Minute)},
		LastTripEndedAt:  &ended,
	}

	mock.ExpectExec(`UPDATE vehicles SET`).
		WithArgs("SG-101", "", "R1", 50, 0, 0, false, "inactive", 0.0, 0.0, false, ended.Add(-10*time.Minute), ended).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.SaveVehicle(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveVehicle_UnknownVehicle(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectExec(`UPDATE vehicles SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.SaveVehicle(context.Background(), transit.Vehicle{Code: "NOPE"})
	assert.ErrorIs(t, err, transit.ErrNotFound)
}

func TestSaveVehicle_Error(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectExec(`UPDATE vehicles SET`).
		WillReturnError(sqlmock.ErrCancelled)

	err := d.SaveVehicle(context.Background(), transit.Vehicle{Code: "SG-101"})
	assert.ErrorIs(t, err, sqlmock.ErrCancelled)
}

func TestListVehicles(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery(`SELECT code, (.+) FROM vehicles ORDER BY code`).
		WillReturnRows(vehicleRows().
			AddRow("A-1", "", "", 10, 0, 0, false, "inactive", 0.0, 0.0, false, nil, nil).
			AddRow("B-2", "", "R1", 20, 3, 1, false, "maintenance", 0.0, 0.0, false, nil, nil))

	list, err := d.ListVehicles(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A-1", list[0].Code)
	assert.True(t, list[0].Position.UpdatedAt.IsZero())
	assert.Equal(t, transit.StatusMaintenance, list[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImport(t *testing.T) {
	d, mock := newMock(t)
	routes := []transit.Route{{ID: "R1", Name: "Loop", Stops: []transit.Stop{
		{Name: "A", Lat: 1, Lng: 2, Order: 0},
		{Name: "B", Lat: math.NaN(), Lng: math.NaN(), Order: 1},
	}}}
	vehicles := []transit.Vehicle{{Code: "a-1", RouteID: "R1", Capacity: 30}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO routes`).WithArgs("R1", "Loop", "").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM route_stops`).WithArgs("R1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO route_stops`).WithArgs("R1", 0, "A", 1.0, 2.0, 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO route_stops`).WithArgs("R1", 1, "B", nil, nil, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO vehicles`).
		WithArgs("A-1", "", "R1", 30, 0, 0, false, "inactive", 0.0, 0.0, false, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.Import(context.Background(), routes, vehicles))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImport_RollsBackOnError(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO routes`).WillReturnError(errors.New("duplicate"))
	mock.ExpectRollback()

	err := d.Import(context.Background(), []transit.Route{{ID: "R1"}}, nil)
	assert.ErrorContains(t, err, "import route R1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for range schema {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, c := range vehicleColumns {
		rows.AddRow(c)
	}
	rows.AddRow("legacy_column")
	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WithArgs("public", "vehicles").
		WillReturnRows(rows)

	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_MissingColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for range schema {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("code"))

	assert.ErrorContains(t, Migrate(context.Background(), db), "missing column")
}
