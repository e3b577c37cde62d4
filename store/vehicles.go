package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dronecore/protocol"
)

// SQLFleet is the durable FleetRepository. Each operation is one statement.
type SQLFleet struct {
	db *DB
}

const vehicleSelectCols = `id, name, max_payload_kg, home_lat, home_lon, home_alt, status, pos_lat, pos_lon, pos_alt, soc, mode, armed, last_telemetry, created_at`

func scanVehicle(row interface{ Scan(...any) error }) (*Vehicle, error) {
	var v Vehicle
	var status string
	var posLat, posLon, posAlt, soc sql.NullFloat64
	var lastTelemetry, createdAt any

	err := row.Scan(&v.ID, &v.Name, &v.MaxPayloadKg, &v.Home.Lat, &v.Home.Lon, &v.Home.Alt,
		&status, &posLat, &posLon, &posAlt, &soc, &v.Mode, &v.Armed, &lastTelemetry, &createdAt)
	if err != nil {
		return nil, err
	}
	v.Status = protocol.VehicleStatus(status)
	if posLat.Valid && posLon.Valid {
		v.Pos = &protocol.Position{Lat: posLat.Float64, Lon: posLon.Float64, Alt: posAlt.Float64}
	}
	if soc.Valid {
		v.Charge = &soc.Float64
	}
	v.LastTelemetry = parseTimePtr(lastTelemetry)
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

func scanVehicles(rows *sql.Rows) ([]*Vehicle, error) {
	var vehicles []*Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

func vehicleArgs(v *Vehicle) []any {
	var posLat, posLon, posAlt, soc any
	if v.Pos != nil {
		posLat, posLon, posAlt = v.Pos.Lat, v.Pos.Lon, v.Pos.Alt
	}
	if v.Charge != nil {
		soc = *v.Charge
	}
	status := v.Status
	if status == "" {
		status = protocol.VehicleIdle
	}
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []any{v.ID, v.Name, v.MaxPayloadKg, v.Home.Lat, v.Home.Lon, v.Home.Alt,
		string(status), posLat, posLon, posAlt, soc, v.Mode, v.Armed,
		fmtTimePtr(v.LastTelemetry), fmtTime(created)}
}

const vehicleInsert = `INSERT INTO vehicles (` + vehicleSelectCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (f *SQLFleet) Add(ctx context.Context, v *Vehicle) error {
	res, err := f.db.ExecContext(ctx, f.db.Q(vehicleInsert+` ON CONFLICT(id) DO NOTHING`), vehicleArgs(v)...)
	if err != nil {
		return fmt.Errorf("add vehicle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("vehicle %s: %w", v.ID, ErrExists)
	}
	return nil
}

func (f *SQLFleet) Get(ctx context.Context, id string) (*Vehicle, error) {
	row := f.db.QueryRowContext(ctx, f.db.Q(`SELECT `+vehicleSelectCols+` FROM vehicles WHERE id=?`), id)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v, err
}

func (f *SQLFleet) ListAll(ctx context.Context) ([]*Vehicle, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT `+vehicleSelectCols+` FROM vehicles ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVehicles(rows)
}

func (f *SQLFleet) ListFree(ctx context.Context) ([]*Vehicle, error) {
	rows, err := f.db.QueryContext(ctx, f.db.Q(`SELECT `+vehicleSelectCols+` FROM vehicles WHERE status=? ORDER BY seq`),
		string(protocol.VehicleIdle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVehicles(rows)
}

func (f *SQLFleet) SetStatus(ctx context.Context, id string, status protocol.VehicleStatus) error {
	res, err := f.db.ExecContext(ctx, f.db.Q(`UPDATE vehicles SET status=?, updated_at=`+f.db.dialect.Now()+` WHERE id=?`),
		string(status), id)
	if err != nil {
		return fmt.Errorf("set vehicle status: %w", err)
	}
	return requireRow(res, "vehicle", id)
}

func (f *SQLFleet) CompareAndSetStatus(ctx context.Context, id string, from, to protocol.VehicleStatus) (bool, error) {
	res, err := f.db.ExecContext(ctx, f.db.Q(`UPDATE vehicles SET status=?, updated_at=`+f.db.dialect.Now()+` WHERE id=? AND status=?`),
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("swap vehicle status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := f.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (f *SQLFleet) Update(ctx context.Context, v *Vehicle) error {
	_, err := f.db.ExecContext(ctx, f.db.Q(vehicleInsert+` ON CONFLICT(id) DO UPDATE SET
		name=excluded.name, max_payload_kg=excluded.max_payload_kg,
		home_lat=excluded.home_lat, home_lon=excluded.home_lon, home_alt=excluded.home_alt,
		status=excluded.status, pos_lat=excluded.pos_lat, pos_lon=excluded.pos_lon, pos_alt=excluded.pos_alt,
		soc=excluded.soc, mode=excluded.mode, armed=excluded.armed, last_telemetry=excluded.last_telemetry,
		updated_at=`+f.db.dialect.Now()), vehicleArgs(v)...)
	if err != nil {
		return fmt.Errorf("update vehicle: %w", err)
	}
	return nil
}

// ApplyTelemetry updates only the fields present in t; COALESCE keeps the rest.
func (f *SQLFleet) ApplyTelemetry(ctx context.Context, id string, t Telemetry) error {
	var name, maxPayload, posLat, posLon, posAlt, soc, mode, armed, at any
	if t.Name != nil {
		name = *t.Name
	}
	if t.MaxPayloadKg != nil {
		maxPayload = *t.MaxPayloadKg
	}
	if t.Pos != nil {
		posLat, posLon, posAlt = t.Pos.Lat, t.Pos.Lon, t.Pos.Alt
	}
	if t.Charge != nil {
		soc = *t.Charge
	}
	if t.Mode != nil {
		mode = *t.Mode
	}
	if t.Armed != nil {
		armed = *t.Armed
	}
	if !t.At.IsZero() {
		at = fmtTime(t.At)
	}
	res, err := f.db.ExecContext(ctx, f.db.Q(`UPDATE vehicles SET
		name=COALESCE(?, name), max_payload_kg=COALESCE(?, max_payload_kg),
		pos_lat=COALESCE(?, pos_lat), pos_lon=COALESCE(?, pos_lon), pos_alt=COALESCE(?, pos_alt),
		soc=COALESCE(?, soc), mode=COALESCE(?, mode), armed=COALESCE(?, armed),
		last_telemetry=COALESCE(?, last_telemetry), updated_at=`+f.db.dialect.Now()+`
		WHERE id=?`),
		name, maxPayload, posLat, posLon, posAlt, soc, mode, armed, at, id)
	if err != nil {
		return fmt.Errorf("apply telemetry: %w", err)
	}
	return requireRow(res, "vehicle", id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
