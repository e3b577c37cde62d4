package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dronecore/protocol"
)

// SQLMissions is the durable MissionRepository. Multi-row writes for one
// mission run in a single transaction.
type SQLMissions struct {
	db *DB
}

const missionSelectCols = `id, payload_kg, priority, vehicle_id, status, distance_m, est_duration_s, created_at`

func scanMission(row interface{ Scan(...any) error }) (*Mission, error) {
	var m Mission
	var priority, status string
	var createdAt any
	err := row.Scan(&m.ID, &m.PayloadKg, &priority, &m.VehicleID, &status, &m.DistanceM, &m.EstDurationS, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Priority = protocol.Priority(priority)
	m.Status = protocol.MissionStatus(status)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// queryMissions reads every row before loading waypoints; SQLite runs on a
// single connection.
func (r *SQLMissions) queryMissions(ctx context.Context, query string, args ...any) ([]*Mission, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	var missions []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		missions = append(missions, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range missions {
		if m.Waypoints, err = r.loadWaypoints(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return missions, nil
}

func (r *SQLMissions) loadWaypoints(ctx context.Context, missionID string) ([]Waypoint, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Q(`SELECT seq, kind, lat, lon, alt, hold_s FROM waypoints WHERE mission_id=? ORDER BY seq`), missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	wps := []Waypoint{}
	for rows.Next() {
		var w Waypoint
		var kind string
		if err := rows.Scan(&w.Seq, &kind, &w.Pos.Lat, &w.Pos.Lon, &w.Pos.Alt, &w.HoldS); err != nil {
			return nil, err
		}
		w.Kind = protocol.WaypointKind(kind)
		wps = append(wps, w)
	}
	return wps, rows.Err()
}

func insertWaypoints(ctx context.Context, tx *sql.Tx, db *DB, missionID string, wps []Waypoint) error {
	for i, w := range wps {
		seq := w.Seq
		if seq == 0 && i > 0 {
			seq = i
		}
		_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO waypoints (mission_id, seq, kind, lat, lon, alt, hold_s) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			missionID, seq, string(w.Kind), w.Pos.Lat, w.Pos.Lon, w.Pos.Alt, w.HoldS)
		if err != nil {
			return fmt.Errorf("insert waypoint %d: %w", seq, err)
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, db *DB, missionID string, status protocol.MissionStatus, detail string) error {
	_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO mission_history (mission_id, status, detail, created_at) VALUES (?, ?, ?, ?)`),
		missionID, string(status), detail, fmtTime(time.Now()))
	return err
}

func (r *SQLMissions) Create(ctx context.Context, m *Mission) error {
	status := m.Status
	if status == "" {
		status = protocol.MissionCreated
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create mission: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.Q(`INSERT INTO missions (`+missionSelectCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`),
		m.ID, m.PayloadKg, string(m.Priority), m.VehicleID, string(status), m.DistanceM, m.EstDurationS, fmtTime(created))
	if err != nil {
		return fmt.Errorf("create mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission %s: %w", m.ID, ErrExists)
	}
	if err := insertWaypoints(ctx, tx, r.db, m.ID, m.Waypoints); err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, r.db, m.ID, status, "created"); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLMissions) Get(ctx context.Context, id string) (*Mission, error) {
	row := r.db.QueryRowContext(ctx, r.db.Q(`SELECT `+missionSelectCols+` FROM missions WHERE id=?`), id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if m.Waypoints, err = r.loadWaypoints(ctx, id); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *SQLMissions) SetStatus(ctx context.Context, id string, status protocol.MissionStatus, detail string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, r.db.Q(`UPDATE missions SET status=?, updated_at=`+r.db.dialect.Now()+` WHERE id=?`), string(status), id)
	if err != nil {
		return fmt.Errorf("set mission status: %w", err)
	}
	if err := requireRow(res, "mission", id); err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, r.db, id, status, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLMissions) AssignVehicle(ctx context.Context, id, vehicleID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Q(`UPDATE missions SET vehicle_id=?, updated_at=`+r.db.dialect.Now()+` WHERE id=?`), vehicleID, id)
	if err != nil {
		return fmt.Errorf("assign vehicle: %w", err)
	}
	return requireRow(res, "mission", id)
}

func (r *SQLMissions) SaveWaypoints(ctx context.Context, id string, wps []Waypoint) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, r.db.Q(`UPDATE missions SET updated_at=`+r.db.dialect.Now()+` WHERE id=?`), id)
	if err != nil {
		return err
	}
	if err := requireRow(res, "mission", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.db.Q(`DELETE FROM waypoints WHERE mission_id=?`), id); err != nil {
		return fmt.Errorf("clear waypoints: %w", err)
	}
	if err := insertWaypoints(ctx, tx, r.db, id, wps); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLMissions) ListActive(ctx context.Context) ([]*Mission, error) {
	return r.queryMissions(ctx, `SELECT `+missionSelectCols+` FROM missions WHERE status NOT IN (`+
		inList(string(protocol.MissionCompleted), string(protocol.MissionAborted))+`) ORDER BY created_at, id`)
}

func (r *SQLMissions) ListRecent(ctx context.Context, limit int) ([]*Mission, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryMissions(ctx, `SELECT `+missionSelectCols+` FROM missions ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *SQLMissions) History(ctx context.Context, id string) ([]*MissionHistory, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, r.db.Q(`SELECT id, mission_id, status, detail, created_at FROM mission_history WHERE mission_id=? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MissionHistory
	for rows.Next() {
		var h MissionHistory
		var status string
		var createdAt any
		if err := rows.Scan(&h.ID, &h.MissionID, &status, &h.Detail, &createdAt); err != nil {
			return nil, err
		}
		h.Status = protocol.MissionStatus(status)
		h.CreatedAt = parseTime(createdAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}
