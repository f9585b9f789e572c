// Package telemetry stores machines and their sensor measurements in SQLite
// and can simulate a shop floor to fill it.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"machina/internal/domain"
)

// ErrNotFound is returned when a machine does not exist.
var ErrNotFound = errors.New("telemetry: not found")

// Event levels written by the simulator.
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS measurements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
	timestamp INTEGER NOT NULL,
	sensor_type TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_measurements_machine_time ON measurements(machine_id, timestamp DESC);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
	timestamp INTEGER NOT NULL,
	level TEXT NOT NULL CHECK(level IN ('INFO', 'WARNING', 'ERROR', 'CRITICAL')),
	message TEXT NOT NULL,
	sensor_type TEXT NOT NULL DEFAULT '',
	value REAL NOT NULL DEFAULT 0,
	deviation REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_machine_time ON events(machine_id, timestamp DESC);
`

// Event is a threshold warning raised while recording measurements.
type Event struct {
	ID         int64     `json:"id"`
	MachineID  int64     `json:"machine_id"`
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	SensorType string    `json:"sensor_type,omitempty"`
	Value      float64   `json:"value"`
	Deviation  float64   `json:"deviation"`
}

// Stats counts the stored rows.
type Stats struct {
	Machines     int `json:"machines"`
	Measurements int `json:"measurements"`
	Events       int `json:"events"`
}

// Store is the SQLite measurement database. Timestamps are kept as Unix
// nanoseconds so they order exactly.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("telemetry: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: init schema: %w", err)
	}
	logger.Debug("telemetry database ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// AddMachine registers a machine and returns its id.
func (s *Store) AddMachine(ctx context.Context, name, machineType, location string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (name, type, location, created_at) VALUES (?, ?, ?, ?)`,
		name, machineType, location, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("telemetry: add machine %q: %w", name, err)
	}
	return res.LastInsertId()
}

// Machine returns the machine with the given id.
func (s *Store) Machine(ctx context.Context, id int64) (domain.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, type, location, created_at FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Machine{}, fmt.Errorf("%w: machine %d", ErrNotFound, id)
	}
	if err != nil {
		return domain.Machine{}, fmt.Errorf("telemetry: machine %d: %w", id, err)
	}
	return m, nil
}

// Machines lists all machines ordered by name.
func (s *Store) Machines(ctx context.Context) ([]domain.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, location, created_at FROM machines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list machines: %w", err)
	}
	defer rows.Close()

	machines := []domain.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("telemetry: scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(sc scanner) (domain.Machine, error) {
	var m domain.Machine
	var created int64
	if err := sc.Scan(&m.ID, &m.Name, &m.Type, &m.Location, &created); err != nil {
		return domain.Machine{}, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}

// AddMeasurements records readings in one transaction. A zero timestamp is
// replaced by the current time.
func (s *Store) AddMeasurements(ctx context.Context, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("telemetry: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO measurements (machine_id, timestamp, sensor_type, value, unit) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("telemetry: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range readings {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, r.MachineID, ts.UnixNano(), r.SensorType, r.Value, r.Unit); err != nil {
			return fmt.Errorf("telemetry: add measurement for machine %d: %w", r.MachineID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("telemetry: commit: %w", err)
	}
	return nil
}

// Measurements returns up to limit readings for a machine, newest first. An
// empty sensorType returns every sensor.
func (s *Store) Measurements(ctx context.Context, machineID int64, sensorType string, limit int) ([]domain.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, machine_id, timestamp, sensor_type, value, unit FROM measurements WHERE machine_id = ?`
	args := []any{machineID}
	if sensorType != "" {
		query += ` AND sensor_type = ?`
		args = append(args, sensorType)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: measurements for machine %d: %w", machineID, err)
	}
	defer rows.Close()

	var out []domain.Reading
	for rows.Next() {
		var r domain.Reading
		var ts int64
		if err := rows.Scan(&r.ID, &r.MachineID, &ts, &r.SensorType, &r.Value, &r.Unit); err != nil {
			return nil, fmt.Errorf("telemetry: scan measurement: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddEvent records an event. A zero timestamp is replaced by the current time.
func (s *Store) AddEvent(ctx context.Context, e Event) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (machine_id, timestamp, level, message, sensor_type, value, deviation) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.MachineID, e.Timestamp.UnixNano(), e.Level, e.Message, e.SensorType, e.Value, e.Deviation)
	if err != nil {
		return 0, fmt.Errorf("telemetry: add event: %w", err)
	}
	return res.LastInsertId()
}

// Events returns up to limit events, newest first. machineID 0 means all
// machines.
func (s *Store) Events(ctx context.Context, machineID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, machine_id, timestamp, level, message, sensor_type, value, deviation FROM events`
	var args []any
	if machineID != 0 {
		query += ` WHERE machine_id = ?`
		args = append(args, machineID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.MachineID, &ts, &e.Level, &e.Message, &e.SensorType, &e.Value, &e.Deviation); err != nil {
			return nil, fmt.Errorf("telemetry: scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats counts machines, measurements and events.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM machines), (SELECT COUNT(*) FROM measurements), (SELECT COUNT(*) FROM events)`,
	).Scan(&st.Machines, &st.Measurements, &st.Events)
	if err != nil {
		return Stats{}, fmt.Errorf("telemetry: stats: %w", err)
	}
	return st, nil
}
