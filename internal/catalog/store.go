package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrDeviceNotFound and ErrFeatureNotFound are returned on lookups
// that match no row.
var (
	ErrDeviceNotFound  = errors.New("catalog: device not found")
	ErrFeatureNotFound = errors.New("catalog: feature not found")
)

// ErrInvalidFeature is returned when a Feature violates the
// Source/Sink ↔ value/automation invariant.
var ErrInvalidFeature = errors.New("catalog: feature direction forbids automation or value")

// Store is the SQLite-backed device/feature repository.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at
// dbPath and ensures its schema exists.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS devices (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	parent_id  TEXT REFERENCES devices(id) ON DELETE SET NULL,
	task_spec  TEXT,
	kind       TEXT NOT NULL,
	subtype    TEXT
);
CREATE INDEX IF NOT EXISTS idx_devices_parent_id ON devices(parent_id);

CREATE TABLE IF NOT EXISTS features (
	id         TEXT NOT NULL,
	device_id  TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	direction  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	meta       TEXT NOT NULL DEFAULT '{}',
	automate   TEXT,
	PRIMARY KEY (device_id, name)
);
CREATE INDEX IF NOT EXISTS idx_features_device_id ON features(device_id);
CREATE INDEX IF NOT EXISTS idx_features_has_automate ON features(device_id) WHERE automate IS NOT NULL;
`)
	return err
}

// NewID mints a UUIDv7 id, falling back to UUIDv4 on generator error.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateDevice inserts d, minting an id if unset.
func (s *Store) CreateDevice(d *Device) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	_, err := s.db.Exec(
		`INSERT INTO devices (id, name, parent_id, task_spec, kind, subtype) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Parent, nullableRaw(d.TaskSpec), string(d.Kind), d.Subtype,
	)
	if err != nil {
		return fmt.Errorf("catalog: insert device: %w", err)
	}
	return nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(id string) (*Device, error) {
	row := s.db.QueryRow(`SELECT id, name, parent_id, task_spec, kind, subtype FROM devices WHERE id = ?`, id)
	return scanDeviceRow(row)
}

// ListDevices returns every device, ordered by id.
func (s *Store) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query(`SELECT id, name, parent_id, task_spec, kind, subtype FROM devices ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device and cascades to its features.
func (s *Store) DeleteDevice(id string) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: delete device: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func scanDevice(rows *sql.Rows) (*Device, error) {
	var (
		d        Device
		parent   sql.NullString
		taskSpec sql.NullString
		kind     string
	)
	if err := rows.Scan(&d.ID, &d.Name, &parent, &taskSpec, &kind, &d.Subtype); err != nil {
		return nil, fmt.Errorf("catalog: scan device: %w", err)
	}
	return finishDevice(&d, parent, taskSpec, kind)
}

func scanDeviceRow(row *sql.Row) (*Device, error) {
	var (
		d        Device
		parent   sql.NullString
		taskSpec sql.NullString
		kind     string
	)
	if err := row.Scan(&d.ID, &d.Name, &parent, &taskSpec, &kind, &d.Subtype); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("catalog: scan device: %w", err)
	}
	return finishDevice(&d, parent, taskSpec, kind)
}

func finishDevice(d *Device, parent, taskSpec sql.NullString, kind string) (*Device, error) {
	if parent.Valid {
		d.Parent = &parent.String
	}
	if taskSpec.Valid {
		d.TaskSpec = json.RawMessage(taskSpec.String)
	}
	d.Kind = DeviceKind(kind)
	return d, nil
}

// CreateFeature inserts f, validating the Source/Sink ↔ value/automation
// invariant first.
func (s *Store) CreateFeature(f *Feature) error {
	if !f.HasSink() && len(f.Automate) > 0 {
		return fmt.Errorf("%w: feature %s/%s", ErrInvalidFeature, f.DeviceID, f.Name)
	}
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.Meta == nil {
		f.Meta = map[string]json.RawMessage{}
	}
	meta, err := json.Marshal(f.Meta)
	if err != nil {
		return fmt.Errorf("catalog: encode feature meta: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO features (id, device_id, name, direction, kind, meta, automate) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DeviceID, f.Name, string(f.Direction), string(f.Kind), string(meta), nullableRaw(f.Automate),
	)
	if err != nil {
		return fmt.Errorf("catalog: insert feature: %w", err)
	}
	return nil
}

// GetFeature fetches a feature by device id and feature name.
func (s *Store) GetFeature(deviceID, name string) (*Feature, error) {
	row := s.db.QueryRow(
		`SELECT id, device_id, name, direction, kind, meta, automate FROM features WHERE device_id = ? AND name = ?`,
		deviceID, name,
	)
	return scanFeatureRow(row)
}

// ListFeatures returns every feature belonging to a device.
func (s *Store) ListFeatures(deviceID string) ([]*Feature, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, name, direction, kind, meta, automate FROM features WHERE device_id = ? ORDER BY name ASC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list features: %w", err)
	}
	defer rows.Close()

	var out []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListAutomatedFeatures returns every feature with a non-null automate
// column, across all devices — the set internal/engine compiles into
// programs on startup.
func (s *Store) ListAutomatedFeatures() ([]*Feature, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, name, direction, kind, meta, automate FROM features WHERE automate IS NOT NULL ORDER BY device_id ASC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list automated features: %w", err)
	}
	defer rows.Close()

	var out []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFeature persists changes to an existing feature, re-checking
// the Source/Sink ↔ value/automation invariant.
func (s *Store) UpdateFeature(f *Feature) error {
	if !f.HasSink() && len(f.Automate) > 0 {
		return fmt.Errorf("%w: feature %s/%s", ErrInvalidFeature, f.DeviceID, f.Name)
	}
	if f.Meta == nil {
		f.Meta = map[string]json.RawMessage{}
	}
	meta, err := json.Marshal(f.Meta)
	if err != nil {
		return fmt.Errorf("catalog: encode feature meta: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE features SET direction = ?, kind = ?, meta = ?, automate = ? WHERE device_id = ? AND name = ?`,
		string(f.Direction), string(f.Kind), string(meta), nullableRaw(f.Automate), f.DeviceID, f.Name,
	)
	if err != nil {
		return fmt.Errorf("catalog: update feature: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrFeatureNotFound
	}
	return nil
}

// DeleteFeature removes a single feature row.
func (s *Store) DeleteFeature(deviceID, name string) error {
	res, err := s.db.Exec(`DELETE FROM features WHERE device_id = ? AND name = ?`, deviceID, name)
	if err != nil {
		return fmt.Errorf("catalog: delete feature: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrFeatureNotFound
	}
	return nil
}

func scanFeature(rows *sql.Rows) (*Feature, error) {
	var (
		f         Feature
		direction string
		kind      string
		meta      string
		automate  sql.NullString
	)
	if err := rows.Scan(&f.ID, &f.DeviceID, &f.Name, &direction, &kind, &meta, &automate); err != nil {
		return nil, fmt.Errorf("catalog: scan feature: %w", err)
	}
	return finishFeature(&f, direction, kind, meta, automate)
}

func scanFeatureRow(row *sql.Row) (*Feature, error) {
	var (
		f         Feature
		direction string
		kind      string
		meta      string
		automate  sql.NullString
	)
	if err := row.Scan(&f.ID, &f.DeviceID, &f.Name, &direction, &kind, &meta, &automate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFeatureNotFound
		}
		return nil, fmt.Errorf("catalog: scan feature: %w", err)
	}
	return finishFeature(&f, direction, kind, meta, automate)
}

func finishFeature(f *Feature, direction, kind, meta string, automate sql.NullString) (*Feature, error) {
	f.Direction = FeatureDirection(direction)
	f.Kind = FeatureKind(kind)
	if err := json.Unmarshal([]byte(meta), &f.Meta); err != nil {
		return nil, fmt.Errorf("catalog: decode feature meta: %w", err)
	}
	if automate.Valid {
		f.Automate = json.RawMessage(automate.String)
	}
	return f, nil
}

func nullableRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
