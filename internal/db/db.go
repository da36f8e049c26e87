// Package db stores beacon registrations, sighting history and presence
// transitions in sqlite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/presence"
)

// ErrBeaconNotFound is returned when deregistering an unknown identity.
var ErrBeaconNotFound = errors.New("beacon not registered")

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	db, err := sql.Open("sqlite", path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Registration is a persisted beacon registration.
type Registration struct {
	Identity  presence.Identity `json:"identity"`
	Owner     string            `json:"owner"`
	CreatedAt time.Time         `json:"created_at"`
}

// RegisterBeacon inserts or overwrites the owner of id.
func (db *DB) RegisterBeacon(id presence.Identity, owner string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO beacons (uuid, major, minor, owner, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uuid, major, minor) DO UPDATE SET owner = excluded.owner`,
		id.UUID, id.Major, id.Minor, owner, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to register beacon %s: %w", id, err)
	}
	return nil
}

// DeregisterBeacon removes id. It returns ErrBeaconNotFound when id was not
// registered.
func (db *DB) DeregisterBeacon(id presence.Identity) error {
	res, err := db.Exec(`DELETE FROM beacons WHERE uuid = ? AND major = ? AND minor = ?`, id.UUID, id.Major, id.Minor)
	if err != nil {
		return fmt.Errorf("failed to deregister beacon %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBeaconNotFound
	}
	return nil
}

// Beacons returns every registration ordered by owner.
func (db *DB) Beacons() ([]Registration, error) {
	rows, err := db.Query(`SELECT uuid, major, minor, owner, created_unix_nanos FROM beacons ORDER BY owner, uuid, major, minor`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var (
			r       Registration
			created int64
		)
		if err := rows.Scan(&r.Identity.UUID, &r.Identity.Major, &r.Identity.Minor, &r.Owner, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sighting is one stored advertisement from a registered beacon.
type Sighting struct {
	Identity presence.Identity `json:"identity"`
	Power    int               `json:"power"`
	RSSI     int               `json:"rssi"`
	Battery  *uint8            `json:"battery,omitempty"`
	SeenAt   time.Time         `json:"seen_at"`
}

// RecordSighting stores adv as seen at at.
func (db *DB) RecordSighting(adv ibeacon.Advertisement, at time.Time) error {
	var battery sql.NullInt64
	if adv.BatteryLevel != nil {
		battery = sql.NullInt64{Int64: int64(*adv.BatteryLevel), Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO sightings (uuid, major, minor, power, rssi, battery, seen_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		adv.UUID, adv.Major, adv.Minor, adv.Power, adv.RSSI, battery, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record sighting: %w", err)
	}
	return nil
}

// RecentSightings returns up to limit sightings of id at or after since,
// oldest first.
func (db *DB) RecentSightings(id presence.Identity, since time.Time, limit int) ([]Sighting, error) {
	rows, err := db.Query(`
		SELECT power, rssi, battery, seen_unix_nanos FROM (
			SELECT power, rssi, battery, seen_unix_nanos FROM sightings
			WHERE uuid = ? AND major = ? AND minor = ? AND seen_unix_nanos >= ?
			ORDER BY seen_unix_nanos DESC
			LIMIT ?
		) ORDER BY seen_unix_nanos ASC`,
		id.UUID, id.Major, id.Minor, since.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var (
			s       Sighting
			battery sql.NullInt64
			seen    int64
		)
		if err := rows.Scan(&s.Power, &s.RSSI, &battery, &seen); err != nil {
			return nil, err
		}
		s.Identity = id
		if battery.Valid {
			level := uint8(battery.Int64)
			s.Battery = &level
		}
		s.SeenAt = time.Unix(0, seen).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneSightings deletes sightings older than before and returns how many
// were removed.
func (db *DB) PruneSightings(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM sightings WHERE seen_unix_nanos < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sightings: %w", err)
	}
	return res.RowsAffected()
}

// RecordTransition stores one presence edge.
func (db *DB) RecordTransition(tr presence.Transition) error {
	_, err := db.Exec(`
		INSERT INTO transitions (kind, uuid, major, minor, owner, occupied, at_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(tr.Kind), tr.Identity.UUID, tr.Identity.Major, tr.Identity.Minor, tr.Owner, tr.Occupied, tr.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Transitions returns up to limit transitions, newest first. An empty owner
// returns every owner's transitions.
func (db *DB) Transitions(owner string, limit int) ([]presence.Transition, error) {
	rows, err := db.Query(`
		SELECT kind, uuid, major, minor, owner, occupied, at_unix_nanos FROM transitions
		WHERE ? = '' OR owner = ?
		ORDER BY at_unix_nanos DESC, transition_id DESC
		LIMIT ?`,
		owner, owner, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []presence.Transition
	for rows.Next() {
		var (
			tr   presence.Transition
			kind string
			at   int64
		)
		if err := rows.Scan(&kind, &tr.Identity.UUID, &tr.Identity.Major, &tr.Identity.Minor, &tr.Owner, &tr.Occupied, &at); err != nil {
			return nil, err
		}
		tr.Kind = presence.TransitionKind(kind)
		tr.At = time.Unix(0, at).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}
