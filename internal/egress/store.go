package egress

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lio-go/fastlio/internal/pipeline"
)

// Store is an optional session log: every settled pose and its
// observability condition number, persisted to a local sqlite file
// under one session id. Grounded on the *sql.DB wrapper and embedded
// CREATE TABLE IF NOT EXISTS pattern in
// banshee-data-velocity.report/db.go, swapped onto modernc.org/sqlite
// (a pure-Go driver, so this module carries no cgo dependency).
type Store struct {
	db        *sql.DB
	sessionID string
}

// OpenStore opens (creating if absent) the sqlite file at path, ensures
// the poses table exists, and tags every row inserted through the
// returned Store with sessionID.
func OpenStore(path, sessionID string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("egress: open store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS poses (
			session_id TEXT,
			t DOUBLE,
			px DOUBLE, py DOUBLE, pz DOUBLE,
			qw DOUBLE, qx DOUBLE, qy DOUBLE, qz DOUBLE,
			condition_number DOUBLE
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("egress: create schema: %w", err)
	}
	return &Store{db: db, sessionID: sessionID}, nil
}

// EmitPose records one settled pose, along with the condition number
// of the observability diagnostic that accompanied it.
func (s *Store) EmitPose(t float64, pose pipeline.Pose, conditionNumber float64) {
	_, _ = s.db.Exec(
		`INSERT INTO poses (session_id, t, px, py, pz, qw, qx, qy, qz, condition_number) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.sessionID, t, pose.P.X, pose.P.Y, pose.P.Z, pose.R.W, pose.R.X, pose.R.Y, pose.R.Z, conditionNumber,
	)
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
