package snapshot

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	algorithm    TEXT NOT NULL,
	convention   TEXT NOT NULL,
	policy       TEXT NOT NULL,
	config_json  TEXT,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	name         TEXT NOT NULL,
	timestep     INTEGER NOT NULL,
	data         BLOB NOT NULL,
	created_at   TEXT NOT NULL,
	UNIQUE (run_id, name, timestep),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS episodes (
	run_id       TEXT NOT NULL,
	episode      INTEGER NOT NULL,
	reward       REAL NOT NULL,
	correct      INTEGER NOT NULL,
	converged    INTEGER NOT NULL,
	steps        INTEGER NOT NULL,
	PRIMARY KEY (run_id, episode),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// SQLite keeps runs, their snapshots and per-episode statistics in one database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type RunInfo struct {
	RunID      string
	Algorithm  string
	Convention string
	Policy     string
	ConfigJSON string
	CreatedAt  time.Time
}

// StartRun registers a new run under a fresh id.
func (s *SQLite) StartRun(info RunInfo) (*Run, error) {
	info.RunID = uuid.New().String()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, algorithm, convention, policy, config_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		info.RunID, info.Algorithm, info.Convention, info.Policy,
		nullIfEmpty(info.ConfigJSON), info.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Run{db: s.db, info: info}, nil
}

// Runs lists every run, newest first.
func (s *SQLite) Runs() ([]RunInfo, error) {
	rows, err := s.db.Query(
		`SELECT run_id, algorithm, convention, policy, config_json, created_at
		 FROM runs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var info RunInfo
		var configJSON sql.NullString
		var createdStr string
		if err := rows.Scan(&info.RunID, &info.Algorithm, &info.Convention, &info.Policy, &configJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if configJSON.Valid {
			info.ConfigJSON = configJSON.String
		}
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// Load returns the raw dump saved for (runID, name, timestep).
func (s *SQLite) Load(runID, name string, timestep int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM snapshots WHERE run_id = ? AND name = ? AND timestep = ?`,
		runID, name, timestep,
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s/%s: %w", runID, FileName(name, timestep), err)
	}
	return data, nil
}

// Episodes returns the recorded statistics of a run in episode order.
func (s *SQLite) Episodes(runID string) ([]Episode, error) {
	rows, err := s.db.Query(
		`SELECT episode, reward, correct, converged, steps
		 FROM episodes WHERE run_id = ? ORDER BY episode`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.Episode, &e.Reward, &e.Correct, &e.Converged, &e.Steps); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

// Run is a Sink and Recorder bound to one run id.
type Run struct {
	db   *sql.DB
	info RunInfo
}

func (r *Run) ID() string {
	return r.info.RunID
}

func (r *Run) Info() RunInfo {
	return r.info
}

func (r *Run) Save(name string, timestep int, m Marshaler) error {
	var buf bytes.Buffer
	if _, err := m.MarshalBinaryTo(&buf); err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err := r.db.Exec(
		`INSERT INTO snapshots (run_id, name, timestep, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, name, timestep) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		r.info.RunID, name, timestep, buf.Bytes(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *Run) RecordEpisode(e Episode) error {
	_, err := r.db.Exec(
		`INSERT INTO episodes (run_id, episode, reward, correct, converged, steps) VALUES (?, ?, ?, ?, ?, ?)`,
		r.info.RunID, e.Episode, e.Reward, e.Correct, e.Converged, e.Steps,
	)
	if err != nil {
		return fmt.Errorf("record episode %d: %w", e.Episode, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
