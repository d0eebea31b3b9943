package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DBFile is the name of the metric log inside the log directory.
const DBFile = "metrics.db"

const schema = `
CREATE TABLE IF NOT EXISTS scalars(
	stage TEXT NOT NULL,
	metric TEXT NOT NULL,
	step INTEGER NOT NULL,
	epoch INTEGER NOT NULL,
	value REAL NOT NULL,
	wall_time REAL NOT NULL,
	PRIMARY KEY(stage, metric, step)
);
CREATE TABLE IF NOT EXISTS matrices(
	stage TEXT NOT NULL,
	metric TEXT NOT NULL,
	step INTEGER NOT NULL,
	epoch INTEGER NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data TEXT NOT NULL,
	wall_time REAL NOT NULL,
	PRIMARY KEY(stage, metric, step)
);
CREATE TABLE IF NOT EXISTS flushes(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wall_time REAL NOT NULL,
	scalars INTEGER NOT NULL,
	matrices INTEGER NOT NULL
);
`

// SQLiteSink stores commits in a SQLite database, one transaction per commit.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

var _ Sink = (*SQLiteSink)(nil)

// OpenSQLite creates logDir if needed and opens (or creates) its metric log.
func OpenSQLite(logDir string) (*SQLiteSink, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
	}
	path := filepath.Join(logDir, DBFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening metric log %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metric schema in %q: %w", path, err)
	}
	return &SQLiteSink{db: db, path: path}, nil
}

// Path is the database file location.
func (s *SQLiteSink) Path() string {
	return s.path
}

// Commit upserts every entry and appends a row to the flush log atomically.
func (s *SQLiteSink) Commit(ctx context.Context, c Commit) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	scalarStmt, err := tx.PrepareContext(ctx, `INSERT INTO scalars(stage, metric, step, epoch, value, wall_time)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(stage, metric, step) DO UPDATE SET
			epoch=excluded.epoch, value=excluded.value, wall_time=excluded.wall_time`)
	if err != nil {
		return fmt.Errorf("prepare scalars: %w", err)
	}
	defer scalarStmt.Close()
	for _, v := range c.Scalars {
		if _, err = scalarStmt.ExecContext(ctx, v.Stage, v.Metric, v.Step, v.Epoch, v.Value, unixSeconds(v.WallTime)); err != nil {
			return fmt.Errorf("insert scalar %s/%s@%d: %w", v.Stage, v.Metric, v.Step, err)
		}
	}

	matrixStmt, err := tx.PrepareContext(ctx, `INSERT INTO matrices(stage, metric, step, epoch, rows, cols, data, wall_time)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(stage, metric, step) DO UPDATE SET
			epoch=excluded.epoch, rows=excluded.rows, cols=excluded.cols,
			data=excluded.data, wall_time=excluded.wall_time`)
	if err != nil {
		return fmt.Errorf("prepare matrices: %w", err)
	}
	defer matrixStmt.Close()
	for _, m := range c.Matrices {
		data, jerr := json.Marshal(m.Rows)
		if jerr != nil {
			err = jerr
			return fmt.Errorf("encode matrix %s/%s@%d: %w", m.Stage, m.Metric, m.Step, err)
		}
		cols := 0
		if len(m.Rows) > 0 {
			cols = len(m.Rows[0])
		}
		if _, err = matrixStmt.ExecContext(ctx, m.Stage, m.Metric, m.Step, m.Epoch, len(m.Rows), cols, string(data), unixSeconds(m.WallTime)); err != nil {
			return fmt.Errorf("insert matrix %s/%s@%d: %w", m.Stage, m.Metric, m.Step, err)
		}
	}

	if _, err = tx.ExecContext(ctx, "INSERT INTO flushes(wall_time, scalars, matrices) VALUES(?,?,?)",
		unixSeconds(time.Now()), len(c.Scalars), len(c.Matrices)); err != nil {
		return fmt.Errorf("insert flush record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Scalars returns the persisted values of one stage/metric ordered by step.
func (s *SQLiteSink) Scalars(ctx context.Context, stage, metric string) ([]Scalar, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT step, epoch, value, wall_time FROM scalars WHERE stage = ? AND metric = ? ORDER BY step ASC",
		stage, metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		v := Scalar{Key: Key{Stage: stage, Metric: metric}}
		var wall float64
		if err := rows.Scan(&v.Step, &v.Epoch, &v.Value, &wall); err != nil {
			return nil, err
		}
		v.WallTime = fromUnixSeconds(wall)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Matrix returns the persisted matrix for a key.
func (s *SQLiteSink) Matrix(ctx context.Context, stage, metric string, step int) ([][]int, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM matrices WHERE stage = ? AND metric = ? AND step = ?",
		stage, metric, step).Scan(&data)
	if err != nil {
		return nil, err
	}
	var rows [][]int
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	return rows, nil
}

// Flushes counts committed flushes.
func (s *SQLiteSink) Flushes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flushes").Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}
