// Package history records executed actions in a local SQLite database so
// operators can audit what the daemon did to an account and when.
package history

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	action     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_action ON actions(action);
CREATE INDEX IF NOT EXISTS idx_actions_created_at ON actions(created_at);
`

// Recorder appends action rows to the history database. The scheduler is
// single-threaded, so one connection is enough.
type Recorder struct {
	conn   *sqlite.Conn
	logger *zap.Logger
}

// Open opens (or creates) the history database at path.
func Open(path string, logger *zap.Logger) (*Recorder, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Recorder{
		conn:   conn,
		logger: logger.Named("history"),
	}, nil
}

// Record appends one action row. callErr nil means the platform call
// succeeded.
func (r *Recorder) Record(action, userID string, callErr error) error {
	ok := 1
	errMsg := ""

	if callErr != nil {
		ok = 0
		errMsg = callErr.Error()
	}

	err := sqlitex.ExecuteTransient(r.conn,
		`INSERT INTO actions (action, user_id, ok, error, created_at) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{action, userID, ok, errMsg, time.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}

	return nil
}

// Counts returns the number of recorded rows per action since the given time.
func (r *Recorder) Counts(since time.Time) (map[string]int, error) {
	counts := make(map[string]int)

	err := sqlitex.ExecuteTransient(r.conn,
		`SELECT action, COUNT(*) FROM actions WHERE created_at >= ? GROUP BY action`,
		&sqlitex.ExecOptions{
			Args: []any{since.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = stmt.ColumnInt(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}

	return counts, nil
}

// Recent returns the most recent rows, newest first, up to limit.
func (r *Recorder) Recent(limit int) ([]Row, error) {
	rows := make([]Row, 0, limit)

	err := sqlitex.ExecuteTransient(r.conn,
		`SELECT action, user_id, ok, error, created_at FROM actions ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, Row{
					Action:    stmt.ColumnText(0),
					UserID:    stmt.ColumnText(1),
					OK:        stmt.ColumnInt(2) == 1,
					Error:     stmt.ColumnText(3),
					CreatedAt: time.Unix(stmt.ColumnInt64(4), 0),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read recent actions: %w", err)
	}

	return rows, nil
}

// Row is one recorded action.
type Row struct {
	Action    string
	UserID    string
	OK        bool
	Error     string
	CreatedAt time.Time
}

// Close closes the underlying connection.
func (r *Recorder) Close() error {
	return r.conn.Close()
}
