package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the system of record in a single local file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed width so that text ordering matches time ordering.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writes serialized inside the driver.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stops (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shuttle_tasks (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			item_label TEXT NOT NULL DEFAULT '',
			barcode TEXT NOT NULL,
			source_stop_id TEXT NOT NULL,
			destination_stop_id TEXT NOT NULL,
			status TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			shelf_row INTEGER NOT NULL DEFAULT 0,
			shelf_col INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			picked_up_at TEXT NULL,
			delivered_at TEXT NULL,
			CHECK (source_stop_id <> destination_stop_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shuttle_tasks_mode_status ON shuttle_tasks (mode, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS shuttle_positions (
			mode TEXT PRIMARY KEY,
			stop_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shuttle_cycles (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.execResult(ctx, query, args...)
	return err
}

func (s *SQLiteStore) execResult(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

const sqliteTaskColumns = `id, mode, item_label, barcode, source_stop_id, destination_stop_id, status, origin,
		shelf_row, shelf_col, created_at, updated_at, picked_up_at, delivered_at`

func (s *SQLiteStore) ListInProgress(ctx context.Context, mode string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+`
		   FROM shuttle_tasks
		  WHERE mode=? AND status IN (?, ?)
		  ORDER BY created_at DESC`,
		NormalizeMode(mode), string(StatusToPickUp), string(StatusToDropOff),
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks in progress: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 16)
	for rows.Next() {
		var (
			task                 Task
			status, origin       string
			createdAt, updatedAt string
			pickedUp, delivered  sql.NullString
		)
		if err := rows.Scan(
			&task.ID,
			&task.Mode,
			&task.ItemLabel,
			&task.Barcode,
			&task.SourceStopID,
			&task.DestinationStopID,
			&status,
			&origin,
			&task.ShelfRow,
			&task.ShelfCol,
			&createdAt,
			&updatedAt,
			&pickedUp,
			&delivered,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task.Status = Status(status)
		task.Origin = Origin(origin)
		task.CreatedAt = parseSQLiteTime(createdAt)
		task.UpdatedAt = parseSQLiteTime(updatedAt)
		task.PickedUpAt = parseSQLiteNullTime(pickedUp)
		task.DeliveredAt = parseSQLiteNullTime(delivered)
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	task = prepareNewTask(task)
	err := s.exec(ctx,
		`INSERT INTO shuttle_tasks (`+sqliteTaskColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID,
		task.Mode,
		task.ItemLabel,
		task.Barcode,
		task.SourceStopID,
		task.DestinationStopID,
		string(task.Status),
		string(task.Origin),
		task.ShelfRow,
		task.ShelfCol,
		formatSQLiteTime(task.CreatedAt),
		formatSQLiteTime(task.UpdatedAt),
		formatSQLiteNullTime(task.PickedUpAt),
		formatSQLiteNullTime(task.DeliveredAt),
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID string, status Status) error {
	now := formatSQLiteTime(time.Now().UTC())
	res, err := s.execResult(ctx,
		`UPDATE shuttle_tasks
		    SET status=?1,
		        updated_at=?2,
		        picked_up_at=CASE WHEN ?1='to_drop_off' THEN ?2 ELSE picked_up_at END,
		        delivered_at=CASE WHEN ?1='completed' THEN ?2 ELSE delivered_at END
		  WHERE id=?3`,
		string(status), now, taskID,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) MarkMissing(ctx context.Context, taskID string) error {
	return s.UpdateStatus(ctx, taskID, StatusMissing)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.execResult(ctx, `DELETE FROM shuttle_tasks WHERE id=?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) GetPosition(ctx context.Context, mode string) (string, error) {
	var stopID string
	err := s.db.QueryRowContext(ctx, `SELECT stop_id FROM shuttle_positions WHERE mode=?`, NormalizeMode(mode)).Scan(&stopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get position: %w", err)
	}
	return stopID, nil
}

func (s *SQLiteStore) SavePosition(ctx context.Context, mode, stopID string) error {
	err := s.exec(ctx,
		`INSERT INTO shuttle_positions (mode, stop_id, updated_at) VALUES (?,?,?)
		 ON CONFLICT (mode) DO UPDATE SET stop_id=excluded.stop_id, updated_at=excluded.updated_at`,
		NormalizeMode(mode), stopID, formatSQLiteTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListStops(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM stops`)
	if err != nil {
		return nil, fmt.Errorf("list stops: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan stop: %w", err)
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stop rows: %w", err)
	}
	return out, nil
}

// UpsertStop registers a stop name; used to seed the directory locally.
func (s *SQLiteStore) UpsertStop(ctx context.Context, id, name string) error {
	return s.exec(ctx,
		`INSERT INTO stops (id, name) VALUES (?,?) ON CONFLICT (id) DO UPDATE SET name=excluded.name`,
		id, name,
	)
}

func (s *SQLiteStore) StartCycle(ctx context.Context, mode string) (Cycle, error) {
	mode = NormalizeMode(mode)
	var open int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shuttle_cycles WHERE mode=? AND ended_at IS NULL`, mode,
	).Scan(&open); err != nil {
		return Cycle{}, fmt.Errorf("count open cycles: %w", err)
	}
	if open > 0 {
		return Cycle{}, ErrCycleActive
	}
	c := Cycle{ID: uuid.NewString(), Mode: mode, StartedAt: time.Now().UTC()}
	if err := s.exec(ctx,
		`INSERT INTO shuttle_cycles (id, mode, started_at) VALUES (?,?,?)`,
		c.ID, c.Mode, formatSQLiteTime(c.StartedAt),
	); err != nil {
		return Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) StopCycle(ctx context.Context, mode string) (Cycle, error) {
	mode = NormalizeMode(mode)
	var (
		c         Cycle
		startedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mode, started_at FROM shuttle_cycles
		  WHERE mode=? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, mode,
	).Scan(&c.ID, &c.Mode, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cycle{}, ErrNoActiveCycle
		}
		return Cycle{}, fmt.Errorf("find active cycle: %w", err)
	}
	now := time.Now().UTC()
	if err := s.exec(ctx, `UPDATE shuttle_cycles SET ended_at=? WHERE id=?`, formatSQLiteTime(now), c.ID); err != nil {
		return Cycle{}, fmt.Errorf("stop cycle: %w", err)
	}
	c.StartedAt = parseSQLiteTime(startedAt)
	c.EndedAt = &now
	return c, nil
}

func (s *SQLiteStore) ListCycles(ctx context.Context, mode string, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, started_at, ended_at FROM shuttle_cycles
		  WHERE mode=? ORDER BY started_at DESC LIMIT ?`,
		NormalizeMode(mode), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()
	out := make([]Cycle, 0, limit)
	for rows.Next() {
		var (
			c         Cycle
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Mode, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.StartedAt = parseSQLiteTime(startedAt)
		c.EndedAt = parseSQLiteNullTime(endedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatSQLiteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseSQLiteTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseSQLiteNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseSQLiteTime(v.String)
	return &t
}
