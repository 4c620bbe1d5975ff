package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stops (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);`,
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
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			picked_up_at TIMESTAMPTZ NULL,
			delivered_at TIMESTAMPTZ NULL,
			CHECK (source_stop_id <> destination_stop_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shuttle_tasks_mode_status ON shuttle_tasks (mode, status, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS shuttle_positions (
			mode TEXT PRIMARY KEY,
			stop_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS shuttle_cycles (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shuttle_cycles_mode ON shuttle_cycles (mode, started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init shuttle schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgTaskColumns = `id, mode, item_label, barcode, source_stop_id, destination_stop_id, status, origin,
		shelf_row, shelf_col, created_at, updated_at, picked_up_at, delivered_at`

func (s *PostgresStore) ListInProgress(ctx context.Context, mode string) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+`
		   FROM shuttle_tasks
		  WHERE mode=$1 AND status IN ($2, $3)
		  ORDER BY created_at DESC`,
		NormalizeMode(mode), string(StatusToPickUp), string(StatusToDropOff),
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks in progress: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	task = prepareNewTask(task)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shuttle_tasks (`+pgTaskColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
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
		task.CreatedAt,
		task.UpdatedAt,
		task.PickedUpAt,
		task.DeliveredAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, taskID string, status Status) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE shuttle_tasks
		    SET status=$2,
		        updated_at=$3,
		        picked_up_at=CASE WHEN $2='to_drop_off' THEN $3 ELSE picked_up_at END,
		        delivered_at=CASE WHEN $2='completed' THEN $3 ELSE delivered_at END
		  WHERE id=$1`,
		taskID, string(status), now,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) MarkMissing(ctx context.Context, taskID string) error {
	return s.UpdateStatus(ctx, taskID, StatusMissing)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM shuttle_tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, mode string) (string, error) {
	var stopID string
	err := s.pool.QueryRow(ctx, `SELECT stop_id FROM shuttle_positions WHERE mode=$1`, NormalizeMode(mode)).Scan(&stopID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get position: %w", err)
	}
	return stopID, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, mode, stopID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shuttle_positions (mode, stop_id, updated_at) VALUES ($1,$2,$3)
		 ON CONFLICT (mode) DO UPDATE SET stop_id=EXCLUDED.stop_id, updated_at=EXCLUDED.updated_at`,
		NormalizeMode(mode), stopID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStops(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM stops`)
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

func (s *PostgresStore) StartCycle(ctx context.Context, mode string) (Cycle, error) {
	mode = NormalizeMode(mode)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Cycle{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var open int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM shuttle_cycles WHERE mode=$1 AND ended_at IS NULL`, mode,
	).Scan(&open); err != nil {
		return Cycle{}, fmt.Errorf("count open cycles: %w", err)
	}
	if open > 0 {
		return Cycle{}, ErrCycleActive
	}

	c := Cycle{ID: uuid.NewString(), Mode: mode, StartedAt: time.Now().UTC()}
	if _, err := tx.Exec(ctx,
		`INSERT INTO shuttle_cycles (id, mode, started_at) VALUES ($1,$2,$3)`,
		c.ID, c.Mode, c.StartedAt,
	); err != nil {
		return Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Cycle{}, fmt.Errorf("commit tx: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) StopCycle(ctx context.Context, mode string) (Cycle, error) {
	now := time.Now().UTC()
	var c Cycle
	err := s.pool.QueryRow(ctx,
		`UPDATE shuttle_cycles SET ended_at=$2
		  WHERE id = (SELECT id FROM shuttle_cycles WHERE mode=$1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1)
		  RETURNING id, mode, started_at, ended_at`,
		NormalizeMode(mode), now,
	).Scan(&c.ID, &c.Mode, &c.StartedAt, &c.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cycle{}, ErrNoActiveCycle
		}
		return Cycle{}, fmt.Errorf("stop cycle: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCycles(ctx context.Context, mode string, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, mode, started_at, ended_at FROM shuttle_cycles
		  WHERE mode=$1 ORDER BY started_at DESC LIMIT $2`,
		NormalizeMode(mode), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()
	out := make([]Cycle, 0, limit)
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.ID, &c.Mode, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task   Task
		status string
		origin string
	)
	if err := row.Scan(
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
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.PickedUpAt,
		&task.DeliveredAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.Origin = Origin(origin)
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func prepareNewTask(task Task) Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = StatusToPickUp
	}
	task.Mode = NormalizeMode(task.Mode)
	task.Barcode = NormalizeBarcode(task.Barcode)
	return task
}
