package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	portarchive "github.com/taskmesh/taskmesh/internal/port/archive"
)

var _ portarchive.Archive = (*Repository)(nil)

// Repository persists terminal task snapshots to Postgres. The schema is
// bootstrapped on construction so a fresh database works without a
// migration step.
type Repository struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, pool *pgxpool.Pool) (*Repository, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS archived_tasks (
			id UUID PRIMARY KEY,
			query TEXT NOT NULL,
			domain TEXT NOT NULL,
			context JSONB,
			status TEXT NOT NULL,
			assigned_worker_id UUID,
			output TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating archived_tasks table: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Save(ctx context.Context, snap task.Snapshot) error {
	var contextJSON []byte
	if len(snap.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(snap.Context)
		if err != nil {
			return fmt.Errorf("marshaling task context: %w", err)
		}
	}
	var output, errText *string
	if snap.Result != nil {
		if snap.Result.Output != "" {
			output = &snap.Result.Output
		}
		if snap.Result.Error != "" {
			errText = &snap.Result.Error
		}
	}

	query := `
		INSERT INTO archived_tasks (id, query, domain, context, status,
			assigned_worker_id, output, error, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
			output = EXCLUDED.output, error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`

	_, err := r.pool.Exec(ctx, query,
		snap.ID, snap.Query, snap.Domain, contextJSON, snap.Status,
		snap.AssignedWorkerID, output, errText, snap.CreatedAt, snap.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting archived task: %w", err)
	}
	return nil
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]task.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, query, domain, context, status,
			assigned_worker_id, output, error, created_at, completed_at
		FROM archived_tasks
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archived tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Snapshot
	for rows.Next() {
		var (
			snap        task.Snapshot
			contextJSON []byte
			output      *string
			errText     *string
		)
		if err := rows.Scan(
			&snap.ID, &snap.Query, &snap.Domain, &contextJSON, &snap.Status,
			&snap.AssignedWorkerID, &output, &errText, &snap.CreatedAt, &snap.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning archived task: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &snap.Context); err != nil {
				return nil, fmt.Errorf("unmarshaling task context: %w", err)
			}
		}
		if output != nil || errText != nil {
			snap.Result = &task.Result{}
			if output != nil {
				snap.Result.Output = *output
			}
			if errText != nil {
				snap.Result.Error = *errText
			}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archived tasks: %w", err)
	}
	return out, nil
}
