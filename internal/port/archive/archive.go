package archive

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/domain/task"
)

// Archive persists terminal task snapshots. Writes are best-effort from
// the scheduler's point of view: a failed save is logged, never surfaced
// to submitters.
type Archive interface {
	Save(ctx context.Context, snap task.Snapshot) error
	Recent(ctx context.Context, limit int) ([]task.Snapshot, error)
}
