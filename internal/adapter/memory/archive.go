package memory

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	portarchive "github.com/taskmesh/taskmesh/internal/port/archive"
)

var _ portarchive.Archive = (*Archive)(nil)

// Archive keeps terminal task snapshots in memory, newest last. It is the
// default when no database is configured.
type Archive struct {
	mu    sync.RWMutex
	snaps []task.Snapshot
}

func NewArchive() *Archive {
	return &Archive{}
}

func (a *Archive) Save(_ context.Context, snap task.Snapshot) error {
	a.mu.Lock()
	a.snaps = append(a.snaps, snap)
	a.mu.Unlock()
	return nil
}

// Recent returns up to limit snapshots, most recently archived first.
func (a *Archive) Recent(_ context.Context, limit int) ([]task.Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if limit <= 0 || limit > len(a.snaps) {
		limit = len(a.snaps)
	}
	out := make([]task.Snapshot, 0, limit)
	for i := len(a.snaps) - 1; i >= len(a.snaps)-limit; i-- {
		out = append(out, a.snaps[i])
	}
	return out, nil
}
