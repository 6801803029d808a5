package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/reprise/internal/hooks"
	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/store"
)

// NewRecoveryHook returns a Recovery hook that rolls the task's work
// directory back to the snapshot recorded in its latest checkpoint, so
// the next iteration starts from the last known-good state instead of
// on top of a failed attempt's debris. Tasks without a checkpoint or
// snapshot are skipped.
//
// The engine logs hook errors and keeps iterating, so a failed restore
// never masks the iteration error that triggered recovery.
func NewRecoveryHook(st TaskStore, snapshotter Snapshotter, logger Logger) hooks.Func {
	if st == nil || snapshotter == nil {
		return nil
	}
	return func(ctx context.Context, task *models.Task, result *models.IterationResult) error {
		if task == nil {
			return nil
		}

		cp, err := st.LatestCheckpoint(ctx, task.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint for task %s: %w", task.ShortID(), err)
		}
		if cp.Snapshot == "" {
			return nil
		}

		if logger != nil {
			logger.LogInfo(fmt.Sprintf("task %s: restoring snapshot %s from iteration %d", task.ShortID(), cp.Snapshot, cp.Iteration))
		}
		if err := snapshotter.Restore(ctx, task, cp.Snapshot); err != nil {
			return fmt.Errorf("failed to restore snapshot for task %s: %w", task.ShortID(), err)
		}
		return nil
	}
}
