package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PendingTimeout is how long a rewrite job may stay pending before the
// sweeper treats its process as gone.
const PendingTimeout = time.Hour

// SweepResult counts the rows touched by one sweep.
type SweepResult struct {
	Abandoned int64
	Removed   int64
}

// SweepJobs marks jobs pending since before now-PendingTimeout as failed and
// deletes failed jobs created before now-retention. Mappings are never
// touched.
func SweepJobs(ctx context.Context, db *sql.DB, driver string, now time.Time, retention time.Duration) (SweepResult, error) {
	var res SweepResult
	r, err := db.ExecContext(ctx, Rebind(driver, `
		UPDATE rewrite_jobs SET status = 'failed'
		 WHERE status = 'pending'
		   AND created_at < $1
	`), now.Add(-PendingTimeout).UnixMicro())
	if err != nil {
		return res, fmt.Errorf("failed to expire pending jobs: %w", err)
	}
	res.Abandoned, _ = r.RowsAffected()

	r, err = db.ExecContext(ctx, Rebind(driver, `
		DELETE FROM rewrite_jobs
		 WHERE status = 'failed'
		   AND created_at < $1
	`), now.Add(-retention).UnixMicro())
	if err != nil {
		return res, fmt.Errorf("failed to delete failed jobs: %w", err)
	}
	res.Removed, _ = r.RowsAffected()
	return res, nil
}

// StartFailedJobCleaner runs SweepJobs on every tick until ctx is done.
func StartFailedJobCleaner(
	ctx context.Context,
	db *sql.DB,
	driver string,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				res, err := SweepJobs(ctx, db, driver, now, retention)
				if err != nil {
					log.Error("rewrite job sweep failed", zap.Error(err))
					continue
				}
				if res.Abandoned > 0 || res.Removed > 0 {
					log.Info("swept rewrite jobs",
						zap.Int64("abandoned", res.Abandoned),
						zap.Int64("removed", res.Removed),
					)
				}
			}
		}
	}()
}
