package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/db"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// SQLJobRepository journals container rewrites.
type SQLJobRepository struct {
	DB     *sql.DB
	Driver string
}

// NewJobRepository creates a job journal over db opened with driver.
func NewJobRepository(conn *sql.DB, driver string) *SQLJobRepository {
	return &SQLJobRepository{DB: conn, Driver: driver}
}

// Create records a new job.
func (r *SQLJobRepository) Create(ctx context.Context, job models.RewriteJob) error {
	_, err := r.DB.ExecContext(ctx, db.Rebind(r.Driver, `
		INSERT INTO rewrite_jobs (id, pseudonym_id, operator, source_digest, output_digest, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`), job.ID, job.PseudonymID, job.Operator, job.SourceDigest, job.OutputDigest, string(job.Status), job.CreatedAt.UnixMicro())
	return classify("CreateJob", err)
}

// Finish sets the final status and digests of a job.
//
//	ctx:          context for cancellation and deadlines
//	id:           job id
//	status:       models.JobDone or models.JobFailed
//	sourceDigest: digest of the input container, empty if it was never read
//	outputDigest: digest of the written container, empty on failure
func (r *SQLJobRepository) Finish(ctx context.Context, id string, status models.JobStatus, sourceDigest, outputDigest string) error {
	res, err := r.DB.ExecContext(ctx, db.Rebind(r.Driver, `
		UPDATE rewrite_jobs SET status = $1, source_digest = $2, output_digest = $3 WHERE id = $4
	`), string(status), sourceDigest, outputDigest, id)
	if err != nil {
		return classify("FinishJob", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.New("repository.FinishJob", errs.ErrNotFound, "job %s", id)
	}
	return nil
}

// ListByPseudonym returns the jobs of a mapping, oldest first.
func (r *SQLJobRepository) ListByPseudonym(ctx context.Context, pseudonymID string) ([]models.RewriteJob, error) {
	rows, err := r.DB.QueryContext(ctx, db.Rebind(r.Driver, `
		SELECT id, pseudonym_id, operator, source_digest, output_digest, status, created_at
		  FROM rewrite_jobs WHERE pseudonym_id = $1 ORDER BY created_at
	`), pseudonymID)
	if err != nil {
		return nil, classify("ListJobs", err)
	}
	defer rows.Close()

	var jobs []models.RewriteJob
	for rows.Next() {
		var (
			j       models.RewriteJob
			status  string
			created int64
		)
		if err := rows.Scan(&j.ID, &j.PseudonymID, &j.Operator, &j.SourceDigest, &j.OutputDigest, &status, &created); err != nil {
			return nil, classify("ListJobs", err)
		}
		j.Status = models.JobStatus(status)
		j.CreatedAt = time.UnixMicro(created).UTC()
		jobs = append(jobs, j)
	}
	return jobs, classify("ListJobs", rows.Err())
}
