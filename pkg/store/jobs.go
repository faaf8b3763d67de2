package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const jobRunsTable = "job_runs"

var jobRunStruct = database.NewStruct(new(models.JobRun))

// JobRunStore records job family runs
type JobRunStore struct {
	*Repository
}

func NewJobRunStore(db database.DB, logger ectologger.Logger) *JobRunStore {
	return &JobRunStore{Repository: NewRepository(db, logger)}
}

// Start inserts a running row for job.
func (r *JobRunStore) Start(ctx context.Context, job string, units int) (*models.JobRun, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRunStore.Start")
	defer span.End()

	run := &models.JobRun{
		ID:        uuid.New(),
		Job:       job,
		Status:    models.JobRunStatusRunning,
		Units:     units,
		StartedAt: time.Now().UTC(),
	}

	query, args := jobRunStruct.InsertInto(jobRunsTable, run).Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job", job).Error("failed to record job run start")
		return nil, fmt.Errorf("start job run %s: %w", job, err)
	}
	return run, nil
}

// Complete stores the final counters and status of run.
func (r *JobRunStore) Complete(ctx context.Context, run *models.JobRun) error {
	ctx, span := tracing.StartSpan(ctx, "JobRunStore.Complete")
	defer span.End()

	now := time.Now().UTC()
	run.CompletedAt = &now

	ub := database.NewUpdateBuilder()
	ub.Update(jobRunsTable).
		Set(
			ub.Assign("status", run.Status),
			ub.Assign("failed_units", run.FailedUnits),
			ub.Assign("processed", run.Processed),
			ub.Assign("failed", run.Failed),
			ub.Assign("completed_at", now),
		).
		Where(ub.Equal("id", run.ID))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job", run.Job).Error("failed to record job run completion")
		return fmt.Errorf("complete job run %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns the latest runs of job, newest first. An empty job lists every job.
func (r *JobRunStore) Recent(ctx context.Context, job string, limit int) ([]models.JobRun, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRunStore.Recent")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}

	sb := jobRunStruct.SelectFrom(jobRunsTable)
	if job != "" {
		sb.Where(sb.Equal("job", job))
	}
	sb.OrderBy("started_at").Desc().Limit(limit)
	query, args := sb.Build()

	var runs []models.JobRun
	if err := r.DB().SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job", job).Error("failed to list job runs")
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}
