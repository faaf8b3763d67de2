package models

import (
	"time"

	"github.com/google/uuid"
)

// JobFamily is one periodically scheduled sync. Back and Forward are days relative to today; a
// negative Forward ends the range in the past. A Discovery family ignores the range and channels
// and syncs upstream's available content as a single unit.
type JobFamily struct {
	Name                    string        `json:"name"`
	Back                    int           `json:"back"`
	Forward                 int           `json:"forward"`
	Interval                time.Duration `json:"interval"` // zero means trigger only
	Threads                 int           `json:"threads"`
	RatePerSecond           float64       `json:"rate_per_second"`
	Forced                  bool          `json:"forced"`
	FailureThresholdPercent int           `json:"failure_threshold_percent"`
	RunOnStart              bool          `json:"run_on_start"`
	Discovery               bool          `json:"discovery,omitempty"`
}

// Manual reports whether the family only runs when triggered.
func (j JobFamily) Manual() bool {
	return j.Interval <= 0
}

// Range returns the first and last day covered when run on the given day.
func (j JobFamily) Range(today time.Time) (time.Time, time.Time) {
	day := DayOf(today)
	return day.AddDate(0, 0, -j.Back), day.AddDate(0, 0, j.Forward)
}

// DayOf truncates t to the start of its UTC day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type JobRunStatus string

const (
	JobRunStatusRunning   JobRunStatus = "running"
	JobRunStatusCompleted JobRunStatus = "completed"
	JobRunStatusDegraded  JobRunStatus = "degraded"
	JobRunStatusFailed    JobRunStatus = "failed"
)

// JobRun records one run of a job family
type JobRun struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	Job         string       `db:"job" json:"job"`
	Status      JobRunStatus `db:"status" json:"status"`
	Units       int          `db:"units" json:"units"`
	FailedUnits int          `db:"failed_units" json:"failed_units"`
	Processed   int          `db:"processed" json:"processed"`
	Failed      int          `db:"failed" json:"failed"`
	StartedAt   time.Time    `db:"started_at" json:"started_at"`
	CompletedAt *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// TableName returns the database table name
func (JobRun) TableName() string {
	return "job_runs"
}
