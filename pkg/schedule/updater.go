package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// PageSize is the number of schedule entries requested per upstream page
const PageSize = 300

// maxPages bounds a channel-day; upstream has never served more than a handful
const maxPages = 50

// ScheduleSource pages a channel-day schedule from upstream. Pages start at 1.
type ScheduleSource interface {
	FetchSchedule(ctx context.Context, channel models.Channel, day time.Time, page, pageSize int) (*models.SchedulePage, error)
}

// EventHandler syncs a batch of events. See ingest.Handler.
type EventHandler interface {
	Handle(ctx context.Context, events []models.BroadcastEvent) []*models.Written
}

// ScheduleWriter stores the schedule of a channel-day
type ScheduleWriter interface {
	ReplaceScheduleBlock(ctx context.Context, channel models.Channel, day time.Time, written []*models.Written) error
	AppendScheduleEntries(ctx context.Context, channel models.Channel, day time.Time, written []*models.Written) error
}

// DayUpdater processes a channel-day: every page of the schedule is handled and the written
// broadcasts become the stored schedule block.
type DayUpdater struct {
	source   ScheduleSource
	handler  EventHandler
	writer   ScheduleWriter
	pageSize int
	logger   ectologger.Logger
}

func NewDayUpdater(source ScheduleSource, handler EventHandler, writer ScheduleWriter, logger ectologger.Logger) *DayUpdater {
	return &DayUpdater{
		source:   source,
		handler:  handler,
		writer:   writer,
		pageSize: PageSize,
		logger:   logger,
	}
}

// WithPageSize returns a copy requesting pages of size n
func (u *DayUpdater) WithPageSize(n int) *DayUpdater {
	out := *u
	if n > 0 {
		out.pageSize = n
	}
	return &out
}

// Process implements Processor. An upstream page error fails the unit. When every event was
// written the stored block is replaced, trimming broadcasts that left the schedule; otherwise
// entries are only added so a partial sync never deletes good rows. A day with nothing written
// leaves the stored block alone: an empty upstream day is more often an outage than a blank
// schedule.
func (u *DayUpdater) Process(ctx context.Context, unit models.WorkUnit) (_ models.Progress, err error) {
	ctx, span := tracing.StartSpan(ctx, "schedule.DayUpdater.Process")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	logger := u.logger.WithContext(ctx).WithField("unit", unit.String())

	var (
		progress models.Progress
		written  []*models.Written
	)

	for page := 1; ; page++ {
		if page > maxPages {
			return progress, fmt.Errorf("schedule for %s exceeded %d pages", unit, maxPages)
		}

		result, err := u.source.FetchSchedule(ctx, unit.Channel, unit.Day, page, u.pageSize)
		if err != nil {
			return progress, fmt.Errorf("fetch schedule page %d of %s: %w", page, unit, err)
		}

		if len(result.Events) > 0 {
			results := u.handler.Handle(ctx, result.Events)
			processed := 0
			for _, w := range results {
				if w != nil {
					processed++
					written = append(written, w)
				}
			}
			progress = progress.Add(models.Progress{
				Processed: processed,
				Failed:    len(result.Events) - processed,
			})
		}

		logger.Debugf("Handled page %d of %s: %d events", page, unit, len(result.Events))

		if !result.HasNext {
			break
		}
	}

	if len(written) == 0 {
		logger.Warnf("Nothing written for %s (%d failed); keeping the stored schedule", unit, progress.Failed)
		return progress, nil
	}

	if progress.Failed == 0 {
		if err := u.writer.ReplaceScheduleBlock(ctx, unit.Channel, unit.Day, written); err != nil {
			return progress, fmt.Errorf("replace schedule of %s: %w", unit, err)
		}
	} else {
		logger.Warnf("%d of %d events of %s failed; keeping entries that were not rewritten", progress.Failed, progress.Total(), unit)
		if err := u.writer.AppendScheduleEntries(ctx, unit.Channel, unit.Day, written); err != nil {
			return progress, fmt.Errorf("append schedule of %s: %w", unit, err)
		}
	}

	logger.WithFields(map[string]any{
		"processed": progress.Processed,
		"failed":    progress.Failed,
	}).Infof("Updated schedule of %s", unit)

	return progress, nil
}
