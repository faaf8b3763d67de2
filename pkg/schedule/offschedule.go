package schedule

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EpisodeSource pages the episodes upstream currently has available. Pages start at 1.
type EpisodeSource interface {
	DiscoverEpisodes(ctx context.Context, page, pageSize int) (*models.ItemPage, error)
}

// ItemHandler syncs a batch of fetched items. See ingest.Handler.
type ItemHandler interface {
	HandleItems(ctx context.Context, items []models.Envelope[*models.Item]) []*models.Item
}

// OffScheduleUpdater syncs content that is available on demand but may never appear in a
// schedule. It ignores the unit's channel and day.
type OffScheduleUpdater struct {
	source   EpisodeSource
	handler  ItemHandler
	pageSize int
	logger   ectologger.Logger
}

func NewOffScheduleUpdater(source EpisodeSource, handler ItemHandler, logger ectologger.Logger) *OffScheduleUpdater {
	return &OffScheduleUpdater{
		source:   source,
		handler:  handler,
		pageSize: PageSize,
		logger:   logger,
	}
}

// WithPageSize returns a copy requesting pages of size n
func (u *OffScheduleUpdater) WithPageSize(n int) *OffScheduleUpdater {
	out := *u
	if n > 0 {
		out.pageSize = n
	}
	return &out
}

// Process implements Processor. Each page is handled as its own batch; an upstream page error
// fails the unit but keeps what earlier pages wrote.
func (u *OffScheduleUpdater) Process(ctx context.Context, unit models.WorkUnit) (_ models.Progress, err error) {
	ctx, span := tracing.StartSpan(ctx, "schedule.OffScheduleUpdater.Process")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	logger := u.logger.WithContext(ctx).WithField("unit", unit.String())

	var progress models.Progress
	for page := 1; ; page++ {
		if page > maxPages {
			return progress, fmt.Errorf("available episodes exceeded %d pages", maxPages)
		}

		result, err := u.source.DiscoverEpisodes(ctx, page, u.pageSize)
		if err != nil {
			return progress, fmt.Errorf("fetch available episodes page %d: %w", page, err)
		}

		if len(result.Items) > 0 {
			results := u.handler.HandleItems(ctx, result.Items)
			processed := 0
			for _, item := range results {
				if item != nil {
					processed++
				}
			}
			progress = progress.Add(models.Progress{
				Processed: processed,
				Failed:    len(result.Items) - processed,
			})
		}

		logger.Debugf("Handled page %d of available episodes: %d items", page, len(result.Items))

		if !result.HasNext {
			break
		}
	}

	logger.WithFields(map[string]any{
		"processed": progress.Processed,
		"failed":    progress.Failed,
	}).Infof("Synced available episodes")

	return progress, nil
}
