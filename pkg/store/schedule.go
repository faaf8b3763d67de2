package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const scheduleTable = "schedule_entries"

var scheduleStruct = database.NewStruct(new(models.ScheduleEntry))

// ScheduleStore keeps the per channel-day schedule built from written broadcasts
type ScheduleStore struct {
	*Repository
}

func NewScheduleStore(db database.DB, logger ectologger.Logger) *ScheduleStore {
	return &ScheduleStore{Repository: NewRepository(db, logger)}
}

func scheduleEntries(channel models.Channel, day time.Time, written []*models.Written) []models.ScheduleEntry {
	now := time.Now().UTC()
	day = models.DayOf(day)

	seen := make(map[string]struct{}, len(written))
	entries := make([]models.ScheduleEntry, 0, len(written))
	for _, w := range written {
		if w == nil || w.Item == nil {
			continue
		}
		if _, dup := seen[w.Broadcast.SourceID]; dup {
			continue
		}
		seen[w.Broadcast.SourceID] = struct{}{}
		entries = append(entries, models.ScheduleEntry{
			ChannelID:         channel.ID,
			Day:               day,
			BroadcastID:       w.Broadcast.SourceID,
			ItemKey:           w.Item.Key,
			VersionID:         w.Broadcast.VersionID,
			TransmissionStart: w.Broadcast.TransmissionStart.UTC(),
			TransmissionEnd:   w.Broadcast.TransmissionEnd.UTC(),
			UpdatedAt:         now,
		})
	}
	return entries
}

// ReplaceScheduleBlock makes the stored schedule for a channel-day exactly the written
// broadcasts. Stale entries are trimmed and current ones upserted in one transaction.
func (r *ScheduleStore) ReplaceScheduleBlock(ctx context.Context, channel models.Channel, day time.Time, written []*models.Written) error {
	return r.update(ctx, channel, day, written, true)
}

// AppendScheduleEntries upserts the written broadcasts without trimming anything.
func (r *ScheduleStore) AppendScheduleEntries(ctx context.Context, channel models.Channel, day time.Time, written []*models.Written) error {
	return r.update(ctx, channel, day, written, false)
}

func (r *ScheduleStore) update(ctx context.Context, channel models.Channel, day time.Time, written []*models.Written, trim bool) (err error) {
	ctx, span := tracing.StartSpan(ctx, "ScheduleStore.ReplaceScheduleBlock")
	defer span.End()

	entries := scheduleEntries(channel, day, written)
	day = models.DayOf(day)
	logger := r.logger.WithContext(ctx).WithFields(map[string]any{
		"channel": channel.ID,
		"day":     day.Format(time.DateOnly),
		"entries": len(entries),
		"trim":    trim,
	})

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	start := time.Now()

	if trim {
		ids := make([]any, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.BroadcastID)
		}

		db := database.NewDeleteBuilder()
		db.DeleteFrom(scheduleTable)
		conds := []string{db.Equal("channel_id", channel.ID), db.Equal("day", day)}
		if len(ids) > 0 {
			conds = append(conds, db.NotIn("broadcast_id", ids...))
		}
		db.Where(conds...)

		query, args := db.Build()
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			logger.WithError(err).Error("failed to trim schedule block")
			return fmt.Errorf("trim schedule %s %s: %w", channel.ID, day.Format(time.DateOnly), err)
		}
	}

	if len(entries) > 0 {
		ib := scheduleStruct.InsertInto(scheduleTable, anySlice(entries)...)
		ib.UpsertSet([]string{"channel_id", "day", "broadcast_id"},
			"item_key", "version_id", "transmission_start", "transmission_end", "updated_at")

		query, args := ib.Build()
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			logger.WithError(err).Error("failed to upsert schedule entries")
			return fmt.Errorf("upsert schedule %s %s: %w", channel.ID, day.Format(time.DateOnly), err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}

	metrics.DatabaseQueryDuration.WithLabelValues("schedule_replace").Observe(time.Since(start).Seconds())
	logger.Debugf("Updated schedule for %s on %s", channel.ID, day.Format(time.DateOnly))
	return nil
}

// ListDay returns the stored schedule of a channel-day ordered by transmission start.
func (r *ScheduleStore) ListDay(ctx context.Context, channelID string, day time.Time) ([]models.ScheduleEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "ScheduleStore.ListDay")
	defer span.End()

	sb := scheduleStruct.SelectFrom(scheduleTable)
	sb.Where(sb.Equal("channel_id", channelID), sb.Equal("day", models.DayOf(day)))
	sb.OrderBy("transmission_start", "broadcast_id")
	query, args := sb.Build()

	var entries []models.ScheduleEntry
	if err := r.DB().SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("channel", channelID).Error("failed to list schedule")
		return nil, fmt.Errorf("list schedule %s: %w", channelID, err)
	}
	return entries, nil
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = &in[i]
	}
	return out
}
