// Package ingest turns batches of broadcast events into stored content. Every entity touched
// by a batch is locked for the whole write phase.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/fetching"
	"github.com/Ramsey-B/fern/pkg/keylock"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Writer upserts an entity by key.
type Writer interface {
	Write(ctx context.Context, entity models.Entity) error
}

type Handler struct {
	locker   keylock.Locker
	fetcher  *fetching.Fetcher
	writer   Writer
	reporter audit.Reporter
	logger   ectologger.Logger
}

func NewHandler(locker keylock.Locker, fetcher *fetching.Fetcher, writer Writer, reporter audit.Reporter, logger ectologger.Logger) *Handler {
	return &Handler{
		locker:   locker,
		fetcher:  fetcher,
		writer:   writer,
		reporter: reporter,
		logger:   logger,
	}
}

// WithFetcher returns a copy of the handler resolving through fetcher. Locks are shared.
func (h *Handler) WithFetcher(fetcher *fetching.Fetcher) *Handler {
	out := *h
	out.fetcher = fetcher
	return &out
}

func (h *Handler) Fetcher() *fetching.Fetcher {
	return h.fetcher
}

// batch is the state of one Handle or HandleItems call
type batch struct {
	items  fetching.Items
	series fetching.Series
	brands fetching.Brands
	// containers already written by this batch
	written map[models.EntityKey]bool
}

// Handle syncs the items referenced by events and attaches each event's broadcast to its item.
//
// The result has one entry per event: the written item and broadcast, or nil when that event
// failed. A nil slice means the whole batch was abandoned, either because locking failed or
// because resolving failed. Locks are released on every path.
func (h *Handler) Handle(ctx context.Context, events []models.BroadcastEvent) (results []*models.Written) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Handle")
	defer span.End()

	logger := h.logger.WithContext(ctx).WithFields(appctx.LogFields(ctx))
	start := time.Now()

	if len(events) == 0 {
		return []*models.Written{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Recovered panic while handling %d events: %v\n%s", len(events), rec, debug.Stack())
			h.reporter.ReportFailure(ctx, fmt.Sprintf("panic while handling batch: %v", rec), payloadsOf(events)...)
			results = nil
		}

		succeeded := len(ectolinq.Filter(results, func(w *models.Written) bool { return w != nil }))
		metrics.RecordIngestBatch(succeeded, len(events)-succeeded, time.Since(start).Seconds())
	}()

	refs := ectolinq.Map(events, func(e models.BroadcastEvent) models.ExternalRef { return e.ItemRef })
	itemKeys := models.KeyStrings(ectolinq.Map(refs, func(r models.ExternalRef) models.EntityKey { return r.Key() }))

	b, release := h.prepare(ctx, logger, itemKeys, payloadsOf(events), func(ctx context.Context) (fetching.Items, error) {
		return h.fetcher.ResolveItems(ctx, refs)
	})
	if b == nil {
		return nil
	}
	defer release()

	results = make([]*models.Written, len(events))
	for i, evt := range events {
		written, err := h.handleEvent(ctx, b, evt)
		if err != nil {
			logger.WithError(err).WithField("item", evt.ItemRef.ID).Warnf("Failed to handle broadcast %s", evt.Broadcast.SourceID)
			h.reporter.ReportFailure(ctx, err.Error(), evt.Payload)
			continue
		}
		results[i] = written
	}

	logger.Debugf("Handled %d events in %s", len(events), time.Since(start))
	return results
}

// HandleItems syncs items already fetched upstream, merging each with its stored counterpart and
// writing it after its containers. The result has one entry per input item, nil when that item
// failed; a nil slice means the batch was abandoned. Locks are released on every path.
func (h *Handler) HandleItems(ctx context.Context, items []models.Envelope[*models.Item]) (results []*models.Item) {
	ctx, span := tracing.StartSpan(ctx, "ingest.HandleItems")
	defer span.End()

	logger := h.logger.WithContext(ctx).WithFields(appctx.LogFields(ctx))
	start := time.Now()

	if len(items) == 0 {
		return []*models.Item{}
	}

	payloads := ectolinq.Map(items, func(env models.Envelope[*models.Item]) json.RawMessage { return env.Payload })

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Recovered panic while handling %d items: %v\n%s", len(items), rec, debug.Stack())
			h.reporter.ReportFailure(ctx, fmt.Sprintf("panic while handling batch: %v", rec), payloads...)
			results = nil
		}

		succeeded := len(ectolinq.Filter(results, func(i *models.Item) bool { return i != nil }))
		metrics.RecordIngestBatch(succeeded, len(items)-succeeded, time.Since(start).Seconds())
	}()

	itemKeys := models.KeyStrings(ectolinq.Map(items, func(env models.Envelope[*models.Item]) models.EntityKey { return env.Key() }))

	b, release := h.prepare(ctx, logger, itemKeys, payloads, func(ctx context.Context) (fetching.Items, error) {
		return h.fetcher.MergeFetchedItems(ctx, items)
	})
	if b == nil {
		return nil
	}
	defer release()

	results = make([]*models.Item, len(items))
	for i, in := range items {
		item, err := h.handleItem(ctx, b, in.Key())
		if err != nil {
			logger.WithError(err).Warnf("Failed to handle item %s", in.Key())
			h.reporter.ReportFailure(ctx, err.Error(), in.Payload)
			continue
		}
		results[i] = item
	}

	logger.Debugf("Handled %d items in %s", len(items), time.Since(start))
	return results
}

// prepare runs the lock and resolve phases of a batch: lock the items, resolve them, lock their
// containers, resolve those. On success the caller holds every lock until it calls release. On
// failure the failure is logged, nothing is held and the batch is nil.
func (h *Handler) prepare(
	ctx context.Context,
	logger ectologger.Logger,
	itemKeys []string,
	payloads []json.RawMessage,
	resolveItems func(context.Context) (fetching.Items, error),
) (b *batch, release func()) {
	if err := h.lock(ctx, logger, "items", itemKeys); err != nil {
		return nil, nil
	}

	var containerKeys []string
	release = func() {
		// release even when the caller has gone away
		unlockCtx := context.WithoutCancel(ctx)
		h.locker.Unlock(unlockCtx, containerKeys)
		h.locker.Unlock(unlockCtx, itemKeys)
	}
	prepared := false
	defer func() {
		if !prepared {
			release()
		}
	}()

	items, err := resolveItems(ctx)
	if err != nil {
		logger.WithError(err).Warnf("Failed to resolve %d items; abandoning batch", len(itemKeys))
		h.reporter.ReportFailure(ctx, fmt.Sprintf("failed to resolve items: %v", err), payloads...)
		return nil, nil
	}

	// items are always locked before containers; a container that is also an item of this batch
	// is already held
	keys := ectolinq.Filter(ContainerKeys(items), func(k string) bool { return !ectolinq.Contains(itemKeys, k) })
	if err := h.lock(ctx, logger, "containers", keys); err != nil {
		return nil, nil
	}
	containerKeys = keys

	series, brands, err := h.fetcher.ResolveContainers(ctx, items)
	if err != nil {
		logger.WithError(err).Warnf("Failed to resolve containers of %d items; abandoning batch", len(items))
		h.reporter.ReportFailure(ctx, fmt.Sprintf("failed to resolve containers: %v", err), payloads...)
		return nil, nil
	}

	prepared = true
	return &batch{
		items:   items,
		series:  series,
		brands:  brands,
		written: make(map[models.EntityKey]bool),
	}, release
}

// lock takes keys for the batch. An interrupted wait is expected during shutdown; any other
// failure means the lock backend is unhealthy.
func (h *Handler) lock(ctx context.Context, logger ectologger.Logger, what string, keys []string) error {
	start := time.Now()
	if err := h.locker.Lock(ctx, keys); err != nil {
		if errors.Is(err, keylock.ErrInterrupted) {
			logger.WithError(err).Warnf("Interrupted while locking %d %s; abandoning batch", len(keys), what)
		} else {
			logger.WithError(err).Errorf("Failed to lock %d %s; abandoning batch", len(keys), what)
		}
		return err
	}
	metrics.RecordLockWait(what, time.Since(start).Seconds())
	return nil
}

func (h *Handler) handleEvent(ctx context.Context, b *batch, evt models.BroadcastEvent) (written *models.Written, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic handling broadcast %s of %s: %v", evt.Broadcast.SourceID, evt.ItemRef.ID, rec)
		}
	}()

	broadcast := evt.Broadcast
	if broadcast.SourceID == "" || broadcast.VersionID == "" {
		return nil, fmt.Errorf("broadcast of %s has no id or version", evt.ItemRef.ID)
	}

	key := evt.ItemRef.Key()
	env, ok := b.items[key]
	if !ok || env.Model == nil {
		return nil, fmt.Errorf("item %s was not found upstream or in the store", evt.ItemRef.ID)
	}

	// the item is owned by this batch, so events for the same item accumulate on it
	item := env.Model
	item.AddBroadcast(broadcast)

	if err := h.writeContainers(ctx, b, item); err != nil {
		return nil, err
	}
	if err := h.writer.Write(ctx, item); err != nil {
		return nil, fmt.Errorf("write item %s: %w", key, err)
	}
	h.report(ctx, item, evt.Payload, env.Payload)

	return &models.Written{Item: item.Clone(), Broadcast: broadcast}, nil
}

func (h *Handler) handleItem(ctx context.Context, b *batch, key models.EntityKey) (written *models.Item, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic handling item %s: %v", key, rec)
		}
	}()

	env, ok := b.items[key]
	if !ok || env.Model == nil {
		return nil, fmt.Errorf("item %s was not resolved", key)
	}

	item := env.Model
	if err := h.writeContainers(ctx, b, item); err != nil {
		return nil, err
	}
	if err := h.writer.Write(ctx, item); err != nil {
		return nil, fmt.Errorf("write item %s: %w", key, err)
	}
	h.report(ctx, item, env.Payload)

	return item.Clone(), nil
}

// report records a written entity, flagging each expected field it lacks.
func (h *Handler) report(ctx context.Context, entity models.Entity, payloads ...json.RawMessage) {
	c := entity.GetContent()
	h.reporter.ReportSuccess(ctx, string(c.Key), c.Aliases, entity.Kind(), payloads...)
	for _, field := range audit.Missing(entity) {
		h.reporter.ReportIncomplete(ctx, string(c.Key), entity.Kind(), field)
	}
}

// writeContainers writes the item's brand and then its series, each only when it was fetched and
// not yet written by this batch.
func (h *Handler) writeContainers(ctx context.Context, b *batch, item *models.Item) error {
	if !item.IsTopLevelSeriesItem() && item.Container != "" {
		if env, ok := b.brands[item.Container]; ok && env.Changed && !b.written[item.Container] {
			if err := h.writer.Write(ctx, env.Model); err != nil {
				return fmt.Errorf("write brand %s: %w", item.Container, err)
			}
			b.written[item.Container] = true
			h.report(ctx, env.Model, env.Payload)
		}
	}

	if item.SeriesRef != "" {
		if env, ok := b.series[item.SeriesRef]; ok && env.Changed && !b.written[item.SeriesRef] {
			if err := h.writer.Write(ctx, env.Model); err != nil {
				return fmt.Errorf("write series %s: %w", item.SeriesRef, err)
			}
			b.written[item.SeriesRef] = true
			h.report(ctx, env.Model, env.Payload)
		}
	}

	return nil
}

// ContainerKeys returns the series and top level container keys referenced by items.
func ContainerKeys(items fetching.Items) []string {
	var keys []models.EntityKey
	for _, env := range items {
		if env.Model == nil {
			continue
		}
		if env.Model.SeriesRef != "" {
			keys = append(keys, env.Model.SeriesRef)
		}
		if env.Model.Container != "" {
			keys = append(keys, env.Model.Container)
		}
	}
	return keylock.Normalize(models.KeyStrings(keys))
}

func payloadsOf(events []models.BroadcastEvent) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		if len(e.Payload) > 0 {
			out = append(out, e.Payload)
		}
	}
	return out
}
