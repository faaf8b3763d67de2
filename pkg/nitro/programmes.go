package nitro

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var programmeMixins = []string{"ancestor_titles", "images", "genre_groupings", "available_versions"}

// discoveryMixins adds contributors, which schedule-driven fetches leave to the item lookup
var discoveryMixins = []string{"ancestor_titles", "contributions", "images", "genre_groupings", "available_versions"}

// maxPages bounds pagination of a single query
const maxPages = 50

func (c *Client) FetchItems(ctx context.Context, pids []string) ([]models.Envelope[*models.Item], error) {
	ctx, span := tracing.StartSpan(ctx, "nitro.FetchItems")
	defer span.End()

	return fetchKind(ctx, c, pids, models.KindItem, isItemType, extractItem)
}

func (c *Client) FetchSeries(ctx context.Context, pids []string) ([]models.Envelope[*models.Series], error) {
	ctx, span := tracing.StartSpan(ctx, "nitro.FetchSeries")
	defer span.End()

	return fetchKind(ctx, c, pids, models.KindSeries, func(t string) bool { return t == "series" }, extractSeries)
}

func (c *Client) FetchBrands(ctx context.Context, pids []string) ([]models.Envelope[*models.Brand], error) {
	ctx, span := tracing.StartSpan(ctx, "nitro.FetchBrands")
	defer span.End()

	return fetchKind(ctx, c, pids, models.KindBrand, func(t string) bool { return t == "brand" }, extractBrand)
}

// FetchItem fetches a single item, returning ErrNotFound when upstream has none.
func (c *Client) FetchItem(ctx context.Context, pid string) (models.Envelope[*models.Item], error) {
	items, err := c.FetchItems(ctx, []string{pid})
	if err != nil {
		return models.Envelope[*models.Item]{}, err
	}
	for _, env := range items {
		if env.Model.Pid == pid {
			return env, nil
		}
	}
	return models.Envelope[*models.Item]{}, fmt.Errorf("%w: item %s", ErrNotFound, pid)
}

func fetchKind[T models.Entity](
	ctx context.Context,
	c *Client,
	pids []string,
	kind models.Kind,
	accept func(itemType string) bool,
	extract func(record) (T, error),
) ([]models.Envelope[T], error) {
	records, err := c.programmes(ctx, pids)
	if err != nil {
		return nil, err
	}

	logger := c.logger.WithContext(ctx).WithField("kind", string(kind))
	out := make([]models.Envelope[T], 0, len(records))
	for _, r := range records {
		if t := r.itemType(); !accept(t) {
			logger.Debugf("Skipping %s %s while fetching %s", t, r.pid(), kind)
			continue
		}
		model, err := extract(r)
		if err != nil {
			logger.WithError(err).Warnf("Skipping unreadable %s record", kind)
			continue
		}
		out = append(out, models.Fetched(model, r.payload))
	}
	return out, nil
}

// programmes fetches the records of pids in batches of BatchSize. Batches run concurrently up to
// the configured fetch concurrency; any failed batch fails the whole call.
func (c *Client) programmes(ctx context.Context, pids []string) ([]record, error) {
	batches := partition(pids, BatchSize)
	if len(batches) == 0 {
		return nil, nil
	}

	results := make([][]record, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FetchConcurrency)

	for i, batch := range batches {
		g.Go(func() error {
			records, err := c.programmeBatch(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []record
	for _, records := range results {
		out = append(out, records...)
	}
	return out, nil
}

func (c *Client) programmeBatch(ctx context.Context, pids []string) ([]record, error) {
	var out []record
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("%w: programmes query exceeded %d pages", ErrUpstream, maxPages)
		}

		query := url.Values{}
		for _, pid := range pids {
			query.Add("pid", pid)
		}
		for _, mixin := range programmeMixins {
			query.Add("mixin", mixin)
		}
		query.Set("page_size", strconv.Itoa(c.cfg.PageSize))
		query.Set("page", strconv.Itoa(page))

		doc, err := c.get(ctx, "/programmes", query)
		if err != nil {
			// an unknown pid is an empty result, not a failure
			if errors.Is(err, ErrNotFound) {
				return out, nil
			}
			return nil, err
		}

		for _, item := range paths.slice(pathResults, doc) {
			out = append(out, newRecord(item))
		}
		if paths.str(pathNext, doc) == "" {
			return out, nil
		}
	}
}

// FetchSchedule fetches one page of a channel-day. Pages start at 1.
func (c *Client) FetchSchedule(ctx context.Context, channel models.Channel, day time.Time, page, pageSize int) (*models.SchedulePage, error) {
	ctx, span := tracing.StartSpan(ctx, "nitro.FetchSchedule")
	defer span.End()

	if pageSize <= 0 {
		pageSize = c.cfg.PageSize
	}
	from := models.DayOf(day)

	query := url.Values{}
	query.Set("sid", channel.ID)
	query.Set("start_from", from.Format(time.RFC3339))
	query.Set("start_to", from.AddDate(0, 0, 1).Format(time.RFC3339))
	query.Set("page_size", strconv.Itoa(pageSize))
	query.Set("page", strconv.Itoa(page))

	doc, err := c.get(ctx, "/schedules", query)
	if err != nil {
		return nil, fmt.Errorf("schedule %s %s page %d: %w", channel.ID, from.Format(time.DateOnly), page, err)
	}

	logger := c.logger.WithContext(ctx).WithField("channel", channel.ID)
	result := &models.SchedulePage{
		Page:    page,
		HasNext: paths.str(pathNext, doc) != "",
	}
	if total := paths.intPtr(pathTotal, doc); total != nil {
		result.Total = *total
	}

	for _, item := range paths.slice(pathResults, doc) {
		evt, err := extractBroadcast(newRecord(item), channel)
		if err != nil {
			logger.WithError(err).Warn("Skipping unreadable broadcast")
			continue
		}
		result.Events = append(result.Events, evt)
	}
	return result, nil
}

// DiscoverEpisodes fetches one page of every episode currently available on demand, whether or
// not it has a broadcast. Pages start at 1.
func (c *Client) DiscoverEpisodes(ctx context.Context, page, pageSize int) (*models.ItemPage, error) {
	ctx, span := tracing.StartSpan(ctx, "nitro.DiscoverEpisodes")
	defer span.End()

	if pageSize <= 0 {
		pageSize = c.cfg.PageSize
	}

	query := url.Values{}
	query.Set("availability", "available")
	query.Set("availability_entity_type", "episode")
	query.Set("entity_type", "episode")
	query.Set("media_set", "iptv-all")
	query.Set("media_type", "audio_video")
	for _, mixin := range discoveryMixins {
		query.Add("mixin", mixin)
	}
	query.Set("page_size", strconv.Itoa(pageSize))
	query.Set("page", strconv.Itoa(page))

	doc, err := c.get(ctx, "/programmes", query)
	if err != nil {
		return nil, fmt.Errorf("available episodes page %d: %w", page, err)
	}

	logger := c.logger.WithContext(ctx).WithField("page", page)
	result := &models.ItemPage{
		Page:    page,
		HasNext: paths.str(pathNext, doc) != "",
	}
	if total := paths.intPtr(pathTotal, doc); total != nil {
		result.Total = *total
	}

	for _, raw := range paths.slice(pathResults, doc) {
		r := newRecord(raw)
		if t := r.itemType(); !isItemType(t) {
			logger.Debugf("Skipping %s %s in available episodes", t, r.pid())
			continue
		}
		item, err := extractItem(r)
		if err != nil {
			logger.WithError(err).Warn("Skipping unreadable episode")
			continue
		}
		result.Items = append(result.Items, models.Fetched(item, r.payload))
	}
	return result, nil
}

func partition(pids []string, size int) [][]string {
	seen := make(map[string]struct{}, len(pids))
	var batches [][]string
	var batch []string
	for _, pid := range pids {
		if pid == "" {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		batch = append(batch, pid)
		if len(batch) == size {
			batches = append(batches, batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches
}
