package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/fetching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrConflictingIdentity is returned when upstream answers a single pid with more than one entity.
var ErrConflictingIdentity = errors.New("conflicting identity")

// Refresher force-updates single entities on demand. It locks and writes exactly like a
// scheduled batch, but fetches unconditionally.
type Refresher struct {
	handler *Handler
}

func NewRefresher(handler *Handler) *Refresher {
	return &Refresher{handler: handler}
}

// countingSource counts the entities upstream returns per kind.
type countingSource struct {
	fetching.ContentSource
	mu     sync.Mutex
	counts map[models.Kind]int
}

func (s *countingSource) add(kind models.Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[kind] += n
}

func (s *countingSource) count(kind models.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

func (s *countingSource) FetchItems(ctx context.Context, pids []string) ([]models.Envelope[*models.Item], error) {
	out, err := s.ContentSource.FetchItems(ctx, pids)
	s.add(models.KindItem, len(out))
	return out, err
}

func (s *countingSource) FetchSeries(ctx context.Context, pids []string) ([]models.Envelope[*models.Series], error) {
	out, err := s.ContentSource.FetchSeries(ctx, pids)
	s.add(models.KindSeries, len(out))
	return out, err
}

func (s *countingSource) FetchBrands(ctx context.Context, pids []string) ([]models.Envelope[*models.Brand], error) {
	out, err := s.ContentSource.FetchBrands(ctx, pids)
	s.add(models.KindBrand, len(out))
	return out, err
}

// forced returns a fetcher with the forced policy whose fetches are counted.
func (r *Refresher) forced() (*fetching.Fetcher, *countingSource) {
	counter := &countingSource{ContentSource: r.handler.fetcher.Source(), counts: make(map[models.Kind]int)}
	return r.handler.fetcher.WithPolicy(fetching.Forced{}).WithSource(counter), counter
}

// RefreshItem fetches an item and its containers and writes them in the scheduled order:
// brand, series, item.
func (r *Refresher) RefreshItem(ctx context.Context, pid string) (*models.Item, error) {
	return r.refreshItem(ctx, pid, true)
}

// MergeItem fetches an item, merges it with the stored copy and writes only the item.
func (r *Refresher) MergeItem(ctx context.Context, pid string) (*models.Item, error) {
	return r.refreshItem(ctx, pid, false)
}

func (r *Refresher) refreshItem(ctx context.Context, pid string, withContainers bool) (*models.Item, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.RefreshItem")
	defer span.End()

	h := r.handler
	logger := h.logger.WithContext(ctx).WithField("pid", pid)
	fetcher, counter := r.forced()

	key := models.KeyFor(pid)
	itemKeys := []string{string(key)}
	if err := h.locker.Lock(ctx, itemKeys); err != nil {
		return nil, httperror.WrapError(http.StatusServiceUnavailable, err)
	}

	var containerKeys []string
	defer func() {
		unlockCtx := context.WithoutCancel(ctx)
		h.locker.Unlock(unlockCtx, containerKeys)
		h.locker.Unlock(unlockCtx, itemKeys)
	}()

	items, err := fetcher.ResolveItems(ctx, []models.ExternalRef{models.ItemRef(pid)})
	if err != nil {
		h.reporter.ReportFailure(ctx, fmt.Sprintf("failed to refresh item %s: %v", pid, err))
		return nil, resolveError(err)
	}

	if n := counter.count(models.KindItem); n > 1 {
		err := fmt.Errorf("%w: upstream returned %d items for %s", ErrConflictingIdentity, n, pid)
		h.reporter.ReportFailure(ctx, err.Error())
		return nil, httperror.WrapError(http.StatusConflict, err)
	}

	env, ok := items[key]
	if !ok || !env.Changed {
		h.reporter.ReportFailure(ctx, fmt.Sprintf("item %s not found upstream", pid))
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "item %s not found upstream", pid)
	}

	b := &batch{items: items, written: make(map[models.EntityKey]bool)}

	if withContainers {
		keys := ContainerKeys(items)
		if err := h.locker.Lock(ctx, keys); err != nil {
			return nil, httperror.WrapError(http.StatusServiceUnavailable, err)
		}
		containerKeys = keys

		if b.series, b.brands, err = fetcher.ResolveContainers(ctx, items); err != nil {
			h.reporter.ReportFailure(ctx, fmt.Sprintf("failed to refresh containers of %s: %v", pid, err))
			return nil, resolveError(err)
		}
		if err := h.writeContainers(ctx, b, env.Model); err != nil {
			h.reporter.ReportFailure(ctx, err.Error(), env.Payload)
			return nil, httperror.WrapError(http.StatusInternalServerError, err)
		}
	}

	if err := h.writer.Write(ctx, env.Model); err != nil {
		h.reporter.ReportFailure(ctx, fmt.Sprintf("write item %s: %v", pid, err), env.Payload)
		return nil, httperror.WrapError(http.StatusInternalServerError, err)
	}
	h.report(ctx, env.Model, env.Payload)

	logger.Infof("Refreshed item %s", pid)
	return env.Model, nil
}

// RefreshContainer fetches a series or brand and writes it.
func (r *Refresher) RefreshContainer(ctx context.Context, kind models.Kind, pid string) (models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.RefreshContainer")
	defer span.End()

	h := r.handler
	fetcher, counter := r.forced()

	key := models.KeyFor(pid)
	keys := []string{string(key)}
	if err := h.locker.Lock(ctx, keys); err != nil {
		return nil, httperror.WrapError(http.StatusServiceUnavailable, err)
	}
	defer h.locker.Unlock(context.WithoutCancel(ctx), keys)

	var (
		entity  models.Entity
		payload []byte
		found   bool
		err     error
	)
	switch kind {
	case models.KindSeries:
		var series fetching.Series
		series, err = fetcher.ResolveSeriesByPid(ctx, []string{pid})
		if env, ok := series[key]; ok && env.Changed {
			entity, payload, found = env.Model, env.Payload, true
		}
	case models.KindBrand:
		var brands fetching.Brands
		brands, err = fetcher.ResolveBrandsByPid(ctx, []string{pid})
		if env, ok := brands[key]; ok && env.Changed {
			entity, payload, found = env.Model, env.Payload, true
		}
	default:
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "cannot refresh %s as a container", kind)
	}

	if err != nil {
		h.reporter.ReportFailure(ctx, fmt.Sprintf("failed to refresh %s %s: %v", kind, pid, err))
		return nil, resolveError(err)
	}
	if n := counter.count(kind); n > 1 {
		err := fmt.Errorf("%w: upstream returned %d %s for %s", ErrConflictingIdentity, n, kind, pid)
		h.reporter.ReportFailure(ctx, err.Error())
		return nil, httperror.WrapError(http.StatusConflict, err)
	}
	if !found {
		h.reporter.ReportFailure(ctx, fmt.Sprintf("%s %s not found upstream", kind, pid))
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found upstream", kind, pid)
	}

	if err := h.writer.Write(ctx, entity); err != nil {
		h.reporter.ReportFailure(ctx, fmt.Sprintf("write %s %s: %v", kind, pid, err), payload)
		return nil, httperror.WrapError(http.StatusInternalServerError, err)
	}
	h.report(ctx, entity, payload)

	h.logger.WithContext(ctx).WithField("pid", pid).Infof("Refreshed %s %s", kind, pid)
	return entity, nil
}

func resolveError(err error) error {
	if errors.Is(err, fetching.ErrFetch) {
		return httperror.WrapError(http.StatusBadGateway, err)
	}
	return httperror.WrapError(http.StatusInternalServerError, err)
}
