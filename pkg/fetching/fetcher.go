// Package fetching decides which referenced entities need a fresh upstream fetch, fetches them
// and merges the results with what is already stored.
package fetching

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrResolve wraps failures of the stored entity lookup
	ErrResolve = errors.New("resolve stored entities")
	// ErrFetch wraps failures of the upstream fetch
	ErrFetch = errors.New("fetch upstream entities")
)

// Resolver batch-loads stored entities. Keys that are not stored are absent from the result.
type Resolver interface {
	Resolve(ctx context.Context, keys []models.EntityKey) (map[models.EntityKey]models.Entity, error)
}

// ContentSource fetches entities from upstream by pid.
type ContentSource interface {
	FetchItems(ctx context.Context, pids []string) ([]models.Envelope[*models.Item], error)
	FetchSeries(ctx context.Context, pids []string) ([]models.Envelope[*models.Series], error)
	FetchBrands(ctx context.Context, pids []string) ([]models.Envelope[*models.Brand], error)
}

type (
	Items  = map[models.EntityKey]models.Envelope[*models.Item]
	Series = map[models.EntityKey]models.Envelope[*models.Series]
	Brands = map[models.EntityKey]models.Envelope[*models.Brand]
)

type Fetcher struct {
	resolver Resolver
	source   ContentSource
	merger   *merging.Merger
	policy   Policy
	logger   ectologger.Logger
}

func NewFetcher(resolver Resolver, source ContentSource, merger *merging.Merger, policy Policy, logger ectologger.Logger) *Fetcher {
	if policy == nil {
		policy = DefaultWindow()
	}
	return &Fetcher{
		resolver: resolver,
		source:   source,
		merger:   merger,
		policy:   policy,
		logger:   logger,
	}
}

// WithPolicy returns a copy of the fetcher using policy.
func (f *Fetcher) WithPolicy(policy Policy) *Fetcher {
	out := *f
	out.policy = policy
	return &out
}

// WithSource returns a copy of the fetcher fetching from source.
func (f *Fetcher) WithSource(source ContentSource) *Fetcher {
	out := *f
	out.source = source
	return &out
}

func (f *Fetcher) Policy() Policy {
	return f.policy
}

func (f *Fetcher) Source() ContentSource {
	return f.source
}

// ResolveItems resolves the referenced items, fetching the ones the policy marks eligible.
func (f *Fetcher) ResolveItems(ctx context.Context, refs []models.ExternalRef) (Items, error) {
	ctx, span := tracing.StartSpan(ctx, "fetching.ResolveItems")
	defer span.End()

	pids := ectolinq.Map(refs, func(r models.ExternalRef) string { return r.ID })

	return resolve(ctx, f, request[*models.Item]{
		kind: models.KindItem,
		pids: pids,
		eligible: func(_ models.EntityKey, stored *models.Item, found bool) bool {
			if !found {
				return f.policy.Eligible(nil)
			}
			return f.policy.Eligible(stored)
		},
		fetch: f.source.FetchItems,
		merge: f.merger.MergeItem,
	})
}

// MergeFetchedItems merges items already fetched upstream with their stored counterparts. No
// further item fetch is made; every given item counts as fetched.
func (f *Fetcher) MergeFetchedItems(ctx context.Context, fetched []models.Envelope[*models.Item]) (Items, error) {
	ctx, span := tracing.StartSpan(ctx, "fetching.MergeFetchedItems")
	defer span.End()

	byPid := make(map[string]models.Envelope[*models.Item], len(fetched))
	for _, env := range fetched {
		if env.Model != nil {
			byPid[env.Model.Pid] = env
		}
	}

	return resolve(ctx, f, request[*models.Item]{
		kind:     models.KindItem,
		pids:     ectolinq.Keys(byPid),
		eligible: func(models.EntityKey, *models.Item, bool) bool { return true },
		fetch: func(_ context.Context, pids []string) ([]models.Envelope[*models.Item], error) {
			out := make([]models.Envelope[*models.Item], 0, len(pids))
			for _, pid := range pids {
				out = append(out, byPid[pid])
			}
			return out, nil
		},
		merge: f.merger.MergeItem,
	})
}

// ResolveSeries resolves the series referenced by items. A series is fetched when it is not
// stored or when any item referencing it was fetched.
func (f *Fetcher) ResolveSeries(ctx context.Context, items Items) (Series, error) {
	ctx, span := tracing.StartSpan(ctx, "fetching.ResolveSeries")
	defer span.End()

	refs := containerRefs(items, func(item *models.Item) models.EntityKey {
		return item.SeriesRef
	})
	return f.resolveSeries(ctx, refs)
}

// ResolveBrands resolves the brands referenced by items. Items whose series is their top level
// container have no brand.
func (f *Fetcher) ResolveBrands(ctx context.Context, items Items) (Brands, error) {
	ctx, span := tracing.StartSpan(ctx, "fetching.ResolveBrands")
	defer span.End()

	refs := containerRefs(items, func(item *models.Item) models.EntityKey {
		if item.IsTopLevelSeriesItem() {
			return ""
		}
		return item.Container
	})
	return f.resolveBrands(ctx, refs)
}

// ResolveContainers resolves both the series and the brands referenced by items.
func (f *Fetcher) ResolveContainers(ctx context.Context, items Items) (Series, Brands, error) {
	series, err := f.ResolveSeries(ctx, items)
	if err != nil {
		return nil, nil, err
	}
	brands, err := f.ResolveBrands(ctx, items)
	if err != nil {
		return nil, nil, err
	}
	return series, brands, nil
}

// ResolveSeriesByPid resolves series directly, without deriving them from items.
func (f *Fetcher) ResolveSeriesByPid(ctx context.Context, pids []string) (Series, error) {
	refs := make(map[models.EntityKey]bool, len(pids))
	for _, pid := range pids {
		refs[models.KeyFor(pid)] = false
	}
	return f.resolveSeries(ctx, refs)
}

// ResolveBrandsByPid resolves brands directly, without deriving them from items.
func (f *Fetcher) ResolveBrandsByPid(ctx context.Context, pids []string) (Brands, error) {
	refs := make(map[models.EntityKey]bool, len(pids))
	for _, pid := range pids {
		refs[models.KeyFor(pid)] = false
	}
	return f.resolveBrands(ctx, refs)
}

func (f *Fetcher) resolveSeries(ctx context.Context, refs map[models.EntityKey]bool) (Series, error) {
	return resolve(ctx, f, request[*models.Series]{
		kind:     models.KindSeries,
		pids:     pidsOf(refs),
		eligible: containerEligible[*models.Series](f.policy, refs),
		fetch:    f.source.FetchSeries,
		merge:    f.merger.MergeSeries,
	})
}

func (f *Fetcher) resolveBrands(ctx context.Context, refs map[models.EntityKey]bool) (Brands, error) {
	return resolve(ctx, f, request[*models.Brand]{
		kind:     models.KindBrand,
		pids:     pidsOf(refs),
		eligible: containerEligible[*models.Brand](f.policy, refs),
		fetch:    f.source.FetchBrands,
		merge:    f.merger.MergeBrand,
	})
}

// containerEligible fetches a container when it is not stored, when the policy forces it, or
// when an item referencing it was fetched.
func containerEligible[T models.Entity](policy Policy, refs map[models.EntityKey]bool) func(models.EntityKey, T, bool) bool {
	return func(key models.EntityKey, _ T, found bool) bool {
		return !found || policy.Forced() || refs[key]
	}
}

// containerRefs maps each container key to whether any item referencing it was fetched.
func containerRefs(items Items, ref func(*models.Item) models.EntityKey) map[models.EntityKey]bool {
	out := make(map[models.EntityKey]bool)
	for _, env := range items {
		if env.Model == nil {
			continue
		}
		key := ref(env.Model)
		if key == "" {
			continue
		}
		out[key] = out[key] || env.Changed
	}
	return out
}

func pidsOf(refs map[models.EntityKey]bool) []string {
	pids := make([]string, 0, len(refs))
	for key := range refs {
		pids = append(pids, key.Pid())
	}
	slices.Sort(pids)
	return pids
}

type request[T models.Entity] struct {
	kind models.Kind
	pids []string
	// eligible is given the stored entity, or the zero value and found=false
	eligible func(key models.EntityKey, stored T, found bool) bool
	fetch    func(context.Context, []string) ([]models.Envelope[T], error)
	merge    func(existing, fetched T) (T, error)
}

func resolve[T models.Entity](ctx context.Context, f *Fetcher, r request[T]) (map[models.EntityKey]models.Envelope[T], error) {
	logger := f.logger.WithContext(ctx).WithField("kind", string(r.kind))

	pids := ectolinq.Filter(r.pids, func(pid string) bool { return pid != "" })
	slices.Sort(pids)
	pids = slices.Compact(pids)

	out := make(map[models.EntityKey]models.Envelope[T], len(pids))
	if len(pids) == 0 {
		return out, nil
	}

	keys := ectolinq.Map(pids, models.KeyFor)
	resolved, err := f.resolver.Resolve(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %d %s keys: %w", ErrResolve, len(keys), r.kind, err)
	}

	stored := make(map[models.EntityKey]T, len(resolved))
	for key, entity := range resolved {
		typed, ok := entity.(T)
		if !ok {
			logger.WithField("key", key.String()).Warnf("Stored entity %s is a %s, not a %s; refetching", key, entity.Kind(), r.kind)
			continue
		}
		stored[key] = typed
	}

	var eligible []string
	for _, pid := range pids {
		key := models.KeyFor(pid)
		existing, found := stored[key]
		if r.eligible(key, existing, found) {
			eligible = append(eligible, pid)
			continue
		}
		out[key] = models.Unfetched(existing)
	}

	logger.WithFields(map[string]any{
		"requested": len(pids),
		"stored":    len(stored),
		"eligible":  len(eligible),
	}).Debugf("Resolved %d %s refs, fetching %d", len(pids), r.kind, len(eligible))

	if len(eligible) == 0 {
		return out, nil
	}

	fetched, err := r.fetch(ctx, eligible)
	if err != nil {
		return nil, fmt.Errorf("%w: %d %s: %w", ErrFetch, len(eligible), r.kind, err)
	}

	metrics.RecordFetched(string(r.kind), len(fetched))

	seen := make(map[models.EntityKey]struct{}, len(fetched))
	for _, env := range fetched {
		key := env.Key()
		if _, dup := seen[key]; dup {
			logger.WithField("key", key.String()).Warnf("Duplicate %s %s in fetched results; keeping the last one", r.kind, key)
		}
		seen[key] = struct{}{}

		existing, found := stored[key]
		if !found {
			out[key] = models.Fetched(env.Model, env.Payload)
			continue
		}

		merged, err := r.merge(existing, env.Model)
		if err != nil {
			return nil, fmt.Errorf("merge %s %s: %w", r.kind, key, err)
		}
		out[key] = models.Fetched(merged, env.Payload)
	}

	// eligible refs upstream did not return fall back to what is stored
	for _, pid := range eligible {
		key := models.KeyFor(pid)
		if _, ok := out[key]; ok {
			continue
		}
		if existing, found := stored[key]; found {
			logger.WithField("key", key.String()).Warnf("Upstream returned no %s for %s; using stored copy", r.kind, key)
			out[key] = models.Unfetched(existing)
		}
	}

	return out, nil
}
