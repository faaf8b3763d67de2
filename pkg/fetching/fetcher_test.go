package fetching_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/fetching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

var now = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeResolver struct {
	stored map[models.EntityKey]models.Entity
	calls  int
}

func (r *fakeResolver) Resolve(_ context.Context, keys []models.EntityKey) (map[models.EntityKey]models.Entity, error) {
	r.calls++
	out := map[models.EntityKey]models.Entity{}
	for _, k := range keys {
		if e, ok := r.stored[k]; ok {
			out[k] = e
		}
	}
	return out, nil
}

type fakeSource struct {
	mu       sync.Mutex
	items    map[string][]*models.Item
	series   map[string]*models.Series
	brands   map[string]*models.Brand
	err      error
	requests map[models.Kind][][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items:    map[string][]*models.Item{},
		series:   map[string]*models.Series{},
		brands:   map[string]*models.Brand{},
		requests: map[models.Kind][][]string{},
	}
}

func (s *fakeSource) record(kind models.Kind, pids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[kind] = append(s.requests[kind], slices.Clone(pids))
}

func (s *fakeSource) FetchItems(_ context.Context, pids []string) ([]models.Envelope[*models.Item], error) {
	s.record(models.KindItem, pids)
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Envelope[*models.Item]
	for _, pid := range pids {
		for _, item := range s.items[pid] {
			out = append(out, models.Fetched(item.Clone(), json.RawMessage(`{"pid":"`+pid+`"}`)))
		}
	}
	return out, nil
}

func (s *fakeSource) FetchSeries(_ context.Context, pids []string) ([]models.Envelope[*models.Series], error) {
	s.record(models.KindSeries, pids)
	var out []models.Envelope[*models.Series]
	for _, pid := range pids {
		if series, ok := s.series[pid]; ok {
			out = append(out, models.Fetched(series.Clone(), json.RawMessage(`{}`)))
		}
	}
	return out, nil
}

func (s *fakeSource) FetchBrands(_ context.Context, pids []string) ([]models.Envelope[*models.Brand], error) {
	s.record(models.KindBrand, pids)
	var out []models.Envelope[*models.Brand]
	for _, pid := range pids {
		if brand, ok := s.brands[pid]; ok {
			out = append(out, models.Fetched(brand.Clone(), json.RawMessage(`{}`)))
		}
	}
	return out, nil
}

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func fixedWindow() fetching.Window {
	w := fetching.DefaultWindow()
	w.Now = func() time.Time { return now }
	return w
}

func newFetcher(resolver *fakeResolver, source *fakeSource, policy fetching.Policy) *fetching.Fetcher {
	return fetching.NewFetcher(resolver, source, merging.NewBuilder().Build(), policy, silentLogger())
}

func hour(h time.Duration) *time.Duration { return &h }

func storedItem(pid string, media models.MediaType, tx time.Time, d *time.Duration) *models.Item {
	return &models.Item{
		Content: models.Content{
			Key:       models.KeyFor(pid),
			Pid:       pid,
			Title:     "Stored " + pid,
			MediaType: media,
			Versions: []models.Version{{
				ID:         "v-" + pid,
				Duration:   d,
				Broadcasts: []models.Broadcast{{SourceID: "bc-" + pid, VersionID: "v-" + pid, TransmissionStart: tx, TransmissionEnd: tx.Add(time.Hour)}},
			}},
		},
		Container: models.KeyFor("b-" + pid),
	}
}

func TestWindow_NilDurationIsAlwaysEligible(t *testing.T) {
	item := storedItem("p1", models.MediaTypeVideo, now.AddDate(-1, 0, 0), nil)
	assert.True(t, fixedWindow().Eligible(item))
}

func TestWindow_OutsideWindowIsNeverEligible(t *testing.T) {
	item := storedItem("p1", models.MediaTypeVideo, now.AddDate(0, 0, -30), hour(time.Hour))
	assert.False(t, fixedWindow().Eligible(item))
}

func TestWindow_MissingItemIsEligible(t *testing.T) {
	assert.True(t, fixedWindow().Eligible(nil))
}

func TestWindow_Boundaries(t *testing.T) {
	today := models.DayOf(now)
	cases := []struct {
		name     string
		media    models.MediaType
		tx       time.Time
		eligible bool
	}{
		{"audio first day", models.MediaTypeAudio, today.AddDate(0, 0, -5), true},
		{"audio before window", models.MediaTypeAudio, today.AddDate(0, 0, -5).Add(-time.Second), false},
		{"audio last instant", models.MediaTypeAudio, today.AddDate(0, 0, 1).Add(-time.Second), true},
		{"audio after window", models.MediaTypeAudio, today.AddDate(0, 0, 1), false},
		{"video first day", models.MediaTypeVideo, today.AddDate(0, 0, -3), true},
		{"video four days back", models.MediaTypeVideo, today.AddDate(0, 0, -4), false},
		{"video nine days ahead", models.MediaTypeVideo, today.AddDate(0, 0, 9), true},
		{"video ten days ahead", models.MediaTypeVideo, today.AddDate(0, 0, 10), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := storedItem("p1", tc.media, tc.tx, hour(time.Hour))
			assert.Equal(t, tc.eligible, fixedWindow().Eligible(item))
		})
	}
}

func TestForced_EverythingIsEligible(t *testing.T) {
	item := storedItem("p1", models.MediaTypeVideo, now.AddDate(-1, 0, 0), hour(time.Hour))
	assert.True(t, fetching.Forced{}.Eligible(item))
	assert.True(t, fetching.Forced{}.Forced())
}

func TestResolveItems_FetchesOnlyEligibleRefs(t *testing.T) {
	stale := storedItem("old", models.MediaTypeVideo, now.AddDate(0, 0, -30), hour(time.Hour))
	fresh := storedItem("fresh", models.MediaTypeVideo, now, hour(time.Hour))

	resolver := &fakeResolver{stored: map[models.EntityKey]models.Entity{stale.Key: stale, fresh.Key: fresh}}
	source := newFakeSource()
	source.items["fresh"] = []*models.Item{{Content: models.Content{Key: fresh.Key, Pid: "fresh", Title: "Upstream"}}}
	source.items["new"] = []*models.Item{{Content: models.Content{Key: models.KeyFor("new"), Pid: "new", Title: "New"}}}

	items, err := newFetcher(resolver, source, fixedWindow()).ResolveItems(context.Background(), []models.ExternalRef{
		models.ItemRef("old"), models.ItemRef("fresh"), models.ItemRef("new"), models.ItemRef("fresh"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls)
	require.Len(t, source.requests[models.KindItem], 1)
	assert.Equal(t, []string{"fresh", "new"}, source.requests[models.KindItem][0])

	require.Len(t, items, 3)

	old := items[models.KeyFor("old")]
	assert.False(t, old.Changed)
	assert.Nil(t, old.Payload)
	assert.Equal(t, stale, old.Model)

	merged := items[models.KeyFor("fresh")]
	assert.True(t, merged.Changed)
	assert.NotNil(t, merged.Payload)
	assert.Equal(t, "Stored fresh", merged.Model.Title)
	assert.Len(t, merged.Model.Versions, 1)

	created := items[models.KeyFor("new")]
	assert.True(t, created.Changed)
	assert.Equal(t, "New", created.Model.Title)
}

func TestResolveItems_FetchErrorFailsTheStep(t *testing.T) {
	source := newFakeSource()
	source.err = errors.New("upstream down")

	items, err := newFetcher(&fakeResolver{}, source, fixedWindow()).ResolveItems(context.Background(), []models.ExternalRef{models.ItemRef("p1")})
	require.Error(t, err)
	assert.Nil(t, items)
}

func TestResolveItems_DuplicateFetchedKeyIsLastWriteWinsWithWarning(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []string
	)
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, fmt.Sprintf("%+v", msg))
	})

	source := newFakeSource()
	source.items["p1"] = []*models.Item{
		{Content: models.Content{Key: models.KeyFor("p1"), Pid: "p1", Title: "first"}},
		{Content: models.Content{Key: models.KeyFor("p1"), Pid: "p1", Title: "second"}},
	}

	fetcher := fetching.NewFetcher(&fakeResolver{}, source, merging.NewBuilder().Build(), fixedWindow(), logger)
	items, err := fetcher.ResolveItems(context.Background(), []models.ExternalRef{models.ItemRef("p1")})
	require.NoError(t, err)
	assert.Equal(t, "second", items[models.KeyFor("p1")].Model.Title)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, slices.ContainsFunc(messages, func(m string) bool { return strings.Contains(m, "Duplicate") }))
}

func TestResolveContainers_EligibilityFollowsItems(t *testing.T) {
	storedSeries := &models.Series{Content: models.Content{Key: models.KeyFor("s-stored"), Title: "Stored series"}}
	storedBrand := &models.Brand{Content: models.Content{Key: models.KeyFor("b-stored"), Title: "Stored brand"}}
	untouchedBrand := &models.Brand{Content: models.Content{Key: models.KeyFor("b-untouched")}}

	resolver := &fakeResolver{stored: map[models.EntityKey]models.Entity{
		storedSeries.Key:   storedSeries,
		storedBrand.Key:    storedBrand,
		untouchedBrand.Key: untouchedBrand,
	}}
	source := newFakeSource()
	source.series["s-stored"] = &models.Series{Content: models.Content{Key: storedSeries.Key, Title: "Upstream series"}}
	source.series["s-top"] = &models.Series{Content: models.Content{Key: models.KeyFor("s-top")}}
	source.brands["b-stored"] = &models.Brand{Content: models.Content{Key: storedBrand.Key}}

	items := fetching.Items{
		models.KeyFor("fetched"): models.Fetched(&models.Item{
			Content:   models.Content{Key: models.KeyFor("fetched")},
			Container: storedBrand.Key,
			SeriesRef: storedSeries.Key,
		}, nil),
		models.KeyFor("unfetched"): models.Unfetched(&models.Item{
			Content:   models.Content{Key: models.KeyFor("unfetched")},
			Container: untouchedBrand.Key,
		}),
		models.KeyFor("top"): models.Fetched(&models.Item{
			Content:   models.Content{Key: models.KeyFor("top")},
			Container: models.KeyFor("s-top"),
			SeriesRef: models.KeyFor("s-top"),
		}, nil),
	}

	series, brands, err := newFetcher(resolver, source, fixedWindow()).ResolveContainers(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"s-stored", "s-top"}}, source.requests[models.KindSeries])
	assert.Equal(t, [][]string{{"b-stored"}}, source.requests[models.KindBrand])

	require.Len(t, series, 2)
	assert.True(t, series[storedSeries.Key].Changed)
	assert.Equal(t, "Stored series", series[storedSeries.Key].Model.Title)

	require.Len(t, brands, 2)
	assert.True(t, brands[storedBrand.Key].Changed)
	assert.False(t, brands[untouchedBrand.Key].Changed)
	_, topIsBrand := brands[models.KeyFor("s-top")]
	assert.False(t, topIsBrand)
}

func TestResolveContainers_ForcedFetchesStoredContainers(t *testing.T) {
	brand := &models.Brand{Content: models.Content{Key: models.KeyFor("b1")}}
	resolver := &fakeResolver{stored: map[models.EntityKey]models.Entity{brand.Key: brand}}
	source := newFakeSource()

	items := fetching.Items{
		models.KeyFor("p1"): models.Unfetched(&models.Item{Content: models.Content{Key: models.KeyFor("p1")}, Container: brand.Key}),
	}

	brands, err := newFetcher(resolver, source, fetching.Forced{}).ResolveBrands(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"b1"}}, source.requests[models.KindBrand])
	// upstream returned nothing, so the stored brand is used
	require.Contains(t, brands, brand.Key)
	assert.False(t, brands[brand.Key].Changed)
}

func TestResolveItems_WrongStoredKindIsRefetched(t *testing.T) {
	brand := &models.Brand{Content: models.Content{Key: models.KeyFor("p1")}}
	resolver := &fakeResolver{stored: map[models.EntityKey]models.Entity{brand.Key: brand}}
	source := newFakeSource()
	source.items["p1"] = []*models.Item{{Content: models.Content{Key: models.KeyFor("p1"), Title: "Item"}}}

	items, err := newFetcher(resolver, source, fixedWindow()).ResolveItems(context.Background(), []models.ExternalRef{models.ItemRef("p1")})
	require.NoError(t, err)
	assert.Equal(t, "Item", items[models.KeyFor("p1")].Model.Title)
}

func TestMergeFetchedItems_MergesWithoutRefetching(t *testing.T) {
	// outside the window, so ResolveItems would never refetch it
	stale := storedItem("old", models.MediaTypeVideo, now.AddDate(0, 0, -30), hour(time.Hour))
	resolver := &fakeResolver{stored: map[models.EntityKey]models.Entity{stale.Key: stale}}
	source := newFakeSource()

	fetched := []models.Envelope[*models.Item]{
		models.Fetched(&models.Item{
			Content: models.Content{Key: stale.Key, Pid: "old", Versions: []models.Version{{ID: "v-avail"}}},
		}, json.RawMessage(`{"pid":"old"}`)),
		models.Fetched(&models.Item{Content: models.Content{Key: models.KeyFor("new"), Pid: "new", Title: "New"}}, json.RawMessage(`{"pid":"new"}`)),
		{},
	}

	items, err := newFetcher(resolver, source, fixedWindow()).MergeFetchedItems(context.Background(), fetched)
	require.NoError(t, err)

	assert.Empty(t, source.requests[models.KindItem])
	require.Len(t, items, 2)

	merged := items[stale.Key]
	assert.True(t, merged.Changed)
	assert.JSONEq(t, `{"pid":"old"}`, string(merged.Payload))
	assert.Equal(t, "Stored old", merged.Model.Title)
	assert.NotNil(t, merged.Model.Version("v-avail"))

	created := items[models.KeyFor("new")]
	assert.True(t, created.Changed)
	assert.Equal(t, "New", created.Model.Title)
}
