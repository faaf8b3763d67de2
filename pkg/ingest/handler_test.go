package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/fetching"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/keylock"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

var tx = time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)

// memStore resolves and writes entities in memory.
type memStore struct {
	mu       sync.Mutex
	entities map[models.EntityKey]models.Entity
	writes   []models.EntityKey
	failOn   map[models.EntityKey]bool
	delay    time.Duration
	inFlight map[models.EntityKey]int
	maxSeen  int
}

func newMemStore() *memStore {
	return &memStore{
		entities: map[models.EntityKey]models.Entity{},
		failOn:   map[models.EntityKey]bool{},
		inFlight: map[models.EntityKey]int{},
	}
}

func (s *memStore) Resolve(_ context.Context, keys []models.EntityKey) (map[models.EntityKey]models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[models.EntityKey]models.Entity{}
	for _, k := range keys {
		if e, ok := s.entities[k]; ok {
			out[k] = e.CloneEntity()
		}
	}
	return out, nil
}

func (s *memStore) Write(_ context.Context, entity models.Entity) error {
	key := entity.GetContent().Key

	s.mu.Lock()
	s.inFlight[key]++
	s.maxSeen = max(s.maxSeen, s.inFlight[key])
	fail := s.failOn[key]
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[key]--
	if fail {
		return errors.New("write refused")
	}
	s.entities[key] = entity.CloneEntity()
	s.writes = append(s.writes, key)
	return nil
}

func (s *memStore) item(pid string) *models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, _ := s.entities[models.KeyFor(pid)].(*models.Item)
	return item
}

type source struct {
	items  map[string]*models.Item
	series map[string]*models.Series
	brands map[string]*models.Brand
	err    error
	calls  atomic.Int32
}

func newSource() *source {
	return &source{
		items:  map[string]*models.Item{},
		series: map[string]*models.Series{},
		brands: map[string]*models.Brand{},
	}
}

func (s *source) FetchItems(_ context.Context, pids []string) ([]models.Envelope[*models.Item], error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Envelope[*models.Item]
	for _, pid := range pids {
		if item, ok := s.items[pid]; ok {
			out = append(out, models.Fetched(item.Clone(), json.RawMessage(`{"item":"`+pid+`"}`)))
		}
	}
	return out, nil
}

func (s *source) FetchSeries(_ context.Context, pids []string) ([]models.Envelope[*models.Series], error) {
	var out []models.Envelope[*models.Series]
	for _, pid := range pids {
		if series, ok := s.series[pid]; ok {
			out = append(out, models.Fetched(series.Clone(), json.RawMessage(`{}`)))
		}
	}
	return out, nil
}

func (s *source) FetchBrands(_ context.Context, pids []string) ([]models.Envelope[*models.Brand], error) {
	var out []models.Envelope[*models.Brand]
	for _, pid := range pids {
		if brand, ok := s.brands[pid]; ok {
			out = append(out, models.Fetched(brand.Clone(), json.RawMessage(`{}`)))
		}
	}
	return out, nil
}

type recorder struct {
	mu         sync.Mutex
	successes  []string
	failures   []string
	incomplete []string
}

func (r *recorder) ReportSuccess(_ context.Context, entityID string, _ []models.Alias, _ models.Kind, _ ...json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, entityID)
}

func (r *recorder) ReportFailure(_ context.Context, message string, _ ...json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, message)
}

func (r *recorder) ReportIncomplete(_ context.Context, entityID string, _ models.Kind, field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incomplete = append(r.incomplete, entityID+" "+field)
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

type fixture struct {
	store    *memStore
	source   *source
	reporter *recorder
	locker   *keylock.Local
	handler  *ingest.Handler

	logMu  sync.Mutex
	levels map[string]int
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMemStore(),
		source:   newSource(),
		reporter: &recorder{},
		locker:   keylock.NewLocal(),
		levels:   map[string]int{},
	}
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		f.logMu.Lock()
		defer f.logMu.Unlock()
		f.levels[msg.Level]++
	})
	fetcher := fetching.NewFetcher(f.store, f.source, merging.NewBuilder().Build(), fetching.Forced{}, logger)
	f.handler = ingest.NewHandler(f.locker, fetcher, f.store, f.reporter, logger)
	return f
}

func (f *fixture) logged(level string) int {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	return f.levels[level]
}

// brokenLocker fails every Lock the way an unreachable lock backend does
type brokenLocker struct {
	unlocks atomic.Int32
}

func (l *brokenLocker) Lock(context.Context, []string) error {
	return errors.New("dial tcp 10.0.0.1:6379: connection refused")
}

func (l *brokenLocker) Unlock(context.Context, []string) {
	l.unlocks.Add(1)
}

// addEpisode registers an upstream episode of series s1 in brand b1.
func (f *fixture) addEpisode(pid string) {
	f.source.items[pid] = &models.Item{
		Content: models.Content{
			Key:       models.KeyFor(pid),
			Pid:       pid,
			Title:     "Episode " + pid,
			MediaType: models.MediaTypeVideo,
			Versions:  []models.Version{{ID: pid + "-v1"}},
		},
		Container: models.KeyFor("b1"),
		SeriesRef: models.KeyFor("s1"),
	}
	f.source.series["s1"] = &models.Series{
		Content: models.Content{Key: models.KeyFor("s1"), Pid: "s1", Title: "Series"},
		Parent:  models.KeyFor("b1"),
	}
	f.source.brands["b1"] = &models.Brand{
		Content: models.Content{Key: models.KeyFor("b1"), Pid: "b1", Title: "Brand"},
	}
}

func event(pid, source string) models.BroadcastEvent {
	return models.BroadcastEvent{
		ItemRef: models.ItemRef(pid),
		Broadcast: models.Broadcast{
			SourceID:          source,
			ChannelID:         "bbc_one",
			VersionID:         pid + "-v1",
			TransmissionStart: tx,
			TransmissionEnd:   tx.Add(30 * time.Minute),
		},
		Payload: json.RawMessage(`{"broadcast":"` + source + `"}`),
	}
}

func TestHandle_EmptyBatch(t *testing.T) {
	f := newFixture()

	results := f.handler.Handle(context.Background(), nil)

	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, f.source.calls.Load())
}

func TestHandle_WritesContainersBeforeItem(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc1")})

	require.Len(t, results, 1)
	require.NotNil(t, results[0])
	assert.Equal(t, "bc1", results[0].Broadcast.SourceID)
	assert.Equal(t, []models.EntityKey{models.KeyFor("b1"), models.KeyFor("s1"), models.KeyFor("e1")}, f.store.writes)

	stored := f.store.item("e1")
	require.NotNil(t, stored)
	assert.Len(t, stored.AllBroadcasts(), 1)
	assert.Zero(t, f.locker.Held())
}

func TestHandle_PartialFailureIsIsolated(t *testing.T) {
	f := newFixture()
	for _, pid := range []string{"e1", "e2", "e3"} {
		f.addEpisode(pid)
	}
	f.store.failOn[models.KeyFor("e2")] = true

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{
		event("e1", "bc1"),
		event("e2", "bc2"),
		event("e3", "bc3"),
	})

	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.NotNil(t, results[2])

	assert.Equal(t, 1, f.reporter.failureCount())
	assert.Contains(t, f.reporter.successes, string(models.KeyFor("e1")))
	assert.Contains(t, f.reporter.successes, string(models.KeyFor("e3")))
	assert.NotContains(t, f.reporter.successes, string(models.KeyFor("e2")))

	// shared containers are written once for the batch
	brandWrites := 0
	for _, k := range f.store.writes {
		if k == models.KeyFor("b1") {
			brandWrites++
		}
	}
	assert.Equal(t, 1, brandWrites)
	assert.Zero(t, f.locker.Held())
}

func TestHandle_UnknownItemFailsOnlyItsEvent(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{
		event("e1", "bc1"),
		event("missing", "bc2"),
	})

	require.Len(t, results, 2)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.Equal(t, 1, f.reporter.failureCount())
}

func TestHandle_UpstreamErrorReleasesLocks(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.source.err = errors.New("upstream down")

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc1"), event("e1", "bc2")})

	assert.Nil(t, results)
	assert.Equal(t, 1, f.reporter.failureCount())
	assert.Empty(t, f.store.writes)
	assert.Zero(t, f.locker.Held())
}

func TestHandle_InterruptedLockAbandonsBatch(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	key := string(models.KeyFor("e1"))
	require.NoError(t, f.locker.Lock(context.Background(), []string{key}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results := f.handler.Handle(ctx, []models.BroadcastEvent{event("e1", "bc1")})

	assert.Nil(t, results)
	assert.Zero(t, f.source.calls.Load())
	assert.Equal(t, 1, f.locker.Held())

	f.locker.Unlock(context.Background(), []string{key})
	assert.Zero(t, f.locker.Held())
}

func TestHandle_SameItemIsMutuallyExclusive(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.store.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc"+string(rune('a'+i)))})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.maxSeen)
	assert.Len(t, f.store.item("e1").AllBroadcasts(), 5)
	assert.Zero(t, f.locker.Held())
}

func TestHandle_ReplayIsIdempotent(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	events := []models.BroadcastEvent{event("e1", "bc1")}

	first := f.handler.Handle(context.Background(), events)
	require.NotNil(t, first[0])
	before, err := json.Marshal(f.store.item("e1"))
	require.NoError(t, err)

	second := f.handler.Handle(context.Background(), events)
	require.NotNil(t, second[0])
	after, err := json.Marshal(f.store.item("e1"))
	require.NoError(t, err)

	assert.JSONEq(t, string(before), string(after))
	assert.Len(t, f.store.item("e1").AllBroadcasts(), 1)
}

func TestHandle_EventsForSameItemAccumulate(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc1"), event("e1", "bc2")})

	require.Len(t, results, 2)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Len(t, f.store.item("e1").AllBroadcasts(), 2)
}

func TestHandle_ContainerThatIsAlsoAnItem(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.source.items["clip"] = &models.Item{
		Content: models.Content{
			Key:      models.KeyFor("clip"),
			Pid:      "clip",
			Versions: []models.Version{{ID: "clip-v1"}},
		},
		Container: models.KeyFor("e1"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := f.handler.Handle(ctx, []models.BroadcastEvent{event("e1", "bc1"), event("clip", "bc2")})

	require.Len(t, results, 2)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Zero(t, f.locker.Held())
}

func TestHandle_InvalidBroadcast(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	evt := event("e1", "")

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{evt})

	require.Len(t, results, 1)
	assert.Nil(t, results[0])
	assert.Equal(t, 1, f.reporter.failureCount())
}

func TestHandle_InterruptedLockIsAWarning(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	key := string(models.KeyFor("e1"))
	require.NoError(t, f.locker.Lock(context.Background(), []string{key}))
	defer f.locker.Unlock(context.Background(), []string{key})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Nil(t, f.handler.Handle(ctx, []models.BroadcastEvent{event("e1", "bc1")}))
	assert.Equal(t, 1, f.logged("warn"))
	assert.Zero(t, f.logged("error"))
}

func TestHandle_LockBackendFailureIsAnError(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	locker := &brokenLocker{}
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		f.logMu.Lock()
		defer f.logMu.Unlock()
		f.levels[msg.Level]++
	})
	fetcher := fetching.NewFetcher(f.store, f.source, merging.NewBuilder().Build(), fetching.Forced{}, logger)
	handler := ingest.NewHandler(locker, fetcher, f.store, f.reporter, logger)

	results := handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc1")})

	assert.Nil(t, results)
	assert.Zero(t, f.source.calls.Load())
	assert.Empty(t, f.store.writes)
	assert.Equal(t, 1, f.logged("error"))
	assert.Zero(t, f.logged("warn"))
	// nothing was taken, so nothing is released
	assert.Zero(t, locker.unlocks.Load())
}

func TestHandle_ReportsMissingFields(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.source.brands["b1"].Genres = []string{"100"}
	f.source.brands["b1"].Title = ""

	results := f.handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc1")})

	require.NotNil(t, results[0])
	assert.ElementsMatch(t, []string{
		string(models.KeyFor("b1")) + " title",
		string(models.KeyFor("s1")) + " genres",
		string(models.KeyFor("e1")) + " genres",
		string(models.KeyFor("e1")) + " episode_number",
	}, f.reporter.incomplete)
}

func TestHandleItems_WritesMergedItemsAfterContainers(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	stored := f.source.items["e1"].Clone()
	stored.AddBroadcast(event("e1", "bc-old").Broadcast)
	f.store.entities[stored.Key] = stored

	available := f.source.items["e1"].Clone()
	available.Versions = []models.Version{{ID: "e1-v1", Locations: []models.Location{{URI: "iplayer://e1", Available: true}}}}
	number := 3
	available.EpisodeNumber = &number
	available.Genres = []string{"100"}

	results := f.handler.HandleItems(context.Background(), []models.Envelope[*models.Item]{
		models.Fetched(available, json.RawMessage(`{"pid":"e1"}`)),
	})

	require.Len(t, results, 1)
	require.NotNil(t, results[0])
	assert.Equal(t, []models.EntityKey{models.KeyFor("b1"), models.KeyFor("s1"), models.KeyFor("e1")}, f.store.writes)
	// only the containers were fetched; the item came with the page
	assert.Zero(t, f.source.calls.Load())

	item := f.store.item("e1")
	assert.Len(t, item.AllBroadcasts(), 1)
	assert.Equal(t, []models.Location{{URI: "iplayer://e1", Available: true}}, item.Versions[0].Locations)
	assert.Contains(t, f.reporter.successes, string(models.KeyFor("e1")))
	assert.NotContains(t, f.reporter.incomplete, string(models.KeyFor("e1"))+" episode_number")
	assert.Zero(t, f.locker.Held())
}

func TestHandleItems_FailedWriteIsIsolated(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.addEpisode("e2")
	f.store.failOn[models.KeyFor("e1")] = true

	results := f.handler.HandleItems(context.Background(), []models.Envelope[*models.Item]{
		models.Fetched(f.source.items["e1"].Clone(), nil),
		models.Fetched(f.source.items["e2"].Clone(), nil),
	})

	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Equal(t, 1, f.reporter.failureCount())
	assert.Zero(t, f.locker.Held())
}

func TestHandleItems_Empty(t *testing.T) {
	f := newFixture()

	results := f.handler.HandleItems(context.Background(), nil)

	assert.NotNil(t, results)
	assert.Empty(t, results)
}
