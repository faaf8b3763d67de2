package schedule_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schedule"
)

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func channels(ids ...string) []models.Channel {
	out := make([]models.Channel, len(ids))
	for i, id := range ids {
		out[i] = models.Channel{ID: id, MediaType: models.MediaTypeVideo}
	}
	return out
}

func TestGenerate_DayMajorWithOneShuffle(t *testing.T) {
	chs := channels("a", "b", "c", "d", "e")

	units := schedule.Generate(chs, day.Add(5*time.Hour), day.AddDate(0, 0, 2), rand.New(rand.NewSource(7)))

	require.Len(t, units, 15)
	for i, u := range units {
		assert.Equal(t, day.AddDate(0, 0, i/5), u.Day)
	}

	// every day uses the same channel order
	for i := 5; i < len(units); i++ {
		assert.Equal(t, units[i%5].Channel, units[i].Channel)
	}

	seen := map[string]bool{}
	for _, u := range units[:5] {
		seen[u.Channel.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestGenerate_SeedChangesOrder(t *testing.T) {
	chs := channels("a", "b", "c", "d", "e", "f", "g", "h")

	orders := map[string]bool{}
	for seed := int64(0); seed < 10; seed++ {
		units := schedule.Generate(chs, day, day, rand.New(rand.NewSource(seed)))
		key := ""
		for _, u := range units {
			key += u.Channel.ID
		}
		orders[key] = true
	}
	assert.Greater(t, len(orders), 1)
}

func TestGenerate_Empty(t *testing.T) {
	assert.Empty(t, schedule.Generate(channels("a"), day, day.AddDate(0, 0, -1), nil))
	assert.Empty(t, schedule.Generate(nil, day, day, nil))
	assert.Len(t, schedule.Generate(channels("a", "b"), day, day, nil), 2)
}

func TestRun_BoundedConcurrency(t *testing.T) {
	units := schedule.Generate(channels("a", "b", "c", "d"), day, day.AddDate(0, 0, 4), nil)

	var inFlight, maxSeen atomic.Int32
	processor := schedule.ProcessorFunc(func(_ context.Context, _ models.WorkUnit) (models.Progress, error) {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return models.Progress{Processed: 2, Failed: 1}, nil
	})

	report := schedule.NewRunner(silentLogger()).Run(context.Background(), units, processor, 3, 0)

	assert.LessOrEqual(t, maxSeen.Load(), int32(3))
	assert.Equal(t, 20, report.Units)
	assert.Zero(t, report.FailedUnits)
	assert.False(t, report.Degraded)
	assert.Equal(t, models.Progress{Processed: 40, Failed: 20}, report.Progress)
}

func TestRun_FailureThreshold(t *testing.T) {
	units := schedule.Generate(channels("a", "b", "c", "d", "e", "f", "g", "h", "i", "j"), day, day, nil)

	failing := func(n int) schedule.Processor {
		var count atomic.Int32
		return schedule.ProcessorFunc(func(_ context.Context, _ models.WorkUnit) (models.Progress, error) {
			if int(count.Add(1)) <= n {
				return models.Progress{}, errors.New("upstream")
			}
			return models.Progress{Processed: 1}, nil
		})
	}

	runner := schedule.NewRunner(silentLogger())

	// 2 of 10 failed is exactly 20%, not above it
	report := runner.Run(context.Background(), units, failing(2), 1, 20)
	assert.Equal(t, 2, report.FailedUnits)
	assert.False(t, report.Degraded)

	report = runner.Run(context.Background(), units, failing(3), 1, 20)
	assert.Equal(t, 3, report.FailedUnits)
	assert.True(t, report.Degraded)
	assert.Equal(t, 10, report.Units, "failures never abort the run")
}

func TestRun_PanicFailsOnlyItsUnit(t *testing.T) {
	units := schedule.Generate(channels("a", "b", "c"), day, day, nil)
	processor := schedule.ProcessorFunc(func(_ context.Context, u models.WorkUnit) (models.Progress, error) {
		if u.Channel.ID == "b" {
			panic("boom")
		}
		return models.Progress{Processed: 1}, nil
	})

	report := schedule.NewRunner(silentLogger()).Run(context.Background(), units, processor, 2, 50)

	assert.Equal(t, 3, report.Units)
	assert.Equal(t, 1, report.FailedUnits)
	assert.Equal(t, 2, report.Progress.Processed)
}

func TestRun_CancelStopsDispatchAndFinishesInFlight(t *testing.T) {
	units := schedule.Generate(channels("a", "b", "c", "d", "e", "f"), day, day.AddDate(0, 0, 9), nil)
	ctx, cancel := context.WithCancel(context.Background())

	var started, finished atomic.Int32
	var detachedOK atomic.Bool
	detachedOK.Store(true)
	processor := schedule.ProcessorFunc(func(ctx context.Context, _ models.WorkUnit) (models.Progress, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		time.Sleep(10 * time.Millisecond)
		if ctx.Err() != nil {
			detachedOK.Store(false)
		}
		finished.Add(1)
		return models.Progress{Processed: 1}, nil
	})

	report := schedule.NewRunner(silentLogger()).Run(ctx, units, processor, 2, 0)

	assert.Equal(t, started.Load(), finished.Load())
	assert.True(t, detachedOK.Load(), "in-flight units must not see the cancellation")
	assert.Equal(t, int(finished.Load()), report.Units)
	assert.Less(t, report.Units, len(units))
	assert.Equal(t, len(units)-report.Units, report.Skipped)
}

type pagedSource struct {
	pages [][]models.BroadcastEvent
	err   error
	calls []int
}

func (s *pagedSource) FetchSchedule(_ context.Context, _ models.Channel, _ time.Time, page, _ int) (*models.SchedulePage, error) {
	s.calls = append(s.calls, page)
	if s.err != nil {
		return nil, s.err
	}
	return &models.SchedulePage{
		Events:  s.pages[page-1],
		Page:    page,
		HasNext: page < len(s.pages),
	}, nil
}

// fakeHandler writes every event except the ones whose item pid is listed in fail
type fakeHandler struct {
	mu      sync.Mutex
	fail    map[string]bool
	batches int
}

func (h *fakeHandler) Handle(_ context.Context, events []models.BroadcastEvent) []*models.Written {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches++
	out := make([]*models.Written, len(events))
	for i, e := range events {
		if h.fail[e.ItemRef.ID] {
			continue
		}
		out[i] = &models.Written{Item: &models.Item{Content: models.Content{Key: e.ItemRef.Key()}}, Broadcast: e.Broadcast}
	}
	return out
}

type blockWriter struct {
	replaced map[string][]string
	appended map[string][]string
	err      error
}

func newBlockWriter() *blockWriter {
	return &blockWriter{replaced: map[string][]string{}, appended: map[string][]string{}}
}

func ids(written []*models.Written) []string {
	out := make([]string, 0, len(written))
	for _, w := range written {
		out = append(out, w.Broadcast.SourceID)
	}
	return out
}

func (w *blockWriter) ReplaceScheduleBlock(_ context.Context, channel models.Channel, _ time.Time, written []*models.Written) error {
	w.replaced[channel.ID] = ids(written)
	return w.err
}

func (w *blockWriter) AppendScheduleEntries(_ context.Context, channel models.Channel, _ time.Time, written []*models.Written) error {
	w.appended[channel.ID] = ids(written)
	return w.err
}

func events(pids ...string) []models.BroadcastEvent {
	out := make([]models.BroadcastEvent, len(pids))
	for i, pid := range pids {
		out[i] = models.BroadcastEvent{
			ItemRef:   models.ItemRef(pid),
			Broadcast: models.Broadcast{SourceID: "bc-" + pid, VersionID: pid + "-v"},
		}
	}
	return out
}

func TestDayUpdater_FollowsPagesAndReplaces(t *testing.T) {
	source := &pagedSource{pages: [][]models.BroadcastEvent{events("a", "b"), events("c"), events("d")}}
	handler := &fakeHandler{}
	writer := newBlockWriter()
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	progress, err := schedule.NewDayUpdater(source, handler, writer, silentLogger()).Process(context.Background(), unit)

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, source.calls)
	assert.Equal(t, 3, handler.batches)
	assert.Equal(t, models.Progress{Processed: 4}, progress)
	assert.Equal(t, []string{"bc-a", "bc-b", "bc-c", "bc-d"}, writer.replaced["bbc_one"])
	assert.Empty(t, writer.appended)
}

func TestDayUpdater_PartialFailureOnlyAppends(t *testing.T) {
	source := &pagedSource{pages: [][]models.BroadcastEvent{events("a", "b", "c")}}
	handler := &fakeHandler{fail: map[string]bool{"b": true}}
	writer := newBlockWriter()
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	progress, err := schedule.NewDayUpdater(source, handler, writer, silentLogger()).Process(context.Background(), unit)

	require.NoError(t, err)
	assert.Equal(t, models.Progress{Processed: 2, Failed: 1}, progress)
	assert.Equal(t, []string{"bc-a", "bc-c"}, writer.appended["bbc_one"])
	assert.Empty(t, writer.replaced)
}

func TestDayUpdater_PageErrorFailsUnit(t *testing.T) {
	source := &pagedSource{err: errors.New("502")}
	writer := newBlockWriter()
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	_, err := schedule.NewDayUpdater(source, &fakeHandler{}, writer, silentLogger()).Process(context.Background(), unit)

	require.Error(t, err)
	assert.Empty(t, writer.replaced)
	assert.Empty(t, writer.appended)
}

func TestDayUpdater_EmptyDayKeepsStoredBlock(t *testing.T) {
	source := &pagedSource{pages: [][]models.BroadcastEvent{{}}}
	handler := &fakeHandler{}
	writer := newBlockWriter()
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	progress, err := schedule.NewDayUpdater(source, handler, writer, silentLogger()).Process(context.Background(), unit)

	require.NoError(t, err)
	assert.Zero(t, handler.batches)
	assert.Zero(t, progress.Total())
	assert.Empty(t, writer.replaced)
	assert.Empty(t, writer.appended)
}

func TestDayUpdater_AllFailedKeepsStoredBlock(t *testing.T) {
	source := &pagedSource{pages: [][]models.BroadcastEvent{events("a", "b")}}
	handler := &fakeHandler{fail: map[string]bool{"a": true, "b": true}}
	writer := newBlockWriter()
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	progress, err := schedule.NewDayUpdater(source, handler, writer, silentLogger()).Process(context.Background(), unit)

	require.NoError(t, err)
	assert.Equal(t, models.Progress{Failed: 2}, progress)
	assert.Empty(t, writer.replaced)
	assert.Empty(t, writer.appended)
}

func TestDayUpdater_StopsAfterMaxPages(t *testing.T) {
	pages := make([][]models.BroadcastEvent, 51)
	for i := range pages {
		pages[i] = events("a")
	}
	source := &pagedSource{pages: pages}
	writer := newBlockWriter()
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	_, err := schedule.NewDayUpdater(source, &fakeHandler{}, writer, silentLogger()).Process(context.Background(), unit)

	require.ErrorContains(t, err, "exceeded 50 pages")
	assert.Len(t, source.calls, 50)
	assert.Empty(t, writer.replaced)
}

func TestDayUpdater_RunTwiceWritesTheSame(t *testing.T) {
	source := &pagedSource{pages: [][]models.BroadcastEvent{events("a", "b"), events("c")}}
	unit := models.WorkUnit{Channel: channels("bbc_one")[0], Day: day}

	first := newBlockWriter()
	_, err := schedule.NewDayUpdater(source, &fakeHandler{}, first, silentLogger()).Process(context.Background(), unit)
	require.NoError(t, err)

	second := newBlockWriter()
	_, err = schedule.NewDayUpdater(source, &fakeHandler{}, second, silentLogger()).Process(context.Background(), unit)
	require.NoError(t, err)

	assert.Equal(t, first.replaced, second.replaced)
}

type episodeSource struct {
	pages [][]models.Envelope[*models.Item]
	err   error
	calls []int
}

func (s *episodeSource) DiscoverEpisodes(_ context.Context, page, _ int) (*models.ItemPage, error) {
	s.calls = append(s.calls, page)
	if s.err != nil && page > 1 {
		return nil, s.err
	}
	return &models.ItemPage{
		Items:   s.pages[page-1],
		Page:    page,
		HasNext: page < len(s.pages) || s.err != nil,
	}, nil
}

// itemHandler writes every item except the ones whose pid is listed in fail
type itemHandler struct {
	fail    map[string]bool
	batches [][]string
}

func (h *itemHandler) HandleItems(_ context.Context, items []models.Envelope[*models.Item]) []*models.Item {
	out := make([]*models.Item, len(items))
	var pids []string
	for i, env := range items {
		pids = append(pids, env.Model.Pid)
		if !h.fail[env.Model.Pid] {
			out[i] = env.Model
		}
	}
	h.batches = append(h.batches, pids)
	return out
}

func available(pids ...string) []models.Envelope[*models.Item] {
	out := make([]models.Envelope[*models.Item], len(pids))
	for i, pid := range pids {
		out[i] = models.Fetched(&models.Item{Content: models.Content{Key: models.KeyFor(pid), Pid: pid}}, nil)
	}
	return out
}

func TestOffScheduleUpdater_HandlesEachPage(t *testing.T) {
	source := &episodeSource{pages: [][]models.Envelope[*models.Item]{available("a", "b"), {}, available("c")}}
	handler := &itemHandler{fail: map[string]bool{"b": true}}

	progress, err := schedule.NewOffScheduleUpdater(source, handler, silentLogger()).Process(context.Background(), models.WorkUnit{Day: day})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, source.calls)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, handler.batches)
	assert.Equal(t, models.Progress{Processed: 2, Failed: 1}, progress)
}

func TestOffScheduleUpdater_PageErrorKeepsEarlierProgress(t *testing.T) {
	source := &episodeSource{pages: [][]models.Envelope[*models.Item]{available("a")}, err: errors.New("502")}
	handler := &itemHandler{}

	progress, err := schedule.NewOffScheduleUpdater(source, handler, silentLogger()).Process(context.Background(), models.WorkUnit{Day: day})

	require.Error(t, err)
	assert.Equal(t, models.Progress{Processed: 1}, progress)
	assert.Len(t, handler.batches, 1)
}
