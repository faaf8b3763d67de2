package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/models"
)

// twinSource answers every item pid with two distinct items.
type twinSource struct {
	*source
}

func (s twinSource) FetchItems(ctx context.Context, pids []string) ([]models.Envelope[*models.Item], error) {
	out, err := s.source.FetchItems(ctx, pids)
	if err != nil {
		return nil, err
	}
	for _, env := range out {
		twin := env.Model.Clone()
		twin.Title = "twin"
		out = append(out, models.Fetched(twin, json.RawMessage(`{}`)))
	}
	return out, nil
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	require.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	return httperror.GetStatusCode(err)
}

func TestRefreshItem_WritesContainersAndItem(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	item, err := ingest.NewRefresher(f.handler).RefreshItem(context.Background(), "e1")

	require.NoError(t, err)
	assert.Equal(t, models.KeyFor("e1"), item.Key)
	assert.Equal(t, []models.EntityKey{models.KeyFor("b1"), models.KeyFor("s1"), models.KeyFor("e1")}, f.store.writes)
	assert.Zero(t, f.locker.Held())
}

func TestMergeItem_WritesOnlyTheItem(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")

	_, err := ingest.NewRefresher(f.handler).MergeItem(context.Background(), "e1")

	require.NoError(t, err)
	assert.Equal(t, []models.EntityKey{models.KeyFor("e1")}, f.store.writes)
}

func TestRefreshItem_KeepsStoredBroadcasts(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.handler.Handle(context.Background(), []models.BroadcastEvent{event("e1", "bc1")})

	item, err := ingest.NewRefresher(f.handler).RefreshItem(context.Background(), "e1")

	require.NoError(t, err)
	assert.Len(t, item.AllBroadcasts(), 1)
}

func TestRefreshItem_NotFound(t *testing.T) {
	f := newFixture()

	_, err := ingest.NewRefresher(f.handler).RefreshItem(context.Background(), "nope")

	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
	assert.Empty(t, f.store.writes)
	assert.Equal(t, 1, f.reporter.failureCount())
}

func TestRefreshItem_UpstreamFailure(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	f.source.err = errors.New("boom")

	_, err := ingest.NewRefresher(f.handler).RefreshItem(context.Background(), "e1")

	assert.Equal(t, http.StatusBadGateway, statusOf(t, err))
	assert.Zero(t, f.locker.Held())
}

func TestRefreshItem_ConflictingIdentity(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	handler := f.handler.WithFetcher(f.handler.Fetcher().WithSource(twinSource{f.source}))

	_, err := ingest.NewRefresher(handler).RefreshItem(context.Background(), "e1")

	assert.Equal(t, http.StatusConflict, statusOf(t, err))
	assert.Empty(t, f.store.writes)
}

func TestRefreshItem_LockInterrupted(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	key := string(models.KeyFor("e1"))
	require.NoError(t, f.locker.Lock(context.Background(), []string{key}))
	defer f.locker.Unlock(context.Background(), []string{key})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ingest.NewRefresher(f.handler).RefreshItem(ctx, "e1")

	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
}

func TestRefreshContainer(t *testing.T) {
	f := newFixture()
	f.addEpisode("e1")
	r := ingest.NewRefresher(f.handler)

	series, err := r.RefreshContainer(context.Background(), models.KindSeries, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.KindSeries, series.Kind())

	brand, err := r.RefreshContainer(context.Background(), models.KindBrand, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.KindBrand, brand.Kind())

	_, err = r.RefreshContainer(context.Background(), models.KindBrand, "missing")
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = r.RefreshContainer(context.Background(), models.KindItem, "e1")
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	assert.Equal(t, []models.EntityKey{models.KeyFor("s1"), models.KeyFor("b1")}, f.store.writes)
}
