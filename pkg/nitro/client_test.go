package nitro_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nitro"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newClient(t *testing.T, srv *httptest.Server, throttle nitro.Throttle) *nitro.Client {
	t.Helper()
	c, err := nitro.NewClient(nitro.Config{BaseURL: srv.URL + "/nitro/api", APIKey: "secret", PageSize: 10}, throttle, silentLogger())
	require.NoError(t, err)
	return c
}

func episode(pid string) map[string]any {
	return map[string]any{
		"pid":          pid,
		"item_type":    "episode",
		"title":        "Episode " + pid,
		"media_type":   "Video",
		"synopses":     map[string]any{"short": "short " + pid, "medium": "medium " + pid},
		"images":       map[string]any{"image": map[string]any{"template_url": "ichef/" + pid}},
		"updated_time": "2024-03-09T10:00:00Z",
		"tleo":         []any{map[string]any{"pid": "b1", "result_type": "brand"}},
		"episode_of":   map[string]any{"pid": "s1", "result_type": "series", "position": 4},
		"genre_groupings": map[string]any{"genre_group": []any{
			map[string]any{"genres": map[string]any{"genre": []any{map[string]any{"id": "100"}, map[string]any{"id": "200"}}}},
		}},
		"identifiers": map[string]any{"identifier": []any{map[string]any{"type": "crid", "$": "crid://" + pid}}},
		"available_versions": map[string]any{"version": []any{
			map[string]any{
				"pid":      pid + "v",
				"duration": "PT29M30S",
				"availabilities": map[string]any{"availability": []any{
					map[string]any{"uri": "iplayer://" + pid, "status": "available"},
				}},
			},
		}},
	}
}

func document(items []any, next bool, total int) map[string]any {
	pagination := map[string]any{}
	if next {
		pagination["next"] = map[string]any{"href": "/next"}
	}
	return map[string]any{"nitro": map[string]any{
		"results":    map[string]any{"items": items, "total": total},
		"pagination": pagination,
	}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchItems_ExtractsAndBatches(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nitro/api/programmes", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))

		pids := r.URL.Query()["pid"]
		mu.Lock()
		batches = append(batches, pids)
		mu.Unlock()

		items := make([]any, 0, len(pids))
		for _, pid := range pids {
			items = append(items, episode(pid))
		}
		writeJSON(w, document(items, false, len(items)))
	}))
	defer srv.Close()

	pids := make([]string, 25)
	for i := range pids {
		pids[i] = fmt.Sprintf("p%02d", i)
	}

	items, err := newClient(t, srv, nil).FetchItems(context.Background(), pids)

	require.NoError(t, err)
	require.Len(t, items, 25)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), nitro.BatchSize)
	}

	item := items[0].Model
	assert.True(t, items[0].Changed)
	assert.NotEmpty(t, items[0].Payload)
	assert.Equal(t, models.KeyFor(item.Pid), item.Key)
	assert.Equal(t, "medium "+item.Pid, item.Description)
	assert.Equal(t, "short "+item.Pid, item.ShortDescription)
	assert.Equal(t, models.MediaTypeVideo, item.MediaType)
	assert.Equal(t, []string{"100", "200"}, item.Genres)
	assert.Equal(t, models.KeyFor("b1"), item.Container)
	assert.Equal(t, models.KeyFor("s1"), item.SeriesRef)
	require.NotNil(t, item.EpisodeNumber)
	assert.Equal(t, 4, *item.EpisodeNumber)
	assert.Equal(t, time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC), item.LastUpdated)
	assert.Contains(t, item.Aliases, models.Alias{Namespace: nitro.AliasNamespace, Value: item.Pid})
	assert.Contains(t, item.Aliases, models.Alias{Namespace: "gb:bbc:nitro:crid", Value: "crid://" + item.Pid})

	require.Len(t, item.Versions, 1)
	version := item.Versions[0]
	require.NotNil(t, version.Duration)
	assert.Equal(t, 29*time.Minute+30*time.Second, *version.Duration)
	assert.Nil(t, version.Broadcasts)
	assert.Equal(t, []models.Location{{URI: "iplayer://" + item.Pid, Available: true}}, version.Locations)
}

func TestFetchItems_FollowsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			writeJSON(w, document([]any{episode("a")}, true, 2))
		case "2":
			writeJSON(w, document([]any{episode("b")}, false, 2))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	items, err := newClient(t, srv, nil).FetchItems(context.Background(), []string{"a", "b"})

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1].Model.Pid)
}

func TestFetchKinds_FilterByType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, document([]any{
			episode("e1"),
			map[string]any{"pid": "s1", "item_type": "series", "title": "Series", "series_of": map[string]any{"pid": "b1", "position": 2}},
			map[string]any{"pid": "b1", "item_type": "brand", "title": "Brand"},
		}, false, 3))
	}))
	defer srv.Close()
	c := newClient(t, srv, nil)

	series, err := c.FetchSeries(context.Background(), []string{"s1"})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, models.KeyFor("b1"), series[0].Model.Parent)
	require.NotNil(t, series[0].Model.SeriesNumber)
	assert.Equal(t, 2, *series[0].Model.SeriesNumber)

	brands, err := c.FetchBrands(context.Background(), []string{"b1"})
	require.NoError(t, err)
	require.Len(t, brands, 1)
	assert.Equal(t, "Brand", brands[0].Model.Title)
}

func TestFetchItem_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, document([]any{}, false, 0))
	}))
	defer srv.Close()

	_, err := newClient(t, srv, nil).FetchItem(context.Background(), "nope")

	assert.ErrorIs(t, err, nitro.ErrNotFound)
}

func TestFetchItems_FailedBatchFailsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query()["pid"][0] == "p10" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, document([]any{}, false, 0))
	}))
	defer srv.Close()

	pids := make([]string, 15)
	for i := range pids {
		pids[i] = fmt.Sprintf("p%02d", i)
	}

	_, err := newClient(t, srv, nil).FetchItems(context.Background(), pids)

	assert.ErrorIs(t, err, nitro.ErrUpstream)
}

type fakeThrottle struct {
	mu      sync.Mutex
	blocked map[string]time.Duration
}

func (f *fakeThrottle) BlockFor(_ context.Context, key string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[key] = d
	return nil
}

func (f *fakeThrottle) Blocked(_ context.Context, _ string) (bool, time.Duration, error) {
	return false, 0, nil
}

func TestGet_RetriesAfterThrottle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, document([]any{episode("a")}, false, 1))
	}))
	defer srv.Close()

	throttle := &fakeThrottle{blocked: map[string]time.Duration{}}
	items, err := newClient(t, srv, throttle).FetchItems(context.Background(), []string{"a"})

	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, throttle.blocked, "nitro")
}

func TestGet_GivesUpWhenAlwaysThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newClient(t, srv, nil).FetchItems(context.Background(), []string{"a"})

	assert.ErrorIs(t, err, nitro.ErrUpstream)
}

func TestFetchSchedule(t *testing.T) {
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/nitro/api/schedules", r.URL.Path)
		assert.Equal(t, "bbc_one", q.Get("sid"))
		assert.Equal(t, "2024-03-10T00:00:00Z", q.Get("start_from"))
		assert.Equal(t, "2024-03-11T00:00:00Z", q.Get("start_to"))
		assert.Equal(t, "300", q.Get("page_size"))

		writeJSON(w, document([]any{
			map[string]any{
				"pid":            "bc1",
				"service":        map[string]any{"sid": "bbc_one"},
				"published_time": map[string]any{"start": "2024-03-10T18:00:00Z", "end": "2024-03-10T18:30:00Z"},
				"broadcast_of": []any{
					map[string]any{"pid": "v1", "result_type": "version"},
					map[string]any{"pid": "e1", "result_type": "episode"},
				},
			},
			map[string]any{"pid": "broken"},
		}, true, 301))
	}))
	defer srv.Close()

	page, err := newClient(t, srv, nil).FetchSchedule(context.Background(), models.Channel{ID: "bbc_one"}, day.Add(9*time.Hour), 1, 300)

	require.NoError(t, err)
	assert.True(t, page.HasNext)
	assert.Equal(t, 301, page.Total)
	require.Len(t, page.Events, 1)

	evt := page.Events[0]
	assert.Equal(t, models.ItemRef("e1"), evt.ItemRef)
	assert.Equal(t, "bc1", evt.Broadcast.SourceID)
	assert.Equal(t, "v1", evt.Broadcast.VersionID)
	assert.Equal(t, "bbc_one", evt.Broadcast.ChannelID)
	assert.Equal(t, time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC), evt.Broadcast.TransmissionStart)
	assert.True(t, strings.Contains(string(evt.Payload), `"bc1"`))
}

func TestFetchSchedule_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(t, srv, nil).FetchSchedule(context.Background(), models.Channel{ID: "bbc_one"}, time.Now(), 1, 300)

	assert.ErrorIs(t, err, nitro.ErrUpstream)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT30M":    30 * time.Minute,
		"PT1H2M3S": time.Hour + 2*time.Minute + 3*time.Second,
		"P1DT1S":   24*time.Hour + time.Second,
		"PT0.5S":   500 * time.Millisecond,
		"PT2H":     2 * time.Hour,
	}
	for in, want := range cases {
		got, err := nitro.ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "P", "PT", "30M", "PT1X"} {
		_, err := nitro.ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, nitro.ParseRetryAfter("7"))
	assert.Equal(t, nitro.DefaultRetryAfter, nitro.ParseRetryAfter(""))
	assert.Equal(t, nitro.DefaultRetryAfter, nitro.ParseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := nitro.ParseRetryAfter(future)
	assert.Greater(t, d, 50*time.Second)
}

func TestDiscoverEpisodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/nitro/api/programmes", r.URL.Path)
		assert.Equal(t, "available", q.Get("availability"))
		assert.Equal(t, "episode", q.Get("availability_entity_type"))
		assert.Equal(t, "episode", q.Get("entity_type"))
		assert.Equal(t, "iptv-all", q.Get("media_set"))
		assert.Equal(t, "audio_video", q.Get("media_type"))
		assert.Contains(t, q["mixin"], "contributions")
		assert.Contains(t, q["mixin"], "available_versions")
		assert.Empty(t, q["pid"])
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "10", q.Get("page_size"))

		writeJSON(w, document([]any{
			episode("e1"),
			map[string]any{"pid": "b1", "item_type": "brand", "title": "Brand"},
			episode("e2"),
		}, true, 25))
	}))
	defer srv.Close()

	page, err := newClient(t, srv, nil).DiscoverEpisodes(context.Background(), 2, 0)

	require.NoError(t, err)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 25, page.Total)
	assert.True(t, page.HasNext)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "e1", page.Items[0].Model.Pid)
	assert.True(t, page.Items[0].Changed)
	assert.Equal(t, models.KeyFor("s1"), page.Items[1].Model.SeriesRef)
}
