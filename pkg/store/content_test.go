package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestEncodeDecodeContent_KeepsKindAndLookupColumns(t *testing.T) {
	d := 30 * time.Minute
	item := &models.Item{
		Content: models.Content{
			Key:       models.KeyFor("p001"),
			Pid:       "p001",
			Title:     "Episode 1",
			MediaType: models.MediaTypeVideo,
			Versions:  []models.Version{{ID: "v1", Duration: &d}},
		},
		Container: models.KeyFor("b001"),
		SeriesRef: models.KeyFor("s001"),
	}

	row, err := encodeContent(item)
	require.NoError(t, err)
	assert.Equal(t, models.KindItem, row.Kind)
	assert.Equal(t, "nitro:programmes:b001", row.ContainerKey)
	assert.Equal(t, "nitro:programmes:s001", row.SeriesKey)

	decoded, err := decodeContent(*row)
	require.NoError(t, err)
	got, ok := decoded.(*models.Item)
	require.True(t, ok)
	assert.Equal(t, item.Container, got.Container)
	require.NotNil(t, got.Versions[0].Duration)
	assert.Equal(t, d, *got.Versions[0].Duration)
}

func TestEncodeContent_SeriesParentIsContainer(t *testing.T) {
	row, err := encodeContent(&models.Series{
		Content: models.Content{Key: models.KeyFor("s001")},
		Parent:  models.KeyFor("b001"),
	})
	require.NoError(t, err)
	assert.Equal(t, "nitro:programmes:b001", row.ContainerKey)
	assert.Empty(t, row.SeriesKey)
}

func TestDecodeContent_UnknownKind(t *testing.T) {
	_, err := decodeContent(contentRow{Key: "k", Kind: "episode"})
	require.Error(t, err)
}

func TestScheduleEntries_SkipsAbsentAndDuplicateBroadcasts(t *testing.T) {
	day := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	item := &models.Item{Content: models.Content{Key: models.KeyFor("p001")}}
	b := models.Broadcast{SourceID: "bc1", VersionID: "v1", TransmissionStart: day, TransmissionEnd: day.Add(time.Hour)}

	entries := scheduleEntries(models.Channel{ID: "bbc_one"}, day, []*models.Written{
		{Item: item, Broadcast: b},
		nil,
		{Item: item, Broadcast: b},
	})

	require.Len(t, entries, 1)
	assert.Equal(t, "bc1", entries[0].BroadcastID)
	assert.Equal(t, models.DayOf(day), entries[0].Day)
	assert.Equal(t, item.Key, entries[0].ItemKey)
}
