package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const contentTable = "content"

// contentRow is a content table row. The entity itself lives in data; the other columns exist
// for lookups.
type contentRow struct {
	Key          models.EntityKey                 `db:"key"`
	Pid          string                           `db:"pid"`
	Kind         models.Kind                      `db:"kind"`
	Title        string                           `db:"title"`
	MediaType    string                           `db:"media_type"`
	ContainerKey string                           `db:"container_key"`
	SeriesKey    string                           `db:"series_key"`
	Data         database.JSONB[json.RawMessage] `db:"data"`
	LastUpdated  time.Time                        `db:"last_updated"`
	CreatedAt    time.Time                        `db:"created_at"`
	UpdatedAt    time.Time                        `db:"updated_at"`
}

var contentStruct = database.NewStruct(new(contentRow))

func encodeContent(entity models.Entity) (*contentRow, error) {
	c := entity.GetContent()
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", entity.Kind(), c.Key, err)
	}

	row := &contentRow{
		Key:         c.Key,
		Pid:         c.Pid,
		Kind:        entity.Kind(),
		Title:       c.Title,
		MediaType:   string(c.MediaType),
		Data:        database.NewJSONB(json.RawMessage(data)),
		LastUpdated: c.LastUpdated.UTC(),
	}
	switch e := entity.(type) {
	case *models.Item:
		row.ContainerKey = string(e.Container)
		row.SeriesKey = string(e.SeriesRef)
	case *models.Series:
		row.ContainerKey = string(e.Parent)
	}
	return row, nil
}

func decodeContent(row contentRow) (models.Entity, error) {
	var entity models.Entity
	switch row.Kind {
	case models.KindItem:
		entity = new(models.Item)
	case models.KindSeries:
		entity = new(models.Series)
	case models.KindBrand:
		entity = new(models.Brand)
	default:
		return nil, fmt.Errorf("unknown content kind %q for %s", row.Kind, row.Key)
	}

	if err := json.Unmarshal(row.Data.Data, entity); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", row.Kind, row.Key, err)
	}
	// the row key is authoritative
	entity.GetContent().Key = row.Key
	return entity, nil
}

// ContentStore reads and writes items, series and brands
type ContentStore struct {
	*Repository
}

func NewContentStore(db database.DB, logger ectologger.Logger) *ContentStore {
	return &ContentStore{Repository: NewRepository(db, logger)}
}

// Resolve loads the stored entities for keys in one query. Missing keys are absent.
func (r *ContentStore) Resolve(ctx context.Context, keys []models.EntityKey) (map[models.EntityKey]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "ContentStore.Resolve")
	defer span.End()

	out := make(map[models.EntityKey]models.Entity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	sb := contentStruct.SelectFrom(contentTable)
	sb.Where(sb.In("key", database.AnyOf(keys)...))
	query, args := sb.Build()

	start := time.Now()
	var rows []contentRow
	err := r.DB().SelectContext(ctx, &rows, query, args...)
	metrics.DatabaseQueryDuration.WithLabelValues("content_resolve").Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("failed to resolve content")
		return nil, fmt.Errorf("resolve %d content keys: %w", len(keys), err)
	}

	for _, row := range rows {
		entity, err := decodeContent(row)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("key", row.Key.String()).Warn("skipping undecodable content row")
			continue
		}
		out[row.Key] = entity
	}

	r.logger.WithContext(ctx).Debugf("Resolved %d of %d content keys", len(out), len(keys))
	return out, nil
}

// Get loads one entity by key.
func (r *ContentStore) Get(ctx context.Context, key models.EntityKey) (models.Entity, error) {
	resolved, err := r.Resolve(ctx, []models.EntityKey{key})
	if err != nil {
		return nil, httperror.WrapError(http.StatusInternalServerError, err)
	}
	entity, ok := resolved[key]
	if !ok {
		return nil, NotFound("content %s does not exist", key)
	}
	return entity, nil
}

// Write upserts entity by key. Writing an identical entity again leaves the row untouched.
func (r *ContentStore) Write(ctx context.Context, entity models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "ContentStore.Write")
	defer span.End()

	row, err := encodeContent(entity)
	if err != nil {
		return err
	}
	if row.Key == "" {
		return errors.New("cannot write content without a key")
	}

	now := time.Now().UTC()
	ib := database.NewInsertBuilder()
	ib.InsertInto(contentTable).
		Cols("key", "pid", "kind", "title", "media_type", "container_key", "series_key", "data", "last_updated", "created_at", "updated_at").
		Values(row.Key, row.Pid, row.Kind, row.Title, row.MediaType, row.ContainerKey, row.SeriesKey, row.Data, row.LastUpdated, now, now)
	ib.SQL(`
ON CONFLICT (key)
DO UPDATE SET
  pid = EXCLUDED.pid,
  kind = EXCLUDED.kind,
  title = EXCLUDED.title,
  media_type = EXCLUDED.media_type,
  container_key = EXCLUDED.container_key,
  series_key = EXCLUDED.series_key,
  data = EXCLUDED.data,
  last_updated = EXCLUDED.last_updated,
  updated_at = EXCLUDED.updated_at
WHERE content.data IS DISTINCT FROM EXCLUDED.data`)

	query, args := ib.Build()

	start := time.Now()
	_, err = r.DB().ExecContext(ctx, query, args...)
	metrics.DatabaseQueryDuration.WithLabelValues("content_write").Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"key":  row.Key.String(),
			"kind": string(row.Kind),
		}).Error("failed to write content")
		return fmt.Errorf("write %s %s: %w", row.Kind, row.Key, err)
	}

	metrics.RecordEntityWritten(string(row.Kind))
	r.logger.WithContext(ctx).Debugf("Wrote %s %s", row.Kind, row.Key)
	return nil
}

// ListChildren returns the keys of entities whose container is key.
func (r *ContentStore) ListChildren(ctx context.Context, key models.EntityKey, limit int) ([]models.EntityKey, error) {
	ctx, span := tracing.StartSpan(ctx, "ContentStore.ListChildren")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	sb := database.NewSelectBuilder()
	sb.Select("key").From(contentTable).
		Where(sb.Or(sb.Equal("container_key", string(key)), sb.Equal("series_key", string(key)))).
		OrderBy("key").
		Limit(limit)
	query, args := sb.Build()

	var keys []models.EntityKey
	if err := r.DB().SelectContext(ctx, &keys, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("failed to list children")
		return nil, fmt.Errorf("list children of %s: %w", key, err)
	}
	return keys, nil
}
