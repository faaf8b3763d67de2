// Package merging reconciles a stored entity with a freshly fetched copy of it.
package merging

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrIdentityMismatch is returned when asked to merge two different entities.
var ErrIdentityMismatch = errors.New("cannot merge entities with different keys")

// Composition is the set of strategies applied to one kind of entity.
type Composition struct {
	Versions    VersionStrategy
	Descriptive FieldStrategy
	Structural  FieldStrategy
	Aliases     AliasStrategy
}

// DefaultComposition revokes stale broadcasts, keeps enriched descriptive fields and follows
// upstream structure.
func DefaultComposition() Composition {
	return Composition{
		Versions:    RevokeAndReplace,
		Descriptive: Keep,
		Structural:  Replace,
		Aliases:     UnionAliases,
	}
}

// Builder assembles a Merger.
type Builder struct {
	base      Composition
	overrides map[models.Kind][]func(*Builder)
}

func NewBuilder() *Builder {
	return &Builder{
		base:      DefaultComposition(),
		overrides: make(map[models.Kind][]func(*Builder)),
	}
}

func (b *Builder) Versions(s VersionStrategy) *Builder {
	b.base.Versions = s
	return b
}

func (b *Builder) Descriptive(s FieldStrategy) *Builder {
	b.base.Descriptive = s
	return b
}

func (b *Builder) Structural(s FieldStrategy) *Builder {
	b.base.Structural = s
	return b
}

func (b *Builder) Aliases(s AliasStrategy) *Builder {
	b.base.Aliases = s
	return b
}

// For registers strategy overrides for one kind. configure runs at Build time against a builder
// seeded with the final base composition.
func (b *Builder) For(kind models.Kind, configure func(*Builder)) *Builder {
	b.overrides[kind] = append(b.overrides[kind], configure)
	return b
}

func (b *Builder) Build() *Merger {
	m := &Merger{compositions: make(map[models.Kind]Composition, 3)}
	for _, kind := range []models.Kind{models.KindItem, models.KindSeries, models.KindBrand} {
		child := &Builder{base: b.base}
		for _, configure := range b.overrides[kind] {
			configure(child)
		}
		m.compositions[kind] = child.base
	}
	return m
}

// Merger merges entities with a fixed composition per kind. Merges are pure: inputs are never
// modified and the result shares no memory with them.
type Merger struct {
	compositions map[models.Kind]Composition
}

// Composition returns the strategies used for kind.
func (m *Merger) Composition(kind models.Kind) Composition {
	return m.compositions[kind]
}

func (m *Merger) MergeItem(existing, fetched *models.Item) (*models.Item, error) {
	if existing == nil {
		return fetched.Clone(), nil
	}
	if fetched == nil {
		return existing.Clone(), nil
	}
	if existing.Key != fetched.Key {
		return nil, fmt.Errorf("%w: %s and %s", ErrIdentityMismatch, existing.Key, fetched.Key)
	}

	c := m.compositions[models.KindItem]
	e, f := existing.Clone(), fetched.Clone()

	out := &models.Item{Content: m.mergeContent(c, e.Content, f.Content)}
	out.Container = choose(c.Structural, e.Container, f.Container, nonEmptyKey)
	out.SeriesRef = choose(c.Structural, e.SeriesRef, f.SeriesRef, nonEmptyKey)
	out.EpisodeNumber = choose(c.Structural, e.EpisodeNumber, f.EpisodeNumber, nonNil)
	// the item type is upstream's
	out.Clip = f.Clip
	return out, nil
}

func (m *Merger) MergeSeries(existing, fetched *models.Series) (*models.Series, error) {
	if existing == nil {
		return fetched.Clone(), nil
	}
	if fetched == nil {
		return existing.Clone(), nil
	}
	if existing.Key != fetched.Key {
		return nil, fmt.Errorf("%w: %s and %s", ErrIdentityMismatch, existing.Key, fetched.Key)
	}

	c := m.compositions[models.KindSeries]
	e, f := existing.Clone(), fetched.Clone()

	out := &models.Series{Content: m.mergeContent(c, e.Content, f.Content)}
	out.Parent = choose(c.Structural, e.Parent, f.Parent, nonEmptyKey)
	out.SeriesNumber = choose(c.Structural, e.SeriesNumber, f.SeriesNumber, nonNil)
	return out, nil
}

func (m *Merger) MergeBrand(existing, fetched *models.Brand) (*models.Brand, error) {
	if existing == nil {
		return fetched.Clone(), nil
	}
	if fetched == nil {
		return existing.Clone(), nil
	}
	if existing.Key != fetched.Key {
		return nil, fmt.Errorf("%w: %s and %s", ErrIdentityMismatch, existing.Key, fetched.Key)
	}

	c := m.compositions[models.KindBrand]
	e, f := existing.Clone(), fetched.Clone()

	return &models.Brand{Content: m.mergeContent(c, e.Content, f.Content)}, nil
}

// mergeContent takes owned copies of both sides.
func (m *Merger) mergeContent(c Composition, e, f models.Content) models.Content {
	out := models.Content{
		Key: e.Key,
		Pid: choose(Keep, e.Pid, f.Pid, nonEmpty),

		Title:            choose(c.Descriptive, e.Title, f.Title, nonEmpty),
		Description:      choose(c.Descriptive, e.Description, f.Description, nonEmpty),
		ShortDescription: choose(c.Descriptive, e.ShortDescription, f.ShortDescription, nonEmpty),
		Image:            choose(c.Descriptive, e.Image, f.Image, nonEmpty),
		Genres:           choose(c.Descriptive, e.Genres, f.Genres, nonEmptyList),

		MediaType: choose(c.Structural, e.MediaType, f.MediaType, nonEmptyMedia),

		Aliases:  c.Aliases(e.Aliases, f.Aliases),
		Versions: c.Versions(e.Versions, f.Versions),

		LastUpdated: e.LastUpdated,
	}
	if f.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = f.LastUpdated
	}
	if out.Genres != nil {
		out.Genres = slices.Clone(out.Genres)
		slices.Sort(out.Genres)
	}
	return out
}
