package models

import (
	"slices"
	"time"
)

// MediaType distinguishes radio from television content
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// Alias is an alternative identifier for an entity in another namespace
type Alias struct {
	Namespace string `json:"namespace"`
	Value     string `json:"value"`
}

// Broadcast is one transmission of a version on a channel
type Broadcast struct {
	SourceID          string    `json:"source_id"`
	ChannelID         string    `json:"channel_id"`
	VersionID         string    `json:"version_id"`
	TransmissionStart time.Time `json:"transmission_start"`
	TransmissionEnd   time.Time `json:"transmission_end"`
}

// Location is an on-demand availability of a version
type Location struct {
	URI       string `json:"uri"`
	Available bool   `json:"available"`
}

// Version is a cut of an entity. A nil Duration means the duration is not known yet.
type Version struct {
	ID         string         `json:"id"`
	Duration   *time.Duration `json:"duration,omitempty"`
	Broadcasts []Broadcast    `json:"broadcasts,omitempty"`
	Locations  []Location     `json:"locations,omitempty"`
}

// Content holds the fields shared by items, series and brands
type Content struct {
	Key              EntityKey `json:"key"`
	Pid              string    `json:"pid"`
	Title            string    `json:"title,omitempty"`
	Description      string    `json:"description,omitempty"`
	ShortDescription string    `json:"short_description,omitempty"`
	Image            string    `json:"image,omitempty"`
	Genres           []string  `json:"genres,omitempty"`
	MediaType        MediaType `json:"media_type,omitempty"`
	Aliases          []Alias   `json:"aliases,omitempty"`
	Versions         []Version `json:"versions,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Entity is implemented by Item, Series and Brand.
type Entity interface {
	Kind() Kind
	GetContent() *Content
	CloneEntity() Entity
}

// Item is an episode or clip. Container is the top-level container (brand, or a series with no
// brand). SeriesRef is the series the item belongs to, if any.
type Item struct {
	Content
	Container     EntityKey `json:"container,omitempty"`
	SeriesRef     EntityKey `json:"series_ref,omitempty"`
	EpisodeNumber *int      `json:"episode_number,omitempty"`
	Clip          bool      `json:"clip,omitempty"`
}

type Series struct {
	Content
	Parent       EntityKey `json:"parent,omitempty"`
	SeriesNumber *int      `json:"series_number,omitempty"`
}

type Brand struct {
	Content
}

func (i *Item) Kind() Kind             { return KindItem }
func (i *Item) GetContent() *Content   { return &i.Content }
func (s *Series) Kind() Kind           { return KindSeries }
func (s *Series) GetContent() *Content { return &s.Content }
func (b *Brand) Kind() Kind            { return KindBrand }
func (b *Brand) GetContent() *Content  { return &b.Content }

func (i *Item) CloneEntity() Entity   { return i.Clone() }
func (s *Series) CloneEntity() Entity { return s.Clone() }
func (b *Brand) CloneEntity() Entity  { return b.Clone() }

// IsTopLevelSeriesItem reports whether the item's series is also its top-level container.
func (i *Item) IsTopLevelSeriesItem() bool {
	return i.SeriesRef != "" && i.SeriesRef == i.Container
}

// Version returns the version with the given id, or nil.
func (c *Content) Version(id string) *Version {
	for idx := range c.Versions {
		if c.Versions[idx].ID == id {
			return &c.Versions[idx]
		}
	}
	return nil
}

// AddBroadcast adds b to the version named by b.VersionID, creating the version when absent.
// A broadcast already present with the same source id is replaced.
func (c *Content) AddBroadcast(b Broadcast) {
	v := c.Version(b.VersionID)
	if v == nil {
		c.Versions = append(c.Versions, Version{ID: b.VersionID})
		v = &c.Versions[len(c.Versions)-1]
	}

	for idx := range v.Broadcasts {
		if v.Broadcasts[idx].SourceID == b.SourceID {
			v.Broadcasts[idx] = b
			return
		}
	}
	v.Broadcasts = append(v.Broadcasts, b)
	SortBroadcasts(v.Broadcasts)
	SortVersions(c.Versions)
}

// AllBroadcasts returns every broadcast across all versions.
func (c *Content) AllBroadcasts() []Broadcast {
	var out []Broadcast
	for _, v := range c.Versions {
		out = append(out, v.Broadcasts...)
	}
	return out
}

func (c Content) clone() Content {
	out := c
	out.Genres = slices.Clone(c.Genres)
	out.Aliases = slices.Clone(c.Aliases)
	if c.Versions != nil {
		out.Versions = make([]Version, len(c.Versions))
		for idx, v := range c.Versions {
			out.Versions[idx] = v.Clone()
		}
	}
	return out
}

func (v Version) Clone() Version {
	out := v
	if v.Duration != nil {
		d := *v.Duration
		out.Duration = &d
	}
	out.Broadcasts = slices.Clone(v.Broadcasts)
	out.Locations = slices.Clone(v.Locations)
	return out
}

func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	out := *i
	out.Content = i.Content.clone()
	out.EpisodeNumber = cloneInt(i.EpisodeNumber)
	return &out
}

func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	out := *s
	out.Content = s.Content.clone()
	out.SeriesNumber = cloneInt(s.SeriesNumber)
	return &out
}

func (b *Brand) Clone() *Brand {
	if b == nil {
		return nil
	}
	out := *b
	out.Content = b.Content.clone()
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// SortVersions orders versions by id.
func SortVersions(versions []Version) {
	slices.SortFunc(versions, func(a, b Version) int { return compareStrings(a.ID, b.ID) })
}

// SortBroadcasts orders broadcasts by source id.
func SortBroadcasts(broadcasts []Broadcast) {
	slices.SortFunc(broadcasts, func(a, b Broadcast) int { return compareStrings(a.SourceID, b.SourceID) })
}

// SortLocations orders locations by uri.
func SortLocations(locations []Location) {
	slices.SortFunc(locations, func(a, b Location) int { return compareStrings(a.URI, b.URI) })
}

// SortAliases orders aliases by namespace then value.
func SortAliases(aliases []Alias) {
	slices.SortFunc(aliases, func(a, b Alias) int {
		if c := compareStrings(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return compareStrings(a.Value, b.Value)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
