package nitro

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// AliasNamespace is the namespace of the pid alias every extracted entity carries
const AliasNamespace = "gb:bbc:nitro:pid"

// record paths
const (
	fieldPid         = "pid"
	fieldItemType    = "item_type"
	fieldTitle       = "title"
	fieldPresTitle   = "presentation_title"
	fieldSynopsis    = "synopses.long || synopses.medium"
	fieldShort       = "synopses.short"
	fieldImage       = "images.image.template_url"
	fieldGenres      = "genre_groupings.genre_group[].genres.genre[].id"
	fieldMediaType   = "media_type"
	fieldUpdated     = "updated_time"
	fieldTleo        = "tleo[0].pid"
	fieldEpisodeOf   = "episode_of.pid"
	fieldEpisodeType = "episode_of.result_type"
	fieldPosition    = "episode_of.position"
	fieldClipOf      = "clip_of.pid"
	fieldSeriesOf    = "series_of.pid"
	fieldSeriesPos   = "series_of.position"
	fieldVersions    = "available_versions.version[]"
	fieldIdentifiers = "identifiers.identifier[].{ns: type, value: \"$\"}"

	fieldVersionPid   = "pid"
	fieldDuration     = "duration"
	fieldAvailability = "availabilities.availability[]"

	fieldBroadcastPid   = "pid"
	fieldService        = "service.sid"
	fieldStart          = "published_time.start"
	fieldEnd            = "published_time.end"
	fieldBroadcastVer   = "broadcast_of[?result_type=='version'].pid | [0]"
	fieldBroadcastItem  = "broadcast_of[?result_type=='episode' || result_type=='clip'].pid | [0]"
	fieldAvailableURI   = "uri"
	fieldAvailableState = "status"
)

// record is one decoded result with its raw JSON
type record struct {
	data    any
	payload json.RawMessage
}

func newRecord(data any) record {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = nil
	}
	return record{data: data, payload: payload}
}

func (r record) pid() string {
	return paths.str(fieldPid, r.data)
}

func (r record) itemType() string {
	return strings.ToLower(paths.str(fieldItemType, r.data))
}

func isItemType(t string) bool {
	return t == "episode" || t == "clip"
}

func (r record) content() (models.Content, error) {
	pid := r.pid()
	if pid == "" {
		return models.Content{}, fmt.Errorf("record has no pid")
	}

	title := paths.str(fieldTitle, r.data)
	if title == "" {
		title = paths.str(fieldPresTitle, r.data)
	}

	c := models.Content{
		Key:              models.KeyFor(pid),
		Pid:              pid,
		Title:            title,
		Description:      paths.str(fieldSynopsis, r.data),
		ShortDescription: paths.str(fieldShort, r.data),
		Image:            paths.str(fieldImage, r.data),
		Genres:           paths.strings(fieldGenres, r.data),
		MediaType:        mediaType(paths.str(fieldMediaType, r.data)),
		Aliases:          aliases(pid, r.data),
		Versions:         versions(r.data),
	}

	if updated := paths.str(fieldUpdated, r.data); updated != "" {
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			c.LastUpdated = t.UTC()
		}
	}

	models.SortAliases(c.Aliases)
	models.SortVersions(c.Versions)
	return c, nil
}

func mediaType(v string) models.MediaType {
	switch strings.ToLower(v) {
	case "audio":
		return models.MediaTypeAudio
	case "video", "audio_video":
		return models.MediaTypeVideo
	default:
		return ""
	}
}

func aliases(pid string, data any) []models.Alias {
	out := []models.Alias{{Namespace: AliasNamespace, Value: pid}}
	for _, id := range paths.slice(fieldIdentifiers, data) {
		ns := paths.str("ns", id)
		value := paths.str("value", id)
		if ns == "" || value == "" {
			continue
		}
		out = append(out, models.Alias{Namespace: "gb:bbc:nitro:" + ns, Value: value})
	}
	return out
}

// versions extracts versions without broadcasts. Programme documents never carry broadcasts, so
// the nil list tells the merge to keep the stored ones.
func versions(data any) []models.Version {
	var out []models.Version
	for _, v := range paths.slice(fieldVersions, data) {
		id := paths.str(fieldVersionPid, v)
		if id == "" {
			continue
		}
		version := models.Version{ID: id}
		if d, err := ParseDuration(paths.str(fieldDuration, v)); err == nil {
			version.Duration = &d
		}
		for _, a := range paths.slice(fieldAvailability, v) {
			uri := paths.str(fieldAvailableURI, a)
			if uri == "" {
				continue
			}
			version.Locations = append(version.Locations, models.Location{
				URI:       uri,
				Available: strings.EqualFold(paths.str(fieldAvailableState, a), "available"),
			})
		}
		models.SortLocations(version.Locations)
		out = append(out, version)
	}
	return out
}

func extractItem(r record) (*models.Item, error) {
	content, err := r.content()
	if err != nil {
		return nil, err
	}

	item := &models.Item{
		Content:   content,
		Container: keyOrEmpty(paths.str(fieldTleo, r.data)),
	}

	switch r.itemType() {
	case "clip":
		item.Clip = true
		// a clip hangs off whatever it is a clip of
		if item.Container == "" {
			item.Container = keyOrEmpty(paths.str(fieldClipOf, r.data))
		}
	default:
		if strings.EqualFold(paths.str(fieldEpisodeType, r.data), "series") {
			item.SeriesRef = keyOrEmpty(paths.str(fieldEpisodeOf, r.data))
		} else if item.Container == "" {
			item.Container = keyOrEmpty(paths.str(fieldEpisodeOf, r.data))
		}
		item.EpisodeNumber = paths.intPtr(fieldPosition, r.data)
	}

	// an item directly in a series with no brand has the series as its top level container
	if item.Container == "" && item.SeriesRef != "" {
		item.Container = item.SeriesRef
	}
	return item, nil
}

func extractSeries(r record) (*models.Series, error) {
	content, err := r.content()
	if err != nil {
		return nil, err
	}
	return &models.Series{
		Content:      content,
		Parent:       keyOrEmpty(paths.str(fieldSeriesOf, r.data)),
		SeriesNumber: paths.intPtr(fieldSeriesPos, r.data),
	}, nil
}

func extractBrand(r record) (*models.Brand, error) {
	content, err := r.content()
	if err != nil {
		return nil, err
	}
	return &models.Brand{Content: content}, nil
}

// extractBroadcast turns a schedule record into an event. channel is used when the record does
// not name its service.
func extractBroadcast(r record, channel models.Channel) (models.BroadcastEvent, error) {
	id := paths.str(fieldBroadcastPid, r.data)
	itemPid := paths.str(fieldBroadcastItem, r.data)
	if id == "" || itemPid == "" {
		return models.BroadcastEvent{}, fmt.Errorf("broadcast %q has no pid or item", id)
	}

	start, err := time.Parse(time.RFC3339, paths.str(fieldStart, r.data))
	if err != nil {
		return models.BroadcastEvent{}, fmt.Errorf("broadcast %s has an invalid start: %w", id, err)
	}
	end, err := time.Parse(time.RFC3339, paths.str(fieldEnd, r.data))
	if err != nil {
		return models.BroadcastEvent{}, fmt.Errorf("broadcast %s has an invalid end: %w", id, err)
	}

	channelID := paths.str(fieldService, r.data)
	if channelID == "" {
		channelID = channel.ID
	}

	return models.BroadcastEvent{
		ItemRef: models.ItemRef(itemPid),
		Broadcast: models.Broadcast{
			SourceID:          id,
			ChannelID:         channelID,
			VersionID:         paths.str(fieldBroadcastVer, r.data),
			TransmissionStart: start.UTC(),
			TransmissionEnd:   end.UTC(),
		},
		Payload: r.payload,
	}, nil
}

func keyOrEmpty(pid string) models.EntityKey {
	if pid == "" {
		return ""
	}
	return models.KeyFor(pid)
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses the ISO 8601 durations upstream uses, like PT1H30M or P1DT2S.
func ParseDuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d += time.Duration(secs * float64(time.Second))
	}
	return d, nil
}
