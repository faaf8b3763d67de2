package merging

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// VersionStrategy reconciles the version lists of an existing and a fetched entity. Inputs are
// owned by the caller and must not be modified.
type VersionStrategy func(existing, fetched []models.Version) []models.Version

// AliasStrategy reconciles alias lists.
type AliasStrategy func(existing, fetched []models.Alias) []models.Alias

// FieldStrategy picks which side wins for a group of scalar fields.
type FieldStrategy int

const (
	// Keep prefers the existing value when it is present.
	Keep FieldStrategy = iota
	// Replace prefers the fetched value when it is present.
	Replace
)

func (s FieldStrategy) String() string {
	if s == Replace {
		return "replace"
	}
	return "keep"
}

func choose[T any](s FieldStrategy, existing, fetched T, present func(T) bool) T {
	first, second := existing, fetched
	if s == Replace {
		first, second = fetched, existing
	}
	if present(first) {
		return first
	}
	return second
}

func nonEmpty(s string) bool                { return s != "" }
func nonEmptyKey(k models.EntityKey) bool   { return k != "" }
func nonEmptyList(s []string) bool          { return len(s) > 0 }
func nonNil(v *int) bool                    { return v != nil }
func nonEmptyMedia(m models.MediaType) bool { return m != "" }

// RevokeAndReplace treats the fetched versions as authoritative.
//
// For a version present on both sides, broadcasts are the fetched set: existing-only broadcasts
// are revoked. A fetched version with a nil broadcast list did not report broadcasts, and the
// existing ones are kept. Existing-only locations are kept but marked unavailable. Versions
// missing from the fetched side are kept with every location marked unavailable.
func RevokeAndReplace(existing, fetched []models.Version) []models.Version {
	byID := indexVersions(fetched)
	out := make([]models.Version, 0, len(existing)+len(fetched))

	for _, ev := range existing {
		fv, ok := byID[ev.ID]
		if !ok {
			out = append(out, withdraw(ev))
			continue
		}
		delete(byID, ev.ID)

		merged := fv.Clone()
		merged.Duration = pickDuration(ev.Duration, fv.Duration)
		if fv.Broadcasts == nil {
			merged.Broadcasts = cloneBroadcasts(ev.Broadcasts)
		}
		merged.Locations = revokeLocations(ev.Locations, fv.Locations)
		out = append(out, merged)
	}

	for _, fv := range byID {
		out = append(out, fv.Clone())
	}

	return normalize(out)
}

// UnionVersions keeps every version, broadcast and location from both sides. Fetched values win
// on identical ids.
func UnionVersions(existing, fetched []models.Version) []models.Version {
	byID := indexVersions(fetched)
	out := make([]models.Version, 0, len(existing)+len(fetched))

	for _, ev := range existing {
		fv, ok := byID[ev.ID]
		if !ok {
			out = append(out, ev.Clone())
			continue
		}
		delete(byID, ev.ID)

		out = append(out, models.Version{
			ID:         ev.ID,
			Duration:   pickDuration(ev.Duration, fv.Duration),
			Broadcasts: unionBroadcasts(ev.Broadcasts, fv.Broadcasts),
			Locations:  unionLocations(ev.Locations, fv.Locations),
		})
	}

	for _, fv := range byID {
		out = append(out, fv.Clone())
	}

	return normalize(out)
}

// KeepVersions keeps the existing versions unless there are none.
func KeepVersions(existing, fetched []models.Version) []models.Version {
	if len(existing) > 0 {
		return cloneVersions(existing)
	}
	return cloneVersions(fetched)
}

// ReplaceVersions takes the fetched versions as they are.
func ReplaceVersions(_, fetched []models.Version) []models.Version {
	return cloneVersions(fetched)
}

// UnionAliases keeps aliases from both sides.
func UnionAliases(existing, fetched []models.Alias) []models.Alias {
	seen := make(map[models.Alias]struct{}, len(existing)+len(fetched))
	var out []models.Alias
	for _, a := range append(append([]models.Alias{}, existing...), fetched...) {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	models.SortAliases(out)
	return out
}

// ReplaceAliases takes the fetched aliases, falling back to existing when none were fetched.
func ReplaceAliases(existing, fetched []models.Alias) []models.Alias {
	src := fetched
	if len(src) == 0 {
		src = existing
	}
	out := append([]models.Alias(nil), src...)
	models.SortAliases(out)
	return out
}

func indexVersions(versions []models.Version) map[string]models.Version {
	out := make(map[string]models.Version, len(versions))
	for _, v := range versions {
		out[v.ID] = v
	}
	return out
}

func withdraw(v models.Version) models.Version {
	out := v.Clone()
	for i := range out.Locations {
		out.Locations[i].Available = false
	}
	return out
}

func pickDuration(existing, fetched *time.Duration) *time.Duration {
	src := fetched
	if src == nil {
		src = existing
	}
	if src == nil {
		return nil
	}
	d := *src
	return &d
}

func revokeLocations(existing, fetched []models.Location) []models.Location {
	fetchedURIs := make(map[string]struct{}, len(fetched))
	out := make([]models.Location, 0, len(existing)+len(fetched))
	for _, l := range fetched {
		fetchedURIs[l.URI] = struct{}{}
		out = append(out, l)
	}
	for _, l := range existing {
		if _, ok := fetchedURIs[l.URI]; ok {
			continue
		}
		l.Available = false
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unionBroadcasts(existing, fetched []models.Broadcast) []models.Broadcast {
	byID := make(map[string]models.Broadcast, len(existing)+len(fetched))
	for _, b := range existing {
		byID[b.SourceID] = b
	}
	for _, b := range fetched {
		byID[b.SourceID] = b
	}
	if len(byID) == 0 {
		return nil
	}
	out := make([]models.Broadcast, 0, len(byID))
	for _, b := range byID {
		out = append(out, b)
	}
	return out
}

func unionLocations(existing, fetched []models.Location) []models.Location {
	byURI := make(map[string]models.Location, len(existing)+len(fetched))
	for _, l := range existing {
		byURI[l.URI] = l
	}
	for _, l := range fetched {
		byURI[l.URI] = l
	}
	if len(byURI) == 0 {
		return nil
	}
	out := make([]models.Location, 0, len(byURI))
	for _, l := range byURI {
		out = append(out, l)
	}
	return out
}

func cloneBroadcasts(in []models.Broadcast) []models.Broadcast {
	if in == nil {
		return nil
	}
	return append([]models.Broadcast{}, in...)
}

func cloneVersions(in []models.Version) []models.Version {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Version, len(in))
	for i, v := range in {
		out[i] = v.Clone()
	}
	return normalize(out)
}

// normalize sorts versions and their children so merges are byte-for-byte repeatable.
func normalize(versions []models.Version) []models.Version {
	if len(versions) == 0 {
		return nil
	}
	for i := range versions {
		models.SortBroadcasts(versions[i].Broadcasts)
		models.SortLocations(versions[i].Locations)
	}
	models.SortVersions(versions)
	return versions
}
