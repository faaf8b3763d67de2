package fetching

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Policy decides whether a stored item is fetched again from upstream.
type Policy interface {
	// Eligible reports whether the item must be fetched. existing is nil when nothing is stored.
	Eligible(existing *models.Item) bool
	// Forced reports whether every ref, including containers, is fetched unconditionally.
	Forced() bool
}

// Forced marks everything eligible.
type Forced struct{}

func (Forced) Eligible(*models.Item) bool { return true }
func (Forced) Forced() bool               { return true }

// Span is a window of days around today, [today-Back, today+Forward).
type Span struct {
	Back    int
	Forward int
}

func (s Span) contains(today, t time.Time) bool {
	from := today.AddDate(0, 0, -s.Back)
	to := today.AddDate(0, 0, s.Forward)
	return !t.Before(from) && t.Before(to)
}

// Window refetches items with an unknown duration or a broadcast close to today. Radio looks
// further back to pick up late published clips.
type Window struct {
	Audio Span
	Video Span
	Now   func() time.Time
}

func DefaultWindow() Window {
	return Window{
		Audio: Span{Back: 5, Forward: 1},
		Video: Span{Back: 3, Forward: 10},
		Now:   time.Now,
	}
}

func (w Window) Forced() bool { return false }

func (w Window) Eligible(existing *models.Item) bool {
	if existing == nil {
		return true
	}

	for _, v := range existing.Versions {
		if v.Duration == nil {
			return true
		}
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	today := models.DayOf(now())

	span := w.Video
	if existing.MediaType == models.MediaTypeAudio {
		span = w.Audio
	}

	for _, b := range existing.AllBroadcasts() {
		if span.contains(today, b.TransmissionStart) {
			return true
		}
	}
	return false
}
