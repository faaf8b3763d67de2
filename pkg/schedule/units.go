// Package schedule turns channel-days into work units and runs them on a bounded pool.
package schedule

import (
	"math/rand"
	"slices"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Generate returns one unit per channel per day in [from, to], day-major. The channel order is
// shuffled once with rnd and reused for every day, so no channel is always processed first.
func Generate(channels []models.Channel, from, to time.Time, rnd *rand.Rand) []models.WorkUnit {
	from, to = models.DayOf(from), models.DayOf(to)
	if to.Before(from) || len(channels) == 0 {
		return []models.WorkUnit{}
	}

	order := slices.Clone(channels)
	if rnd != nil {
		rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	days := int(to.Sub(from).Hours()/24) + 1
	units := make([]models.WorkUnit, 0, days*len(order))
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, channel := range order {
			units = append(units, models.WorkUnit{Channel: channel, Day: day})
		}
	}
	return units
}
