package scheduler

import (
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/pkg/fetching"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nitro"
	"github.com/Ramsey-B/fern/pkg/schedule"
)

// Job family names
const (
	JobFifteenDay            = "nitro-15-day"
	JobToday                 = "nitro-today"
	JobFullFetchToday        = "nitro-full-fetch-today"
	JobEightToThirtyDaysBack = "nitro-8-to-30-day-back"
	JobAroundToday           = "nitro-7-day-back-3-day-forward"
	JobOffSchedule           = "nitro-off-schedule"
)

// Profile sizes the pool and upstream rate of the families sharing it
type Profile struct {
	Threads       int
	RatePerSecond float64
}

// Profiles configures the job families
type Profiles struct {
	Today                   Profile
	Fortnight               Profile
	ThreeWeek               Profile
	AroundToday             Profile
	OffSchedule             Profile
	FailureThresholdPercent int
	RunOnStart              bool
}

// Families returns the schedule sync jobs and the off-schedule discovery job
func Families(p Profiles) []models.JobFamily {
	family := func(name string, back, forward int, interval time.Duration, profile Profile, forced bool) models.JobFamily {
		return models.JobFamily{
			Name:                    name,
			Back:                    back,
			Forward:                 forward,
			Interval:                interval,
			Threads:                 profile.Threads,
			RatePerSecond:           profile.RatePerSecond,
			Forced:                  forced,
			FailureThresholdPercent: p.FailureThresholdPercent,
			RunOnStart:              p.RunOnStart && interval > 0,
		}
	}

	offSchedule := family(JobOffSchedule, 0, 0, 3*time.Hour, p.OffSchedule, true)
	offSchedule.Discovery = true

	return []models.JobFamily{
		family(JobFifteenDay, 7, 7, 2*time.Hour, p.Fortnight, false),
		family(JobToday, 0, 0, 30*time.Minute, p.Today, false),
		family(JobFullFetchToday, 0, 0, 0, p.Today, true),
		family(JobEightToThirtyDaysBack, 30, -8, 12*time.Hour, p.ThreeWeek, true),
		family(JobAroundToday, 7, 3, 2*time.Hour, p.AroundToday, true),
		offSchedule,
	}
}

// Updaters returns a ProcessorFactory syncing from client through handler: channel-days for
// schedule families, available episodes for discovery families. Each family gets its own token
// bucket, kept across runs; forced families fetch every referenced programme.
func Updaters(client *nitro.Client, handler *ingest.Handler, writer schedule.ScheduleWriter, pageSize int, logger ectologger.Logger) ProcessorFactory {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(family models.JobFamily) schedule.Processor {
		mu.Lock()
		limiter, ok := limiters[family.Name]
		if !ok {
			limiter = nitro.NewLimiter(family.RatePerSecond)
			limiters[family.Name] = limiter
		}
		mu.Unlock()

		source := client.WithLimiter(family.Name, limiter)
		fetcher := handler.Fetcher().WithSource(source)
		if family.Forced {
			fetcher = fetcher.WithPolicy(fetching.Forced{})
		}

		if family.Discovery {
			return schedule.NewOffScheduleUpdater(source, handler.WithFetcher(fetcher), logger).WithPageSize(pageSize)
		}
		return schedule.NewDayUpdater(source, handler.WithFetcher(fetcher), writer, logger).WithPageSize(pageSize)
	}
}
