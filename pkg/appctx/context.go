package appctx

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	UserIDKey    = ContextKey("X-User-Id")
	JobKey       = ContextKey("X-Job")
	RunIDKey     = ContextKey("X-Run-Id")
	ChannelKey   = ContextKey("X-Channel")
	DayKey       = ContextKey("X-Day")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

// SetJob tags the context with the scheduled job family it runs under.
func SetJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, JobKey, job)
}

func GetJob(ctx context.Context) string {
	return getString(ctx, JobKey)
}

func SetRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func GetRunID(ctx context.Context) string {
	return getString(ctx, RunIDKey)
}

func SetChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

func GetChannel(ctx context.Context) string {
	return getString(ctx, ChannelKey)
}

// SetDay stores the schedule day as YYYY-MM-DD.
func SetDay(ctx context.Context, day string) context.Context {
	return context.WithValue(ctx, DayKey, day)
}

func GetDay(ctx context.Context) string {
	return getString(ctx, DayKey)
}

// LogFields returns the non-empty context values as structured log fields.
func LogFields(ctx context.Context) map[string]any {
	fields := make(map[string]any)
	for key, name := range map[ContextKey]string{
		RequestIDKey: "request_id",
		JobKey:       "job",
		RunIDKey:     "run_id",
		ChannelKey:   "channel",
		DayKey:       "day",
	} {
		if v := getString(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}
