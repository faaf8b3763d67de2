package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// quietPrefixes are polled by health checks and scrapers; their requests log at debug
var quietPrefixes = []string{"/system/health", "/metrics"}

// Logger logs one line per request and records its latency. The level follows the status: server
// errors log at error, client errors at warn. Identity set by later middleware (user, request id)
// is read after the handler ran.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			elapsed := time.Since(start)

			req, res := c.Request(), c.Response()
			ctx := req.Context()
			route := c.Path()

			fields := appctx.LogFields(ctx)
			fields["method"] = req.Method
			fields["route"] = route
			fields["uri"] = req.RequestURI
			fields["status"] = res.Status
			fields["remote_ip"] = c.RealIP()
			fields["user_agent"] = req.UserAgent()
			fields["response_time"] = elapsed
			fields["response_size"] = strconv.FormatInt(res.Size, 10)
			if user := appctx.GetUserID(ctx); user != "" {
				fields["user_id"] = user
			}
			if traceID := tracing.TraceID(ctx); traceID != "" {
				fields["trace_id"] = traceID
			}

			entry := logger.WithContext(ctx).WithFields(fields)
			msg := req.Method + " " + route
			switch {
			case res.Status >= http.StatusInternalServerError:
				entry.Error(msg)
			case res.Status >= http.StatusBadRequest:
				entry.Warn(msg)
			case quiet(req.URL.Path):
				entry.Debug(msg)
			default:
				entry.Info(msg)
			}

			metrics.RecordAPIRequest(req.Method, route, strconv.Itoa(res.Status), elapsed.Seconds())
			return nil
		}
	}
}

func quiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
