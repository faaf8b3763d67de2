package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schedule"
	"github.com/Ramsey-B/fern/pkg/scheduler"
)

// Refresher force-updates single entities. See ingest.Refresher.
type Refresher interface {
	RefreshItem(ctx context.Context, pid string) (*models.Item, error)
	MergeItem(ctx context.Context, pid string) (*models.Item, error)
	RefreshContainer(ctx context.Context, kind models.Kind, pid string) (models.Entity, error)
}

// Jobs runs and lists job families. See scheduler.Scheduler.
type Jobs interface {
	Trigger(ctx context.Context, name string) (string, error)
	Jobs(ctx context.Context) []scheduler.JobStatus
}

// ContentReader loads stored entities. See store.ContentStore.
type ContentReader interface {
	Get(ctx context.Context, key models.EntityKey) (models.Entity, error)
}

// ScheduleReader loads a stored channel-day. See store.ScheduleStore.
type ScheduleReader interface {
	ListDay(ctx context.Context, channelID string, day time.Time) ([]models.ScheduleEntry, error)
}

// manualSchedule is the family a single channel-day update runs as
var manualSchedule = models.JobFamily{Name: "manual-schedule-update", Threads: 1, Forced: true}

// NitroHandler serves the force-update and job endpoints
type NitroHandler struct {
	refresher  Refresher
	jobs       Jobs
	content    ContentReader
	schedules  ScheduleReader
	processors scheduler.ProcessorFactory
	runner     *schedule.Runner
	channels   map[string]models.Channel
	logger     ectologger.Logger
}

// NewNitroHandler creates a new nitro handler. channels bounds the schedule update endpoint.
func NewNitroHandler(
	refresher Refresher,
	jobs Jobs,
	content ContentReader,
	schedules ScheduleReader,
	processors scheduler.ProcessorFactory,
	channels []models.Channel,
	logger ectologger.Logger,
) *NitroHandler {
	byID := make(map[string]models.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}
	return &NitroHandler{
		refresher:  refresher,
		jobs:       jobs,
		content:    content,
		schedules:  schedules,
		processors: processors,
		runner:     schedule.NewRunner(logger),
		channels:   byID,
		logger:     logger,
	}
}

type pidRequest struct {
	Pid string `param:"pid" validate:"required,alphanum"`
}

type containerRequest struct {
	Kind string `param:"kind" validate:"required,oneof=series brand"`
	Pid  string `param:"pid" validate:"required,alphanum"`
}

type scheduleRequest struct {
	Channel string `param:"channel" validate:"required"`
	Day     string `param:"day" validate:"required,datetime=2006-01-02"`
}

type jobRequest struct {
	Name string `param:"name" validate:"required"`
}

// TriggerResponse is returned when a job run starts
type TriggerResponse struct {
	Job   string `json:"job"`
	RunID string `json:"run_id"`
}

// RegisterRoutes registers the nitro routes
func (h *NitroHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/update/content/:pid", h.UpdateContent)
	g.POST("/merge/content/:pid", h.MergeContent)
	g.POST("/update/schedule/:channel/:day", h.UpdateSchedule)
	g.POST("/update/:kind/:pid", h.UpdateContainer)
	g.GET("/content/:pid", h.GetContent)
	g.GET("/schedule/:channel/:day", h.GetSchedule)
	g.POST("/jobs/:name/trigger", h.TriggerJob)
	g.GET("/jobs", h.ListJobs)
}

// UpdateContent handles POST /update/content/:pid
func (h *NitroHandler) UpdateContent(c echo.Context) error {
	req, err := Bind[pidRequest](c)
	if err != nil {
		return err
	}

	item, err := h.refresher.RefreshItem(c.Request().Context(), req.Pid)
	if err != nil {
		return err
	}
	return SuccessResponse(c, item)
}

// MergeContent handles POST /merge/content/:pid
func (h *NitroHandler) MergeContent(c echo.Context) error {
	req, err := Bind[pidRequest](c)
	if err != nil {
		return err
	}

	item, err := h.refresher.MergeItem(c.Request().Context(), req.Pid)
	if err != nil {
		return err
	}
	return SuccessResponse(c, item)
}

// UpdateContainer handles POST /update/:kind/:pid
func (h *NitroHandler) UpdateContainer(c echo.Context) error {
	req, err := Bind[containerRequest](c)
	if err != nil {
		return err
	}

	entity, err := h.refresher.RefreshContainer(c.Request().Context(), models.Kind(req.Kind), req.Pid)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entity)
}

// UpdateSchedule handles POST /update/schedule/:channel/:day. The channel-day is fetched and
// synced before the response is written.
func (h *NitroHandler) UpdateSchedule(c echo.Context) error {
	req, err := Bind[scheduleRequest](c)
	if err != nil {
		return err
	}

	channel, ok := h.channels[req.Channel]
	if !ok {
		return NotFound("unknown channel " + req.Channel)
	}
	day, err := time.Parse(time.DateOnly, req.Day)
	if err != nil {
		return BadRequest("invalid day " + req.Day)
	}

	ctx := c.Request().Context()
	unit := models.WorkUnit{Channel: channel, Day: models.DayOf(day)}
	report := h.runner.Run(ctx, []models.WorkUnit{unit}, h.processors(manualSchedule), 1, 0)

	switch {
	case report.Skipped > 0:
		return httperror.NewHTTPErrorf(http.StatusServiceUnavailable, "update of %s was cancelled", unit)
	case report.FailedUnits > 0:
		return httperror.NewHTTPErrorf(http.StatusBadGateway, "update of %s failed", unit)
	}

	h.logger.WithContext(ctx).Infof("Updated schedule %s: %d processed, %d failed", unit, report.Progress.Processed, report.Progress.Failed)
	return SuccessResponse(c, report)
}

// GetContent handles GET /content/:pid
func (h *NitroHandler) GetContent(c echo.Context) error {
	req, err := Bind[pidRequest](c)
	if err != nil {
		return err
	}

	entity, err := h.content.Get(c.Request().Context(), models.KeyFor(req.Pid))
	if err != nil {
		return err
	}
	return SuccessResponse(c, entity)
}

// GetSchedule handles GET /schedule/:channel/:day
func (h *NitroHandler) GetSchedule(c echo.Context) error {
	req, err := Bind[scheduleRequest](c)
	if err != nil {
		return err
	}

	day, err := time.Parse(time.DateOnly, req.Day)
	if err != nil {
		return BadRequest("invalid day " + req.Day)
	}

	entries, err := h.schedules.ListDay(c.Request().Context(), req.Channel, day)
	if err != nil {
		return httperror.WrapError(http.StatusInternalServerError, err)
	}
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}
	return SuccessResponse(c, entries)
}

// TriggerJob handles POST /jobs/:name/trigger
func (h *NitroHandler) TriggerJob(c echo.Context) error {
	req, err := Bind[jobRequest](c)
	if err != nil {
		return err
	}

	runID, err := h.jobs.Trigger(c.Request().Context(), req.Name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		return httperror.WrapError(http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrJobRunning):
		return httperror.WrapError(http.StatusConflict, err)
	case errors.Is(err, scheduler.ErrSchedulerStopped):
		return httperror.WrapError(http.StatusServiceUnavailable, err)
	case err != nil:
		return httperror.WrapError(http.StatusInternalServerError, err)
	}

	return AcceptedResponse(c, TriggerResponse{Job: req.Name, RunID: runID})
}

// ListJobs handles GET /jobs
func (h *NitroHandler) ListJobs(c echo.Context) error {
	return SuccessResponse(c, h.jobs.Jobs(c.Request().Context()))
}
