package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultConcurrency is used when a run asks for no workers
const DefaultConcurrency = 1

// Processor syncs one work unit.
type Processor interface {
	Process(ctx context.Context, unit models.WorkUnit) (models.Progress, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, unit models.WorkUnit) (models.Progress, error)

func (f ProcessorFunc) Process(ctx context.Context, unit models.WorkUnit) (models.Progress, error) {
	return f(ctx, unit)
}

// Report summarizes a run. Units counts the units that were dispatched; Skipped counts the ones
// left undispatched because the run was stopped.
type Report struct {
	Progress    models.Progress `json:"progress"`
	Units       int             `json:"units"`
	FailedUnits int             `json:"failed_units"`
	Skipped     int             `json:"skipped"`
	Degraded    bool            `json:"degraded"`
	Duration    time.Duration   `json:"duration"`
}

// Runner runs work units on a bounded worker pool
type Runner struct {
	logger ectologger.Logger
}

func NewRunner(logger ectologger.Logger) *Runner {
	return &Runner{logger: logger}
}

type unitResult struct {
	unit     models.WorkUnit
	progress models.Progress
	err      error
}

// Run processes units with at most concurrency workers. Cancelling ctx stops dispatch; units
// already started run to completion on a context that ignores the cancellation. A failed unit
// never aborts the run. The run is degraded when more than failureThresholdPercent of the
// dispatched units failed.
func (r *Runner) Run(ctx context.Context, units []models.WorkUnit, processor Processor, concurrency, failureThresholdPercent int) Report {
	ctx, span := tracing.StartSpan(ctx, "schedule.Run")
	defer span.End()

	logger := r.logger.WithContext(ctx).WithFields(appctx.LogFields(ctx))
	start := time.Now()

	if len(units) == 0 {
		return Report{}
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(units) {
		concurrency = len(units)
	}

	logger.Infof("Running %d units with concurrency %d", len(units), concurrency)

	unitChan := make(chan models.WorkUnit)
	resultChan := make(chan unitResult, len(units))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg, processor, unitChan, resultChan)
	}

	dispatched := 0
dispatch:
	for _, unit := range units {
		// a stopped run never takes a new unit, even when a worker is free
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case unitChan <- unit:
			dispatched++
		}
	}
	close(unitChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	report := Report{Skipped: len(units) - dispatched}
	for res := range resultChan {
		report.Units++
		report.Progress = report.Progress.Add(res.progress)
		if res.err != nil {
			report.FailedUnits++
			metrics.RecordScheduleUnit("failure")
			logger.WithError(res.err).WithField("unit", res.unit.String()).Warnf("Unit %s failed", res.unit)
			continue
		}
		metrics.RecordScheduleUnit("success")
	}

	report.Duration = time.Since(start)
	report.Degraded = report.FailedUnits*100 > failureThresholdPercent*report.Units

	fields := map[string]any{
		"units":        report.Units,
		"failed_units": report.FailedUnits,
		"skipped":      report.Skipped,
		"processed":    report.Progress.Processed,
		"failed":       report.Progress.Failed,
	}
	if report.Degraded {
		logger.WithFields(fields).Warnf("Run degraded: %d of %d units failed (threshold %d%%)", report.FailedUnits, report.Units, failureThresholdPercent)
	} else {
		logger.WithFields(fields).Infof("Run finished in %s", report.Duration)
	}
	if report.Skipped > 0 {
		logger.WithFields(fields).Warnf("Run stopped with %d units not dispatched", report.Skipped)
	}

	return report
}

func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup, processor Processor, units <-chan models.WorkUnit, results chan<- unitResult) {
	defer wg.Done()

	// started units finish even when the run is stopped
	detached := context.WithoutCancel(ctx)
	for unit := range units {
		results <- r.process(detached, processor, unit)
	}
}

func (r *Runner) process(ctx context.Context, processor Processor, unit models.WorkUnit) (res unitResult) {
	res.unit = unit

	ctx = appctx.SetChannel(ctx, unit.Channel.ID)
	ctx = appctx.SetDay(ctx, unit.Day.Format(time.DateOnly))

	metrics.UnitsInFlight.Inc()
	defer metrics.UnitsInFlight.Dec()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithContext(ctx).Errorf("Recovered panic in unit %s: %v\n%s", unit, rec, debug.Stack())
			res.err = fmt.Errorf("panic in unit %s: %v", unit, rec)
		}
	}()

	res.progress, res.err = processor.Process(ctx, unit)
	return res
}
