// Package audit reports the outcome of every synced entity.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Reporter records sync outcomes. Reports are fire and forget: implementations never return
// errors and never panic into the caller.
type Reporter interface {
	ReportSuccess(ctx context.Context, entityID string, aliases []models.Alias, kind models.Kind, payloads ...json.RawMessage)
	ReportFailure(ctx context.Context, message string, payloads ...json.RawMessage)
	// ReportIncomplete flags a written entity that lacks a field downstream consumers expect.
	ReportIncomplete(ctx context.Context, entityID string, kind models.Kind, field string)
}

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeIncomplete Outcome = "incomplete"
)

// Fields reported by ReportIncomplete
const (
	FieldTitle         = "title"
	FieldGenres        = "genres"
	FieldEpisodeNumber = "episode_number"
)

// Missing lists the expected fields entity lacks. Episodes also need an episode number; clips
// do not.
func Missing(entity models.Entity) []string {
	c := entity.GetContent()

	var missing []string
	if c.Title == "" {
		missing = append(missing, FieldTitle)
	}
	if len(c.Genres) == 0 {
		missing = append(missing, FieldGenres)
	}
	if item, ok := entity.(*models.Item); ok && !item.Clip && item.EpisodeNumber == nil {
		missing = append(missing, FieldEpisodeNumber)
	}
	return missing
}

// Event is the audit record published for each report
type Event struct {
	ID        string            `json:"id"`
	Outcome   Outcome           `json:"outcome"`
	EntityID  string            `json:"entity_id,omitempty"`
	Kind      models.Kind       `json:"kind,omitempty"`
	Field     string            `json:"field,omitempty"`
	Aliases   []models.Alias    `json:"aliases,omitempty"`
	Message   string            `json:"message,omitempty"`
	Payloads  []json.RawMessage `json:"payloads,omitempty"`
	Job       string            `json:"job,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Day       string            `json:"day,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent builds an event stamped with the identifiers carried by ctx.
func NewEvent(ctx context.Context, outcome Outcome) Event {
	traceID, spanID := tracing.IDs(ctx)
	return Event{
		ID:        uuid.NewString(),
		Outcome:   outcome,
		Job:       appctx.GetJob(ctx),
		RunID:     appctx.GetRunID(ctx),
		Channel:   appctx.GetChannel(ctx),
		Day:       appctx.GetDay(ctx),
		RequestID: appctx.GetRequestID(ctx),
		TraceID:   traceID,
		SpanID:    spanID,
		Timestamp: time.Now().UTC(),
	}
}

func nonNilPayloads(payloads []json.RawMessage) []json.RawMessage {
	var out []json.RawMessage
	for _, p := range payloads {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Publisher is the part of kafka.Producer the reporter needs.
type Publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

// Topics names the topic of each outcome. Incomplete reports are dropped when Status is empty.
type Topics struct {
	Success string
	Failure string
	Status  string
}

// All returns the configured topics
func (t Topics) All() []string {
	var out []string
	for _, topic := range []string{t.Success, t.Failure, t.Status} {
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}

// KafkaReporter publishes each outcome to its own topic.
type KafkaReporter struct {
	publisher Publisher
	topics    Topics
	timeout   time.Duration
	logger    ectologger.Logger
}

func NewKafkaReporter(publisher Publisher, topics Topics, logger ectologger.Logger) *KafkaReporter {
	return &KafkaReporter{
		publisher: publisher,
		topics:    topics,
		timeout:   5 * time.Second,
		logger:    logger,
	}
}

func (r *KafkaReporter) ReportSuccess(ctx context.Context, entityID string, aliases []models.Alias, kind models.Kind, payloads ...json.RawMessage) {
	evt := NewEvent(ctx, OutcomeSuccess)
	evt.EntityID = entityID
	evt.Kind = kind
	evt.Aliases = aliases
	evt.Payloads = nonNilPayloads(payloads)

	r.publish(ctx, r.topics.Success, entityID, evt)
}

func (r *KafkaReporter) ReportFailure(ctx context.Context, message string, payloads ...json.RawMessage) {
	evt := NewEvent(ctx, OutcomeFailure)
	evt.Message = message
	evt.Payloads = nonNilPayloads(payloads)

	r.publish(ctx, r.topics.Failure, evt.ID, evt)
}

func (r *KafkaReporter) ReportIncomplete(ctx context.Context, entityID string, kind models.Kind, field string) {
	if r.topics.Status == "" {
		return
	}
	evt := NewEvent(ctx, OutcomeIncomplete)
	evt.EntityID = entityID
	evt.Kind = kind
	evt.Field = field

	r.publish(ctx, r.topics.Status, entityID, evt)
}

func (r *KafkaReporter) publish(ctx context.Context, topic, key string, evt Event) {
	logger := r.logger.WithContext(ctx).WithFields(map[string]any{
		"audit_id": evt.ID,
		"outcome":  string(evt.Outcome),
	})

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Recovered panic while publishing audit event: %v", rec)
			metrics.RecordAuditEvent(string(evt.Outcome), "panic", 0)
		}
	}()

	// the caller may be shutting down; the report still goes out
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := time.Now()
	err := r.publisher.Publish(pubCtx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: evt,
		Headers: map[string]string{
			"outcome":    string(evt.Outcome),
			"job":        evt.Job,
			"run_id":     evt.RunID,
			"request_id": evt.RequestID,
		},
	})
	if err != nil {
		logger.WithError(err).Warnf("Failed to publish audit event to %s", topic)
		metrics.RecordAuditEvent(string(evt.Outcome), "error", time.Since(start).Seconds())
		return
	}
	metrics.RecordAuditEvent(string(evt.Outcome), "published", time.Since(start).Seconds())
}

// LogReporter writes reports to the log. It is used when no brokers are configured.
type LogReporter struct {
	logger ectologger.Logger
}

func NewLogReporter(logger ectologger.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportSuccess(ctx context.Context, entityID string, aliases []models.Alias, kind models.Kind, _ ...json.RawMessage) {
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id": entityID,
		"kind":      string(kind),
		"aliases":   fmt.Sprint(aliases),
	}).Debugf("Synced %s %s", kind, entityID)
	metrics.RecordAuditEvent(string(OutcomeSuccess), "logged", 0)
}

func (r *LogReporter) ReportFailure(ctx context.Context, message string, _ ...json.RawMessage) {
	r.logger.WithContext(ctx).Warnf("Sync failure: %s", message)
	metrics.RecordAuditEvent(string(OutcomeFailure), "logged", 0)
}

func (r *LogReporter) ReportIncomplete(ctx context.Context, entityID string, kind models.Kind, field string) {
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id": entityID,
		"kind":      string(kind),
		"field":     field,
	}).Infof("%s %s has no %s", kind, entityID, field)
	metrics.RecordAuditEvent(string(OutcomeIncomplete), "logged", 0)
}
