// Package audit records audit entries, analytics samples and alerts.
//
// Audit entries are append-only. Every entry is persisted and mirrored to
// the JSON audit stream, so failures to persist still leave a trace in
// the logs.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/cache"
	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/store"
	"github.com/rs/zerolog"
)

const (
	auditCollection  = "audit_logs"
	metricCollection = "metrics"
	alertCollection  = "alerts"

	metricCacheTTL = time.Hour
	alertCacheTTL  = 24 * time.Hour
	forecastWindow = 30 * 24 * time.Hour
)

// Auditor is what the core components need from the recorder.
type Auditor interface {
	Record(ctx context.Context, entry Entry) error
}

// Config wires a Recorder.
type Config struct {
	Store  store.Store
	Cache  cache.Cache
	Stream *observability.AuditLogger
	Logger zerolog.Logger
	Now    func() time.Time
}

// Recorder persists audit entries, metrics and alerts.
type Recorder struct {
	store  store.Store
	cache  cache.Cache
	stream *observability.AuditLogger
	logger zerolog.Logger
	now    func() time.Time
}

var _ Auditor = (*Recorder)(nil)

// NewRecorder creates a Recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, errors.New("audit: store is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemoryCache()
	}
	if cfg.Stream == nil {
		cfg.Stream = observability.GetAuditLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{
		store:  cfg.Store,
		cache:  cfg.Cache,
		stream: cfg.Stream,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

func (r *Recorder) timestamp() time.Time {
	return r.now().UTC()
}

// Record appends entry. Missing id, timestamp, actor and status are filled in.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.timestamp()
	}
	if entry.ActorID == "" {
		entry.ActorID = tracing.GetActorID(ctx)
	}
	if entry.ActorType == "" {
		entry.ActorType = ActorSystem
	}
	if entry.Status == "" {
		entry.Status = "success"
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	if entry.TraceID == "" {
		entry.TraceID = tracing.GetTraceID(ctx)
	}

	r.stream.Record(ctx, observability.AuditEvent{
		ID:           entry.ID,
		Timestamp:    entry.Timestamp,
		ActorID:      entry.ActorID,
		ActorType:    string(entry.ActorType),
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Status:       entry.Status,
		Details:      entry.Details,
		TraceID:      entry.TraceID,
	})

	if err := r.store.Insert(ctx, auditCollection, entry.ID, entry); err != nil {
		observability.RecordAuditWriteFailure()
		return fmt.Errorf("record audit %s: %w", entry.Action, err)
	}
	return nil
}

// AuditLogs returns entries matching q, newest first.
func (r *Recorder) AuditLogs(ctx context.Context, q Query) ([]Entry, error) {
	filter := store.Filter{}
	if !q.Start.IsZero() || !q.End.IsZero() {
		filter["timestamp"] = store.TimeRange(q.Start, q.End)
	}
	if q.ActorID != "" {
		filter["actor_id"] = q.ActorID
	}
	if q.ResourceType != "" {
		filter["resource_type"] = q.ResourceType
	}

	docs, err := r.store.Find(ctx, auditCollection, filter, store.SortByTime("timestamp", true))
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[Entry](docs)
}

func latestMetricKey(name string) string {
	return "metric:" + name + ":latest"
}

func alertKey(id string) string {
	return "alert:" + id
}

// RecordMetric persists a sample and refreshes the cached latest value.
func (r *Recorder) RecordMetric(ctx context.Context, m Metric) (*Metric, error) {
	if m.Name == "" {
		return nil, errdefs.FieldValidation("name", "is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.timestamp()
	}
	if m.Dimensions == nil {
		m.Dimensions = map[string]string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	if err := r.store.Insert(ctx, metricCollection, m.ID, m); err != nil {
		observability.RecordAuditWriteFailure()
		return nil, fmt.Errorf("record metric %s: %w", m.Name, err)
	}

	if raw, err := json.Marshal(m); err == nil {
		if err := r.cache.Set(ctx, latestMetricKey(m.Name), raw, metricCacheTTL); err != nil {
			r.logger.Warn().Err(err).Str("metric", m.Name).Msg("Failed to cache latest metric")
		}
	}
	return &m, nil
}

// LatestMetric returns the most recent sample of name.
func (r *Recorder) LatestMetric(ctx context.Context, name string) (*Metric, error) {
	if raw, ok, err := r.cache.Get(ctx, latestMetricKey(name)); err == nil && ok {
		var m Metric
		if err := json.Unmarshal(raw, &m); err == nil {
			return &m, nil
		}
	}

	docs, err := r.store.Find(ctx, metricCollection, store.Filter{"name": name},
		store.SortByTime("timestamp", true), store.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errdefs.NotFound("metric", name)
	}
	var m Metric
	if err := docs[0].Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MetricHistory returns samples of name within [start, end] matching every
// dimension, oldest first.
func (r *Recorder) MetricHistory(ctx context.Context, name string, start, end time.Time, dimensions map[string]string) ([]Metric, error) {
	filter := store.Filter{
		"name":      name,
		"timestamp": store.TimeRange(start, end),
	}
	for k, v := range dimensions {
		filter["dimensions."+k] = v
	}

	docs, err := r.store.Find(ctx, metricCollection, filter, store.SortByTime("timestamp", false))
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[Metric](docs)
}

// AggregateMetrics groups samples into hourly or daily buckets.
func (r *Recorder) AggregateMetrics(ctx context.Context, name string, interval Interval, start, end time.Time) ([]Aggregate, error) {
	var layout string
	switch interval {
	case Hourly:
		layout = "2006-01-02-15"
	case Daily:
		layout = "2006-01-02"
	default:
		return nil, errdefs.FieldValidation("interval", "must be %q or %q", Hourly, Daily)
	}

	samples, err := r.MetricHistory(ctx, name, start, end, nil)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]*Aggregate)
	sums := make(map[string]float64)
	for _, s := range samples {
		key := s.Timestamp.UTC().Format(layout)
		agg, ok := buckets[key]
		if !ok {
			agg = &Aggregate{Bucket: key, Max: s.Value, Min: s.Value}
			buckets[key] = agg
		}
		agg.Count++
		sums[key] += s.Value
		if s.Value > agg.Max {
			agg.Max = s.Value
		}
		if s.Value < agg.Min {
			agg.Min = s.Value
		}
	}

	out := make([]Aggregate, 0, len(buckets))
	for key, agg := range buckets {
		agg.Avg = sums[key] / float64(agg.Count)
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out, nil
}

// Forecast projects name forward by horizonDays using the average step
// change of the last 30 days. Projected values never go below zero.
func (r *Recorder) Forecast(ctx context.Context, name string, horizonDays int) ([]ForecastPoint, error) {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	end := r.timestamp()
	history, err := r.MetricHistory(ctx, name, end.Add(-forecastWindow), end, nil)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return []ForecastPoint{}, nil
	}

	var avgChange float64
	if len(history) > 1 {
		var total float64
		for i := 1; i < len(history); i++ {
			total += history[i].Value - history[i-1].Value
		}
		avgChange = total / float64(len(history)-1)
	}

	last := history[len(history)-1].Value
	points := make([]ForecastPoint, 0, horizonDays)
	for day := 1; day <= horizonDays; day++ {
		points = append(points, ForecastPoint{
			Date:  end.AddDate(0, 0, day).Format("2006-01-02"),
			Value: max(0, last+avgChange*float64(day)),
		})
	}
	return points, nil
}

// CreateAlert persists a new alert and caches it for a day.
func (r *Recorder) CreateAlert(ctx context.Context, a Alert) (*Alert, error) {
	if a.Message == "" {
		return nil, errdefs.FieldValidation("message", "is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.timestamp()
	}
	a.Status = AlertNew
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}

	if err := r.store.Insert(ctx, alertCollection, a.ID, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if raw, err := json.Marshal(a); err == nil {
		if err := r.cache.Set(ctx, alertKey(a.ID), raw, alertCacheTTL); err != nil {
			r.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Failed to cache alert")
		}
	}
	return &a, nil
}

// ResolveAlert marks the alert resolved and drops it from the cache.
func (r *Recorder) ResolveAlert(ctx context.Context, id, resolverID, notes string) (*Alert, error) {
	now := r.timestamp()
	doc, err := r.store.FindOneAndUpdate(ctx, alertCollection, store.Filter{"id": id}, store.Update{
		Set: map[string]any{
			"status":           AlertResolved,
			"resolved_at":      now,
			"resolved_by":      resolverID,
			"resolution_notes": notes,
		},
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("alert", id)
	}
	if err != nil {
		return nil, err
	}

	if err := r.cache.Delete(ctx, alertKey(id)); err != nil {
		r.logger.Warn().Err(err).Str("alert_id", id).Msg("Failed to evict alert from cache")
	}

	var a Alert
	if err := doc.Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ActiveAlerts returns alerts that are not resolved yet.
func (r *Recorder) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	docs, err := r.store.Find(ctx, alertCollection, store.Filter{"status": AlertNew})
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[Alert](docs)
}
