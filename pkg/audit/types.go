package audit

import "time"

// ActorType classifies who performed an audited action.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Entry is an immutable record of a state-changing action.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id"`
	ActorType    ActorType      `json:"actor_type"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Status       string         `json:"status"`
	Changes      map[string]any `json:"changes,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
}

// Metric is one analytics sample.
type Metric struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Dimensions map[string]string `json:"dimensions"`
	Metadata   map[string]any    `json:"metadata"`
}

// Aggregate summarizes a metric over one time bucket.
type Aggregate struct {
	Bucket string  `json:"bucket"`
	Avg    float64 `json:"avg_value"`
	Max    float64 `json:"max_value"`
	Min    float64 `json:"min_value"`
	Count  int     `json:"count"`
}

// ForecastPoint is a projected daily value.
type ForecastPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertNew      AlertStatus = "new"
	AlertResolved AlertStatus = "resolved"
)

// Alert is an operator-facing notification.
type Alert struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Severity           string         `json:"severity"`
	Message            string         `json:"message"`
	Timestamp          time.Time      `json:"timestamp"`
	Source             string         `json:"source"`
	AffectedResourceID string         `json:"affected_resource_id,omitempty"`
	Metadata           map[string]any `json:"metadata"`
	Status             AlertStatus    `json:"status"`
	ResolvedAt         *time.Time     `json:"resolved_at"`
	ResolvedBy         string         `json:"resolved_by,omitempty"`
	ResolutionNotes    string         `json:"resolution_notes,omitempty"`
}

// Query narrows AuditLogs. Zero fields are ignored.
type Query struct {
	Start        time.Time
	End          time.Time
	ActorID      string
	ResourceType string
}

// Interval names an aggregation bucket width.
type Interval string

const (
	Hourly Interval = "hourly"
	Daily  Interval = "daily"
)
