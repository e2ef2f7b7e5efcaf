package taskgraph

import (
	"time"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/fleet"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusAssigned    Status = "assigned"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusAssigned, StatusNeedsReview},
	StatusAssigned:    {StatusInProgress, StatusNeedsReview},
	StatusInProgress:  {StatusCompleted, StatusFailed, StatusNeedsReview},
	StatusNeedsReview: {StatusPending, StatusAssigned, StatusInProgress},
	StatusCompleted:   {},
	StatusFailed:      {},
}

// CanTransition reports whether from -> to is a legal move. Writing the
// current status again is allowed for non-terminal states.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	if from == to {
		return !from.Terminal()
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Type categorizes a task.
type Type string

const (
	TypeAutomation    Type = "automation"
	TypeAnalysis      Type = "analysis"
	TypeIntegration   Type = "integration"
	TypeMaintenance   Type = "maintenance"
	TypeSecurity      Type = "security"
	TypeCollaboration Type = "collaboration"
)

var validTypes = map[Type]bool{
	TypeAutomation: true, TypeAnalysis: true, TypeIntegration: true,
	TypeMaintenance: true, TypeSecurity: true, TypeCollaboration: true,
}

// Priority orders tasks for operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var validPriorities = map[Priority]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityCritical: true,
}

// Metrics records execution timing for a task.
type Metrics struct {
	StartTime      *time.Time     `json:"start_time"`
	CompletionTime *time.Time     `json:"completion_time"`
	Duration       float64        `json:"duration"`
	RetryCount     int            `json:"retry_count"`
	ErrorCount     int            `json:"error_count"`
	ResourceUsage  map[string]any `json:"resource_usage"`
}

// Task is a unit of work allocated to one agent at a time.
type Task struct {
	ID           string                   `json:"id"`
	Title        string                   `json:"title"`
	Description  string                   `json:"description"`
	Type         Type                     `json:"type"`
	Priority     Priority                 `json:"priority"`
	Status       Status                   `json:"status"`
	Deadline     *time.Time               `json:"deadline"`
	AssignedTo   *string                  `json:"assigned_to"`
	CreatorID    string                   `json:"creator_id"`
	TeamID       string                   `json:"team_id,omitempty"`
	Requirements []fleet.SkillRequirement `json:"requirements"`
	Dependencies []string                 `json:"dependencies"`
	Metrics      Metrics                  `json:"metrics"`
	Metadata     map[string]any           `json:"metadata"`
	Output       map[string]any           `json:"output"`
	LastError    string                   `json:"last_error,omitempty"`
	ReviewerID   string                   `json:"reviewer_id,omitempty"`
	ReviewNotes  string                   `json:"review_notes,omitempty"`
	ReviewedAt   *time.Time               `json:"reviewed_at"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Assignee returns the bound agent id or "".
func (t *Task) Assignee() string {
	if t.AssignedTo == nil {
		return ""
	}
	return *t.AssignedTo
}

func (t *Task) validate() error {
	if t.Title == "" {
		return errdefs.FieldValidation("title", "is required")
	}
	if t.CreatorID == "" {
		return errdefs.FieldValidation("creator_id", "is required")
	}
	if !validTypes[t.Type] {
		return errdefs.FieldValidation("type", "unknown task type %q", t.Type)
	}
	if !validPriorities[t.Priority] {
		return errdefs.FieldValidation("priority", "unknown priority %q", t.Priority)
	}
	for _, r := range t.Requirements {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return errdefs.FieldValidation("dependencies", "task cannot depend on itself")
		}
		if seen[dep] {
			return errdefs.FieldValidation("dependencies", "duplicate dependency %s", dep)
		}
		seen[dep] = true
	}
	return nil
}

// ListOptions narrows List. Zero fields are ignored.
type ListOptions struct {
	TeamID     string
	Status     Status
	AssignedTo string
}
