package fleet

import (
	"time"

	"github.com/harun/scorpio/pkg/errdefs"
)

// Status is the availability state of an agent.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

// Statuses lists every agent status.
var Statuses = []Status{StatusAvailable, StatusBusy, StatusOffline, StatusMaintenance, StatusError}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

const (
	MinSkillLevel = 1
	MaxSkillLevel = 10

	DefaultVersion           = "1.0.0"
	DefaultSecurityClearance = "standard"
)

// Skill is a named proficiency.
type Skill struct {
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
}

// Metrics tracks an agent's performance.
type Metrics struct {
	TasksCompleted      int        `json:"tasks_completed"`
	SuccessRate         float64    `json:"success_rate"`
	AverageResponseTime float64    `json:"average_response_time"`
	LastActive          *time.Time `json:"last_active"`
	UptimePercentage    float64    `json:"uptime_percentage"`
}

// Agent is a worker that tasks are allocated to.
type Agent struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            Status         `json:"status"`
	Skills            []Skill        `json:"skills"`
	TeamID            string         `json:"team_id,omitempty"`
	Metrics           Metrics        `json:"metrics"`
	Configuration     map[string]any `json:"configuration"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	LastHealthCheck   *time.Time     `json:"last_health_check"`
	Version           string         `json:"version"`
	SecurityClearance string         `json:"security_clearance"`
}

// SkillLevel returns the agent's level for name and whether it has the skill.
func (a *Agent) SkillLevel(name string) (int, bool) {
	for _, s := range a.Skills {
		if s.Name == name {
			return s.Level, true
		}
	}
	return 0, false
}

// Meets reports whether the agent satisfies every requirement's minimum.
func (a *Agent) Meets(reqs []SkillRequirement) bool {
	for _, r := range reqs {
		level, ok := a.SkillLevel(r.SkillName)
		if !ok || level < r.MinimumLevel {
			return false
		}
	}
	return true
}

// SkillRequirement is a capability a task needs.
type SkillRequirement struct {
	SkillName      string `json:"skill_name"`
	MinimumLevel   int    `json:"minimum_level"`
	PreferredLevel *int   `json:"preferred_level,omitempty"`
}

// Validate checks level bounds.
func (r SkillRequirement) Validate() error {
	if r.SkillName == "" {
		return errdefs.FieldValidation("skill_name", "is required")
	}
	if r.MinimumLevel < MinSkillLevel || r.MinimumLevel > MaxSkillLevel {
		return errdefs.FieldValidation("minimum_level", "must be between %d and %d, got %d", MinSkillLevel, MaxSkillLevel, r.MinimumLevel)
	}
	if r.PreferredLevel != nil && (*r.PreferredLevel < MinSkillLevel || *r.PreferredLevel > MaxSkillLevel) {
		return errdefs.FieldValidation("preferred_level", "must be between %d and %d, got %d", MinSkillLevel, MaxSkillLevel, *r.PreferredLevel)
	}
	return nil
}

func (a *Agent) validate() error {
	if a.Name == "" {
		return errdefs.FieldValidation("name", "is required")
	}
	if !a.Status.Valid() {
		return errdefs.FieldValidation("status", "unknown status %q", a.Status)
	}
	for _, s := range a.Skills {
		if s.Name == "" {
			return errdefs.FieldValidation("skills", "skill name is required")
		}
		if s.Level < MinSkillLevel || s.Level > MaxSkillLevel {
			return errdefs.FieldValidation("skills", "level of %s must be between %d and %d, got %d", s.Name, MinSkillLevel, MaxSkillLevel, s.Level)
		}
	}
	if a.Metrics.SuccessRate < 0 || a.Metrics.SuccessRate > 1 {
		return errdefs.FieldValidation("metrics.success_rate", "must be within [0, 1]")
	}
	return nil
}

// ListOptions narrows List. Zero fields are ignored.
type ListOptions struct {
	TeamID string
	Status Status
}
