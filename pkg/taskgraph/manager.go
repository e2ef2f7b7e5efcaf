// Package taskgraph owns tasks, their dependency edges and status
// transitions, and hands eligible tasks to the fleet allocator.
//
// Every status write is conditional on the status the caller observed, so
// concurrent updates to one task serialize and losers get errdefs.ErrConflict.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/audit"
	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/harun/scorpio/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	collection = "tasks"
	tracerName = "scorpio.taskgraph"
)

// Allocator is the part of the fleet registry the manager drives.
type Allocator interface {
	Get(ctx context.Context, id string) (*fleet.Agent, error)
	Allocate(ctx context.Context, reqs []fleet.SkillRequirement) (*fleet.Agent, error)
	Release(ctx context.Context, id string) error
	RecordTaskOutcome(ctx context.Context, id string, success bool, responseTime time.Duration) (*fleet.Agent, error)
}

// Config wires a Manager.
type Config struct {
	Store     store.Store
	Allocator Allocator
	Auditor   audit.Auditor
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Manager creates tasks and drives them through their lifecycle.
type Manager struct {
	store     store.Store
	allocator Allocator
	auditor   audit.Auditor
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("taskgraph: store is required")
	}
	if cfg.Allocator == nil {
		return nil, errors.New("taskgraph: allocator is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:     cfg.Store,
		allocator: cfg.Allocator,
		auditor:   cfg.Auditor,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC()
}

func (m *Manager) log(ctx context.Context) *zerolog.Logger {
	l := tracing.LoggerFromContext(ctx, m.logger)
	return &l
}

func (m *Manager) audit(ctx context.Context, entry audit.Entry) {
	if m.auditor == nil {
		return
	}
	if entry.ActorID == "" {
		entry.ActorID = tracing.GetActorID(ctx)
	}
	if err := m.auditor.Record(ctx, entry); err != nil {
		m.log(ctx).Warn().Err(err).Str("action", entry.Action).Msg("Failed to record audit entry")
	}
}

func decodeTask(doc store.Document) (*Task, error) {
	var t Task
	if err := doc.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// Get returns the task with id.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	doc, err := m.store.FindOne(ctx, collection, store.Filter{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(doc)
}

// List returns tasks in creation order.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	filter := store.Filter{}
	if opts.TeamID != "" {
		filter["team_id"] = opts.TeamID
	}
	if opts.Status != "" {
		filter["status"] = opts.Status
	}
	if opts.AssignedTo != "" {
		filter["assigned_to"] = opts.AssignedTo
	}
	docs, err := m.store.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(docs))
	for _, d := range docs {
		t, err := decodeTask(d)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Create validates and stores a task, then tries to allocate it. Every
// dependency must already be completed.
func (m *Manager) Create(ctx context.Context, task Task) (*Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	ctx = tracing.PropagateToTask(ctx, task.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "task.create",
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)))
	defer span.End()

	task.Status = StatusPending
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.Requirements == nil {
		task.Requirements = []fleet.SkillRequirement{}
	}
	if task.Dependencies == nil {
		task.Dependencies = []string{}
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if task.Metrics.ResourceUsage == nil {
		task.Metrics.ResourceUsage = map[string]any{}
	}
	if err := task.validate(); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	for _, dep := range task.Dependencies {
		done, err := m.dependencyCompleted(ctx, dep)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		if !done {
			err := errdefs.Validation("Dependent task %s not completed", dep)
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	preset := task.Assignee()
	if preset != "" {
		if _, err := m.allocator.Get(ctx, preset); err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}
	task.AssignedTo = nil
	now := m.timestamp()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := m.store.Insert(ctx, collection, task.ID, task); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("create task: %w", err)
	}
	observability.RecordTaskTransition(string(StatusPending))

	m.audit(ctx, audit.Entry{
		ActorID:      task.CreatorID,
		ActorType:    audit.ActorSystem,
		Action:       "create_task",
		ResourceType: "task",
		ResourceID:   task.ID,
		Details: map[string]any{
			"title":        task.Title,
			"type":         task.Type,
			"priority":     task.Priority,
			"dependencies": task.Dependencies,
		},
	})

	if preset != "" {
		return m.Assign(ctx, task.ID, preset)
	}
	return m.tryAllocate(ctx, &task)
}

func (m *Manager) dependencyCompleted(ctx context.Context, id string) (bool, error) {
	n, err := m.store.Count(ctx, collection, store.Filter{"id": id, "status": StatusCompleted})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// tryAllocate claims an agent for a pending task and binds it. When no
// agent is free the task stays pending and is returned unchanged.
func (m *Manager) tryAllocate(ctx context.Context, task *Task) (*Task, error) {
	agent, err := m.allocator.Allocate(ctx, task.Requirements)
	if err != nil {
		return nil, fmt.Errorf("allocate task %s: %w", task.ID, err)
	}
	if agent == nil {
		m.log(ctx).Info().Str("task_id", task.ID).Msg("No agent available, task stays pending")
		return task, nil
	}

	bound, err := m.bind(ctx, task.ID, StatusPending, agent.ID)
	if errors.Is(err, errdefs.ErrConflict) {
		// task moved on while the agent was being claimed
		if relErr := m.allocator.Release(ctx, agent.ID); relErr != nil {
			m.log(ctx).Warn().Err(relErr).Str("agent_id", agent.ID).Msg("Failed to release agent after lost bind")
		}
		return m.Get(ctx, task.ID)
	}
	if err != nil {
		if relErr := m.allocator.Release(ctx, agent.ID); relErr != nil {
			m.log(ctx).Warn().Err(relErr).Str("agent_id", agent.ID).Msg("Failed to release agent after bind error")
		}
		return nil, err
	}
	return bound, nil
}

// bind moves a task from expected to assigned with agentID as assignee.
func (m *Manager) bind(ctx context.Context, taskID string, expected Status, agentID string) (*Task, error) {
	now := m.timestamp()
	doc, err := m.store.FindOneAndUpdate(ctx, collection,
		store.Filter{"id": taskID, "status": expected},
		store.Update{Set: map[string]any{
			"status":             StatusAssigned,
			"assigned_to":        agentID,
			"metrics.start_time": now,
			"updated_at":         now,
		}})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("task %s is no longer %s: %w", taskID, expected, errdefs.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	observability.RecordTaskTransition(string(StatusAssigned))

	m.audit(ctx, audit.Entry{
		ActorType:    audit.ActorSystem,
		Action:       "assign_task",
		ResourceType: "task",
		ResourceID:   taskID,
		Details:      map[string]any{"agent_id": agentID},
		Changes:      map[string]any{"status": map[string]any{"from": expected, "to": StatusAssigned}},
	})
	m.log(ctx).Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("Task assigned")
	return decodeTask(doc)
}

// Assign binds the task to a specific agent.
func (m *Manager) Assign(ctx context.Context, taskID, agentID string) (*Task, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "task.assign",
		attribute.String("task.id", taskID),
		attribute.String("agent.id", agentID))
	defer span.End()

	if _, err := m.allocator.Get(ctx, agentID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	task, err := m.Get(ctx, taskID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if !CanTransition(task.Status, StatusAssigned) {
		err := errdefs.Validation("cannot assign task in status %s", task.Status)
		tracing.RecordError(span, err)
		return nil, err
	}

	previous := task.Assignee()
	bound, err := m.bind(ctx, taskID, task.Status, agentID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if previous != "" && previous != agentID {
		if err := m.allocator.Release(ctx, previous); err != nil {
			m.log(ctx).Warn().Err(err).Str("agent_id", previous).Msg("Failed to release replaced assignee")
		}
	}
	return bound, nil
}

// UpdateStatus applies a status transition. Completing or failing a task
// releases its agent; completing it also allocates dependents that became
// eligible.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status, output map[string]any, errMsg string) (*Task, error) {
	ctx = tracing.PropagateToTask(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "task.update_status",
		attribute.String("task.id", id),
		attribute.String("task.status", string(status)))
	defer span.End()

	current, err := m.Get(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if !CanTransition(current.Status, status) {
		err := errdefs.Validation("cannot transition task from %s to %s", current.Status, status)
		tracing.RecordError(span, err)
		return nil, err
	}

	now := m.timestamp()
	update := store.Update{Set: map[string]any{
		"status":     status,
		"updated_at": now,
	}}
	if output != nil {
		update.Set["output"] = output
	}
	var elapsed time.Duration
	if status == StatusCompleted || status == StatusFailed {
		update.Set["metrics.completion_time"] = now
		if current.Metrics.StartTime != nil {
			elapsed = now.Sub(*current.Metrics.StartTime)
			update.Set["metrics.duration"] = elapsed.Seconds()
		}
	}
	if errMsg != "" {
		update.Inc = map[string]int64{"metrics.error_count": 1}
		update.Set["last_error"] = errMsg
	}
	resubmit := current.Status == StatusNeedsReview && status == StatusPending
	if resubmit {
		update.Set["assigned_to"] = nil
	}

	doc, err := m.store.FindOneAndUpdate(ctx, collection,
		store.Filter{"id": id, "status": current.Status}, update)
	if errors.Is(err, store.ErrNotFound) {
		err = fmt.Errorf("task %s changed concurrently: %w", id, errdefs.ErrConflict)
		tracing.RecordError(span, err)
		return nil, err
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	updated, err := decodeTask(doc)
	if err != nil {
		return nil, err
	}
	observability.RecordTaskTransition(string(status))

	details := map[string]any{"status": status}
	if errMsg != "" {
		details["error"] = errMsg
	}
	m.audit(ctx, audit.Entry{
		ActorType:    audit.ActorSystem,
		Action:       "update_task_status",
		ResourceType: "task",
		ResourceID:   id,
		Details:      details,
		Changes:      map[string]any{"status": map[string]any{"from": current.Status, "to": status}},
	})

	if agentID := current.Assignee(); agentID != "" && (status.Terminal() || resubmit) {
		if err := m.allocator.Release(ctx, agentID); err != nil {
			m.log(ctx).Warn().Err(err).Str("agent_id", agentID).Msg("Failed to release agent")
		}
		if status.Terminal() {
			if _, err := m.allocator.RecordTaskOutcome(ctx, agentID, status == StatusCompleted, elapsed); err != nil {
				m.log(ctx).Warn().Err(err).Str("agent_id", agentID).Msg("Failed to record agent outcome")
			}
		}
	}

	switch {
	case status == StatusCompleted:
		m.resolveDependents(ctx, id)
	case resubmit:
		return m.tryAllocate(ctx, updated)
	}
	return updated, nil
}

// resolveDependents allocates pending tasks that depend on completedID and
// have no unfinished dependencies left. Failures are logged; the
// completion itself is already committed.
func (m *Manager) resolveDependents(ctx context.Context, completedID string) {
	docs, err := m.store.Find(ctx, collection, store.Filter{
		"dependencies": store.Contains(completedID),
		"status":       StatusPending,
	})
	if err != nil {
		m.log(ctx).Error().Err(err).Str("task_id", completedID).Msg("Failed to load dependent tasks")
		return
	}

	for _, doc := range docs {
		dependent, err := decodeTask(doc)
		if err != nil {
			m.log(ctx).Error().Err(err).Msg("Failed to decode dependent task")
			continue
		}
		depCtx := tracing.PropagateToTask(ctx, dependent.ID)

		ready, err := m.dependenciesCompleted(depCtx, dependent)
		if err != nil {
			m.log(depCtx).Error().Err(err).Msg("Failed to check dependencies")
			continue
		}
		if !ready {
			continue
		}
		if _, err := m.tryAllocate(depCtx, dependent); err != nil {
			m.log(depCtx).Error().Err(err).Msg("Failed to allocate dependent task")
		}
	}
}

func (m *Manager) dependenciesCompleted(ctx context.Context, task *Task) (bool, error) {
	if len(task.Dependencies) == 0 {
		return true, nil
	}
	ids := make([]any, len(task.Dependencies))
	for i, d := range task.Dependencies {
		ids[i] = d
	}
	n, err := m.store.Count(ctx, collection, store.Filter{"id": store.In(ids...), "status": StatusCompleted})
	if err != nil {
		return false, err
	}
	return int(n) == len(task.Dependencies), nil
}

// Reallocate retries allocation for a pending task.
func (m *Manager) Reallocate(ctx context.Context, id string) (*Task, error) {
	ctx = tracing.PropagateToTask(ctx, id)
	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusPending {
		return nil, errdefs.Validation("only pending tasks can be reallocated, task is %s", task.Status)
	}
	ready, err := m.dependenciesCompleted(ctx, task)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, errdefs.Validation("task %s has unfinished dependencies", id)
	}
	return m.tryAllocate(ctx, task)
}

// Review moves a task to needs_review and records the reviewer.
func (m *Manager) Review(ctx context.Context, id, reviewerID, notes string) (*Task, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, StatusNeedsReview) {
		return nil, errdefs.Validation("cannot review task in status %s", current.Status)
	}

	now := m.timestamp()
	doc, err := m.store.FindOneAndUpdate(ctx, collection,
		store.Filter{"id": id, "status": current.Status},
		store.Update{Set: map[string]any{
			"status":       StatusNeedsReview,
			"reviewer_id":  reviewerID,
			"review_notes": notes,
			"reviewed_at":  now,
			"updated_at":   now,
		}})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("task %s changed concurrently: %w", id, errdefs.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	observability.RecordTaskTransition(string(StatusNeedsReview))

	m.audit(ctx, audit.Entry{
		ActorID:      reviewerID,
		ActorType:    audit.ActorHuman,
		Action:       "review_task",
		ResourceType: "task",
		ResourceID:   id,
		Details:      map[string]any{"notes": notes},
		Changes:      map[string]any{"status": map[string]any{"from": current.Status, "to": StatusNeedsReview}},
	})
	return decodeTask(doc)
}
