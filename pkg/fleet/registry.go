// Package fleet owns agent records and allocates agents to work.
//
// Allocation claims an agent with a conditional write (available -> busy),
// so two concurrent allocations can never hand out the same agent even
// when they run in different processes against the same store.
package fleet

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
	"github.com/harun/scorpio/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	collection = "agents"
	tracerName = "scorpio.fleet"
)

// Config wires a Registry.
type Config struct {
	Store   store.Store
	Auditor audit.Auditor
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Registry stores agents and allocates them.
type Registry struct {
	store   store.Store
	auditor audit.Auditor
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("fleet: store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:   cfg.Store,
		auditor: cfg.Auditor,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

func (r *Registry) timestamp() time.Time {
	return r.now().UTC()
}

func (r *Registry) log(ctx context.Context) *zerolog.Logger {
	l := tracing.LoggerFromContext(ctx, r.logger)
	return &l
}

func (r *Registry) audit(ctx context.Context, entry audit.Entry) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.Record(ctx, entry); err != nil {
		r.log(ctx).Warn().Err(err).
			Str("action", entry.Action).
			Str("agent_id", entry.ResourceID).
			Msg("Failed to record audit entry")
	}
}

func decodeAgent(doc store.Document) (*Agent, error) {
	var a Agent
	if err := doc.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	return &a, nil
}

// Register validates and stores a new agent.
func (r *Registry) Register(ctx context.Context, agent Agent) (*Agent, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "fleet.register",
		attribute.String("agent.name", agent.Name))
	defer span.End()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = StatusAvailable
	}
	if agent.Version == "" {
		agent.Version = DefaultVersion
	}
	if agent.SecurityClearance == "" {
		agent.SecurityClearance = DefaultSecurityClearance
	}
	if agent.Skills == nil {
		agent.Skills = []Skill{}
	}
	if agent.Configuration == nil {
		agent.Configuration = map[string]any{}
	}
	if err := agent.validate(); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	now := r.timestamp()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	if err := r.store.Insert(ctx, collection, agent.ID, agent); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("register agent: %w", err)
	}

	r.audit(ctx, audit.Entry{
		ActorID:      agent.ID,
		ActorType:    audit.ActorAgent,
		Action:       "create_agent",
		ResourceType: "agent",
		ResourceID:   agent.ID,
		Details:      map[string]any{"name": agent.Name, "team_id": agent.TeamID},
	})

	r.logger.Info().Str("agent_id", agent.ID).Str("name", agent.Name).Msg("Agent registered")
	return &agent, nil
}

// Get returns the agent with id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	doc, err := r.store.FindOne(ctx, collection, store.Filter{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeAgent(doc)
}

// SetStatus overwrites the agent's status.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "fleet.set_status",
		attribute.String("agent.id", id),
		attribute.String("agent.status", string(status)))
	defer span.End()

	if !status.Valid() {
		err := errdefs.FieldValidation("status", "unknown status %q", status)
		tracing.RecordError(span, err)
		return nil, err
	}

	prev, err := r.Get(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	doc, err := r.store.FindOneAndUpdate(ctx, collection, store.Filter{"id": id}, store.Update{
		Set: map[string]any{"status": status, "updated_at": r.timestamp()},
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("agent", id)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	r.audit(ctx, audit.Entry{
		ActorID:      tracing.GetActorID(ctx),
		ActorType:    audit.ActorSystem,
		Action:       "update_agent_status",
		ResourceType: "agent",
		ResourceID:   id,
		Details:      map[string]any{"status": status},
		Changes:      map[string]any{"status": map[string]any{"from": prev.Status, "to": status}},
	})
	return decodeAgent(doc)
}

// Heartbeat stamps the agent's last health check.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*Agent, error) {
	now := r.timestamp()
	doc, err := r.store.FindOneAndUpdate(ctx, collection, store.Filter{"id": id}, store.Update{
		Set: map[string]any{"last_health_check": now, "updated_at": now},
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeAgent(doc)
}

// List returns agents in registration order.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]*Agent, error) {
	filter := store.Filter{}
	if opts.TeamID != "" {
		filter["team_id"] = opts.TeamID
	}
	if opts.Status != "" {
		filter["status"] = opts.Status
	}
	docs, err := r.store.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	agents := make([]*Agent, 0, len(docs))
	for _, d := range docs {
		a, err := decodeAgent(d)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// FindAvailable returns available agents that meet every requirement's
// minimum level, in registration order.
func (r *Registry) FindAvailable(ctx context.Context, reqs []SkillRequirement) ([]*Agent, error) {
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}
	available, err := r.List(ctx, ListOptions{Status: StatusAvailable})
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(available))
	for _, a := range available {
		if a.Meets(reqs) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Allocate claims the best-scoring available agent for reqs and marks it
// busy. It returns nil with no error when no agent could be claimed.
func (r *Registry) Allocate(ctx context.Context, reqs []SkillRequirement) (*Agent, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "fleet.allocate",
		attribute.Int("requirements", len(reqs)))
	defer span.End()

	candidates, err := r.FindAvailable(ctx, reqs)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	log := tracing.LoggerFromContext(ctx, r.logger)
	for _, candidate := range rank(candidates, reqs) {
		doc, err := r.store.FindOneAndUpdate(ctx, collection,
			store.Filter{"id": candidate.ID, "status": StatusAvailable},
			store.Update{Set: map[string]any{"status": StatusBusy, "updated_at": r.timestamp()}})
		if errors.Is(err, store.ErrNotFound) {
			// claimed by someone else since the candidate query
			observability.RecordAllocation("contended")
			log.Debug().Str("agent_id", candidate.ID).Msg("Allocation lost race, trying next candidate")
			continue
		}
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}

		agent, err := decodeAgent(doc)
		if err != nil {
			return nil, err
		}
		observability.RecordAllocation("allocated")
		span.SetAttributes(attribute.String("agent.id", agent.ID))

		r.audit(ctx, audit.Entry{
			ActorType:    audit.ActorSystem,
			Action:       "update_agent_status",
			ResourceType: "agent",
			ResourceID:   agent.ID,
			Details:      map[string]any{"status": StatusBusy, "reason": "allocation", "score": Score(candidate, reqs)},
			Changes:      map[string]any{"status": map[string]any{"from": StatusAvailable, "to": StatusBusy}},
		})
		log.Info().Str("agent_id", agent.ID).Msg("Agent allocated")
		return agent, nil
	}

	observability.RecordAllocation("miss")
	log.Debug().Int("candidates", len(candidates)).Msg("No agent available for allocation")
	return nil, nil
}

// Release returns a busy agent to the available pool. Agents in any other
// status are left alone.
func (r *Registry) Release(ctx context.Context, id string) error {
	_, err := r.store.FindOneAndUpdate(ctx, collection,
		store.Filter{"id": id, "status": StatusBusy},
		store.Update{Set: map[string]any{"status": StatusAvailable, "updated_at": r.timestamp()}})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release agent %s: %w", id, err)
	}

	r.audit(ctx, audit.Entry{
		ActorType:    audit.ActorSystem,
		Action:       "update_agent_status",
		ResourceType: "agent",
		ResourceID:   id,
		Details:      map[string]any{"status": StatusAvailable, "reason": "release"},
		Changes:      map[string]any{"status": map[string]any{"from": StatusBusy, "to": StatusAvailable}},
	})
	return nil
}

// RecordTaskOutcome folds a finished task into the agent's running metrics.
func (r *Registry) RecordTaskOutcome(ctx context.Context, id string, success bool, responseTime time.Duration) (*Agent, error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		agent, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		m := agent.Metrics
		n := float64(m.TasksCompleted)
		outcome := 0.0
		if success {
			outcome = 1
		}
		now := r.timestamp()

		// CAS on the count read above; retry when another outcome landed first
		doc, err := r.store.FindOneAndUpdate(ctx, collection,
			store.Filter{"id": id, "metrics.tasks_completed": m.TasksCompleted},
			store.Update{Set: map[string]any{
				"metrics.tasks_completed":       m.TasksCompleted + 1,
				"metrics.success_rate":          (m.SuccessRate*n + outcome) / (n + 1),
				"metrics.average_response_time": (m.AverageResponseTime*n + responseTime.Seconds()) / (n + 1),
				"metrics.last_active":           now,
				"updated_at":                    now,
			}})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return decodeAgent(doc)
	}
	return nil, fmt.Errorf("record outcome for agent %s: %w", id, errdefs.ErrConflict)
}

// CountByStatus returns the number of agents per status.
func (r *Registry) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		n, err := r.store.Count(ctx, collection, store.Filter{"status": s})
		if err != nil {
			return nil, err
		}
		counts[s] = int(n)
	}
	return counts, nil
}
