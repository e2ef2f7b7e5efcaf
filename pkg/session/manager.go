package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/llm"
	"github.com/harun/scorpio/pkg/store"
	"github.com/harun/scorpio/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	sessionsCollection    = "sessions"
	agentStatesCollection = "agent_states"
	tracerName            = "scorpio.session"

	DefaultTitle         = "New Session"
	DefaultListLimit     = 50
	DefaultMaxToolRounds = 5
	DefaultSystemPrompt  = "You are an AI software engineer assistant. Help the user with coding tasks, debugging, and development."
)

// Providers resolves an LLM provider by name. *llm.Set satisfies it.
type Providers interface {
	Get(name string) (llm.Provider, error)
}

// Config wires a Manager. Executor, Providers and Catalog are optional;
// StreamChat needs Providers.
type Config struct {
	Store     store.Store
	Providers Providers
	Executor  *toolexecutor.Executor
	Logger    zerolog.Logger

	// Catalog tools are refreshed into the executor's registry before
	// every chat turn under CatalogPrefix.
	Catalog       toolexecutor.Catalog
	CatalogPrefix string

	SystemPrompt  string
	MaxToolRounds int
	Now           func() time.Time
}

// Manager owns sessions and agent states.
type Manager struct {
	store         store.Store
	providers     Providers
	executor      *toolexecutor.Executor
	catalog       toolexecutor.Catalog
	catalogPrefix string
	systemPrompt  string
	maxToolRounds int
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.CatalogPrefix == "" {
		cfg.CatalogPrefix = "mcp"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()

	return &Manager{
		store:         cfg.Store,
		providers:     cfg.Providers,
		executor:      cfg.Executor,
		catalog:       cfg.Catalog,
		catalogPrefix: cfg.CatalogPrefix,
		systemPrompt:  cfg.SystemPrompt,
		maxToolRounds: cfg.MaxToolRounds,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}, nil
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC()
}

func (m *Manager) log(ctx context.Context) *zerolog.Logger {
	l := tracing.LoggerFromContext(ctx, m.logger)
	return &l
}

func (m *Manager) updateActiveSessionsMetric(ctx context.Context) {
	n, err := m.store.Count(ctx, sessionsCollection, store.Filter{"status": StatusActive})
	if err != nil {
		return
	}
	observability.SetActiveSessions(int(n))
}

func decodeSession(doc store.Document) (*Session, error) {
	var s Session
	if err := doc.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Create stores a new active session.
func (m *Manager) Create(ctx context.Context, title string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.create")
	defer span.End()

	if title == "" {
		title = DefaultTitle
	}
	now := m.timestamp()
	s := Session{
		ID:             uuid.NewString(),
		Title:          title,
		Status:         StatusActive,
		Messages:       []Message{},
		ToolExecutions: []toolexecutor.ToolExecution{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       map[string]any{},
	}
	if err := m.store.Insert(ctx, sessionsCollection, s.ID, s); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("create session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", s.ID))

	m.updateActiveSessionsMetric(ctx)
	m.log(ctx).Info().Str("session_id", s.ID).Msg("Session created")
	return &s, nil
}

// Get returns a session with its messages and tool executions.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	doc, err := m.store.FindOne(ctx, sessionsCollection, store.Filter{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(doc)
}

// List returns up to limit sessions, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	docs, err := m.store.Find(ctx, sessionsCollection, nil,
		store.SortByTime("created_at", true), store.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return store.DecodeAll[Session](docs)
}

// Delete removes a session and its agent state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.delete",
		attribute.String("session.id", id))
	defer span.End()

	deleted, err := m.store.DeleteOne(ctx, sessionsCollection, store.Filter{"id": id})
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		return errdefs.NotFound("session", id)
	}
	if _, err := m.store.DeleteOne(ctx, agentStatesCollection, store.Filter{"id": id}); err != nil {
		m.log(ctx).Warn().Err(err).
			Str("session_id", id).
			Msg("Failed to delete agent state")
	}

	m.updateActiveSessionsMetric(ctx)
	m.log(ctx).Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// Stop terminates a session.
func (m *Manager) Stop(ctx context.Context, id string) (*Session, error) {
	return m.setStatus(ctx, id, StatusTerminated)
}

func (m *Manager) setStatus(ctx context.Context, id string, status Status) (*Session, error) {
	doc, err := m.store.FindOneAndUpdate(ctx, sessionsCollection, store.Filter{"id": id}, store.Update{
		Set: map[string]any{"status": status, "updated_at": m.timestamp()},
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	m.updateActiveSessionsMetric(ctx)
	return decodeSession(doc)
}

// AppendMessage pushes a message onto the session and stamps
// last_message_at in the same write.
func (m *Manager) AppendMessage(ctx context.Context, id, role, content string, metadata map[string]any) (*Message, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append_message",
		attribute.String("session.id", id),
		attribute.String("role", role))
	defer span.End()

	if !validRole(role) {
		err := errdefs.FieldValidation("role", "unknown role %q", role)
		tracing.RecordError(span, err)
		return nil, err
	}
	if content == "" {
		err := errdefs.FieldValidation("content", "message content cannot be empty")
		tracing.RecordError(span, err)
		return nil, err
	}

	msgID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	now := m.timestamp()
	msg := Message{ID: msgID, Role: role, Content: content, Timestamp: now, Metadata: metadata}

	_, err = m.store.FindOneAndUpdate(ctx, sessionsCollection, store.Filter{"id": id}, store.Update{
		Set:  map[string]any{"last_message_at": now, "updated_at": now},
		Push: map[string]any{"messages": msg},
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("session", id)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("append message: %w", err)
	}

	m.log(ctx).Debug().
		Str("session_id", id).
		Str("role", role).
		Int("message_length", len(content)).
		Msg("Added message to session")
	return &msg, nil
}

// AppendToolExecution pushes a finished tool record onto the session's
// execution log.
func (m *Manager) AppendToolExecution(ctx context.Context, id string, rec toolexecutor.ToolExecution) error {
	rec.Cached = false
	_, err := m.store.FindOneAndUpdate(ctx, sessionsCollection, store.Filter{"id": id}, store.Update{
		Set:  map[string]any{"updated_at": m.timestamp()},
		Push: map[string]any{"tool_executions": rec},
	})
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.NotFound("session", id)
	}
	if err != nil {
		return fmt.Errorf("append tool execution: %w", err)
	}
	return nil
}

// GetAgentState returns the agent state for a session.
func (m *Manager) GetAgentState(ctx context.Context, id string) (*AgentState, error) {
	doc, err := m.store.FindOne(ctx, agentStatesCollection, store.Filter{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, errdefs.NotFound("agent state", id)
	}
	if err != nil {
		return nil, err
	}
	var state AgentState
	if err := doc.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	return &state, nil
}

// UpdateAgentState replaces the agent state for a session, creating it
// when absent.
func (m *Manager) UpdateAgentState(ctx context.Context, id string, status AgentStatus, currentTask string, stateContext map[string]any) (*AgentState, error) {
	if !status.Valid() {
		return nil, errdefs.FieldValidation("status", "unknown agent status %q", status)
	}
	if stateContext == nil {
		stateContext = map[string]any{}
	}
	state := AgentState{
		SessionID:    id,
		CurrentTask:  currentTask,
		Status:       status,
		LastActivity: m.timestamp(),
		Context:      stateContext,
	}
	if err := m.store.Upsert(ctx, agentStatesCollection, id, state); err != nil {
		return nil, fmt.Errorf("update agent state: %w", err)
	}
	return &state, nil
}
