package toolexecutor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/cache"
	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	executionsCollection = "tool_executions"
	tracerName           = "scorpio.toolexecutor"

	DefaultMaxRetries  = 3
	DefaultRateLimit   = 10
	DefaultCacheTTL    = 300 * time.Second
	DefaultBackoffUnit = time.Second
	DefaultTimeout     = 30 * time.Second
)

// Config wires an Executor. Zero numeric fields take the defaults above.
type Config struct {
	Registry *Registry
	Store    store.Store
	Cache    cache.Cache
	Log      ExecutionLog
	Sandbox  SandboxRunner
	Logger   zerolog.Logger

	MaxRetries  int
	RateLimit   int64
	CacheTTL    time.Duration
	BackoffUnit time.Duration
	Timeout     time.Duration

	Now func() time.Time
}

// Executor runs registered tools with caching, rate limiting and retries.
type Executor struct {
	registry *Registry
	store    store.Store
	cache    cache.Cache
	log      ExecutionLog
	sandbox  SandboxRunner
	logger   zerolog.Logger
	sem      *semaphore.Weighted

	maxRetries  int
	cacheTTL    time.Duration
	backoffUnit time.Duration
	timeout     time.Duration
	now         func() time.Time
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("toolexecutor: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("toolexecutor: store is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = DefaultBackoffUnit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Executor{
		registry:    cfg.Registry,
		store:       cfg.Store,
		cache:       cfg.Cache,
		log:         cfg.Log,
		sandbox:     cfg.Sandbox,
		logger:      cfg.Logger,
		sem:         semaphore.NewWeighted(cfg.RateLimit),
		maxRetries:  cfg.MaxRetries,
		cacheTTL:    cfg.CacheTTL,
		backoffUnit: cfg.BackoffUnit,
		timeout:     cfg.Timeout,
		now:         cfg.Now,
	}, nil
}

// Registry returns the tool registry the executor resolves against.
func (e *Executor) Registry() *Registry { return e.registry }

// SetLog attaches the session log after construction.
func (e *Executor) SetLog(log ExecutionLog) { e.log = log }

// cacheKey hashes the canonical JSON of params. encoding/json sorts map
// keys, so equal parameter maps share a key.
func cacheKey(tool string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", errdefs.Validation("parameters are not serializable: %v", err)
	}
	sum := sha256.Sum256(raw)
	return "tool:" + tool + ":" + hex.EncodeToString(sum[:]), nil
}

// Execute runs toolName for sessionID. A cacheTTL of zero uses the
// configured default; a negative cacheTTL bypasses the cache. On failure
// the failed record is returned alongside the error.
func (e *Executor) Execute(ctx context.Context, sessionID, toolName string, params map[string]any, cacheTTL time.Duration) (*ToolExecution, error) {
	if sessionID != "" {
		ctx = tracing.WithSessionID(ctx, sessionID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.execute",
		attribute.String("tool.name", toolName),
		attribute.String("session.id", sessionID))
	defer span.End()

	log := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", toolName).Logger()

	def, err := e.registry.Resolve(toolName, params)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if cacheTTL == 0 {
		cacheTTL = e.cacheTTL
	}
	useCache := e.cache != nil && cacheTTL > 0

	key, err := cacheKey(toolName, params)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if useCache {
		if rec, ok := e.cached(ctx, key); ok {
			observability.RecordToolCache(true)
			span.SetAttributes(attribute.Bool("tool.cached", true))
			log.Debug().Str("execution_id", rec.ID).Msg("Tool result served from cache")
			return rec, nil
		}
		observability.RecordToolCache(false)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	defer e.sem.Release(1)

	observability.AddToolsInFlight(1)
	defer observability.AddToolsInFlight(-1)

	rec, err := e.executeWithRetry(ctx, log, def, sessionID, params)
	if err != nil {
		tracing.RecordError(span, err)
		return rec, err
	}

	if useCache {
		if raw, err := json.Marshal(rec); err == nil {
			if err := e.cache.Set(ctx, key, raw, cacheTTL); err != nil {
				log.Warn().Err(err).Msg("Failed to cache tool result")
			}
		}
	}
	return rec, nil
}

func (e *Executor) cached(ctx context.Context, key string) (*ToolExecution, bool) {
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Tool cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rec ToolExecution
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	rec.Cached = true
	return &rec, true
}

func (e *Executor) executeWithRetry(ctx context.Context, log zerolog.Logger, def ToolDefinition, sessionID string, params map[string]any) (*ToolExecution, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate execution id: %w", err)
	}

	start := e.now().UTC()
	rec := &ToolExecution{
		ID:         id,
		SessionID:  sessionID,
		ToolName:   def.Name,
		Parameters: params,
		Status:     ExecutionPending,
		CreatedAt:  start,
		StartedAt:  &start,
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		rec.Status = ExecutionRunning
		e.persist(ctx, log, rec)

		result, err := e.invoke(ctx, def, params)
		if err == nil {
			e.finish(rec, ExecutionCompleted, start)
			rec.Result = result
			rec.Error = ""
			e.persist(ctx, log, rec)
			e.appendLog(ctx, log, rec)
			observability.RecordToolExecution(def.Name, e.now().Sub(start), true)
			log.Info().
				Str("execution_id", rec.ID).
				Int("retries", rec.Retries).
				Float64("duration", rec.Duration).
				Msg("Tool executed")
			return rec, nil
		}

		lastErr = err
		rec.Retries++
		rec.Error = err.Error()
		observability.RecordToolRetry(def.Name)
		log.Error().Err(err).
			Int("attempt", attempt+1).
			Msg("Tool execution failed")

		if attempt == e.maxRetries-1 || ctx.Err() != nil {
			break
		}
		if err := e.backoff(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	// the caller's context may be gone; the record still has to land
	final := context.WithoutCancel(ctx)
	e.finish(rec, ExecutionFailed, start)
	e.persist(final, log, rec)
	e.appendLog(final, log, rec)
	observability.RecordToolExecution(def.Name, e.now().Sub(start), false)

	return rec, &errdefs.ToolExecutionError{Tool: def.Name, Attempts: rec.Retries, Err: lastErr}
}

func (e *Executor) finish(rec *ToolExecution, status ExecutionStatus, start time.Time) {
	end := e.now().UTC()
	rec.Status = status
	rec.CompletedAt = &end
	rec.Duration = end.Sub(start).Seconds()
}

// backoff waits BackoffUnit * 2^attempt or until ctx is done.
func (e *Executor) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(e.backoffUnit << attempt)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invoke runs one attempt under the per-attempt timeout. Handlers that
// ignore their context are abandoned when the timeout fires.
func (e *Executor) invoke(ctx context.Context, def ToolDefinition, params map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", def.Name, r)}
			}
		}()
		var res map[string]any
		var err error
		if def.RequiresSandbox {
			if e.sandbox == nil {
				err = errdefs.External("sandbox", errors.New("no sandbox runner configured"))
			} else {
				res, err = e.sandbox.Run(ctx, def.Name, params)
			}
		} else {
			res, err = def.Handler(ctx, params)
		}
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && out.result == nil {
			out.result = map[string]any{}
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %s: %w", def.Name, ctx.Err())
	}
}

func (e *Executor) persist(ctx context.Context, log zerolog.Logger, rec *ToolExecution) {
	if err := e.store.Upsert(ctx, executionsCollection, rec.ID, rec); err != nil {
		log.Warn().Err(err).Str("execution_id", rec.ID).Msg("Failed to persist tool execution")
	}
}

func (e *Executor) appendLog(ctx context.Context, log zerolog.Logger, rec *ToolExecution) {
	if e.log == nil || rec.SessionID == "" {
		return
	}
	if err := e.log.AppendToolExecution(ctx, rec.SessionID, *rec); err != nil {
		log.Warn().Err(err).
			Str("session_id", rec.SessionID).
			Str("execution_id", rec.ID).
			Msg("Failed to append tool execution to session")
	}
}

// ExecuteBatch runs calls for sessionID. Parallel batches share the
// executor's rate limit and return the first error after every call has
// settled; sequential batches stop at the first error. Results keep the
// input order.
func (e *Executor) ExecuteBatch(ctx context.Context, sessionID string, calls []Call, parallel bool) ([]*ToolExecution, error) {
	results := make([]*ToolExecution, len(calls))

	if !parallel {
		for i, c := range calls {
			rec, err := e.Execute(ctx, sessionID, c.Tool, c.Params, 0)
			results[i] = rec
			if err != nil {
				return results[:i+1], err
			}
		}
		return results, nil
	}

	var g errgroup.Group
	for i, c := range calls {
		g.Go(func() error {
			rec, err := e.Execute(ctx, sessionID, c.Tool, c.Params, 0)
			results[i] = rec
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// History returns persisted execution records for a session, oldest first.
func (e *Executor) History(ctx context.Context, sessionID string, limit int) ([]ToolExecution, error) {
	opts := []store.FindOption{store.SortByTime("created_at", false)}
	if limit > 0 {
		opts = append(opts, store.Limit(limit))
	}
	docs, err := e.store.Find(ctx, executionsCollection, store.Filter{"session_id": sessionID}, opts...)
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[ToolExecution](docs)
}
