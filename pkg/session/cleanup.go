package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultIdleTimeout is how long an active session may go without
// activity before ExpireIdle marks it inactive.
const DefaultIdleTimeout = 60 * time.Minute

// ExpireIdle marks every active session whose last activity is older than
// timeout inactive and returns how many it changed. Each session flips in
// its own conditional write, so a message landing concurrently keeps the
// session active.
func (m *Manager) ExpireIdle(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.expire_idle",
		attribute.String("timeout", timeout.String()))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	cutoff := m.timestamp().Add(-timeout)
	filter := store.Filter{
		"status":     StatusActive,
		"updated_at": store.TimeRange(time.Time{}, cutoff),
	}

	expired := 0
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		doc, err := m.store.FindOneAndUpdate(ctx, sessionsCollection, filter, store.Update{
			Set: map[string]any{"status": StatusInactive},
		})
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			tracing.RecordError(span, err)
			return expired, fmt.Errorf("expire sessions: %w", err)
		}
		expired++

		if s, err := decodeSession(doc); err == nil {
			logger.Debug().
				Str("session_id", s.ID).
				Time("last_activity", s.LastActivity()).
				Msg("Session expired")
		}
	}

	if expired > 0 {
		m.updateActiveSessionsMetric(ctx)
		logger.Info().Int("expired", expired).Dur("timeout", timeout).Msg("Expired idle sessions")
	}
	span.SetAttributes(attribute.Int("sessions.expired", expired))
	return expired, nil
}
