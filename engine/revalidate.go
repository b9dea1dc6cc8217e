package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/sessiongate/domain"
	sgerrors "go.pilab.hu/sessiongate/errors"
)

// SubmitPassword drives one attempt of the revalidation protocol: it
// exchanges the resource password for a renewed grant through the
// external validator. An auth failure is returned for inline display and
// the user may retry as long as the interaction window is open. A success
// that lands after the window elapsed is discarded, never applied: the
// deadline is authoritative over any in-flight network response.
func (e *Engine) SubmitPassword(ctx context.Context, password string) error {
	e.mu.Lock()
	state := e.state
	resourceID := e.resourceID
	epoch := e.offeredEpoch
	e.mu.Unlock()

	switch state {
	case domain.StateTerminated:
		return ErrSessionTerminated
	case domain.StateRevalidationPending:
		// Proceed.
	default:
		return ErrNoRevalidationPending
	}

	grant, err := e.validator.Validate(ctx, resourceID, password)
	if err != nil {
		if sgerrors.IsAuthError(err) {
			log.Debug().Str("resourceID", resourceID).Msg("Revalidation attempt rejected")
			return err
		}
		// Transport and server failures are retryable within the window
		// too; surface them under the same recoverable taxonomy.
		return sgerrors.NewAuthError("validation request failed", err)
	}

	now := e.now()

	e.mu.Lock()
	if e.state == domain.StateTerminated {
		e.mu.Unlock()
		log.Info().Str("resourceID", resourceID).Msg("Discarding late revalidation success, session already terminated")
		return ErrRevalidationWindowElapsed
	}
	if !epoch.IsZero() && !epoch.After(now) {
		// The window closed while the response was in flight but the
		// tick has not fired yet. Force the terminal transition instead
		// of applying the grant.
		e.mu.Unlock()
		log.Info().Str("resourceID", resourceID).Msg("Discarding late revalidation success, window elapsed")
		e.terminate(ctx, domain.EventExpired, false, true)
		e.fire(e.hooks.OnExpired)
		return ErrRevalidationWindowElapsed
	}

	record := domain.NewSessionRecord(resourceID, grant.SessionToken, grant.TimeoutDuration, now)
	e.record = record
	e.state = domain.StateActive
	e.mu.Unlock()

	if err := e.store.Put(ctx, record); err != nil {
		// Siblings still tick against the old stored record, so report
		// the failure; local state converges back on the next tick.
		log.Error().Err(err).Str("resourceID", resourceID).Msg("Failed to persist renewed session record")
		return err
	}

	if e.bus != nil {
		event := &domain.LifecycleEvent{
			ID:         newEventID(),
			Type:       domain.EventRevalidated,
			ResourceID: resourceID,
			Record:     record,
		}
		if err := e.bus.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("resourceID", resourceID).Msg("Failed to publish Revalidated event")
		}
	}

	log.Info().Str("resourceID", resourceID).Time("expiresAt", record.ExpiresAt).Msg("Session revalidated")
	return nil
}
