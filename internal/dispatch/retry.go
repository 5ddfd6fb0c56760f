package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/observability"
)

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitialInterval
	b.MaxInterval = e.cfg.RetryMaxInterval
	return b
}

// retryStore runs a store write up to PersistAttempts times. NotFound and
// InvalidTransition are not retried.
func (e *Engine) retryStore(ctx context.Context, write func(context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			observability.PersistRetries.Inc()
		}
		err := write(ctx)
		if errors.Is(err, engine.ErrNotFound) || errors.Is(err, engine.ErrInvalidTransition) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(e.newBackOff()), backoff.WithMaxTries(uint(e.cfg.PersistAttempts)))
	return err
}

// persist writes a status transition together with its counters.
func (e *Engine) persist(ctx context.Context, id string, status engine.Status, counters engine.Counters) error {
	err := e.retryStore(ctx, func(ctx context.Context) error {
		return e.campaigns.UpdateCampaignStatus(ctx, id, status, counters)
	})
	if err != nil {
		return fmt.Errorf("%w: campaign %s -> %s: %w", engine.ErrPersistenceFailure, id, status, err)
	}
	return nil
}

// claim moves a draft to queued. Losing the compare-and-set means another
// engine claimed the campaign first.
func (e *Engine) claim(ctx context.Context, id string) error {
	err := e.retryStore(ctx, func(ctx context.Context) error {
		return e.campaigns.TransitionCampaignStatus(ctx, id, engine.StatusDraft, engine.StatusQueued, engine.Counters{})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrInvalidTransition):
		return fmt.Errorf("campaign %s was claimed by another dispatch: %w", id, engine.ErrDispatchAlreadyInProgress)
	case errors.Is(err, engine.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: campaign %s -> %s: %w", engine.ErrPersistenceFailure, id, engine.StatusQueued, err)
	}
}
