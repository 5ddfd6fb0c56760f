// Package dispatch owns the campaign lifecycle once an operator asks for a
// campaign to be sent. It resolves the audience, delivers the message in
// batches through a bounded worker pool, keeps aggregate counters that can be
// read while a run is in flight, and persists every status transition.
//
// Lifecycle:
//
//	draft --Start--> queued --(automatic)--> sending --> sent | completed_with_errors | error
//
// At most one run per campaign id is active at a time. A lock.Locker lease is
// held for the whole run, and the draft to queued step is a compare-and-set
// in the store, so replicas without a shared locker still cannot both start.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"campaign-dispatch/internal/audience"
	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/lock"
	"campaign-dispatch/internal/observability"
	"campaign-dispatch/internal/sender"
)

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (engine.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status engine.Status, counters engine.Counters) error
	// TransitionCampaignStatus fails with ErrInvalidTransition when the
	// campaign is no longer in from.
	TransitionCampaignStatus(ctx context.Context, id string, from, to engine.Status, counters engine.Counters) error
}

// DeliveryStore keeps per-recipient outcomes so an interrupted run can be
// resumed without re-sending to delivered recipients.
type DeliveryStore interface {
	RecordDeliveries(ctx context.Context, campaignID string, results []engine.DeliveryResult) error
	ListDeliveries(ctx context.Context, campaignID string) ([]engine.DeliveryResult, error)
}

type AudienceResolver interface {
	Resolve(ctx context.Context, req audience.Request) (audience.Audience, error)
}

// Config bounds a run. BatchSize is fixed per engine, never per campaign.
type Config struct {
	BatchSize            int
	Workers              int
	MaxInFlightSends     int
	SendAttempts         int
	SendTimeout          time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	PersistAttempts      int
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxInFlightSends <= 0 {
		c.MaxInFlightSends = 32
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = c.RetryInitialInterval
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 5
	}
	return c
}

type Option func(*Engine)

func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

type Engine struct {
	campaigns  CampaignStore
	deliveries DeliveryStore
	resolver   AudienceResolver
	sender     sender.Sender
	locker     lock.Locker
	tracer     trace.Tracer
	cfg        Config

	mu   sync.RWMutex
	runs map[string]*Run
	// results whose terminal write failed; served to Status until flushed
	retained map[string]Progress
}

func New(campaigns CampaignStore, deliveries DeliveryStore, resolver AudienceResolver, s sender.Sender, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		campaigns:  campaigns,
		deliveries: deliveries,
		resolver:   resolver,
		sender:     s,
		cfg:        cfg.normalized(),
		runs:       map[string]*Run{},
		retained:   map[string]Progress{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.locker == nil {
		e.locker = lock.NewMemory()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("campaign-dispatch/internal/dispatch")
	}
	return e
}

// Dispatch runs a draft campaign to a terminal state and returns the final
// campaign. If ctx ends first the run is cancelled and still finalized.
func (e *Engine) Dispatch(ctx context.Context, id string) (engine.Campaign, error) {
	run, err := e.Start(ctx, id)
	if err != nil {
		return engine.Campaign{}, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		run.cancel()
		<-run.done
	}
	return run.result, run.err
}

// Start moves a draft campaign to queued and delivers it in the background.
// It fails with ErrDispatchAlreadyInProgress when another run owns the
// campaign and with ErrInvalidTransition for any non-draft status; neither
// failure mutates the campaign.
func (e *Engine) Start(ctx context.Context, id string) (*Run, error) {
	return e.begin(ctx, id, false)
}

// Resume picks up a campaign left in queued or sending by a crashed run. The
// audience is resolved again and recipients with a recorded delivery are
// skipped.
func (e *Engine) Resume(ctx context.Context, id string) (*Run, error) {
	return e.begin(ctx, id, true)
}

func (e *Engine) begin(ctx context.Context, id string, resume bool) (*Run, error) {
	lease, err := e.locker.TryAcquire(ctx, id)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("campaign %s: %w", id, engine.ErrDispatchAlreadyInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("lock campaign %s: %w", id, err)
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			log.Warn().Err(err).Str("campaign_id", id).Msg("release campaign lock")
		}
	}

	c, err := e.campaigns.GetCampaign(ctx, id)
	if err != nil {
		release()
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	var delivered map[string]struct{}
	switch {
	case resume && c.Status.InProgress():
		delivered, err = e.deliveredIDs(ctx, id)
		if err != nil {
			release()
			return nil, err
		}
	case resume:
		release()
		return nil, fmt.Errorf("%w: cannot resume campaign %s in status %s", engine.ErrInvalidTransition, id, c.Status)
	case c.Status.InProgress():
		release()
		return nil, fmt.Errorf("campaign %s is %s: %w", id, c.Status, engine.ErrDispatchAlreadyInProgress)
	case c.Status != engine.StatusDraft:
		release()
		return nil, fmt.Errorf("%w: cannot dispatch campaign %s in status %s", engine.ErrInvalidTransition, id, c.Status)
	default:
		c.Counters = engine.Counters{}
		if err := e.claim(ctx, id); err != nil {
			release()
			return nil, err
		}
		c.Status = engine.StatusQueued
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := newRun(runCtx, c, cancel)

	e.mu.Lock()
	e.runs[id] = run
	delete(e.retained, id)
	e.mu.Unlock()
	observability.ActiveRuns.Inc()

	log.Info().Str("campaign_id", id).Str("dispatched_by", auth.FromContext(ctx).Subject).
		Bool("resume", resume).Msg("dispatch started")

	if lost := lease.Lost(); lost != nil {
		go func() {
			select {
			case <-lost:
				log.Error().Str("campaign_id", id).Msg("dispatch lock lost, cancelling run")
				cancel()
			case <-run.done:
			}
		}()
	}

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.runs, id)
			e.mu.Unlock()
			observability.ActiveRuns.Dec()
			release()
			close(run.done)
		}()
		run.result, run.err = e.execute(run.ctx, run, delivered)
	}()
	return run, nil
}

// Cancel stops scheduling new batches for an active run. In-flight batches
// finish and the campaign is finalized from what was sent.
func (e *Engine) Cancel(id string) bool {
	e.mu.RLock()
	run, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Status returns a point-in-time view of the campaign without touching the
// run's lease.
func (e *Engine) Status(ctx context.Context, id string) (Progress, error) {
	e.mu.RLock()
	run, active := e.runs[id]
	kept, retained := e.retained[id]
	e.mu.RUnlock()

	if active {
		return run.Progress(), nil
	}
	if retained {
		return kept, nil
	}
	c, err := e.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(c, false, true), nil
}

// FlushRetained retries terminal writes that failed earlier and returns how
// many are still pending.
func (e *Engine) FlushRetained(ctx context.Context) int {
	e.mu.RLock()
	pending := make([]Progress, 0, len(e.retained))
	for _, p := range e.retained {
		pending = append(pending, p)
	}
	e.mu.RUnlock()

	left := 0
	for _, p := range pending {
		if err := e.persist(ctx, p.CampaignID, p.Status, p.Counters); err != nil {
			left++
			continue
		}
		e.mu.Lock()
		if cur, ok := e.retained[p.CampaignID]; ok && cur == p {
			delete(e.retained, p.CampaignID)
		}
		e.mu.Unlock()
		log.Info().Str("campaign_id", p.CampaignID).Str("status", string(p.Status)).Msg("retained result persisted")
	}
	return left
}

// Shutdown cancels every active run and waits for them to finalize.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) deliveredIDs(ctx context.Context, id string) (map[string]struct{}, error) {
	prior, err := e.deliveries.ListDeliveries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	out := make(map[string]struct{}, len(prior))
	for _, d := range prior {
		if d.Outcome == engine.OutcomeDelivered {
			out[d.CustomerID] = struct{}{}
		}
	}
	return out, nil
}

func (e *Engine) retain(p Progress) {
	e.mu.Lock()
	e.retained[p.CampaignID] = p
	e.mu.Unlock()
}
