package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"campaign-dispatch/internal/audience"
	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/observability"
	"campaign-dispatch/internal/sender"
)

const (
	reasonCancelled  = "cancelled"
	reasonNotStarted = "not_started"
)

// execute drives one run from queued to a terminal status. ctx is cancelled
// by Cancel or Shutdown; store writes use a detached context so the final
// transition is attempted either way.
func (e *Engine) execute(ctx context.Context, run *Run, delivered map[string]struct{}) (engine.Campaign, error) {
	c := run.campaign
	ctx, span := e.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(attribute.String("campaign.id", c.ID)))
	defer span.End()
	storeCtx := context.WithoutCancel(ctx)
	logger := log.With().Str("campaign_id", c.ID).Logger()

	aud, err := e.resolver.Resolve(ctx, audience.Request{RuleID: c.RuleID, CustomerIDs: c.ExplicitCustomerIDs})
	if err != nil {
		logger.Error().Err(err).Msg("resolve audience")
		span.SetStatus(codes.Error, err.Error())
		return e.finish(storeCtx, run, engine.Counters{}, err)
	}

	counters := engine.Counters{AudienceSize: aud.Size()}
	span.SetAttributes(attribute.Int("audience.size", counters.AudienceSize))
	if counters.AudienceSize == 0 {
		logger.Warn().Str("source", string(aud.Source)).Msg("audience is empty, nothing to send")
		return e.finish(storeCtx, run, counters, nil)
	}

	pending := make([]engine.Customer, 0, len(aud.Customers))
	for _, cust := range aud.Customers {
		if _, ok := delivered[cust.ID]; ok {
			counters.SentCount++
			continue
		}
		pending = append(pending, cust)
	}
	run.audience.Store(int64(counters.AudienceSize))
	run.sent.Store(int64(counters.SentCount))
	run.failed.Store(0)

	if err := e.persist(storeCtx, c.ID, engine.StatusSending, counters); err != nil {
		logger.Error().Err(err).Msg("could not mark campaign sending, aborting run")
		span.SetStatus(codes.Error, err.Error())
		return e.abort(storeCtx, run, counters, pending, err)
	}
	run.status.Store(engine.StatusSending)
	logger.Info().Int("audience", counters.AudienceSize).Int("pending", len(pending)).
		Int("already_delivered", counters.SentCount).Msg("sending")

	var (
		rend     = newRenderer(c)
		slots    = semaphore.NewWeighted(int64(e.cfg.Workers))
		sends    = semaphore.NewWeighted(int64(e.cfg.MaxInFlightSends))
		outages  atomic.Int64
		persistM sync.Mutex
		g        errgroup.Group
	)
	batches := chunk(pending, e.cfg.BatchSize)
	started := 0
	for i, batch := range batches {
		if err := slots.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			slots.Release(1)
			break
		}
		started++
		g.Go(func() error {
			defer slots.Release(1)
			recErr := e.runBatch(storeCtx, run, rend, sends, &outages, i, batch)

			// serialized so progress in the store never moves backwards
			persistM.Lock()
			defer persistM.Unlock()
			if err := e.persist(storeCtx, c.ID, engine.StatusSending, run.counters()); err != nil {
				logger.Warn().Err(err).Int("batch", i).Msg("persist progress")
			}
			return recErr
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("some delivery outcomes were not recorded; a resume may resend to them")
	}

	if skipped := batches[started:]; len(skipped) > 0 {
		e.cancelRemaining(storeCtx, run, skipped, logger)
	}

	final := run.counters()
	var cause error
	if final.SentCount == 0 && final.FailedCount > 0 && outages.Load() == int64(final.FailedCount) {
		cause = fmt.Errorf("%w: all %d sends failed to reach the sender", engine.ErrSenderUnavailable, final.FailedCount)
		span.SetStatus(codes.Error, cause.Error())
	}
	return e.finish(storeCtx, run, final, cause)
}

// runBatch delivers one batch. Sends already scheduled complete even if the
// run is cancelled meanwhile.
func (e *Engine) runBatch(ctx context.Context, run *Run, rend *renderer, sends *semaphore.Weighted, outages *atomic.Int64, index int, batch []engine.Customer) error {
	ctx, span := e.tracer.Start(ctx, "dispatch.batch", trace.WithAttributes(
		attribute.Int("batch.index", index),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()
	start := time.Now()

	results := make([]engine.DeliveryResult, len(batch))
	var wg sync.WaitGroup
	for i, cust := range batch {
		if err := sends.Acquire(ctx, 1); err != nil {
			results[i] = engine.DeliveryResult{CustomerID: cust.ID, Outcome: engine.OutcomeFailed, Reason: err.Error()}
			run.record(results[i])
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sends.Release(1)
			res, outage := e.deliver(ctx, run.campaign, rend, cust)
			results[i] = res
			run.record(res)
			if outage {
				outages.Add(1)
			}
			observability.Deliveries.WithLabelValues(string(res.Outcome)).Inc()
		}()
	}
	wg.Wait()
	observability.BatchDuration.Observe(time.Since(start).Seconds())

	if err := e.retryStore(ctx, func(ctx context.Context) error {
		return e.deliveries.RecordDeliveries(ctx, run.campaign.ID, results)
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("record batch %d: %w", index, err)
	}
	return nil
}

// deliver renders and sends to one recipient, retrying transient errors. The
// bool reports whether the final failure was a sender outage.
func (e *Engine) deliver(ctx context.Context, c engine.Campaign, rend *renderer, cust engine.Customer) (engine.DeliveryResult, bool) {
	res := engine.DeliveryResult{CustomerID: cust.ID}
	msg, err := rend.render(c, cust)
	if err != nil {
		res.Outcome = engine.OutcomeFailed
		res.Reason = err.Error()
		return res, false
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		if res.Attempts > 1 {
			observability.SendRetries.Inc()
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
		err := e.sender.Send(sctx, cust, msg)
		if err != nil && sender.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(e.newBackOff()), backoff.WithMaxTries(uint(e.cfg.SendAttempts)))
	if err != nil {
		res.Outcome = engine.OutcomeFailed
		res.Reason = sender.Reason(err)
		log.Debug().Err(err).Str("campaign_id", c.ID).Str("customer_id", cust.ID).
			Int("attempts", res.Attempts).Msg("delivery failed")
		return res, sender.IsOutage(err)
	}
	res.Outcome = engine.OutcomeDelivered
	return res, false
}

// cancelRemaining records every recipient of an unstarted batch as failed so
// that sent+failed still covers the whole audience.
func (e *Engine) cancelRemaining(ctx context.Context, run *Run, skipped [][]engine.Customer, logger zerolog.Logger) {
	var results []engine.DeliveryResult
	for _, b := range skipped {
		for _, cust := range b {
			results = append(results, engine.DeliveryResult{CustomerID: cust.ID, Outcome: engine.OutcomeFailed, Reason: reasonCancelled})
		}
	}
	run.failed.Add(int64(len(results)))
	observability.Deliveries.WithLabelValues(string(engine.OutcomeFailed)).Add(float64(len(results)))
	logger.Info().Int("batches", len(skipped)).Int("recipients", len(results)).Msg("run cancelled, remaining batches skipped")

	if err := e.retryStore(ctx, func(ctx context.Context) error {
		return e.deliveries.RecordDeliveries(ctx, run.campaign.ID, results)
	}); err != nil {
		logger.Warn().Err(err).Msg("record cancelled recipients")
	}
}

// finish classifies the counters and persists the terminal transition. When
// the write fails the result is retained in memory for Status and
// FlushRetained.
func (e *Engine) finish(ctx context.Context, run *Run, counters engine.Counters, cause error) (engine.Campaign, error) {
	status := Classify(counters)
	if cause != nil {
		status = engine.StatusError
	}
	c := run.campaign
	c.Status = status
	c.Counters = counters
	run.status.Store(status)
	observability.DispatchRuns.WithLabelValues(string(status)).Inc()

	err := cause
	persisted := true
	if perr := e.persist(ctx, c.ID, status, counters); perr != nil {
		persisted = false
		e.retain(progressOf(c, false, false))
		err = errors.Join(cause, perr)
	}

	log.Info().Str("campaign_id", c.ID).Str("status", string(status)).
		Int("audience", counters.AudienceSize).Int("sent", counters.SentCount).Int("failed", counters.FailedCount).
		Bool("persisted", persisted).Msg("dispatch finished")
	return c, err
}

// abort ends a run that could not record sending. Nothing was sent in this
// run, so every pending recipient is recorded as failed and the error result
// is kept in memory until the store accepts it.
func (e *Engine) abort(ctx context.Context, run *Run, counters engine.Counters, pending []engine.Customer, err error) (engine.Campaign, error) {
	results := make([]engine.DeliveryResult, len(pending))
	for i, cust := range pending {
		results[i] = engine.DeliveryResult{CustomerID: cust.ID, Outcome: engine.OutcomeFailed, Reason: reasonNotStarted}
	}
	counters.FailedCount += len(results)
	run.failed.Add(int64(len(results)))
	observability.Deliveries.WithLabelValues(string(engine.OutcomeFailed)).Add(float64(len(results)))
	if rerr := e.retryStore(ctx, func(ctx context.Context) error {
		return e.deliveries.RecordDeliveries(ctx, run.campaign.ID, results)
	}); rerr != nil {
		log.Warn().Err(rerr).Str("campaign_id", run.campaign.ID).Msg("record not started recipients")
	}

	c := run.campaign
	c.Status = engine.StatusError
	c.Counters = counters
	run.status.Store(engine.StatusError)
	observability.DispatchRuns.WithLabelValues(string(engine.StatusError)).Inc()
	e.retain(progressOf(c, false, false))
	return c, err
}

func chunk(customers []engine.Customer, size int) [][]engine.Customer {
	var out [][]engine.Customer
	for size < len(customers) {
		customers, out = customers[size:], append(out, customers[:size:size])
	}
	if len(customers) > 0 {
		out = append(out, customers)
	}
	return out
}
