package dispatch

import (
	"context"
	"math"
	"sync/atomic"

	"campaign-dispatch/internal/cache"
	"campaign-dispatch/internal/engine"
)

// Classify maps final counters to a terminal status. A run that reached
// nobody is an error, whether the audience was empty or every send failed.
func Classify(c engine.Counters) engine.Status {
	switch {
	case c.AudienceSize == 0:
		return engine.StatusError
	case c.FailedCount == 0 && c.SentCount == c.AudienceSize:
		return engine.StatusSent
	case c.SentCount == 0:
		return engine.StatusError
	default:
		return engine.StatusCompletedWithErrors
	}
}

// Progress is a point-in-time view of one campaign's dispatch.
type Progress struct {
	CampaignID string        `json:"campaignId"`
	Status     engine.Status `json:"status"`
	engine.Counters
	DeliveryRate int  `json:"deliveryRate"`
	Active       bool `json:"active"`
	// Persisted is false while the store has not caught up with Status.
	Persisted bool `json:"persisted"`
}

func progressOf(c engine.Campaign, active, persisted bool) Progress {
	return Progress{
		CampaignID:   c.ID,
		Status:       c.Status,
		Counters:     c.Counters,
		DeliveryRate: c.DeliveryRate(),
		Active:       active,
		Persisted:    persisted,
	}
}

// Run is a handle on one background dispatch.
type Run struct {
	campaign engine.Campaign
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	status   cache.Snapshot[engine.Status]
	audience atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64

	result engine.Campaign
	err    error
}

func newRun(ctx context.Context, c engine.Campaign, cancel context.CancelFunc) *Run {
	r := &Run{campaign: c, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	r.status.Store(c.Status)
	r.audience.Store(int64(c.AudienceSize))
	r.sent.Store(int64(c.SentCount))
	r.failed.Store(int64(c.FailedCount))
	return r
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is finalized or ctx ends. Ending ctx does not
// cancel the run.
func (r *Run) Wait(ctx context.Context) (engine.Campaign, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return engine.Campaign{}, ctx.Err()
	}
}

func (r *Run) Cancel() { r.cancel() }

// Progress never blocks on the workers; counters are read individually, so
// a reader may observe a result a few sends old.
func (r *Run) Progress() Progress {
	status, _ := r.status.Load()
	c := r.counters()
	rate := 0
	if c.AudienceSize > 0 {
		rate = int(math.Round(float64(c.SentCount) / float64(c.AudienceSize) * 100))
	}
	return Progress{
		CampaignID:   r.campaign.ID,
		Status:       status,
		Counters:     c,
		DeliveryRate: rate,
		Active:       true,
		Persisted:    false,
	}
}

func (r *Run) counters() engine.Counters {
	return engine.Counters{
		AudienceSize: int(r.audience.Load()),
		SentCount:    int(r.sent.Load()),
		FailedCount:  int(r.failed.Load()),
	}
}

func (r *Run) record(res engine.DeliveryResult) {
	if res.Outcome == engine.OutcomeDelivered {
		r.sent.Add(1)
	} else {
		r.failed.Add(1)
	}
}
