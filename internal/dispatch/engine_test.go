package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/audience"
	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/lock"
	"campaign-dispatch/internal/sender"
	"campaign-dispatch/internal/sender/sendertest"
	"campaign-dispatch/internal/storage"
)

// historyStore records every status write and can be told to fail some.
type historyStore struct {
	*storage.Memory

	mu      sync.Mutex
	history map[string][]engine.Status
	failOn  map[engine.Status]bool
}

func newHistoryStore() *historyStore {
	return &historyStore{
		Memory:  storage.NewMemory(),
		history: map[string][]engine.Status{},
		failOn:  map[engine.Status]bool{},
	}
}

func (h *historyStore) UpdateCampaignStatus(ctx context.Context, id string, status engine.Status, counters engine.Counters) error {
	return h.write(id, status, func() error { return h.Memory.UpdateCampaignStatus(ctx, id, status, counters) })
}

func (h *historyStore) TransitionCampaignStatus(ctx context.Context, id string, from, to engine.Status, counters engine.Counters) error {
	return h.write(id, to, func() error { return h.Memory.TransitionCampaignStatus(ctx, id, from, to, counters) })
}

func (h *historyStore) write(id string, status engine.Status, apply func() error) error {
	h.mu.Lock()
	fail := h.failOn[status]
	h.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	if err := apply(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := h.history[id]
	if len(hist) == 0 || hist[len(hist)-1] != status {
		h.history[id] = append(hist, status)
	}
	return nil
}

func (h *historyStore) fail(status engine.Status, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failOn[status] = on
}

func (h *historyStore) statuses(id string) []engine.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]engine.Status(nil), h.history[id]...)
}

type fixture struct {
	store  *historyStore
	sender *sendertest.Scripted
	engine *Engine
}

func testConfig() Config {
	return Config{
		BatchSize:            2,
		Workers:              2,
		MaxInFlightSends:     4,
		SendAttempts:         3,
		SendTimeout:          time.Second,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		PersistAttempts:      2,
	}
}

func newFixture(t *testing.T, cfg Config, customers int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := newHistoryStore()
	var cs []engine.Customer
	for i := 1; i <= customers; i++ {
		cs = append(cs, engine.Customer{
			ID:         fmt.Sprintf("c%02d", i),
			Name:       fmt.Sprintf("Customer %d", i),
			Email:      fmt.Sprintf("c%d@example.com", i),
			Attributes: map[string]float64{"spend": float64(i * 1000)},
		})
	}
	require.NoError(t, store.UpsertCustomers(ctx, cs))
	_, err := store.CreateRule(ctx, engine.SegmentRule{
		ID: "everyone", LogicType: engine.LogicAnd,
		Conditions: []engine.Condition{{Field: "spend", Operator: engine.OpGreater, Value: 0}},
	})
	require.NoError(t, err)

	s := sendertest.New()
	resolver := audience.NewResolver(store, store)
	return &fixture{store: store, sender: s, engine: New(store, store, resolver, s, cfg)}
}

func (f *fixture) campaign(t *testing.T, c engine.Campaign) string {
	t.Helper()
	if c.Status == "" {
		c.Status = engine.StatusDraft
	}
	if c.Message == "" {
		c.Message = "Hi {{.FirstName}}"
	}
	if c.RuleID == "" && len(c.ExplicitCustomerIDs) == 0 {
		c.RuleID = "everyone"
	}
	id, err := f.store.CreateCampaign(context.Background(), c)
	require.NoError(t, err)
	return id
}

func TestClassify(t *testing.T) {
	cases := []struct {
		audience, sent, failed int
		want                   engine.Status
	}{
		{5, 5, 0, engine.StatusSent},
		{5, 3, 2, engine.StatusCompletedWithErrors},
		{5, 0, 5, engine.StatusError},
		{0, 0, 0, engine.StatusError},
		{1, 1, 0, engine.StatusSent},
		{2, 1, 1, engine.StatusCompletedWithErrors},
	}
	for _, tc := range cases {
		got := Classify(engine.Counters{AudienceSize: tc.audience, SentCount: tc.sent, FailedCount: tc.failed})
		assert.Equal(t, tc.want, got, "audience=%d sent=%d failed=%d", tc.audience, tc.sent, tc.failed)
	}
}

func TestDispatch_AllDelivered(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Spring"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSent, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 5, SentCount: 5, FailedCount: 0}, got.Counters)
	assert.Equal(t, []engine.Status{engine.StatusQueued, engine.StatusSending, engine.StatusSent}, f.store.statuses(id))

	stored, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, got.Counters, stored.Counters)
	assert.Equal(t, 100, stored.DeliveryRate())

	calls := f.sender.Calls()
	require.Len(t, calls, 5)
	for _, c := range calls {
		assert.Equal(t, "Hi Customer", c.Message)
	}
}

func TestDispatch_PartialFailure(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	f.sender.Script("c02", sender.ErrInvalidRecipient)
	f.sender.Script("c04", sender.Permanent(errors.New("mailbox full")))
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Spring"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 5, SentCount: 3, FailedCount: 2}, got.Counters)
	assert.Equal(t, 1, f.sender.Attempts("c02"), "permanent errors are not retried")
	assert.Equal(t, 1, f.sender.Attempts("c04"))

	deliveries, err := f.store.ListDeliveries(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, deliveries, 5)
	assert.Equal(t, "invalid_recipient", deliveries[1].Reason)
	assert.Equal(t, "mailbox full", deliveries[3].Reason)
}

func TestDispatch_TransientErrorsRetried(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	f.sender.Script("c01", sender.ErrRateLimited, nil)
	f.sender.Script("c02", sender.ErrRateLimited)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Retry"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, 2, f.sender.Attempts("c01"))
	assert.Equal(t, 3, f.sender.Attempts("c02"), "bounded by SendAttempts")

	deliveries, err := f.store.ListDeliveries(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDelivered, deliveries[0].Outcome)
	assert.Equal(t, 2, deliveries[0].Attempts)
	assert.Equal(t, "rate_limited", deliveries[1].Reason)
}

func TestDispatch_SenderOutage(t *testing.T) {
	f := newFixture(t, testConfig(), 3)
	f.sender.Default = sender.ErrUnavailable
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Down"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.ErrorIs(t, err, engine.ErrSenderUnavailable)

	assert.Equal(t, engine.StatusError, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 3, SentCount: 0, FailedCount: 3}, got.Counters)
	stored, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, stored.Status)
}

func TestDispatch_EmptyAudienceNeverSends(t *testing.T) {
	f := newFixture(t, testConfig(), 3)
	_, err := f.store.CreateRule(context.Background(), engine.SegmentRule{
		ID: "nobody", LogicType: engine.LogicAnd,
		Conditions: []engine.Condition{{Field: "spend", Operator: engine.OpGreater, Value: 1e9}},
	})
	require.NoError(t, err)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Empty", RuleID: "nobody"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusError, got.Status)
	assert.Equal(t, engine.Counters{}, got.Counters)
	assert.Equal(t, []engine.Status{engine.StatusQueued, engine.StatusError}, f.store.statuses(id))
	assert.Empty(t, f.sender.Calls())
}

func TestDispatch_ExplicitIDsOverrideRule(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	id := f.campaign(t, engine.Campaign{
		ID: "cmp-1", Name: "VIP", RuleID: "everyone",
		ExplicitCustomerIDs: []string{"c03", "c01", "c03", "ghost"},
	})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSent, got.Status)
	assert.Equal(t, 2, got.AudienceSize)
	assert.Equal(t, 1, f.sender.Attempts("c01"))
	assert.Equal(t, 1, f.sender.Attempts("c03"))
	assert.Zero(t, f.sender.Attempts("c02"))
}

func TestDispatch_NonDraftIsRejected(t *testing.T) {
	for _, status := range []engine.Status{engine.StatusSent, engine.StatusCompletedWithErrors, engine.StatusError} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, testConfig(), 2)
			id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Done", Status: status,
				Counters: engine.Counters{AudienceSize: 2, SentCount: 1, FailedCount: 1}})

			_, err := f.engine.Dispatch(context.Background(), id)
			require.ErrorIs(t, err, engine.ErrInvalidTransition)

			stored, err := f.store.GetCampaign(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, engine.Counters{AudienceSize: 2, SentCount: 1, FailedCount: 1}, stored.Counters)
			assert.Empty(t, f.sender.Calls())
		})
	}
}

func TestDispatch_InProgressStatusIsRejected(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Stuck", Status: engine.StatusSending})

	_, err := f.engine.Dispatch(context.Background(), id)
	require.ErrorIs(t, err, engine.ErrDispatchAlreadyInProgress)
}

func TestDispatch_UnknownCampaign(t *testing.T) {
	f := newFixture(t, testConfig(), 1)
	_, err := f.engine.Dispatch(context.Background(), "missing")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestStart_ConcurrentDispatchHasSingleWinner(t *testing.T) {
	f := newFixture(t, testConfig(), 4)
	f.sender.Gate = make(chan struct{})
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Race"})

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		runs  []*Run
		busy  int
		other []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := f.engine.Start(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				runs = append(runs, run)
			case errors.Is(err, engine.ErrDispatchAlreadyInProgress):
				busy++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()
	close(f.sender.Gate)

	require.Empty(t, other)
	require.Len(t, runs, 1)
	assert.Equal(t, callers-1, busy)

	got, err := runs[0].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSent, got.Status)
	assert.Len(t, f.sender.Calls(), 4, "every recipient is sent to exactly once")
}

func TestStatus_DuringRun(t *testing.T) {
	f := newFixture(t, testConfig(), 3)
	f.sender.Gate = make(chan struct{})
	f.sender.Started = make(chan string, 8)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Watch"})

	run, err := f.engine.Start(context.Background(), id)
	require.NoError(t, err)
	<-f.sender.Started

	p, err := f.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, engine.StatusSending, p.Status)
	assert.Equal(t, 3, p.AudienceSize)
	assert.Zero(t, p.SentCount)

	close(f.sender.Gate)
	_, err = run.Wait(context.Background())
	require.NoError(t, err)

	p, err = f.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.True(t, p.Persisted)
	assert.Equal(t, engine.StatusSent, p.Status)
	assert.Equal(t, 100, p.DeliveryRate)
}

func TestCancel_FinishesInFlightBatchAndSkipsTheRest(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Workers = 1
	f := newFixture(t, cfg, 5)
	f.sender.Gate = make(chan struct{})
	f.sender.Started = make(chan string, 8)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Stop"})

	run, err := f.engine.Start(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "c01", <-f.sender.Started)

	assert.True(t, f.engine.Cancel(id))
	close(f.sender.Gate)

	got, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 5, SentCount: 1, FailedCount: 4}, got.Counters)
	assert.Equal(t, engine.StatusCompletedWithErrors, f.store.statuses(id)[len(f.store.statuses(id))-1])

	deliveries, err := f.store.ListDeliveries(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, deliveries, 5)
	for _, d := range deliveries[1:] {
		assert.Equal(t, "cancelled", d.Reason)
	}
	assert.False(t, f.engine.Cancel(id), "finished runs cannot be cancelled")
}

func TestDispatch_ContextCancelStillFinalizes(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Workers = 1
	f := newFixture(t, cfg, 3)
	f.sender.Gate = make(chan struct{})
	f.sender.Started = make(chan string, 8)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Caller gone"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.sender.Started
		cancel()
		close(f.sender.Gate)
	}()

	got, err := f.engine.Dispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	assert.Equal(t, 3, got.SentCount+got.FailedCount)

	stored, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, got.Status, stored.Status)
}

func TestDispatch_TerminalPersistFailureIsRetained(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	f.store.fail(engine.StatusSent, true)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Flaky db"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.ErrorIs(t, err, engine.ErrPersistenceFailure)
	assert.Equal(t, engine.StatusSent, got.Status)

	p, err := f.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSent, p.Status)
	assert.False(t, p.Persisted)
	assert.Equal(t, 2, p.SentCount)

	assert.Equal(t, 1, f.engine.FlushRetained(context.Background()))

	f.store.fail(engine.StatusSent, false)
	assert.Zero(t, f.engine.FlushRetained(context.Background()))
	stored, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSent, stored.Status)
	assert.Equal(t, 2, stored.SentCount)

	p, err = f.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.Persisted)
}

func TestStart_QueuedPersistFailureLeavesDraft(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	f.store.fail(engine.StatusQueued, true)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "No db"})

	_, err := f.engine.Start(context.Background(), id)
	require.ErrorIs(t, err, engine.ErrPersistenceFailure)

	stored, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusDraft, stored.Status)

	f.store.fail(engine.StatusQueued, false)
	_, err = f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err, "lock was released")
}

func TestDispatch_SendingPersistFailureFailsEveryRecipient(t *testing.T) {
	f := newFixture(t, testConfig(), 5)
	f.store.fail(engine.StatusSending, true)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Db down mid-run"})
	ctx := context.Background()

	got, err := f.engine.Dispatch(ctx, id)
	require.ErrorIs(t, err, engine.ErrPersistenceFailure)
	assert.Equal(t, engine.StatusError, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 5, SentCount: 0, FailedCount: 5}, got.Counters)
	assert.Empty(t, f.sender.Calls())

	p, err := f.engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, p.Status)
	assert.False(t, p.Persisted)
	assert.Equal(t, p.AudienceSize, p.SentCount+p.FailedCount)

	assert.Zero(t, f.engine.FlushRetained(ctx))
	stored, err := f.store.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, stored.Status)
	assert.Equal(t, stored.AudienceSize, stored.SentCount+stored.FailedCount)

	deliveries, err := f.store.ListDeliveries(ctx, id)
	require.NoError(t, err)
	require.Len(t, deliveries, 5)
	for _, d := range deliveries {
		assert.Equal(t, engine.OutcomeFailed, d.Outcome)
		assert.Equal(t, "not_started", d.Reason)
	}
}

// racingStore holds the first two GetCampaign calls until both arrived, so
// two engines both see the campaign as a draft.
type racingStore struct {
	*historyStore
	arrived atomic.Int32
	both    chan struct{}
}

func (r *racingStore) GetCampaign(ctx context.Context, id string) (engine.Campaign, error) {
	if n := r.arrived.Add(1); n <= 2 {
		if n == 2 {
			close(r.both)
		}
		<-r.both
	}
	return r.historyStore.GetCampaign(ctx, id)
}

func TestStart_EnginesWithoutSharedLockStillHaveSingleWinner(t *testing.T) {
	f := newFixture(t, testConfig(), 3)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Two replicas"})
	store := &racingStore{historyStore: f.store, both: make(chan struct{})}
	resolver := audience.NewResolver(f.store, f.store)
	replicas := []*Engine{
		New(store, store, resolver, f.sender, testConfig()),
		New(store, store, resolver, f.sender, testConfig()),
	}

	runs := make([]*Run, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, e := range replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs[i], errs[i] = e.Start(context.Background(), id)
		}()
	}
	wg.Wait()

	var winner *Run
	losses := 0
	for i := range replicas {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], engine.ErrDispatchAlreadyInProgress)
			losses++
			continue
		}
		winner = runs[i]
	}
	require.Equal(t, 1, losses)
	require.NotNil(t, winner)

	got, err := winner.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSent, got.Status)
	assert.Len(t, f.sender.Calls(), 3, "each customer messaged once")
}

// losableLocker hands out leases whose loss the test triggers.
type losableLocker struct{ lost chan struct{} }

type losableLease struct{ lost chan struct{} }

func (l *losableLocker) TryAcquire(context.Context, string) (lock.Lease, error) {
	return losableLease{lost: l.lost}, nil
}

func (l losableLease) Lost() <-chan struct{}         { return l.lost }
func (l losableLease) Release(context.Context) error { return nil }

func TestDispatch_LostLockCancelsRun(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Workers = 1
	f := newFixture(t, cfg, 4)
	locker := &losableLocker{lost: make(chan struct{})}
	f.engine = New(f.store, f.store, audience.NewResolver(f.store, f.store), f.sender, cfg, WithLocker(locker))
	f.sender.Gate = make(chan struct{})
	f.sender.Started = make(chan string, 8)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Lock expired"})

	run, err := f.engine.Start(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "c01", <-f.sender.Started)

	close(locker.lost)
	require.Eventually(t, func() bool {
		select {
		case <-run.ctx.Done():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	close(f.sender.Gate)

	got, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.Counters{AudienceSize: 4, SentCount: 1, FailedCount: 3}, got.Counters)
	assert.Equal(t, engine.StatusCompletedWithErrors, got.Status)
}

func TestResume_SkipsDeliveredRecipients(t *testing.T) {
	f := newFixture(t, testConfig(), 4)
	ctx := context.Background()
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Crashed", Status: engine.StatusSending})
	require.NoError(t, f.store.RecordDeliveries(ctx, id, []engine.DeliveryResult{
		{CustomerID: "c01", Outcome: engine.OutcomeDelivered, Attempts: 1},
		{CustomerID: "c02", Outcome: engine.OutcomeFailed, Reason: "timeout", Attempts: 3},
	}))

	run, err := f.engine.Resume(ctx, id)
	require.NoError(t, err)
	got, err := run.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSent, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 4, SentCount: 4, FailedCount: 0}, got.Counters)
	assert.Zero(t, f.sender.Attempts("c01"))
	assert.Equal(t, 1, f.sender.Attempts("c02"))
}

func TestResume_RequiresInProgressCampaign(t *testing.T) {
	f := newFixture(t, testConfig(), 1)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Fresh"})

	_, err := f.engine.Resume(context.Background(), id)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestDispatch_RenderFailureIsPerRecipient(t *testing.T) {
	f := newFixture(t, testConfig(), 3)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCustomers(ctx, []engine.Customer{
		{ID: "c02", Name: "Bo", Email: "bo@example.com", Attributes: map[string]float64{"spend": 2000, "loyaltyPoints": 40}},
	}))
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Points", Message: `{{.FirstName}}, you have {{.Attr "loyaltyPoints"}} points`})

	got, err := f.engine.Dispatch(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, engine.Counters{AudienceSize: 3, SentCount: 1, FailedCount: 2}, got.Counters)
	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bo, you have 40 points", calls[0].Message)
}

func TestDispatch_BadTemplateFailsEveryone(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Broken", Message: "Hi {{.Name"})

	got, err := f.engine.Dispatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, got.Status)
	assert.Equal(t, 2, got.FailedCount)
	assert.Empty(t, f.sender.Calls())
}

func TestShutdown_FinalizesActiveRuns(t *testing.T) {
	f := newFixture(t, testConfig(), 2)
	f.sender.Gate = make(chan struct{})
	f.sender.Started = make(chan string, 8)
	id := f.campaign(t, engine.Campaign{ID: "cmp-1", Name: "Bye"})

	run, err := f.engine.Start(context.Background(), id)
	require.NoError(t, err)
	<-f.sender.Started
	close(f.sender.Gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	select {
	case <-run.Done():
	default:
		t.Fatal("run still active after Shutdown")
	}
	stored, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stored.Status.Terminal())
}

func TestChunk(t *testing.T) {
	cs := make([]engine.Customer, 5)
	got := chunk(cs, 2)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 2)
	assert.Len(t, got[2], 1)
	assert.Nil(t, chunk(nil, 2))
}
