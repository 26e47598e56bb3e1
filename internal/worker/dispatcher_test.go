package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/repository/memory"
	"github.com/eksporyuk/broadcast-engine/internal/segment"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
	"github.com/eksporyuk/broadcast-engine/internal/service/sending"
)

type noopRenderer struct{}

func (noopRenderer) RenderMessage(c *domain.Campaign, _ *domain.Recipient, _ time.Time) (string, string) {
	return c.Subject, c.Body
}

type dispatchEnv struct {
	repo   *memory.BroadcastRepo
	leads  *memory.LeadRepo
	ledger *credit.MemoryLedger
	svc    *broadcast.Service
}

func newDispatchEnv(t *testing.T, balance int64) *dispatchEnv {
	t.Helper()
	repo := memory.NewBroadcastRepo()
	leads := memory.NewLeadRepo()
	leads.Seed(
		domain.Recipient{ID: "lead-1", Name: "A", Email: "a@example.com", Status: domain.LeadNew},
		domain.Recipient{ID: "lead-2", Name: "B", Email: "b@example.com", Status: domain.LeadNew},
	)
	ledger := credit.NewMemoryLedger()
	if balance > 0 {
		_, err := ledger.Deposit(context.Background(), "acct-1", balance)
		require.NoError(t, err)
	}
	sender := sending.SenderFunc(func(context.Context, *domain.Recipient, string, string) error { return nil })
	svc := broadcast.NewService(repo, ledger, segment.NewResolver(leads), sender, noopRenderer{})
	return &dispatchEnv{repo: repo, leads: leads, ledger: ledger, svc: svc}
}

func (e *dispatchEnv) seedScheduled(t *testing.T, id string, at time.Time) {
	t.Helper()
	_, err := e.repo.Create(context.Background(), &domain.Campaign{
		ID:          id,
		AccountID:   "acct-1",
		Name:        "Promo " + id,
		Subject:     "Hi",
		Body:        "Body",
		Status:      domain.CampaignScheduled,
		ScheduledAt: &at,
	})
	require.NoError(t, err)
}

func TestDispatcherFiresDueCampaign(t *testing.T) {
	env := newDispatchEnv(t, 10)
	env.seedScheduled(t, "camp-1", time.Now().Add(-time.Minute))
	env.seedScheduled(t, "camp-future", time.Now().Add(time.Hour))

	d := NewDispatcher(env.svc, env.repo, NewLockFactory(nil, nil))
	d.ProcessDue(context.Background())

	got, err := env.repo.GetByID(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSent, got.Status)
	assert.Equal(t, 2, got.SentCount)

	// The future campaign is untouched.
	future, err := env.repo.GetByID(context.Background(), "camp-future")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignScheduled, future.Status)
}

func TestDispatcherInsufficientCreditFails(t *testing.T) {
	env := newDispatchEnv(t, 1)
	env.seedScheduled(t, "camp-1", time.Now().Add(-time.Minute))

	d := NewDispatcher(env.svc, env.repo, NewLockFactory(nil, nil))
	d.ProcessDue(context.Background())

	got, err := env.repo.GetByID(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Contains(t, got.LastError, "insufficient credits")

	// FAILED campaigns never come due again.
	due, err := env.repo.ListDue(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDispatcherConcurrentPollsFireOnce(t *testing.T) {
	env := newDispatchEnv(t, 10)
	env.seedScheduled(t, "camp-1", time.Now().Add(-time.Minute))

	locks := NewLockFactory(nil, nil)
	a := NewDispatcher(env.svc, env.repo, locks)
	b := NewDispatcher(env.svc, env.repo, locks)

	done := make(chan struct{})
	go func() {
		a.ProcessDue(context.Background())
		close(done)
	}()
	b.ProcessDue(context.Background())
	<-done

	got, err := env.repo.GetByID(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSent, got.Status)
	// Exactly one occurrence worth of sends despite two pollers.
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 2, got.TotalRecipients)
	assert.Equal(t, 2, got.CreditUsed)
}

func TestDispatcherSweepsOnStart(t *testing.T) {
	env := newDispatchEnv(t, 10)
	env.seedScheduled(t, "camp-1", time.Now().Add(-time.Minute))

	d := NewDispatcher(env.svc, env.repo, NewLockFactory(nil, nil))
	// Poll interval far beyond the test: only the startup sweep can fire.
	d.SetPollInterval(time.Hour)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Eventually(t, func() bool {
		got, err := env.repo.GetByID(context.Background(), "camp-1")
		return err == nil && got.Status == domain.CampaignSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherStartStop(t *testing.T) {
	env := newDispatchEnv(t, 10)
	d := NewDispatcher(env.svc, env.repo, NewLockFactory(nil, nil))
	d.SetPollInterval(10 * time.Millisecond)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start()) // double start

	time.Sleep(30 * time.Millisecond)
	d.Stop()
	d.Stop() // idempotent
}

func TestReaperFailsStuckCampaigns(t *testing.T) {
	env := newDispatchEnv(t, 10)
	env.seedScheduled(t, "camp-1", time.Now().Add(-time.Hour))
	ctx := context.Background()

	require.NoError(t, env.repo.TransitionStatus(ctx, "camp-1", domain.CampaignScheduled, domain.CampaignSending))

	r := NewReaper(env.repo)
	r.SetThreshold(time.Nanosecond)
	time.Sleep(time.Millisecond)
	r.Sweep(ctx)

	got, err := env.repo.GetByID(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, stuckReason, got.LastError)
}

func TestReaperLeavesHealthyAlone(t *testing.T) {
	env := newDispatchEnv(t, 10)
	env.seedScheduled(t, "camp-1", time.Now().Add(-time.Minute))
	ctx := context.Background()

	require.NoError(t, env.repo.TransitionStatus(ctx, "camp-1", domain.CampaignScheduled, domain.CampaignSending))

	r := NewReaper(env.repo)
	r.Sweep(ctx) // default threshold, campaign just claimed

	got, err := env.repo.GetByID(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, got.Status)
}
