package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendalabs/leadpipe/internal/icp"
	"github.com/vendalabs/leadpipe/internal/model"
)

// memStore implements Store with the same guarantees the SQL backends
// provide through constraints: compare-and-swap state flips, unique
// promotion per lead, one open deal per company.
type memStore struct {
	mu       sync.Mutex
	states   map[string]model.LifecycleState
	promoted map[string]bool
	deals    map[string]*Deal
	handoffs map[string]*Handoff
	events   []OutboxEvent
}

func newMemStore() *memStore {
	return &memStore{
		states:   make(map[string]model.LifecycleState),
		promoted: make(map[string]bool),
		deals:    make(map[string]*Deal),
		handoffs: make(map[string]*Handoff),
	}
}

func (s *memStore) SwapState(_ context.Context, _, companyID string, from, to model.LifecycleState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[companyID]
	if !ok {
		cur = model.StateQuarantine
	}
	if cur != from {
		return false, nil
	}
	s.states[companyID] = to
	return true, nil
}

func (s *memStore) Promote(_ context.Context, c *model.Company) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promoted[c.ID] {
		return false, nil
	}
	s.promoted[c.ID] = true
	return true, nil
}

func (s *memStore) CreateDeal(_ context.Context, d *Deal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deals {
		if existing.CompanyID == d.CompanyID && !existing.Closed() {
			return false, nil
		}
	}
	cp := *d
	s.deals[d.ID] = &cp
	return true, nil
}

func (s *memStore) ActiveDeal(_ context.Context, _, companyID string) (*Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deals {
		if d.CompanyID == companyID && !d.Closed() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) SwapDealStage(_ context.Context, dealID, from, to, status string, closedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok || d.Stage != from || d.Closed() {
		return false, nil
	}
	d.Stage, d.Status, d.ClosedAt = to, status, closedAt
	return true, nil
}

func (s *memStore) SetDealOwner(_ context.Context, dealID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deals[dealID]; ok {
		d.OwnerID = ownerID
	}
	return nil
}

func (s *memStore) CreateHandoff(_ context.Context, h *Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.handoffs[h.ID] = &cp
	return nil
}

func (s *memStore) GetHandoff(_ context.Context, id string) (*Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.handoffs[id]
	return &cp, nil
}

func (s *memStore) ResolveHandoff(_ context.Context, id, status string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok || h.Status != HandoffPending {
		return false, nil
	}
	h.Status = status
	h.ResolvedAt = &at
	return true, nil
}

func (s *memStore) AppendEvent(_ context.Context, ev *OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *memStore) openDeals(companyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deals {
		if d.CompanyID == companyID && !d.Closed() {
			n++
		}
	}
	return n
}

func company() *model.Company {
	return &model.Company{
		ID: "c1", TenantID: "t1", LegalName: "ACME LTDA",
		State: model.StateQuarantine,
	}
}

func TestQualify_Idempotent(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	c := company()
	ctx := context.Background()

	require.NoError(t, m.Qualify(ctx, c))
	assert.Equal(t, model.StateQualified, c.State)

	require.NoError(t, m.Qualify(ctx, c), "re-qualifying must be a no-op")
	assert.Equal(t, []string{EventLeadQualified}, store.eventTypes(), "no duplicate event")
}

func TestPromote_ExactlyOnceUnderConcurrency(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	ctx := context.Background()

	base := company()
	require.NoError(t, m.Qualify(ctx, base))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := *base // each goroutine holds its own stale view
			_ = m.Promote(ctx, &c)
		}()
	}
	wg.Wait()

	promoted := 0
	for _, typ := range store.eventTypes() {
		if typ == EventLeadPromoted {
			promoted++
		}
	}
	assert.Equal(t, 1, promoted, "exactly one promotion event")
	assert.Equal(t, model.StatePromoted, store.states["c1"])
}

func TestScoreCrossesHotThreshold_FullFunnelOnce(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	ctx := context.Background()
	c := company()

	approve := icp.Result{Decision: icp.DecisionApprove, Score: 75}

	// Pass 2 crosses the threshold.
	require.NoError(t, m.Apply(ctx, c, approve))
	assert.Equal(t, model.StatePromoted, c.State)
	assert.Equal(t, 1, store.openDeals("c1"))

	// Pass 3 scores even higher; nothing new may be created.
	approve.Score = 90
	require.NoError(t, m.Apply(ctx, c, approve))
	assert.Equal(t, 1, store.openDeals("c1"), "re-running a pass must not create a second deal")
	assert.True(t, store.promoted["c1"])
}

func TestApply_DiscardFromQuarantineOnly(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	ctx := context.Background()

	c := company()
	require.NoError(t, m.Apply(ctx, c, icp.Result{Decision: icp.DecisionDiscard}))
	assert.Equal(t, model.StateRejected, c.State)

	// A promoted company is never discarded by a later cold score.
	p := company()
	p.ID = "c2"
	require.NoError(t, m.Apply(ctx, p, icp.Result{Decision: icp.DecisionApprove, Score: 80}))
	require.NoError(t, m.Apply(ctx, p, icp.Result{Decision: icp.DecisionDiscard}))
	assert.Equal(t, model.StatePromoted, p.State)
}

func TestEnsureDeal_RequiresPromotion(t *testing.T) {
	m := NewMachine(newMemStore(), nil)
	_, err := m.EnsureDeal(context.Background(), company(), "", "")
	assert.ErrorIs(t, err, ErrNotPromoted)
}

func TestMoveStage_ForwardOnlyAndTerminal(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	ctx := context.Background()

	c := company()
	require.NoError(t, m.Apply(ctx, c, icp.Result{Decision: icp.DecisionApprove, Score: 80}))
	deal, err := m.store.ActiveDeal(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, deal)
	assert.Equal(t, "prospeccao", deal.Stage)

	require.NoError(t, m.MoveStage(ctx, deal, "proposta"))
	assert.Equal(t, "proposta", deal.Stage)

	assert.ErrorIs(t, m.MoveStage(ctx, deal, "diagnostico"), ErrBackwardStageMove)
	assert.ErrorIs(t, m.MoveStage(ctx, deal, "onboarding"), ErrUnknownStage)

	require.NoError(t, m.MoveStage(ctx, deal, "won"))
	assert.Equal(t, DealWon, deal.Status)
	require.NotNil(t, deal.ClosedAt)

	assert.ErrorIs(t, m.MoveStage(ctx, deal, "lost"), ErrDealClosed, "terminal stages accept no further moves")
	assert.Contains(t, store.eventTypes(), EventDealClosed)
}

func TestHandoff_AcceptTransfersOwnership(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	ctx := context.Background()

	c := company()
	require.NoError(t, m.Apply(ctx, c, icp.Result{Decision: icp.DecisionApprove, Score: 80}))
	deal, _ := store.ActiveDeal(ctx, "t1", "c1")
	require.NoError(t, store.SetDealOwner(ctx, deal.ID, "sdr-1"))
	deal.OwnerID = "sdr-1"

	h, err := m.RequestHandoff(ctx, deal, "rep-9", "strong fit")
	require.NoError(t, err)
	assert.Equal(t, HandoffPending, h.Status)
	assert.Equal(t, "sdr-1", h.FromOwner)

	require.NoError(t, m.ResolveHandoff(ctx, "t1", h.ID, true))
	fresh, _ := store.ActiveDeal(ctx, "t1", "c1")
	assert.Equal(t, "rep-9", fresh.OwnerID)
}

func TestHandoff_RejectionLeavesDealUnowned(t *testing.T) {
	store := newMemStore()
	m := NewMachine(store, nil)
	ctx := context.Background()

	c := company()
	require.NoError(t, m.Apply(ctx, c, icp.Result{Decision: icp.DecisionApprove, Score: 80}))
	deal, _ := store.ActiveDeal(ctx, "t1", "c1")
	require.NoError(t, store.SetDealOwner(ctx, deal.ID, "sdr-1"))
	deal.OwnerID = "sdr-1"

	h, err := m.RequestHandoff(ctx, deal, "rep-9", "")
	require.NoError(t, err)

	require.NoError(t, m.ResolveHandoff(ctx, "t1", h.ID, false))
	fresh, _ := store.ActiveDeal(ctx, "t1", "c1")
	assert.Empty(t, fresh.OwnerID, "rejection must not revert to the previous owner")

	// Resolving again is a no-op.
	require.NoError(t, m.ResolveHandoff(ctx, "t1", h.ID, true))
	fresh, _ = store.ActiveDeal(ctx, "t1", "c1")
	assert.Empty(t, fresh.OwnerID)
}
