package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vendalabs/leadpipe/internal/icp"
	"github.com/vendalabs/leadpipe/internal/model"
)

// DefaultStages is the deal pipeline used when the tenant configures
// none. The last two are terminal.
var DefaultStages = []string{"prospeccao", "diagnostico", "proposta", "negociacao", "won", "lost"}

var (
	ErrUnknownStage      = eris.New("lifecycle: unknown deal stage")
	ErrDealClosed        = eris.New("lifecycle: deal is closed")
	ErrBackwardStageMove = eris.New("lifecycle: deal stages only move forward")
	ErrNotPromoted       = eris.New("lifecycle: company is not promoted")
)

// Machine drives lifecycle transitions against a Store.
type Machine struct {
	store  Store
	stages []string
	now    func() time.Time
}

// NewMachine creates a state machine with a tenant's stage list. An
// empty list falls back to DefaultStages.
func NewMachine(store Store, stages []string) *Machine {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	return &Machine{store: store, stages: stages, now: time.Now}
}

// WithNow fixes the clock for testing.
func (m *Machine) WithNow(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Stages returns the configured pipeline.
func (m *Machine) Stages() []string { return m.stages }

// Qualify moves a quarantined company to qualified. Re-qualifying an
// already qualified or promoted company is a no-op, not an error.
func (m *Machine) Qualify(ctx context.Context, c *model.Company) error {
	switch c.State {
	case model.StateQualified, model.StatePromoted:
		return nil
	}

	moved, err := m.store.SwapState(ctx, c.TenantID, c.ID, model.StateQuarantine, model.StateQualified)
	if err != nil {
		return eris.Wrap(err, "lifecycle: qualify")
	}
	if !moved {
		// Another pass already qualified it. Converge silently.
		return nil
	}
	c.State = model.StateQualified

	m.emit(ctx, c.TenantID, EventLeadQualified, map[string]any{
		"company_id": c.ID,
		"icp_score":  c.ICPScore,
	})
	zap.L().Info("lead qualified", zap.String("company_id", c.ID))
	return nil
}

// Promote copies the canonical record into the company-of-record store
// exactly once. A concurrent or retried promotion converges on the first
// writer's result.
func (m *Machine) Promote(ctx context.Context, c *model.Company) error {
	if c.State == model.StatePromoted {
		return nil
	}

	created, err := m.store.Promote(ctx, c)
	if err != nil {
		return eris.Wrap(err, "lifecycle: promote")
	}

	// The state flag is a separate durable step; set it even when the
	// copy already existed so an interrupted promotion can resume here.
	if _, err := m.store.SwapState(ctx, c.TenantID, c.ID, model.StateQualified, model.StatePromoted); err != nil {
		return eris.Wrap(err, "lifecycle: promote state flag")
	}
	c.State = model.StatePromoted

	if created {
		m.emit(ctx, c.TenantID, EventLeadPromoted, map[string]any{
			"company_id": c.ID,
			"legal_name": c.LegalName,
		})
		zap.L().Info("lead promoted", zap.String("company_id", c.ID))
	}
	return nil
}

// EnsureDeal returns the company's open deal, creating it at the first
// pipeline stage when none exists. The one-open-deal invariant is
// enforced by the store constraint, so a lost insert race resolves by
// re-reading.
func (m *Machine) EnsureDeal(ctx context.Context, c *model.Company, name, ownerID string) (*Deal, error) {
	if c.State != model.StatePromoted {
		return nil, ErrNotPromoted
	}

	if existing, err := m.store.ActiveDeal(ctx, c.TenantID, c.ID); err != nil {
		return nil, eris.Wrap(err, "lifecycle: load active deal")
	} else if existing != nil {
		return existing, nil
	}

	now := m.now().UTC()
	if name == "" {
		name = c.LegalName
	}
	deal := &Deal{
		ID:        uuid.NewString(),
		TenantID:  c.TenantID,
		CompanyID: c.ID,
		Name:      name,
		Stage:     m.stages[0],
		Status:    DealOpen,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := m.store.CreateDeal(ctx, deal)
	if err != nil {
		return nil, eris.Wrap(err, "lifecycle: create deal")
	}
	if !created {
		existing, err := m.store.ActiveDeal(ctx, c.TenantID, c.ID)
		if err != nil {
			return nil, eris.Wrap(err, "lifecycle: reload active deal")
		}
		if existing == nil {
			return nil, eris.New("lifecycle: deal insert conflicted but no open deal found")
		}
		return existing, nil
	}

	m.emit(ctx, c.TenantID, EventDealCreated, map[string]any{
		"deal_id":    deal.ID,
		"company_id": c.ID,
		"stage":      deal.Stage,
	})
	zap.L().Info("deal created",
		zap.String("deal_id", deal.ID), zap.String("company_id", c.ID))
	return deal, nil
}

// MoveStage advances a deal. Moves are forward-only along the configured
// stage list; won and lost are reachable from any open stage and are
// terminal.
func (m *Machine) MoveStage(ctx context.Context, deal *Deal, to string) error {
	if deal.Closed() {
		return ErrDealClosed
	}

	status := DealOpen
	var closedAt *time.Time
	switch to {
	case "won":
		status = DealWon
	case "lost":
		status = DealLost
	default:
		toIdx := m.stageIndex(to)
		if toIdx < 0 {
			return ErrUnknownStage
		}
		fromIdx := m.stageIndex(deal.Stage)
		if fromIdx >= 0 && toIdx <= fromIdx {
			return ErrBackwardStageMove
		}
	}
	if status != DealOpen {
		now := m.now().UTC()
		closedAt = &now
	}

	moved, err := m.store.SwapDealStage(ctx, deal.ID, deal.Stage, to, status, closedAt)
	if err != nil {
		return eris.Wrap(err, "lifecycle: move deal stage")
	}
	if !moved {
		// Someone moved it first. Surface as a conflict-free no-op only
		// if the deal already sits at the target.
		fresh, err := m.store.ActiveDeal(ctx, deal.TenantID, deal.CompanyID)
		if err == nil && fresh != nil && fresh.Stage == to {
			*deal = *fresh
			return nil
		}
		return eris.Errorf("lifecycle: deal %s changed concurrently", deal.ID)
	}

	deal.Stage = to
	deal.Status = status
	deal.ClosedAt = closedAt

	m.emit(ctx, deal.TenantID, EventDealStageMoved, map[string]any{
		"deal_id": deal.ID,
		"stage":   to,
	})
	if closedAt != nil {
		m.emit(ctx, deal.TenantID, EventDealClosed, map[string]any{
			"deal_id": deal.ID,
			"status":  status,
		})
	}
	return nil
}

// RequestHandoff opens a pending reassignment for the deal. The deal's
// owner does not change until the receiving owner accepts.
func (m *Machine) RequestHandoff(ctx context.Context, deal *Deal, toOwner, notes string) (*Handoff, error) {
	if deal.Closed() {
		return nil, ErrDealClosed
	}
	h := &Handoff{
		ID:        uuid.NewString(),
		DealID:    deal.ID,
		FromOwner: deal.OwnerID,
		ToOwner:   toOwner,
		Status:    HandoffPending,
		Notes:     notes,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.CreateHandoff(ctx, h); err != nil {
		return nil, eris.Wrap(err, "lifecycle: create handoff")
	}
	m.emit(ctx, deal.TenantID, EventHandoffRequest, map[string]any{
		"handoff_id": h.ID,
		"deal_id":    deal.ID,
		"to_owner":   toOwner,
	})
	return h, nil
}

// ResolveHandoff accepts or rejects a pending handoff. Acceptance moves
// deal ownership to the receiver; rejection leaves the deal without an
// owner rather than silently reverting. Resolving an already resolved
// handoff is a no-op.
func (m *Machine) ResolveHandoff(ctx context.Context, tenantID, handoffID string, accept bool) error {
	h, err := m.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return eris.Wrap(err, "lifecycle: load handoff")
	}

	status := HandoffRejected
	if accept {
		status = HandoffAccepted
	}

	resolved, err := m.store.ResolveHandoff(ctx, handoffID, status, m.now().UTC())
	if err != nil {
		return eris.Wrap(err, "lifecycle: resolve handoff")
	}
	if !resolved {
		return nil
	}

	owner := ""
	if accept {
		owner = h.ToOwner
	}
	if err := m.store.SetDealOwner(ctx, h.DealID, owner); err != nil {
		return eris.Wrap(err, "lifecycle: set deal owner")
	}

	m.emit(ctx, tenantID, EventHandoffResolved, map[string]any{
		"handoff_id": handoffID,
		"deal_id":    h.DealID,
		"status":     status,
	})
	return nil
}

// Apply routes a scoring result through the funnel. Approved leads are
// qualified, promoted and given a deal in one go; discarded leads are
// flagged rejected; quarantine and nurturing leave the record waiting
// for a human.
func (m *Machine) Apply(ctx context.Context, c *model.Company, res icp.Result) error {
	switch res.Decision {
	case icp.DecisionApprove:
		if err := m.Qualify(ctx, c); err != nil {
			return err
		}
		if err := m.Promote(ctx, c); err != nil {
			return err
		}
		_, err := m.EnsureDeal(ctx, c, "", "")
		return err

	case icp.DecisionDiscard:
		if c.State != model.StateQuarantine {
			return nil
		}
		moved, err := m.store.SwapState(ctx, c.TenantID, c.ID, model.StateQuarantine, model.StateRejected)
		if err != nil {
			return eris.Wrap(err, "lifecycle: discard")
		}
		if moved {
			c.State = model.StateRejected
			m.emit(ctx, c.TenantID, EventLeadDiscarded, map[string]any{
				"company_id": c.ID,
				"reason":     res.DecisionReason,
			})
		}
		return nil
	}

	// quarantine and nurturing keep the current state.
	return nil
}

func (m *Machine) stageIndex(stage string) int {
	for i, s := range m.stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// emit persists an outbox event. Event loss is logged, never fatal: the
// transition itself already committed.
func (m *Machine) emit(ctx context.Context, tenantID, typ string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("marshal outbox payload", zap.String("type", typ), zap.Error(err))
		return
	}
	ev := &OutboxEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      typ,
		Payload:   raw,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		zap.L().Error("append outbox event", zap.String("type", typ), zap.Error(err))
	}
}
