// Package lifecycle moves leads through the qualification funnel:
// quarantine, qualified, promoted, deal stages, closed. Every transition
// is a constraint-guarded idempotent write so retries and concurrent
// triggers converge instead of duplicating side effects.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
)

// Deal statuses. A deal stays open until it reaches a terminal stage.
const (
	DealOpen = "open"
	DealWon  = "won"
	DealLost = "lost"
)

// Deal is the sales opportunity attached to a promoted company. At most
// one open deal exists per company.
type Deal struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	CompanyID   string     `json:"company_id" db:"company_id"`
	Name        string     `json:"name" db:"name"`
	Stage       string     `json:"stage" db:"stage"`
	Status      string     `json:"status" db:"status"`
	Value       float64    `json:"value,omitempty" db:"value"`
	Probability int        `json:"probability,omitempty" db:"probability"`
	OwnerID     string     `json:"owner_id,omitempty" db:"owner_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Closed reports whether the deal reached a terminal status.
func (d *Deal) Closed() bool { return d.Status == DealWon || d.Status == DealLost }

// Handoff statuses. Handoffs are append-only: a resolved handoff is
// never edited, a new reassignment starts a new handoff.
const (
	HandoffPending  = "pending"
	HandoffAccepted = "accepted"
	HandoffRejected = "rejected"
)

// Handoff records an owner-to-owner reassignment request for a deal.
type Handoff struct {
	ID         string     `json:"id" db:"id"`
	DealID     string     `json:"deal_id" db:"deal_id"`
	FromOwner  string     `json:"from_owner,omitempty" db:"from_owner"`
	ToOwner    string     `json:"to_owner" db:"to_owner"`
	Status     string     `json:"status" db:"status"`
	Notes      string     `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Outbox event types emitted on transitions.
const (
	EventLeadQualified   = "lead.qualified"
	EventLeadPromoted    = "lead.promoted"
	EventLeadDiscarded   = "lead.discarded"
	EventDealCreated     = "deal.created"
	EventDealStageMoved  = "deal.stage_moved"
	EventDealClosed      = "deal.closed"
	EventHandoffRequest  = "handoff.requested"
	EventHandoffResolved = "handoff.resolved"
)

// OutboxEvent is persisted in the same transaction scope as the
// transition it describes and published asynchronously.
type OutboxEvent struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	Type        string          `json:"type" db:"type"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty" db:"published_at"`
}

// Store is the persistence surface the state machine drives. Write
// methods that return a bool report whether the guarded write took
// effect; false means another writer got there first.
type Store interface {
	// SwapState flips the lifecycle state only when the current state
	// matches from.
	SwapState(ctx context.Context, tenantID, companyID string, from, to model.LifecycleState) (bool, error)

	// Promote copies the canonical record into the company-of-record
	// store. Guarded by a uniqueness constraint on the source lead id;
	// returns false when the company was already promoted.
	Promote(ctx context.Context, c *model.Company) (bool, error)

	// CreateDeal inserts a deal. Guarded so that at most one open deal
	// exists per company; returns false on conflict.
	CreateDeal(ctx context.Context, d *Deal) (bool, error)

	// ActiveDeal returns the open deal for a company, or nil.
	ActiveDeal(ctx context.Context, tenantID, companyID string) (*Deal, error)

	// SwapDealStage moves a deal only when its current stage matches
	// from. Terminal moves set status and closed_at in the same write.
	SwapDealStage(ctx context.Context, dealID, from, to, status string, closedAt *time.Time) (bool, error)

	// SetDealOwner assigns (or clears, with "") the deal owner.
	SetDealOwner(ctx context.Context, dealID, ownerID string) error

	// CreateHandoff appends a pending handoff.
	CreateHandoff(ctx context.Context, h *Handoff) error

	// GetHandoff loads one handoff.
	GetHandoff(ctx context.Context, id string) (*Handoff, error)

	// ResolveHandoff flips a pending handoff to accepted or rejected;
	// returns false when it was already resolved.
	ResolveHandoff(ctx context.Context, id, status string, at time.Time) (bool, error)

	// AppendEvent persists an outbox event.
	AppendEvent(ctx context.Context, ev *OutboxEvent) error
}
