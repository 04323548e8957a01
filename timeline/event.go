package timeline

import (
	"strings"
	"time"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
)

// Type names a state-changing occurrence on a deal.
type Type string

const (
	TypeDealCreated        Type = "DEAL_CREATED"
	TypeDealFunded         Type = "DEAL_FUNDED"
	TypeMilestoneSubmitted Type = "MILESTONE_SUBMITTED"
	TypeMilestoneApproved  Type = "MILESTONE_APPROVED"
	TypeMilestoneDisputed  Type = "MILESTONE_DISPUTED"
	TypeMilestoneResolved  Type = "MILESTONE_RESOLVED"
	TypeDealClosed         Type = "DEAL_CLOSED"
)

// Topic is the outbox topic for the type, e.g. "milestone.approved".
func (t Type) Topic() string {
	return strings.ToLower(strings.Replace(string(t), "_", ".", 1))
}

// Event is one entry of a deal's append-only timeline. Seq starts at 1 per
// deal and has no gaps among committed events.
type Event struct {
	ID        string
	DealID    deal.ID
	Seq       int64
	Type      Type
	Milestone *int
	Actor     ledger.Account
	Payload   map[string]any
	CreatedAt time.Time
}

// New builds an unsequenced event. Store.AppendEvent assigns Seq.
func New(id string, dealID deal.ID, typ Type, actor ledger.Account, payload map[string]any) Event {
	if payload == nil {
		payload = make(map[string]any)
	}
	return Event{ID: id, DealID: dealID, Type: typ, Actor: actor, Payload: payload}
}

// ForMilestone returns e scoped to the milestone at index.
func (e Event) ForMilestone(index int) Event {
	e.Milestone = &index
	return e
}
