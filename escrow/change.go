package escrow

import (
	"context"
	"slices"
	"time"

	"milestoneescrow/access"
	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/timeline"
)

// change collects what one operation does to a locked deal before any of it
// is written.
type change struct {
	caller      ledger.Account
	deal        deal.Deal
	milestones  milestone.Ledger
	now         time.Time
	idGenerator func() string

	dealChanged bool
	touched     []int
	events      []timeline.Event
	transfer    func(ctx context.Context) error
}

func (c *change) requirePayer() error   { return access.RequirePayer(c.caller, c.deal) }
func (c *change) requirePayee() error   { return access.RequirePayee(c.caller, c.deal) }
func (c *change) requireArbiter() error { return access.RequireArbiter(c.caller, c.deal) }
func (c *change) requireParty() error   { return access.RequireParty(c.caller, c.deal) }

func (c *change) setDealStatus(status deal.Status) {
	c.deal.Status = status
	c.dealChanged = true
}

func (c *change) setMilestone(index int, status milestone.Status, outcome milestone.Outcome) error {
	if err := c.milestones.SetStatus(index, status, outcome); err != nil {
		return err
	}
	if !slices.Contains(c.touched, index) {
		c.touched = append(c.touched, index)
	}
	return nil
}

func (c *change) emit(typ timeline.Type, index *int, payload map[string]any) {
	ev := timeline.New(c.idGenerator(), c.deal.ID, typ, c.caller, payload)
	if index != nil {
		ev = ev.ForMilestone(*index)
	}
	ev.CreatedAt = c.now
	c.events = append(c.events, ev)
}

// closeIfSettled closes the deal once every milestone is terminal.
func (c *change) closeIfSettled() {
	if c.deal.Status != deal.StatusFunded || !c.milestones.AllTerminal() {
		return
	}
	var released, refunded int64
	for _, m := range c.milestones {
		switch m.Outcome {
		case milestone.OutcomeReleased:
			released += m.Amount
		case milestone.OutcomeRefunded:
			refunded += m.Amount
		}
	}
	c.setDealStatus(deal.StatusClosed)
	c.emit(timeline.TypeDealClosed, nil, map[string]any{
		"total_amount": c.deal.TotalAmount,
		"released":     released,
		"refunded":     refunded,
	})
}
