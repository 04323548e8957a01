package escrow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/observability"
	"milestoneescrow/pkg/logger"
	"milestoneescrow/store"
	"milestoneescrow/timeline"
)

// Custody is the value-movement surface the state machine drives.
// *custody.Module implements it.
type Custody interface {
	PullIn(ctx context.Context, asset ledger.Asset, from ledger.Account, amount int64) error
	PushOut(ctx context.Context, asset ledger.Asset, to ledger.Account, amount int64) error
	Balance(ctx context.Context, asset ledger.Asset) (int64, error)
}

// Service is the escrow state machine. Each mutating operation locks the
// deal, checks the caller's role and the current status, writes the new state
// and its events, performs the custody transfer, and commits. A failure at any
// step rolls every write back.
type Service struct {
	store       store.Store
	custody     Custody
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
	idGenerator func() string
}

// CreateDealParams is the input to CreateDeal. The caller becomes the payer.
type CreateDealParams struct {
	Payee   ledger.Account
	Arbiter ledger.Account
	Asset   ledger.Asset
	Amounts []int64
}

func NewService(st store.Store, c Custody) *Service {
	return &Service{
		store:       st,
		custody:     c,
		logger:      slog.Default(),
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// CreateDeal registers a new deal with caller as payer and returns its id.
func (s *Service) CreateDeal(ctx context.Context, caller ledger.Account, params CreateDealParams) (id deal.ID, err error) {
	ctx, end := s.metrics.Start(ctx, "create_deal")
	defer func() { end(ErrorClass(err), err) }()
	log := logger.WithContext(ctx, s.logger).With("op", "create_deal", "caller", caller)

	d, err := deal.New(deal.CreateParams{
		Payer:   caller,
		Payee:   params.Payee,
		Arbiter: params.Arbiter,
		Asset:   params.Asset,
		Amounts: params.Amounts,
	})
	if err != nil {
		return 0, s.reject(ctx, log, err)
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	milestones := milestone.NewLedger(params.Amounts)
	for i := range milestones {
		milestones[i].UpdatedAt = now
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err = tx.InsertDeal(ctx, d, milestones)
	if err != nil {
		return 0, fmt.Errorf("escrow: insert deal: %w", err)
	}

	ev := timeline.New(s.idGenerator(), id, timeline.TypeDealCreated, caller, map[string]any{
		"payer":        d.Payer,
		"payee":        d.Payee,
		"arbiter":      d.Arbiter,
		"asset":        d.Asset,
		"total_amount": d.TotalAmount,
		"amounts":      slices.Clone(params.Amounts),
	})
	ev.CreatedAt = now
	if _, err := tx.AppendEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("escrow: append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit: %w", err)
	}

	log.InfoContext(ctx, "deal created", "deal_id", id, "total_amount", d.TotalAmount, "milestones", d.MilestoneCount)
	return id, nil
}

// Fund pulls the deal total from the payer into custody.
func (s *Service) Fund(ctx context.Context, caller ledger.Account, id deal.ID) error {
	return s.execute(ctx, "fund", caller, id, func(c *change) error {
		if err := c.requirePayer(); err != nil {
			return err
		}
		if c.deal.Status != deal.StatusCreated {
			return fmt.Errorf("%w: deal %d is %s, want created", ErrInvalidState, id, c.deal.Status)
		}

		c.setDealStatus(deal.StatusFunded)
		c.emit(timeline.TypeDealFunded, nil, map[string]any{
			"payer":  c.deal.Payer,
			"asset":  c.deal.Asset,
			"amount": c.deal.TotalAmount,
		})
		c.transfer = func(ctx context.Context) error {
			return s.custody.PullIn(ctx, c.deal.Asset, c.deal.Payer, c.deal.TotalAmount)
		}
		return nil
	})
}

// Submit records the payee's deliverable for a pending milestone.
func (s *Service) Submit(ctx context.Context, caller ledger.Account, id deal.ID, index int, deliverableRef string) error {
	return s.execute(ctx, "submit", caller, id, func(c *change) error {
		if err := c.requirePayee(); err != nil {
			return err
		}
		m, err := c.milestones.At(index)
		if err != nil {
			return err
		}
		if c.deal.Status != deal.StatusFunded {
			return fmt.Errorf("%w: deal %d is %s, want funded", ErrInvalidState, id, c.deal.Status)
		}
		if m.Status != milestone.StatusPending {
			return fmt.Errorf("%w: milestone %d is %s, want pending", ErrInvalidState, index, m.Status)
		}

		if err := c.setMilestone(index, milestone.StatusSubmitted, milestone.OutcomeNone); err != nil {
			return err
		}
		if err := c.milestones.SetDeliverable(index, deliverableRef); err != nil {
			return err
		}
		c.emit(timeline.TypeMilestoneSubmitted, &index, map[string]any{
			"amount":                m.Amount,
			"deliverable_reference": deliverableRef,
		})
		return nil
	})
}

// Approve accepts a submitted milestone and releases its amount to the payee.
func (s *Service) Approve(ctx context.Context, caller ledger.Account, id deal.ID, index int) error {
	return s.execute(ctx, "approve", caller, id, func(c *change) error {
		if err := c.requirePayer(); err != nil {
			return err
		}
		m, err := c.milestones.At(index)
		if err != nil {
			return err
		}
		if c.deal.Status != deal.StatusFunded || m.Status != milestone.StatusSubmitted {
			return fmt.Errorf("%w: milestone %d is %s on a %s deal, want submitted", ErrInvalidState, index, m.Status, c.deal.Status)
		}

		if err := c.setMilestone(index, milestone.StatusApproved, milestone.OutcomeReleased); err != nil {
			return err
		}
		c.emit(timeline.TypeMilestoneApproved, &index, map[string]any{
			"amount": m.Amount,
			"payee":  c.deal.Payee,
		})
		c.closeIfSettled()
		c.transfer = func(ctx context.Context) error {
			return s.custody.PushOut(ctx, c.deal.Asset, c.deal.Payee, m.Amount)
		}
		return nil
	})
}

// Dispute escalates a submitted milestone to the arbiter.
func (s *Service) Dispute(ctx context.Context, caller ledger.Account, id deal.ID, index int) error {
	return s.execute(ctx, "dispute", caller, id, func(c *change) error {
		if err := c.requireParty(); err != nil {
			return err
		}
		m, err := c.milestones.At(index)
		if err != nil {
			return err
		}
		if c.deal.Status != deal.StatusFunded || m.Status != milestone.StatusSubmitted {
			return fmt.Errorf("%w: milestone %d is %s on a %s deal, want submitted", ErrInvalidState, index, m.Status, c.deal.Status)
		}

		if err := c.setMilestone(index, milestone.StatusDisputed, milestone.OutcomeNone); err != nil {
			return err
		}
		c.emit(timeline.TypeMilestoneDisputed, &index, map[string]any{
			"amount":      m.Amount,
			"disputed_by": c.caller,
		})
		return nil
	})
}

// Resolve settles a disputed milestone: the amount goes to the payee when
// releaseToPayee is set, back to the payer otherwise.
func (s *Service) Resolve(ctx context.Context, caller ledger.Account, id deal.ID, index int, releaseToPayee bool) error {
	return s.execute(ctx, "resolve", caller, id, func(c *change) error {
		if err := c.requireArbiter(); err != nil {
			return err
		}
		m, err := c.milestones.At(index)
		if err != nil {
			return err
		}
		if c.deal.Status != deal.StatusFunded || m.Status != milestone.StatusDisputed {
			return fmt.Errorf("%w: milestone %d is %s on a %s deal, want disputed", ErrInvalidState, index, m.Status, c.deal.Status)
		}

		recipient, outcome := c.deal.Payer, milestone.OutcomeRefunded
		if releaseToPayee {
			recipient, outcome = c.deal.Payee, milestone.OutcomeReleased
		}

		if err := c.setMilestone(index, milestone.StatusResolved, outcome); err != nil {
			return err
		}
		c.emit(timeline.TypeMilestoneResolved, &index, map[string]any{
			"amount":           m.Amount,
			"release_to_payee": releaseToPayee,
			"recipient":        recipient,
		})
		c.closeIfSettled()
		c.transfer = func(ctx context.Context) error {
			return s.custody.PushOut(ctx, c.deal.Asset, recipient, m.Amount)
		}
		return nil
	})
}

// Deal returns the deal record.
func (s *Service) Deal(ctx context.Context, id deal.ID) (deal.Deal, error) {
	return s.store.Deal(ctx, id)
}

// Milestone returns one milestone of a deal.
func (s *Service) Milestone(ctx context.Context, id deal.ID, index int) (milestone.Milestone, error) {
	l, err := s.store.Milestones(ctx, id)
	if err != nil {
		return milestone.Milestone{}, err
	}
	return l.At(index)
}

// MilestoneAmounts returns the deal's milestone amounts in index order. The
// sequence is a snapshot and may be ranged over repeatedly.
func (s *Service) MilestoneAmounts(ctx context.Context, id deal.ID) (iter.Seq[int64], error) {
	l, err := s.store.Milestones(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Amounts(), nil
}

// Milestones returns the full milestone list of a deal.
func (s *Service) Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error) {
	return s.store.Milestones(ctx, id)
}

// Events returns the committed timeline of a deal in sequence order.
func (s *Service) Events(ctx context.Context, id deal.ID) ([]timeline.Event, error) {
	return s.store.Events(ctx, id)
}

// Outstanding sums the value custody owes across funded deals in asset.
func (s *Service) Outstanding(ctx context.Context, asset ledger.Asset) (int64, error) {
	return s.store.Outstanding(ctx, asset)
}

// Solvency compares what custody holds of an asset with what it owes.
type Solvency struct {
	Asset       ledger.Asset
	Held        int64
	Outstanding int64
}

func (s Solvency) Solvent() bool { return s.Held >= s.Outstanding }

// Solvency reports the custody accounting check for asset.
func (s *Service) Solvency(ctx context.Context, asset ledger.Asset) (Solvency, error) {
	owed, err := s.store.Outstanding(ctx, asset)
	if err != nil {
		return Solvency{}, err
	}
	held, err := s.custody.Balance(ctx, asset)
	if err != nil {
		return Solvency{}, err
	}
	return Solvency{Asset: asset, Held: held, Outstanding: owed}, nil
}

func (s *Service) execute(ctx context.Context, op string, caller ledger.Account, id deal.ID, apply func(c *change) error) (err error) {
	ctx, end := s.metrics.Start(ctx, op)
	defer func() { end(ErrorClass(err), err) }()
	log := logger.WithContext(ctx, s.logger).With("op", op, "deal_id", id, "caller", caller)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	ctx = store.ContextWithTx(ctx, tx)

	d, err := tx.LockDeal(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return s.reject(ctx, log, fmt.Errorf("%w: %w", ErrReentrant, err))
		}
		if errors.Is(err, deal.ErrNotFound) {
			return s.reject(ctx, log, fmt.Errorf("%w: %d", ErrDealNotFound, id))
		}
		return fmt.Errorf("escrow: lock deal: %w", err)
	}

	milestones, err := tx.Milestones(ctx, id)
	if err != nil {
		return fmt.Errorf("escrow: load milestones: %w", err)
	}

	now := s.now().UTC()
	c := &change{
		caller:      caller,
		deal:        d,
		milestones:  milestones,
		now:         now,
		idGenerator: s.idGenerator,
	}
	if err := apply(c); err != nil {
		return s.reject(ctx, log, err)
	}

	// effects
	if c.dealChanged {
		c.deal.UpdatedAt = now
		if err := tx.UpdateDeal(ctx, c.deal); err != nil {
			return fmt.Errorf("escrow: update deal: %w", err)
		}
	}
	for _, index := range c.touched {
		m := c.milestones[index]
		m.UpdatedAt = now
		if err := tx.UpdateMilestone(ctx, id, m); err != nil {
			return fmt.Errorf("escrow: update milestone: %w", err)
		}
	}
	for _, ev := range c.events {
		if _, err := tx.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("escrow: append event: %w", err)
		}
	}

	// interaction
	if c.transfer != nil {
		if err := c.transfer(ctx); err != nil {
			return s.reject(ctx, log, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if c.transfer != nil {
			log.ErrorContext(ctx, "escrow: commit failed after custody transfer; ledger and deal state disagree", "error", err)
		}
		return fmt.Errorf("escrow: commit: %w", err)
	}

	log.InfoContext(ctx, "escrow transition committed", "deal_status", c.deal.Status, "events", len(c.events))
	return nil
}

func (s *Service) reject(ctx context.Context, log *slog.Logger, err error) error {
	log.WarnContext(ctx, "escrow operation rejected", "class", ErrorClass(err), "error", err)
	return err
}
