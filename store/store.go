package store

import (
	"context"
	"errors"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/timeline"
)

// ErrLocked is returned by Tx.LockDeal when another transaction, or an
// earlier frame of the same call chain, already holds the deal row.
var ErrLocked = errors.New("store: deal locked")

type txKey struct{}

// ContextWithTx marks ctx as running inside tx. Stores that cannot share a
// transaction across calls use it to show the owning call chain its own
// uncommitted writes; everyone else reads committed state.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction ctx was marked with, if any.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}

// Store persists deals, their milestone ledgers, and timeline events.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	Deal(ctx context.Context, id deal.ID) (deal.Deal, error)
	Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error)
	Events(ctx context.Context, id deal.ID) ([]timeline.Event, error)

	// Outstanding sums, over funded deals in asset, the milestones whose value
	// custody still holds.
	Outstanding(ctx context.Context, asset ledger.Asset) (int64, error)

	// PendingEvents returns up to limit committed events not yet published, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]timeline.Event, error)
	MarkPublished(ctx context.Context, eventIDs []string) error
}

// Tx is one atomic unit of work. Nothing it writes is visible as committed
// until Commit; Rollback after Commit is a no-op.
type Tx interface {
	InsertDeal(ctx context.Context, d deal.Deal, milestones milestone.Ledger) (deal.ID, error)
	// LockDeal returns the deal and holds its row until the transaction ends.
	// It does not wait: a held row yields ErrLocked.
	LockDeal(ctx context.Context, id deal.ID) (deal.Deal, error)
	Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error)
	UpdateDeal(ctx context.Context, d deal.Deal) error
	UpdateMilestone(ctx context.Context, id deal.ID, m milestone.Milestone) error
	// AppendEvent assigns the next per-deal sequence number and enqueues the
	// event for publication.
	AppendEvent(ctx context.Context, ev timeline.Event) (timeline.Event, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
