package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/store"
	"milestoneescrow/timeline"
)

var token = ledger.MustAsset("0x0000000000000000000000000000000000000001")

func seed(t *testing.T, s *Store, amounts ...int64) deal.ID {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.InsertDeal(ctx, deal.Deal{Asset: token, TotalAmount: 300, MilestoneCount: len(amounts)}, milestone.NewLedger(amounts))
	require.NoError(t, err)
	_, err = tx.AppendEvent(ctx, timeline.New("created", id, timeline.TypeDealCreated, "", nil))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return id
}

func TestStore_IDsStartAtOneAndNeverReuse(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := seed(t, s, 100)
	assert.Equal(t, deal.ID(1), first)

	tx, _ := s.Begin(ctx)
	discarded, err := tx.InsertDeal(ctx, deal.Deal{}, milestone.NewLedger([]int64{1}))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, err = s.Deal(ctx, discarded)
	assert.ErrorIs(t, err, deal.ErrNotFound)

	next := seed(t, s, 100)
	assert.Greater(t, next, discarded)

	_, err = s.Deal(ctx, 0)
	assert.ErrorIs(t, err, deal.ErrNotFound)
}

func TestStore_LockDealDoesNotWait(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := seed(t, s, 100, 200)

	outer, _ := s.Begin(ctx)
	_, err := outer.LockDeal(ctx, id)
	require.NoError(t, err)

	inner, _ := s.Begin(ctx)
	_, err = inner.LockDeal(ctx, id)
	assert.ErrorIs(t, err, store.ErrLocked)
	require.NoError(t, inner.Rollback(ctx))

	_, err = outer.LockDeal(ctx, id)
	assert.NoError(t, err, "relocking inside the owning transaction is allowed")

	require.NoError(t, outer.Rollback(ctx))

	again, _ := s.Begin(ctx)
	_, err = again.LockDeal(ctx, id)
	assert.NoError(t, err)
	require.NoError(t, again.Rollback(ctx))

	_, err = again.LockDeal(ctx, 99)
	assert.Error(t, err)
}

func TestStore_RollbackUndoesWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := seed(t, s, 100, 200)

	tx, _ := s.Begin(ctx)
	d, err := tx.LockDeal(ctx, id)
	require.NoError(t, err)

	d.Status = deal.StatusFunded
	require.NoError(t, tx.UpdateDeal(ctx, d))
	require.NoError(t, tx.UpdateMilestone(ctx, id, milestone.Milestone{Index: 1, Amount: 200, Status: milestone.StatusSubmitted}))
	ev, err := tx.AppendEvent(ctx, timeline.New("funded", id, timeline.TypeDealFunded, "", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq)

	outside, _ := s.Deal(ctx, id)
	assert.Equal(t, deal.StatusCreated, outside.Status, "other readers see committed state")
	inside, _ := s.Deal(store.ContextWithTx(ctx, tx), id)
	assert.Equal(t, deal.StatusFunded, inside.Status, "the owning call chain sees its writes")

	require.NoError(t, tx.Rollback(ctx))

	after, _ := s.Deal(ctx, id)
	assert.Equal(t, deal.StatusCreated, after.Status)
	ms, _ := s.Milestones(ctx, id)
	assert.Equal(t, milestone.StatusPending, ms[1].Status)

	events, _ := s.Events(ctx, id)
	require.Len(t, events, 1)

	tx2, _ := s.Begin(ctx)
	_, _ = tx2.LockDeal(ctx, id)
	ev, err = tx2.AppendEvent(ctx, timeline.New("funded-2", id, timeline.TypeDealFunded, "", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq, "rolled back sequence numbers are reused")
	require.NoError(t, tx2.Commit(ctx))
	assert.NoError(t, tx2.Rollback(ctx), "rollback after commit is a no-op")
}

func TestStore_UpdateRequiresLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := seed(t, s, 100)

	tx, _ := s.Begin(ctx)
	err := tx.UpdateDeal(ctx, deal.Deal{ID: id})
	assert.Error(t, err)
	require.NoError(t, tx.Rollback(ctx))
}

func TestStore_OutboxAndOutstanding(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := seed(t, s, 100, 200)

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "created", pending[0].ID)

	require.NoError(t, s.MarkPublished(ctx, []string{"created"}))
	pending, _ = s.PendingEvents(ctx, 10)
	assert.Empty(t, pending)

	out, _ := s.Outstanding(ctx, token)
	assert.Zero(t, out, "unfunded deals hold nothing")

	tx, _ := s.Begin(ctx)
	d, _ := tx.LockDeal(ctx, id)
	d.Status = deal.StatusFunded
	require.NoError(t, tx.UpdateDeal(ctx, d))
	require.NoError(t, tx.UpdateMilestone(ctx, id, milestone.Milestone{Index: 0, Amount: 100, Status: milestone.StatusApproved, Outcome: milestone.OutcomeReleased}))
	require.NoError(t, tx.Commit(ctx))

	out, _ = s.Outstanding(ctx, token)
	assert.Equal(t, int64(200), out)
}

func TestStore_UncommittedWritesStayPrivate(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := seed(t, s, 100, 200)

	tx, _ := s.Begin(ctx)
	owner := store.ContextWithTx(ctx, tx)
	d, err := tx.LockDeal(ctx, id)
	require.NoError(t, err)
	d.Status = deal.StatusFunded
	require.NoError(t, tx.UpdateDeal(ctx, d))
	require.NoError(t, tx.UpdateMilestone(ctx, id, milestone.Milestone{Index: 0, Amount: 100, Status: milestone.StatusSubmitted, DeliverableReference: "ref-0"}))
	_, err = tx.AppendEvent(ctx, timeline.New("funded", id, timeline.TypeDealFunded, "", nil))
	require.NoError(t, err)

	out, _ := s.Outstanding(ctx, token)
	assert.Zero(t, out, "an uncommitted funding holds nothing")
	ms, _ := s.Milestones(ctx, id)
	assert.Equal(t, milestone.StatusPending, ms[0].Status)
	events, _ := s.Events(ctx, id)
	assert.Len(t, events, 1)

	out, _ = s.Outstanding(owner, token)
	assert.Equal(t, int64(300), out)
	ms, _ = s.Milestones(owner, id)
	assert.Equal(t, "ref-0", ms[0].DeliverableReference)
	events, _ = s.Events(owner, id)
	assert.Len(t, events, 2)

	fresh, _ := s.Begin(ctx)
	_, err = fresh.InsertDeal(ctx, deal.Deal{Asset: token}, milestone.NewLedger([]int64{5}))
	require.NoError(t, err)
	pending, _ := s.PendingEvents(ctx, 10)
	assert.Len(t, pending, 1, "staged events are not queued for publication")
	require.NoError(t, fresh.Rollback(ctx))

	require.NoError(t, tx.Commit(ctx))
	out, _ = s.Outstanding(ctx, token)
	assert.Equal(t, int64(300), out)
	committed, _ := s.Deal(ctx, id)
	assert.Equal(t, deal.StatusFunded, committed.Status)

	_, err = s.Deal(owner, id)
	assert.NoError(t, err, "a finished transaction falls back to committed reads")
}

func TestStore_InsertedDealIsPrivateUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, _ := s.Begin(ctx)
	id, err := tx.InsertDeal(ctx, deal.Deal{Asset: token}, milestone.NewLedger([]int64{1}))
	require.NoError(t, err)

	_, err = s.Deal(ctx, id)
	assert.ErrorIs(t, err, deal.ErrNotFound)
	_, err = s.Deal(store.ContextWithTx(ctx, tx), id)
	assert.NoError(t, err)

	other, _ := s.Begin(ctx)
	_, err = other.LockDeal(ctx, id)
	assert.ErrorIs(t, err, deal.ErrNotFound)
	require.NoError(t, other.Rollback(ctx))

	require.NoError(t, tx.Commit(ctx))
	_, err = s.Deal(ctx, id)
	assert.NoError(t, err)
}
