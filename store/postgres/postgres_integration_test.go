package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"milestoneescrow/db"
	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/store"
	"milestoneescrow/timeline"
)

// TestStore_Integration connects to a real PostgreSQL via DATABASE_URL, applies
// the embedded migrations, and exercises the transactional surface.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	// unique per run so Outstanding only sees this test's rows
	asset := ledger.Asset("0x" + uuid.NewString()[:8] + "00000000000000000000000000000000")

	d := deal.Deal{
		Payer:          ledger.MustAccount("0x1000000000000000000000000000000000000001"),
		Payee:          ledger.MustAccount("0x2000000000000000000000000000000000000002"),
		Arbiter:        ledger.MustAccount("0x3000000000000000000000000000000000000003"),
		Asset:          asset,
		TotalAmount:    300,
		Status:         deal.StatusCreated,
		MilestoneCount: 2,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := tx.InsertDeal(ctx, d, milestone.NewLedger([]int64{100, 200}))
	if err != nil {
		t.Fatalf("insert deal: %v", err)
	}
	ev, err := tx.AppendEvent(ctx, timeline.New(uuid.NewString(), id, timeline.TypeDealCreated, d.Payer, map[string]any{"total_amount": 300}))
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("expected seq 1, got %d", ev.Seq)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.Deal(ctx, id)
	if err != nil {
		t.Fatalf("read deal: %v", err)
	}
	if got.TotalAmount != 300 || got.Status != deal.StatusCreated || got.Payer != d.Payer {
		t.Errorf("unexpected deal %+v", got)
	}

	ms, err := s.Milestones(ctx, id)
	if err != nil {
		t.Fatalf("read milestones: %v", err)
	}
	if len(ms) != 2 || ms[0].Amount != 100 || ms[1].Amount != 200 || ms[1].Index != 1 {
		t.Errorf("unexpected milestones %+v", ms)
	}

	// a second transaction cannot take the row while the first holds it
	holder, _ := s.Begin(ctx)
	defer holder.Rollback(ctx)
	if _, err := holder.LockDeal(ctx, id); err != nil {
		t.Fatalf("lock deal: %v", err)
	}
	contender, _ := s.Begin(ctx)
	defer contender.Rollback(ctx)
	if _, err := contender.LockDeal(ctx, id); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	funded := got
	funded.Status = deal.StatusFunded
	funded.UpdatedAt = now
	if err := holder.UpdateDeal(ctx, funded); err != nil {
		t.Fatalf("update deal: %v", err)
	}
	if err := holder.UpdateMilestone(ctx, id, milestone.Milestone{Index: 0, Amount: 100, Status: milestone.StatusApproved, Outcome: milestone.OutcomeReleased, UpdatedAt: now}); err != nil {
		t.Fatalf("update milestone: %v", err)
	}
	if err := holder.UpdateMilestone(ctx, id, milestone.Milestone{Index: 5, UpdatedAt: now}); !errors.Is(err, milestone.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if err := holder.Commit(ctx); err != nil {
		t.Fatalf("commit holder: %v", err)
	}

	outstanding, err := s.Outstanding(ctx, asset)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if outstanding != 200 {
		t.Errorf("expected 200 outstanding, got %d", outstanding)
	}

	events, err := s.Events(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != timeline.TypeDealCreated {
		t.Fatalf("unexpected events %+v", events)
	}

	if err := s.MarkPublished(ctx, []string{events[0].ID}); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	if _, err := s.Deal(ctx, 0); !errors.Is(err, deal.ErrNotFound) {
		t.Errorf("expected ErrNotFound for id 0, got %v", err)
	}
}
