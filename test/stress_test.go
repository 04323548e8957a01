package test

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"milestoneescrow/custody"
	"milestoneescrow/deal"
	"milestoneescrow/escrow"
	"milestoneescrow/ledger"
	"milestoneescrow/outbox"
	"milestoneescrow/store/postgres"
	"milestoneescrow/test/actors"
	"milestoneescrow/test/infra"
	"milestoneescrow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of lifecycle actors")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

var (
	stressAsset     = ledger.MustAsset("0x00000000000000000000000000000000000000aa")
	stressCustodian = ledger.MustAccount("0x00000000000000000000000000000000000e5c40")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	pool, cleanup := openDatabase(t, ctx)
	defer cleanup()

	l := ledger.NewMemory()
	st := postgres.New(pool)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := escrow.NewService(st, custody.NewModule(l, stressCustodian, nil)).WithLogger(quiet)

	publisher := actors.NewCountingPublisher(7)
	relay := outbox.NewRelay(st, publisher, quiet).WithBatchSize(50)

	parties := make([]actors.Parties, *flConcurrency)
	for i := range parties {
		parties[i] = actors.NewParties(i)
	}

	g, actx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	deals := make(chan deal.ID, 64)

	for _, p := range parties {
		g.Go(func() error {
			return actors.Lifecycle(actx, svc, l, stressAsset, stressCustodian, p, deals, stop)
		})
		g.Go(func() error { return actors.Racer(actx, svc, parties, deals, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(actx, relay, stop) })

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-actx.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, actx, pool)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", err)
	}

	// quiescent: every in-flight transfer has committed or rolled back
	checkOracles(t, ctx, pool)

	sol, err := svc.Solvency(ctx, stressAsset)
	if err != nil {
		t.Fatalf("solvency: %v", err)
	}
	if err := oracles.Custody(sol.Held, sol.Outstanding); err != nil {
		t.Fatalf("custody oracle: %v", err)
	}

	for {
		n, err := relay.Drain(ctx)
		if err != nil {
			continue
		}
		if n == 0 {
			break
		}
	}
	var events int64
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if got := publisher.Published.Load(); got < events {
		t.Fatalf("relay published %d of %d committed events", got, events)
	}
	t.Logf("stress run: %d events, custody held %d, published %d", events, sol.Held, publisher.Published.Load())
}

func openDatabase(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	var (
		dsn       string
		container *infra.PGContainer
		shared    bool
		err       error
	)
	switch {
	case *flDSN != "":
		dsn, shared = *flDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		container, dsn, err = infra.StartPostgres(ctx)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.LocalDatabase(ctx, "escrow_stress")
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
	}

	pool, teardown, err := infra.Open(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(context.Background())
		t.Fatalf("open database: %v", err)
	}

	return pool, func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
		_ = container.Terminate(context.Background())
	}
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("oracle %s failed. First row: %s", name, row)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"deals", `SELECT id, status::text, total_amount, event_seq FROM deals ORDER BY id DESC LIMIT 20`},
		{"milestones", `SELECT deal_id, idx, status::text, outcome::text FROM milestones ORDER BY deal_id DESC, idx LIMIT 50`},
		{"timeline_events", `SELECT deal_id, seq, type, milestone FROM timeline_events ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			t.Logf("%v", vals)
		}
		rows.Close()
	}
}
