package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/store"
	"milestoneescrow/timeline"
)

// lock_not_available, raised by FOR UPDATE NOWAIT.
const codeLockNotAvailable = "55P03"

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier is the read surface shared by Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool Pool
}

var _ store.Store = (*Store)(nil)

func New(pool Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

const selectDealSQL = `
SELECT id, payer, payee, arbiter, asset, total_amount, status::text, milestone_count, created_at, updated_at
FROM deals
WHERE id = $1`

func (s *Store) Deal(ctx context.Context, id deal.ID) (deal.Deal, error) {
	return scanDeal(s.pool.QueryRow(ctx, selectDealSQL, int64(id)))
}

func (s *Store) Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error) {
	return loadMilestones(ctx, s.pool, id)
}

func (s *Store) Events(ctx context.Context, id deal.ID) ([]timeline.Event, error) {
	const query = `
SELECT id::text, deal_id, seq, type, milestone, actor, payload, created_at
FROM timeline_events
WHERE deal_id = $1
ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, int64(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := s.Deal(ctx, id); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) Outstanding(ctx context.Context, asset ledger.Asset) (int64, error) {
	const query = `
SELECT COALESCE(SUM(m.amount), 0)::bigint
FROM milestones m
JOIN deals d ON d.id = m.deal_id
WHERE d.asset = $1
  AND d.status = 'funded'
  AND m.status NOT IN ('approved', 'resolved')`

	var sum int64
	if err := s.pool.QueryRow(ctx, query, string(asset)).Scan(&sum); err != nil {
		return 0, fmt.Errorf("postgres: outstanding: %w", err)
	}
	return sum, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]timeline.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT e.id::text, e.deal_id, e.seq, e.type, e.milestone, e.actor, e.payload, e.created_at
FROM outbox o
JOIN timeline_events e ON e.id = o.id
WHERE o.published_at IS NULL
ORDER BY o.created_at, e.deal_id, e.seq
LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query outbox: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) MarkPublished(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	const stmt = `UPDATE outbox SET published_at = now() WHERE published_at IS NULL AND id::text = ANY($1::text[])`
	if _, err := s.pool.Exec(ctx, stmt, eventIDs); err != nil {
		return fmt.Errorf("postgres: mark published: %w", err)
	}
	return nil
}

// Tx implements store.Tx over a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) InsertDeal(ctx context.Context, d deal.Deal, milestones milestone.Ledger) (deal.ID, error) {
	const insertDeal = `
INSERT INTO deals (payer, payee, arbiter, asset, total_amount, status, milestone_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::deal_status, $7, $8, $9)
RETURNING id`

	var id int64
	if err := t.tx.QueryRow(ctx, insertDeal,
		string(d.Payer), string(d.Payee), string(d.Arbiter), string(d.Asset),
		d.TotalAmount, d.Status.String(), d.MilestoneCount, d.CreatedAt, d.UpdatedAt,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: insert deal: %w", err)
	}

	amounts := make([]int64, 0, len(milestones))
	for amount := range milestones.Amounts() {
		amounts = append(amounts, amount)
	}

	const insertMilestones = `
INSERT INTO milestones (deal_id, idx, amount, updated_at)
SELECT $1, (t.ord - 1)::int, t.amount, $3
FROM unnest($2::bigint[]) WITH ORDINALITY AS t(amount, ord)`

	if _, err := t.tx.Exec(ctx, insertMilestones, id, amounts, d.CreatedAt); err != nil {
		return 0, fmt.Errorf("postgres: insert milestones: %w", err)
	}

	return deal.ID(id), nil
}

func (t *Tx) LockDeal(ctx context.Context, id deal.ID) (deal.Deal, error) {
	d, err := scanDeal(t.tx.QueryRow(ctx, selectDealSQL+"\nFOR UPDATE NOWAIT", int64(id)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeLockNotAvailable {
			return deal.Deal{}, fmt.Errorf("%w: deal %d", store.ErrLocked, id)
		}
		return deal.Deal{}, err
	}
	return d, nil
}

func (t *Tx) Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error) {
	return loadMilestones(ctx, t.tx, id)
}

func (t *Tx) UpdateDeal(ctx context.Context, d deal.Deal) error {
	const stmt = `UPDATE deals SET status = $2::deal_status, updated_at = $3 WHERE id = $1`
	tag, err := t.tx.Exec(ctx, stmt, int64(d.ID), d.Status.String(), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update deal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deal.ErrNotFound
	}
	return nil
}

func (t *Tx) UpdateMilestone(ctx context.Context, id deal.ID, m milestone.Milestone) error {
	const stmt = `
UPDATE milestones
SET status = $3::milestone_status,
    outcome = $4::milestone_outcome,
    deliverable_ref = $5,
    updated_at = $6
WHERE deal_id = $1 AND idx = $2`

	tag, err := t.tx.Exec(ctx, stmt, int64(id), m.Index, m.Status.String(), m.Outcome.String(), m.DeliverableReference, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", milestone.ErrIndexOutOfRange, m.Index)
	}
	return nil
}

func (t *Tx) AppendEvent(ctx context.Context, ev timeline.Event) (timeline.Event, error) {
	if err := t.tx.QueryRow(ctx,
		`UPDATE deals SET event_seq = event_seq + 1 WHERE id = $1 RETURNING event_seq`,
		int64(ev.DealID),
	).Scan(&ev.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return timeline.Event{}, deal.ErrNotFound
		}
		return timeline.Event{}, fmt.Errorf("postgres: next event seq: %w", err)
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return timeline.Event{}, fmt.Errorf("postgres: marshal timeline payload: %w", err)
	}

	const insertEvent = `
INSERT INTO timeline_events (id, deal_id, seq, type, milestone, actor, payload, created_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::jsonb, $8)`

	if _, err := t.tx.Exec(ctx, insertEvent,
		ev.ID, int64(ev.DealID), ev.Seq, string(ev.Type), ev.Milestone, string(ev.Actor), payload, ev.CreatedAt,
	); err != nil {
		return timeline.Event{}, fmt.Errorf("postgres: insert timeline event: %w", err)
	}

	envelope, err := json.Marshal(map[string]any{
		"event_id":  ev.ID,
		"deal_id":   ev.DealID,
		"seq":       ev.Seq,
		"type":      ev.Type,
		"milestone": ev.Milestone,
		"payload":   ev.Payload,
	})
	if err != nil {
		return timeline.Event{}, fmt.Errorf("postgres: marshal outbox payload: %w", err)
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO outbox (id, topic, payload) VALUES ($1::uuid, $2, $3::jsonb)`,
		ev.ID, ev.Type.Topic(), envelope,
	); err != nil {
		return timeline.Event{}, fmt.Errorf("postgres: insert outbox message: %w", err)
	}

	return ev, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback tx: %w", err)
	}
	return nil
}

func scanDeal(row pgx.Row) (deal.Deal, error) {
	var (
		d                            deal.Deal
		id                           int64
		payer, payee, arbiter, asset string
		status                       string
	)
	if err := row.Scan(&id, &payer, &payee, &arbiter, &asset, &d.TotalAmount, &status, &d.MilestoneCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deal.Deal{}, deal.ErrNotFound
		}
		return deal.Deal{}, fmt.Errorf("postgres: scan deal: %w", err)
	}
	parsed, err := deal.ParseStatus(status)
	if err != nil {
		return deal.Deal{}, err
	}
	d.ID = deal.ID(id)
	d.Payer = ledger.Account(payer)
	d.Payee = ledger.Account(payee)
	d.Arbiter = ledger.Account(arbiter)
	d.Asset = ledger.Asset(asset)
	d.Status = parsed
	return d, nil
}

func loadMilestones(ctx context.Context, q querier, id deal.ID) (milestone.Ledger, error) {
	const query = `
SELECT idx, amount, status::text, outcome::text, deliverable_ref, updated_at
FROM milestones
WHERE deal_id = $1
ORDER BY idx`

	rows, err := q.Query(ctx, query, int64(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: query milestones: %w", err)
	}
	defer rows.Close()

	var l milestone.Ledger
	for rows.Next() {
		var (
			m               milestone.Milestone
			status, outcome string
		)
		if err := rows.Scan(&m.Index, &m.Amount, &status, &outcome, &m.DeliverableReference, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan milestone: %w", err)
		}
		if m.Status, err = milestone.ParseStatus(status); err != nil {
			return nil, err
		}
		if m.Outcome, err = milestone.ParseOutcome(outcome); err != nil {
			return nil, err
		}
		l = append(l, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate milestones: %w", err)
	}
	// every deal has at least one milestone
	if len(l) == 0 {
		return nil, deal.ErrNotFound
	}
	return l, nil
}

func scanEvents(rows pgx.Rows) ([]timeline.Event, error) {
	defer rows.Close()

	var events []timeline.Event
	for rows.Next() {
		var (
			ev      timeline.Event
			dealID  int64
			typ     string
			actor   string
			payload []byte
			created time.Time
		)
		if err := rows.Scan(&ev.ID, &dealID, &ev.Seq, &typ, &ev.Milestone, &actor, &payload, &created); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("postgres: decode event payload: %w", err)
		}
		ev.DealID = deal.ID(dealID)
		ev.Type = timeline.Type(typ)
		ev.Actor = ledger.Account(actor)
		ev.CreatedAt = created
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}
