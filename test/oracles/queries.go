package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the SQL invariants over the escrow tables. Each query selects
// violating rows, so an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_total_matches_milestones",
			SQL: `SELECT d.id, d.total_amount, SUM(m.amount), d.milestone_count, COUNT(m.idx)
                  FROM deals d JOIN milestones m ON m.deal_id = d.id
                  GROUP BY d.id, d.total_amount, d.milestone_count
                  HAVING SUM(m.amount) <> d.total_amount OR COUNT(m.idx) <> d.milestone_count
                      OR MAX(m.idx) <> d.milestone_count - 1`,
		},
		{
			Name: "O2_event_seq_gapless",
			SQL: `SELECT d.id, d.event_seq, COUNT(e.id), COALESCE(MAX(e.seq), 0)
                  FROM deals d LEFT JOIN timeline_events e ON e.deal_id = d.id
                  GROUP BY d.id, d.event_seq
                  HAVING COUNT(e.id) <> d.event_seq OR COALESCE(MAX(e.seq), 0) <> d.event_seq`,
		},
		{
			Name: "O3_closed_iff_all_terminal",
			SQL: `SELECT d.id, d.status
                  FROM deals d JOIN milestones m ON m.deal_id = d.id
                  GROUP BY d.id, d.status
                  HAVING (d.status = 'closed') <> bool_and(m.status IN ('approved', 'resolved'))`,
		},
		{
			Name: "O4_no_progress_before_funding",
			SQL: `SELECT m.deal_id, m.idx, m.status
                  FROM milestones m JOIN deals d ON d.id = m.deal_id
                  WHERE d.status = 'created' AND m.status <> 'pending'`,
		},
		{
			Name: "O5_outcome_matches_status",
			SQL: `SELECT deal_id, idx, status, outcome FROM milestones
                  WHERE (status = 'approved' AND outcome <> 'released')
                     OR (status = 'resolved' AND outcome = 'none')
                     OR (status NOT IN ('approved', 'resolved') AND outcome <> 'none')`,
		},
		{
			Name: "O6_single_funding_and_close",
			SQL: `SELECT e.deal_id, e.type, COUNT(*) FROM timeline_events e
                  WHERE e.type IN ('DEAL_CREATED', 'DEAL_FUNDED', 'DEAL_CLOSED')
                  GROUP BY e.deal_id, e.type HAVING COUNT(*) > 1
                  UNION ALL
                  SELECT d.id, 'DEAL_CLOSED', 0 FROM deals d
                  WHERE (d.status = 'closed') <> EXISTS (
                      SELECT 1 FROM timeline_events e WHERE e.deal_id = d.id AND e.type = 'DEAL_CLOSED')`,
		},
		{
			Name: "O7_settlement_events_match_state",
			SQL: `SELECT m.deal_id, m.idx, m.status FROM milestones m
                  WHERE m.status IN ('approved', 'resolved')
                    AND (SELECT COUNT(*) FROM timeline_events e
                         WHERE e.deal_id = m.deal_id AND e.milestone = m.idx
                           AND e.type IN ('MILESTONE_APPROVED', 'MILESTONE_RESOLVED')) <> 1`,
		},
		{
			Name: "O8_every_event_in_outbox",
			SQL: `SELECT e.id FROM timeline_events e
                  LEFT JOIN outbox o ON o.id = e.id
                  WHERE o.id IS NULL`,
		},
		{
			Name: "O9_deal_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_deals')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

// Custody compares what the custodian holds with what funded deals still owe.
// It only holds at quiescent points: a transfer lands on the ledger just
// before its transaction commits.
func Custody(held, outstanding int64) error {
	if held != outstanding {
		return fmt.Errorf("custody holds %d but deals owe %d", held, outstanding)
	}
	return nil
}
