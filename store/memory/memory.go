package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/store"
	"milestoneescrow/timeline"
)

var errTxDone = errors.New("memory: transaction already finished")

type row struct {
	deal       deal.Deal
	milestones milestone.Ledger
	seq        int64
	lockedBy   *Tx
}

func (r *row) clone() *row {
	return &row{deal: r.deal, milestones: r.milestones.Clone(), seq: r.seq, lockedBy: r.lockedBy}
}

type outboxEntry struct {
	event     timeline.Event
	published bool
}

// Store is an in-process store.Store. A transaction works on private copies
// of the rows it locks and publishes them on Commit. Reads made with a
// context carrying that transaction (store.ContextWithTx) see its copies, so
// calls nested under a running operation observe its effects; every other
// reader sees committed state only.
type Store struct {
	mu     sync.Mutex
	nextID deal.ID
	rows   map[deal.ID]*row
	events map[deal.ID][]timeline.Event
	outbox []outboxEntry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rows:   make(map[deal.ID]*row),
		events: make(map[deal.ID][]timeline.Event),
	}
}

func (s *Store) Begin(context.Context) (store.Tx, error) {
	return &Tx{store: s, staged: make(map[deal.ID]*row)}, nil
}

// view returns the row for id as seen from ctx. Must be called with s.mu held.
func (s *Store) view(ctx context.Context, id deal.ID) (*row, bool) {
	if t := s.owner(ctx); t != nil {
		if r, ok := t.staged[id]; ok {
			return r, true
		}
	}
	r, ok := s.rows[id]
	return r, ok
}

func (s *Store) owner(ctx context.Context) *Tx {
	tx, ok := store.TxFromContext(ctx)
	if !ok {
		return nil
	}
	t, ok := tx.(*Tx)
	if !ok || t.store != s || t.done {
		return nil
	}
	return t
}

func (s *Store) Deal(ctx context.Context, id deal.ID) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.view(ctx, id)
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	return r.deal, nil
}

func (s *Store) Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.view(ctx, id)
	if !ok {
		return nil, deal.ErrNotFound
	}
	return r.milestones.Clone(), nil
}

func (s *Store) Events(ctx context.Context, id deal.ID) ([]timeline.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.view(ctx, id); !ok {
		return nil, deal.ErrNotFound
	}
	out := slices.Clone(s.events[id])
	if t := s.owner(ctx); t != nil {
		for _, ev := range t.events {
			if ev.DealID == id {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (s *Store) Outstanding(ctx context.Context, asset ledger.Asset) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[deal.ID]struct{}, len(s.rows))
	for id := range s.rows {
		ids[id] = struct{}{}
	}
	if t := s.owner(ctx); t != nil {
		for id := range t.staged {
			ids[id] = struct{}{}
		}
	}
	var sum int64
	for id := range ids {
		r, _ := s.view(ctx, id)
		if r.deal.Asset == asset && r.deal.Status == deal.StatusFunded {
			sum += r.milestones.Outstanding()
		}
	}
	return sum, nil
}

func (s *Store) PendingEvents(_ context.Context, limit int) ([]timeline.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []timeline.Event
	for _, e := range s.outbox {
		if e.published {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e.event)
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if slices.Contains(eventIDs, s.outbox[i].event.ID) {
			s.outbox[i].published = true
		}
	}
	return nil
}

// Tx is a store.Tx over Store. It is not safe for concurrent use.
type Tx struct {
	store  *Store
	staged map[deal.ID]*row
	events []timeline.Event
	done   bool
}

func (t *Tx) InsertDeal(_ context.Context, d deal.Deal, milestones milestone.Ledger) (deal.ID, error) {
	if t.done {
		return 0, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// ids are never handed out twice, even when the insert rolls back
	s.nextID++
	d.ID = s.nextID
	t.staged[d.ID] = &row{deal: d, milestones: milestones.Clone(), lockedBy: t}
	return d.ID, nil
}

func (t *Tx) LockDeal(_ context.Context, id deal.ID) (deal.Deal, error) {
	if t.done {
		return deal.Deal{}, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := t.staged[id]; ok {
		return r.deal, nil
	}
	r, ok := s.rows[id]
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	if r.lockedBy != nil {
		return deal.Deal{}, fmt.Errorf("%w: deal %d", store.ErrLocked, id)
	}
	r.lockedBy = t
	t.staged[id] = r.clone()
	return r.deal, nil
}

func (t *Tx) Milestones(_ context.Context, id deal.ID) (milestone.Ledger, error) {
	if t.done {
		return nil, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := t.staged[id]; ok {
		return r.milestones.Clone(), nil
	}
	r, ok := s.rows[id]
	if !ok {
		return nil, deal.ErrNotFound
	}
	return r.milestones.Clone(), nil
}

func (t *Tx) UpdateDeal(_ context.Context, d deal.Deal) error {
	if t.done {
		return errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := t.owned(d.ID)
	if err != nil {
		return err
	}
	r.deal = d
	return nil
}

func (t *Tx) UpdateMilestone(_ context.Context, id deal.ID, m milestone.Milestone) error {
	if t.done {
		return errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := t.owned(id)
	if err != nil {
		return err
	}
	if m.Index < 0 || m.Index >= len(r.milestones) {
		return fmt.Errorf("%w: %d", milestone.ErrIndexOutOfRange, m.Index)
	}
	r.milestones[m.Index] = m
	return nil
}

func (t *Tx) AppendEvent(_ context.Context, ev timeline.Event) (timeline.Event, error) {
	if t.done {
		return timeline.Event{}, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := t.owned(ev.DealID)
	if err != nil {
		return timeline.Event{}, err
	}
	r.seq++
	ev.Seq = r.seq
	t.events = append(t.events, ev)
	return ev, nil
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range t.staged {
		r.lockedBy = nil
		s.rows[id] = r
	}
	for _, ev := range t.events {
		s.events[ev.DealID] = append(s.events[ev.DealID], ev)
		s.outbox = append(s.outbox, outboxEntry{event: ev})
	}
	t.finish()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.staged {
		if r, ok := s.rows[id]; ok && r.lockedBy == t {
			r.lockedBy = nil
		}
	}
	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.staged, t.events = nil, nil
	t.done = true
}

// owned must be called with the store mutex held.
func (t *Tx) owned(id deal.ID) (*row, error) {
	if r, ok := t.staged[id]; ok {
		return r, nil
	}
	if _, ok := t.store.rows[id]; !ok {
		return nil, deal.ErrNotFound
	}
	return nil, fmt.Errorf("memory: deal %d not locked by this transaction", id)
}
