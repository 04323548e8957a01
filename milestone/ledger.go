package milestone

import (
	"errors"
	"fmt"
	"iter"
	"slices"
)

// ErrIndexOutOfRange is returned for an index outside [0, milestoneCount).
var ErrIndexOutOfRange = errors.New("milestone: index out of range")

// Ledger is the ordered milestone list owned by exactly one deal. Its length
// is fixed at creation.
type Ledger []Milestone

// NewLedger lays out pending milestones for the given amounts.
func NewLedger(amounts []int64) Ledger {
	l := make(Ledger, len(amounts))
	for i, amount := range amounts {
		l[i] = Milestone{Index: i, Amount: amount, Status: StatusPending}
	}
	return l
}

// At returns a copy of the milestone at index.
func (l Ledger) At(index int) (Milestone, error) {
	if err := l.check(index); err != nil {
		return Milestone{}, err
	}
	return l[index], nil
}

// Amounts yields the milestone amounts in order. The sequence can be ranged
// over any number of times.
func (l Ledger) Amounts() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		for _, m := range l {
			if !yield(m.Amount) {
				return
			}
		}
	}
}

// Total sums the milestone amounts.
func (l Ledger) Total() int64 {
	var total int64
	for amount := range l.Amounts() {
		total += amount
	}
	return total
}

// AllTerminal reports whether every milestone reached Approved or Resolved.
func (l Ledger) AllTerminal() bool {
	for _, m := range l {
		if !m.Status.Terminal() {
			return false
		}
	}
	return len(l) > 0
}

// Outstanding sums the milestones whose value is still held in custody.
func (l Ledger) Outstanding() int64 {
	var sum int64
	for _, m := range l {
		if !m.Status.Terminal() {
			sum += m.Amount
		}
	}
	return sum
}

// SetStatus records a status and outcome. Transition policy lives with the caller.
func (l Ledger) SetStatus(index int, status Status, outcome Outcome) error {
	if err := l.check(index); err != nil {
		return err
	}
	l[index].Status = status
	l[index].Outcome = outcome
	return nil
}

// SetDeliverable records the payee's deliverable reference.
func (l Ledger) SetDeliverable(index int, ref string) error {
	if err := l.check(index); err != nil {
		return err
	}
	l[index].DeliverableReference = ref
	return nil
}

// Clone returns an independent copy.
func (l Ledger) Clone() Ledger {
	return slices.Clone(l)
}

func (l Ledger) check(index int) error {
	if index < 0 || index >= len(l) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(l))
	}
	return nil
}
