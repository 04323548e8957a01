package milestone

import (
	"fmt"
	"time"
)

// Status is the per-milestone lifecycle:
// Pending -> Submitted -> {Approved | Disputed -> Resolved}.
type Status uint8

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusApproved
	StatusDisputed
	StatusResolved
)

var statusNames = [...]string{
	StatusPending:   "pending",
	StatusSubmitted: "submitted",
	StatusApproved:  "approved",
	StatusDisputed:  "disputed",
	StatusResolved:  "resolved",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps the stored name back to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("milestone: unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusResolved
}

// Outcome records where a terminal milestone's value went.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeReleased
	OutcomeRefunded
)

var outcomeNames = [...]string{
	OutcomeNone:     "none",
	OutcomeReleased: "released",
	OutcomeRefunded: "refunded",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// ParseOutcome maps the stored name back to an Outcome.
func ParseOutcome(name string) (Outcome, error) {
	for i, n := range outcomeNames {
		if n == name {
			return Outcome(i), nil
		}
	}
	return 0, fmt.Errorf("milestone: unknown outcome %q", name)
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	parsed, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Milestone is one independently released portion of a deal.
type Milestone struct {
	Index                int
	Amount               int64
	Status               Status
	Outcome              Outcome
	DeliverableReference string
	UpdatedAt            time.Time
}
