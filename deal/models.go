package deal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"milestoneescrow/ledger"
)

var (
	// ErrNotFound is returned when no deal exists for the identifier. ID 0 is never allocated.
	ErrNotFound = errors.New("deal: not found")
	// ErrInvalidParameters rejects malformed creation input.
	ErrInvalidParameters = errors.New("deal: invalid parameters")
)

// ID addresses a deal. Allocation starts at 1 and only increases.
type ID int64

// Status is the deal-level lifecycle.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusClosed
)

var statusNames = [...]string{
	StatusCreated: "created",
	StatusFunded:  "funded",
	StatusClosed:  "closed",
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
	return 0, fmt.Errorf("deal: unknown status %q", name)
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

// Deal is the durable record of one escrow agreement. It is never deleted;
// a closed deal stays as an audit record.
type Deal struct {
	ID             ID
	Payer          ledger.Account
	Payee          ledger.Account
	Arbiter        ledger.Account
	Asset          ledger.Asset
	TotalAmount    int64
	Status         Status
	MilestoneCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams is the caller-supplied input for a new deal.
type CreateParams struct {
	Payer   ledger.Account
	Payee   ledger.Account
	Arbiter ledger.Account
	Asset   ledger.Asset
	Amounts []int64
}

// New validates params and returns an unsaved deal in StatusCreated. The
// total is fixed here and never recomputed.
func New(params CreateParams) (Deal, error) {
	if len(params.Amounts) == 0 {
		return Deal{}, fmt.Errorf("%w: at least one milestone required", ErrInvalidParameters)
	}
	if params.Payer.IsZero() || params.Payee.IsZero() || params.Arbiter.IsZero() {
		return Deal{}, fmt.Errorf("%w: payer, payee and arbiter required", ErrInvalidParameters)
	}
	if params.Asset == "" || ledger.Account(params.Asset) == ledger.ZeroAccount {
		return Deal{}, fmt.Errorf("%w: asset required", ErrInvalidParameters)
	}
	if params.Arbiter == params.Payer || params.Arbiter == params.Payee {
		return Deal{}, fmt.Errorf("%w: arbiter cannot be payer/payee", ErrInvalidParameters)
	}
	if params.Payer == params.Payee {
		return Deal{}, fmt.Errorf("%w: payer and payee must differ", ErrInvalidParameters)
	}

	var total int64
	for i, amount := range params.Amounts {
		if amount <= 0 {
			return Deal{}, fmt.Errorf("%w: zero milestone at index %d", ErrInvalidParameters, i)
		}
		if amount > math.MaxInt64-total {
			return Deal{}, fmt.Errorf("%w: total amount overflows", ErrInvalidParameters)
		}
		total += amount
	}

	return Deal{
		Payer:          params.Payer,
		Payee:          params.Payee,
		Arbiter:        params.Arbiter,
		Asset:          params.Asset,
		TotalAmount:    total,
		Status:         StatusCreated,
		MilestoneCount: len(params.Amounts),
	}, nil
}
