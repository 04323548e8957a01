package custody

import (
	"context"
	"errors"
	"fmt"

	"milestoneescrow/ledger"
)

var (
	// ErrTransferFailed wraps any failure reported by the value ledger.
	ErrTransferFailed = errors.New("custody: transfer failed")
	// ErrReentrant is returned when a custody movement is already in flight
	// for the same lock key.
	ErrReentrant = errors.New("custody: reentrant call")
)

// Class separates pulls into custody from payouts out of it.
type Class string

const (
	ClassFunding    Class = "funding"
	ClassSettlement Class = "settlement"
)

// Recorder observes completed and failed movements. observability.Metrics satisfies it.
type Recorder interface {
	RecordCustody(ctx context.Context, class string, amount int64, err error)
}

// Module moves value between principals and the escrow custodian account.
// Every movement runs under the lock for its (class, asset) key and the lock
// is released whether the ledger call succeeds or not.
type Module struct {
	ledger    ledger.Ledger
	custodian ledger.Account
	lock      Lock
	recorder  Recorder
}

func NewModule(l ledger.Ledger, custodian ledger.Account, lock Lock) *Module {
	if lock == nil {
		lock = NewLocalLock()
	}
	return &Module{ledger: l, custodian: custodian, lock: lock}
}

// WithRecorder attaches a movement recorder.
func (m *Module) WithRecorder(r Recorder) *Module {
	m.recorder = r
	return m
}

// Custodian is the account that holds escrowed value.
func (m *Module) Custodian() ledger.Account { return m.custodian }

// PullIn moves amount of asset from the payer into custody, spending the
// allowance the payer granted the custodian.
func (m *Module) PullIn(ctx context.Context, asset ledger.Asset, from ledger.Account, amount int64) error {
	return m.move(ctx, ClassFunding, asset, amount, func(ctx context.Context) error {
		return m.ledger.TransferFrom(ctx, asset, from, m.custodian, m.custodian, amount)
	})
}

// PushOut moves amount of asset from custody to the recipient.
func (m *Module) PushOut(ctx context.Context, asset ledger.Asset, to ledger.Account, amount int64) error {
	return m.move(ctx, ClassSettlement, asset, amount, func(ctx context.Context) error {
		return m.ledger.Transfer(ctx, asset, m.custodian, to, amount)
	})
}

// Balance reports how much of asset custody currently holds.
func (m *Module) Balance(ctx context.Context, asset ledger.Asset) (int64, error) {
	bal, err := m.ledger.BalanceOf(ctx, asset, m.custodian)
	if err != nil {
		return 0, fmt.Errorf("custody: balance of %s: %w", asset, err)
	}
	return bal, nil
}

func (m *Module) move(ctx context.Context, class Class, asset ledger.Asset, amount int64, transfer func(context.Context) error) (err error) {
	defer func() {
		if m.recorder != nil {
			m.recorder.RecordCustody(ctx, string(class), amount, err)
		}
	}()

	if amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrTransferFailed, amount)
	}

	release, err := m.lock.Acquire(ctx, LockKey(class, asset))
	if err != nil {
		return err
	}
	defer release()

	if err := transfer(ctx); err != nil {
		return fmt.Errorf("%w: %s %d of %s: %w", ErrTransferFailed, class, amount, asset, err)
	}
	return nil
}

// LockKey names the lock a movement of class over asset takes.
func LockKey(class Class, asset ledger.Asset) string {
	return string(class) + ":" + string(asset)
}
