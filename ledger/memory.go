package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Movement describes one completed balance change on the Memory ledger.
type Movement struct {
	Asset  Asset
	From   Account
	To     Account
	Amount int64
}

// Hook runs after a Memory transfer has moved balances and before the
// transfer returns, the way a token with receive callbacks hands control to
// arbitrary code. A non-nil error reverts the movement and fails the transfer.
type Hook func(ctx context.Context, mv Movement) error

// Memory is an in-process token ledger with balances and allowances. It backs
// development deployments and tests; production custody talks to a real ledger.
type Memory struct {
	mu         sync.Mutex
	balances   map[Asset]map[Account]int64
	allowances map[Asset]map[Account]map[Account]int64
	hook       Hook
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[Asset]map[Account]int64),
		allowances: make(map[Asset]map[Account]map[Account]int64),
	}
}

// OnTransfer installs h as the transfer hook, replacing any previous one.
func (m *Memory) OnTransfer(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Mint credits amount of asset to account.
func (m *Memory) Mint(asset Asset, to Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts(asset)[to] += amount
	return nil
}

// Approve sets the allowance owner grants spender over asset.
func (m *Memory) Approve(asset Asset, owner, spender Account, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byOwner, ok := m.allowances[asset]
	if !ok {
		byOwner = make(map[Account]map[Account]int64)
		m.allowances[asset] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[Account]int64)
		byOwner[owner] = bySpender
	}
	bySpender[spender] = amount
	return nil
}

// Allowance reports the remaining approval owner granted spender.
func (m *Memory) Allowance(asset Asset, owner, spender Account) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[asset][owner][spender]
}

// BalanceOf implements Ledger.
func (m *Memory) BalanceOf(_ context.Context, asset Asset, account Account) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset][account], nil
}

// Transfer implements Ledger.
func (m *Memory) Transfer(ctx context.Context, asset Asset, from, to Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	if err := m.move(asset, from, to, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	hook := m.hook
	m.mu.Unlock()

	return m.runHook(ctx, hook, Movement{Asset: asset, From: from, To: to, Amount: amount}, nil)
}

// TransferFrom implements Ledger.
func (m *Memory) TransferFrom(ctx context.Context, asset Asset, owner, spender, to Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	allowed := m.allowances[asset][owner][spender]
	if allowed < amount {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s approved %d of %s to %s, need %d", ErrInsufficientAllowance, owner, allowed, asset, spender, amount)
	}
	if err := m.move(asset, owner, to, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	m.allowances[asset][owner][spender] = allowed - amount
	hook := m.hook
	m.mu.Unlock()

	restoreAllowance := func() {
		m.allowances[asset][owner][spender] += amount
	}
	return m.runHook(ctx, hook, Movement{Asset: asset, From: owner, To: to, Amount: amount}, restoreAllowance)
}

func (m *Memory) runHook(ctx context.Context, hook Hook, mv Movement, undo func()) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx, mv); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.accounts(mv.Asset)[mv.To] -= mv.Amount
		m.accounts(mv.Asset)[mv.From] += mv.Amount
		if undo != nil {
			undo()
		}
		return fmt.Errorf("ledger: transfer reverted: %w", err)
	}
	return nil
}

// move must be called with mu held.
func (m *Memory) move(asset Asset, from, to Account, amount int64) error {
	accounts := m.accounts(asset)
	if accounts[from] < amount {
		return fmt.Errorf("%w: %s holds %d of %s, need %d", ErrInsufficientBalance, from, accounts[from], asset, amount)
	}
	accounts[from] -= amount
	accounts[to] += amount
	return nil
}

func (m *Memory) accounts(asset Asset) map[Account]int64 {
	accounts, ok := m.balances[asset]
	if !ok {
		accounts = make(map[Account]int64)
		m.balances[asset] = accounts
	}
	return accounts
}
