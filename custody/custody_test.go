package custody

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestoneescrow/ledger"
)

var (
	token     = ledger.MustAsset("0x0000000000000000000000000000000000000001")
	payer     = ledger.MustAccount("0x1000000000000000000000000000000000000001")
	payee     = ledger.MustAccount("0x2000000000000000000000000000000000000002")
	custodian = ledger.MustAccount("0x9000000000000000000000000000000000000009")
)

type recorded struct {
	class  string
	amount int64
	err    error
}

type fakeRecorder struct{ calls []recorded }

func (f *fakeRecorder) RecordCustody(_ context.Context, class string, amount int64, err error) {
	f.calls = append(f.calls, recorded{class, amount, err})
}

func TestModule_PullInAndPushOut(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Mint(token, payer, 500))
	require.NoError(t, l.Approve(token, payer, custodian, 300))

	rec := &fakeRecorder{}
	m := NewModule(l, custodian, nil).WithRecorder(rec)

	require.NoError(t, m.PullIn(ctx, token, payer, 300))
	bal, err := m.Balance(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)

	require.NoError(t, m.PushOut(ctx, token, payee, 120))
	got, _ := l.BalanceOf(ctx, token, payee)
	assert.Equal(t, int64(120), got)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "funding", rec.calls[0].class)
	assert.Equal(t, "settlement", rec.calls[1].class)
}

func TestModule_LedgerFailureIsTransferFailed(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Mint(token, payer, 500))
	m := NewModule(l, custodian, nil)

	err := m.PullIn(ctx, token, payer, 100)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	err = m.PushOut(ctx, token, payee, 1)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestModule_NestedMovementIsRejected(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	require.NoError(t, l.Mint(token, custodian, 100))

	lock := NewLocalLock()
	m := NewModule(l, custodian, lock)

	var nested error
	l.OnTransfer(func(ctx context.Context, mv ledger.Movement) error {
		if nested == nil {
			nested = m.PushOut(ctx, token, payee, 10)
		}
		return nil
	})

	require.NoError(t, m.PushOut(ctx, token, payee, 50))
	assert.ErrorIs(t, nested, ErrReentrant)

	got, _ := l.BalanceOf(ctx, token, payee)
	assert.Equal(t, int64(50), got, "only the outer payout lands")
	assert.False(t, lock.Held(LockKey(ClassSettlement, token)), "lock released after the call")
}

func TestModule_LockReleasedOnFailure(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	lock := NewLocalLock()
	m := NewModule(l, custodian, lock)

	require.Error(t, m.PushOut(ctx, token, payee, 10))
	assert.False(t, lock.Held(LockKey(ClassSettlement, token)))
}

func TestModule_RejectsNonPositiveAmount(t *testing.T) {
	m := NewModule(ledger.NewMemory(), custodian, nil)
	assert.ErrorIs(t, m.PushOut(context.Background(), token, payee, 0), ErrTransferFailed)
}

func TestLocalLock_ReleaseIsIdempotent(t *testing.T) {
	lock := NewLocalLock()
	release, err := lock.Acquire(context.Background(), "k")
	require.NoError(t, err)

	_, err = lock.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrReentrant)

	release()
	release()
	again, err := lock.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

// TestRedisLock_Integration requires a running Redis; it skips otherwise.
func TestRedisLock_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	lock := NewRedisLock(client, "escrow:test:"+time.Now().Format("150405.000000"), 5*time.Second)

	release, err := lock.Acquire(ctx, "settlement:x")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "settlement:x")
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}

	release()
	again, err := lock.Acquire(ctx, "settlement:x")
	require.NoError(t, err)
	again()
}
