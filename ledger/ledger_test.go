package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccount_Checksum(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		got, err := ParseAccount(want)
		require.NoError(t, err)
		assert.Equal(t, Account(want), got)

		lowered, err := ParseAccount("0x" + toLower(want[2:]))
		require.NoError(t, err)
		assert.Equal(t, got, lowered, "lowercase input must normalise to the checksum form")
	}
}

func TestParseAccount_Rejects(t *testing.T) {
	cases := map[string]string{
		"no prefix":    "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"short":        "0x1234",
		"not hex":      "0xZZaeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"bad checksum": "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAccount(in)
			assert.ErrorIs(t, err, ErrInvalidAccount)
		})
	}
}

func TestMemory_TransferFromSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	asset := MustAsset("0x0000000000000000000000000000000000000001")
	owner := MustAccount("0x1000000000000000000000000000000000000001")
	spender := MustAccount("0x2000000000000000000000000000000000000002")

	m := NewMemory()
	require.NoError(t, m.Mint(asset, owner, 1000))
	require.NoError(t, m.Approve(asset, owner, spender, 300))

	require.NoError(t, m.TransferFrom(ctx, asset, owner, spender, spender, 200))
	assert.Equal(t, int64(100), m.Allowance(asset, owner, spender))

	err := m.TransferFrom(ctx, asset, owner, spender, spender, 200)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	bal, _ := m.BalanceOf(ctx, asset, spender)
	assert.Equal(t, int64(200), bal)
}

func TestMemory_HookErrorRevertsTransfer(t *testing.T) {
	ctx := context.Background()
	asset := MustAsset("0x0000000000000000000000000000000000000001")
	from := MustAccount("0x1000000000000000000000000000000000000001")
	to := MustAccount("0x3000000000000000000000000000000000000003")

	m := NewMemory()
	require.NoError(t, m.Mint(asset, from, 50))

	var seen Movement
	m.OnTransfer(func(ctx context.Context, mv Movement) error {
		seen = mv
		bal, _ := m.BalanceOf(ctx, mv.Asset, mv.To)
		assert.Equal(t, int64(50), bal, "hook must observe the moved balance")
		return errors.New("recipient rejected")
	})

	err := m.Transfer(ctx, asset, from, to, 50)
	require.Error(t, err)
	assert.Equal(t, Movement{Asset: asset, From: from, To: to, Amount: 50}, seen)

	fromBal, _ := m.BalanceOf(ctx, asset, from)
	toBal, _ := m.BalanceOf(ctx, asset, to)
	assert.Equal(t, int64(50), fromBal)
	assert.Zero(t, toBal)
}

func TestMemory_TransferInsufficientBalance(t *testing.T) {
	m := NewMemory()
	asset := MustAsset("0x0000000000000000000000000000000000000001")
	err := m.Transfer(context.Background(), asset, ZeroAccount, MustAccount("0x3000000000000000000000000000000000000003"), 1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
