package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrInvalidAccount signals an identifier that is not a 20-byte hex account.
	ErrInvalidAccount = errors.New("ledger: invalid account")
	// ErrInsufficientBalance is returned when the source account cannot cover a transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAllowance is returned when a pull exceeds the owner's approval for the spender.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	// ErrInvalidAmount is returned for non-positive transfer amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// Account identifies a principal on the value ledger, normalised to its
// EIP-55 checksum form so that equal addresses compare equal as strings.
type Account string

// Asset identifies a fungible-value ledger (a token contract address).
type Asset string

// ZeroAccount is the all-zero address. It never owns value.
const ZeroAccount Account = "0x0000000000000000000000000000000000000000"

// Ledger is the subset of a fungible-token ledger the custodian consumes.
// Implementations may call back into the caller before returning.
type Ledger interface {
	// TransferFrom moves amount from owner to to, spending the allowance
	// owner granted to spender.
	TransferFrom(ctx context.Context, asset Asset, owner, spender, to Account, amount int64) error
	// Transfer moves amount from from to to.
	Transfer(ctx context.Context, asset Asset, from, to Account, amount int64) error
	// BalanceOf reports the balance account holds of asset.
	BalanceOf(ctx context.Context, asset Asset, account Account) (int64, error)
}

// ParseAccount validates a 0x-prefixed 40-digit hex address and returns its
// checksummed form. Mixed-case input must carry a valid checksum.
func ParseAccount(s string) (Account, error) {
	normalised, err := checksumAddress(s)
	if err != nil {
		return "", err
	}
	return Account(normalised), nil
}

// ParseAsset validates an asset address the same way as ParseAccount.
func ParseAsset(s string) (Asset, error) {
	normalised, err := checksumAddress(s)
	if err != nil {
		return "", err
	}
	return Asset(normalised), nil
}

// MustAccount is ParseAccount for constants and tests.
func MustAccount(s string) Account {
	a, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MustAsset is ParseAsset for constants and tests.
func MustAsset(s string) Asset {
	a, err := ParseAsset(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is the zero address or unset.
func (a Account) IsZero() bool {
	return a == "" || a == ZeroAccount
}

func (a Account) String() string { return string(a) }

func (a Asset) String() string { return string(a) }

func checksumAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", fmt.Errorf("%w: %q missing 0x prefix", ErrInvalidAccount, s)
	}
	body := s[2:]
	if len(body) != 40 {
		return "", fmt.Errorf("%w: %q must have 40 hex digits", ErrInvalidAccount, s)
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("%w: %q is not hex", ErrInvalidAccount, s)
	}

	lower := strings.ToLower(body)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i := range out {
		if out[i] < 'a' || out[i] > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] -= 'a' - 'A'
		}
	}
	checksummed := "0x" + string(out)

	mixed := body != lower && body != strings.ToUpper(body)
	if mixed && "0x"+body != checksummed {
		return "", fmt.Errorf("%w: %q has a bad checksum", ErrInvalidAccount, s)
	}
	return checksummed, nil
}
