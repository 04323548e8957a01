package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"milestoneescrow/ledger"
)

const (
	payerHex = "0x1000000000000000000000000000000000000001"
	apiKey   = "payer-api-key-0123456789"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	ctx := context.Background()
	p, err := svc.Register(ctx, RegisterRequest{Account: payerHex, APIKey: apiKey, Label: "payer"})
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if p.KeyHash == apiKey || p.KeyHash == "" {
		t.Fatalf("register: expected a hashed key, got %q", p.KeyHash)
	}

	resp, err := svc.Login(ctx, LoginRequest{Account: payerHex, APIKey: apiKey})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	account, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if account != ledger.MustAccount(payerHex) {
		t.Fatalf("verify token: expected %s got %s", payerHex, account)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret", 0)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Account: payerHex, APIKey: "short"}); !errors.Is(err, ErrWeakKey) {
		t.Fatalf("expected ErrWeakKey, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Account: "alice", APIKey: apiKey}); err == nil {
		t.Fatal("expected validation error for malformed account")
	}
	if _, err := svc.Register(ctx, RegisterRequest{Account: string(ledger.ZeroAccount), APIKey: apiKey}); err == nil {
		t.Fatal("expected zero account to be rejected")
	}
}

func TestService_DuplicatePrincipal(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret", 0)
	req := RegisterRequest{Account: payerHex, APIKey: apiKey}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicatePrincipal) {
		t.Fatalf("expected ErrDuplicatePrincipal, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret", 0)
	ctx := context.Background()

	if _, err := svc.Login(ctx, LoginRequest{Account: payerHex, APIKey: apiKey}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown account, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterRequest{Account: payerHex, APIKey: apiKey}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, LoginRequest{Account: payerHex, APIKey: apiKey + "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong key, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryRepository(), "test-secret", time.Minute).WithClock(func() time.Time { return now })

	token, _, err := svc.IssueToken(ledger.MustAccount(payerHex))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewService(NewMemoryRepository(), "other-secret", time.Minute).WithClock(func() time.Time { return now })
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	later := NewService(NewMemoryRepository(), "test-secret", time.Minute).WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := later.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	bogus, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "not-an-account",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}).SignedString([]byte("test-secret"))
	if _, err := svc.VerifyToken(bogus); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for bad subject, got %v", err)
	}
}
