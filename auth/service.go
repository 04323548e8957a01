package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"milestoneescrow/ledger"
)

var (
	// ErrInvalidCredentials signals an unknown account or wrong API key.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakKey signals an API key that doesn't meet requirements.
	ErrWeakKey = errors.New("auth: api key must be at least 16 characters")
	// ErrInvalidToken signals a bearer token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and the principal it was issued to.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   ledger.Account
}

// NewService creates a new authentication service. A zero ttl means 24 hours.
func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register enrolls an account with an API key.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Principal, error) {
	if len(req.APIKey) < 16 {
		return nil, ErrWeakKey
	}
	account, err := ledger.ParseAccount(req.Account)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if account.IsZero() {
		return nil, fmt.Errorf("auth: %w: zero account cannot be enrolled", ledger.ErrInvalidAccount)
	}

	hash, err := HashKey(req.APIKey)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.CreatePrincipal(ctx, Principal{
		Account: account,
		Label:   req.Label,
		KeyHash: hash,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Login verifies an API key and returns a bearer token for the account.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := ledger.ParseAccount(req.Account)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	p, err := s.repo.GetPrincipal(ctx, account)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.KeyHash), []byte(req.APIKey)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expires, err := s.IssueToken(p.Account)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: expires, Account: p.Account}, nil
}

// IssueToken signs a token whose subject is account.
func (s *Service) IssueToken(account ledger.Account) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   string(account),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expires, nil
}

// VerifyToken validates a bearer token and returns the account it was issued to.
func (s *Service) VerifyToken(tokenString string) (ledger.Account, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	account, err := ledger.ParseAccount(claims.Subject)
	if err != nil || account.IsZero() {
		return "", fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	return account, nil
}

// HashKey bcrypt-hashes an API key for storage.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash key: %w", err)
	}
	return string(hash), nil
}
