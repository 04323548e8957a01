package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"milestoneescrow/ledger"
)

var (
	// ErrPrincipalNotFound signals that the account is not enrolled.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicatePrincipal signals that the account is already enrolled.
	ErrDuplicatePrincipal = errors.New("auth: principal already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreatePrincipal(ctx context.Context, p Principal) (Principal, error)
	GetPrincipal(ctx context.Context, account ledger.Account) (Principal, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreatePrincipal(ctx context.Context, p Principal) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (account, label, key_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	if err := r.pool.QueryRow(ctx, insertSQL, string(p.Account), p.Label, p.KeyHash).Scan(&p.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicatePrincipal
		}
		return Principal{}, fmt.Errorf("auth: insert principal: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetPrincipal(ctx context.Context, account ledger.Account) (Principal, error) {
	const selectSQL = `
		SELECT label, key_hash, created_at
		FROM principals
		WHERE account = $1
	`

	p := Principal{Account: account}
	if err := r.pool.QueryRow(ctx, selectSQL, string(account)).Scan(&p.Label, &p.KeyHash, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal: %w", err)
	}
	return p, nil
}

// MemoryRepository keeps principals in process; it backs the memory store driver.
type MemoryRepository struct {
	mu         sync.RWMutex
	principals map[ledger.Account]Principal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{principals: make(map[ledger.Account]Principal)}
}

func (r *MemoryRepository) CreatePrincipal(_ context.Context, p Principal) (Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.principals[p.Account]; exists {
		return Principal{}, ErrDuplicatePrincipal
	}
	p.CreatedAt = time.Now().UTC()
	r.principals[p.Account] = p
	return p, nil
}

func (r *MemoryRepository) GetPrincipal(_ context.Context, account ledger.Account) (Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.principals[account]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}
