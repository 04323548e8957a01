package auth

import (
	"time"

	"milestoneescrow/ledger"
)

// Principal is a ledger account allowed to call the API. It authenticates
// with an API key whose bcrypt hash is stored here.
type Principal struct {
	Account   ledger.Account
	Label     string
	KeyHash   string
	CreatedAt time.Time
}

// RegisterRequest enrolls an account with a caller-chosen API key.
type RegisterRequest struct {
	Account string `json:"account"`
	APIKey  string `json:"api_key"`
	Label   string `json:"label"`
}

// LoginRequest exchanges an API key for a bearer token.
type LoginRequest struct {
	Account string `json:"account"`
	APIKey  string `json:"api_key"`
}
