package api

import (
	"context"
	"iter"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"milestoneescrow/auth"
	"milestoneescrow/deal"
	"milestoneescrow/escrow"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/timeline"
)

// Escrow is the state machine surface the handlers drive. *escrow.Service implements it.
type Escrow interface {
	CreateDeal(ctx context.Context, caller ledger.Account, params escrow.CreateDealParams) (deal.ID, error)
	Fund(ctx context.Context, caller ledger.Account, id deal.ID) error
	Submit(ctx context.Context, caller ledger.Account, id deal.ID, index int, deliverableRef string) error
	Approve(ctx context.Context, caller ledger.Account, id deal.ID, index int) error
	Dispute(ctx context.Context, caller ledger.Account, id deal.ID, index int) error
	Resolve(ctx context.Context, caller ledger.Account, id deal.ID, index int, releaseToPayee bool) error

	Deal(ctx context.Context, id deal.ID) (deal.Deal, error)
	Milestone(ctx context.Context, id deal.ID, index int) (milestone.Milestone, error)
	MilestoneAmounts(ctx context.Context, id deal.ID) (iter.Seq[int64], error)
	Milestones(ctx context.Context, id deal.ID) (milestone.Ledger, error)
	Events(ctx context.Context, id deal.ID) ([]timeline.Event, error)
	Solvency(ctx context.Context, asset ledger.Asset) (escrow.Solvency, error)
}

// Authenticator enrolls principals and issues their bearer tokens. *auth.Service implements it.
type Authenticator interface {
	TokenVerifier
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Principal, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

// DevLedger is the development ledger exposed under /api/dev. *ledger.Memory implements it.
type DevLedger interface {
	Mint(asset ledger.Asset, to ledger.Account, amount int64) error
	Approve(asset ledger.Asset, owner, spender ledger.Account, amount int64) error
	BalanceOf(ctx context.Context, asset ledger.Asset, account ledger.Account) (int64, error)
}

// Server owns the HTTP surface of the escrow.
type Server struct {
	escrow    Escrow
	auth      Authenticator
	dev       DevLedger
	custodian ledger.Account
	logger    *slog.Logger
	perSecond float64
	burst     int
}

func NewServer(e Escrow, a Authenticator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		escrow:    e,
		auth:      a,
		logger:    log,
		perSecond: 20,
		burst:     40,
	}
}

// WithDevLedger mounts the development ledger routes. Approvals default to
// the custodian as spender.
func (s *Server) WithDevLedger(l DevLedger, custodian ledger.Account) *Server {
	s.dev = l
	s.custodian = custodian
	return s
}

// WithRateLimit sets the per-client request rate. A non-positive rate disables limiting.
func (s *Server) WithRateLimit(perSecond float64, burst int) *Server {
	s.perSecond = perSecond
	s.burst = burst
	return s
}

// Router builds the gin engine with middleware and every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	if s.perSecond > 0 {
		r.Use(RateLimit(s.perSecond, s.burst))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/auth/register", s.handleRegister)
		api.POST("/auth/login", s.handleLogin)

		api.GET("/deals/:id", s.handleGetDeal)
		api.GET("/deals/:id/amounts", s.handleMilestoneAmounts)
		api.GET("/deals/:id/milestones", s.handleListMilestones)
		api.GET("/deals/:id/milestones/:index", s.handleGetMilestone)
		api.GET("/deals/:id/events", s.handleEvents)
		api.GET("/custody/:asset/solvency", s.handleSolvency)

		protected := api.Group("")
		protected.Use(Auth(s.auth))
		{
			protected.POST("/deals", s.handleCreateDeal)
			protected.POST("/deals/:id/fund", s.handleFund)
			protected.POST("/deals/:id/milestones/:index/submit", s.handleSubmit)
			protected.POST("/deals/:id/milestones/:index/approve", s.handleApprove)
			protected.POST("/deals/:id/milestones/:index/dispute", s.handleDispute)
			protected.POST("/deals/:id/milestones/:index/resolve", s.handleResolve)
		}

		if s.dev != nil {
			dev := api.Group("/dev/ledger")
			dev.GET("/balance", s.handleDevBalance)
			dev.POST("/mint", s.handleDevMint)
			dev.POST("/approve", Auth(s.auth), s.handleDevApprove)
		}
	}

	return r
}
