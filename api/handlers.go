package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"milestoneescrow/auth"
	"milestoneescrow/deal"
	"milestoneescrow/escrow"
	"milestoneescrow/ledger"
	"milestoneescrow/milestone"
	"milestoneescrow/pkg/logger"
	"milestoneescrow/timeline"
)

type dealResponse struct {
	ID             int64               `json:"id"`
	Payer          string              `json:"payer"`
	Payee          string              `json:"payee"`
	Arbiter        string              `json:"arbiter"`
	Asset          string              `json:"asset"`
	TotalAmount    int64               `json:"totalAmount"`
	Status         string              `json:"status"`
	MilestoneCount int                 `json:"milestoneCount"`
	Milestones     []milestoneResponse `json:"milestones,omitempty"`
	CreatedAt      string              `json:"createdAt"`
	UpdatedAt      string              `json:"updatedAt"`
}

type milestoneResponse struct {
	Index                int    `json:"index"`
	Amount               int64  `json:"amount"`
	Status               string `json:"status"`
	Outcome              string `json:"outcome"`
	DeliverableReference string `json:"deliverableReference,omitempty"`
	UpdatedAt            string `json:"updatedAt"`
}

type eventResponse struct {
	ID        string         `json:"id"`
	DealID    int64          `json:"dealId"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Milestone *int           `json:"milestone,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

type solvencyResponse struct {
	Asset       string `json:"asset"`
	Held        int64  `json:"held"`
	Outstanding int64  `json:"outstanding"`
	Solvent     bool   `json:"solvent"`
}

type createDealRequest struct {
	Payee   string  `json:"payee"`
	Arbiter string  `json:"arbiter"`
	Asset   string  `json:"asset"`
	Amounts []int64 `json:"amounts"`
}

type submitRequest struct {
	DeliverableReference string `json:"deliverableReference"`
}

type resolveRequest struct {
	ReleaseToPayee *bool `json:"releaseToPayee"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Account   string `json:"account"`
}

type ledgerRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Spender string `json:"spender"`
	Amount  int64  `json:"amount"`
}

func toDealResponse(d deal.Deal) dealResponse {
	return dealResponse{
		ID:             int64(d.ID),
		Payer:          d.Payer.String(),
		Payee:          d.Payee.String(),
		Arbiter:        d.Arbiter.String(),
		Asset:          d.Asset.String(),
		TotalAmount:    d.TotalAmount,
		Status:         d.Status.String(),
		MilestoneCount: d.MilestoneCount,
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      d.UpdatedAt.Format(time.RFC3339),
	}
}

func toMilestoneResponse(m milestone.Milestone) milestoneResponse {
	return milestoneResponse{
		Index:                m.Index,
		Amount:               m.Amount,
		Status:               m.Status.String(),
		Outcome:              m.Outcome.String(),
		DeliverableReference: m.DeliverableReference,
		UpdatedAt:            m.UpdatedAt.Format(time.RFC3339),
	}
}

func toEventResponse(ev timeline.Event) eventResponse {
	return eventResponse{
		ID:        ev.ID,
		DealID:    int64(ev.DealID),
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Milestone: ev.Milestone,
		Actor:     ev.Actor.String(),
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.Format(time.RFC3339),
	}
}

// statusFor maps the escrow error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch escrow.ErrorClass(err) {
	case "invalid_deal_parameters", "milestone_index_out_of_range":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "deal_not_found":
		return http.StatusNotFound
	case "invalid_state", "reentrant":
		return http.StatusConflict
	case "transfer_failed":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithContext(c.Request.Context(), s.logger).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal server error", "code": "internal"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": escrow.ErrorClass(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func parseDealID(c *gin.Context) (deal.ID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid deal id")
		return 0, false
	}
	return deal.ID(id), true
}

func parseTarget(c *gin.Context) (deal.ID, int, bool) {
	id, ok := parseDealID(c)
	if !ok {
		return 0, 0, false
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "invalid milestone index")
		return 0, 0, false
	}
	return id, index, true
}

func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	p, err := s.auth.Register(c.Request.Context(), req)
	switch {
	case errors.Is(err, auth.ErrWeakKey), errors.Is(err, ledger.ErrInvalidAccount):
		badRequest(c, err.Error())
	case errors.Is(err, auth.ErrDuplicatePrincipal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.writeError(c, err)
	default:
		c.JSON(http.StatusCreated, gin.H{
			"account":   p.Account.String(),
			"label":     p.Label,
			"createdAt": p.CreatedAt.Format(time.RFC3339),
		})
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	res, err := s.auth.Login(c.Request.Context(), req)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid account or api key"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339),
		Account:   res.Account.String(),
	})
}

func (s *Server) handleCreateDeal(c *gin.Context) {
	var req createDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	payee, err := ledger.ParseAccount(req.Payee)
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: payee: %w", escrow.ErrInvalidDealParameters, err))
		return
	}
	arbiter, err := ledger.ParseAccount(req.Arbiter)
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: arbiter: %w", escrow.ErrInvalidDealParameters, err))
		return
	}
	asset, err := ledger.ParseAsset(req.Asset)
	if err != nil {
		s.writeError(c, fmt.Errorf("%w: asset: %w", escrow.ErrInvalidDealParameters, err))
		return
	}

	id, err := s.escrow.CreateDeal(c.Request.Context(), GetCaller(c), escrow.CreateDealParams{
		Payee:   payee,
		Arbiter: arbiter,
		Asset:   asset,
		Amounts: req.Amounts,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	d, err := s.escrow.Deal(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDealResponse(d))
}

func (s *Server) handleGetDeal(c *gin.Context) {
	id, ok := parseDealID(c)
	if !ok {
		return
	}

	d, err := s.escrow.Deal(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ms, err := s.escrow.Milestones(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := toDealResponse(d)
	for _, m := range ms {
		resp.Milestones = append(resp.Milestones, toMilestoneResponse(m))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListMilestones(c *gin.Context) {
	id, ok := parseDealID(c)
	if !ok {
		return
	}

	ms, err := s.escrow.Milestones(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]milestoneResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMilestoneResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetMilestone(c *gin.Context) {
	id, index, ok := parseTarget(c)
	if !ok {
		return
	}

	m, err := s.escrow.Milestone(c.Request.Context(), id, index)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleMilestoneAmounts(c *gin.Context) {
	id, ok := parseDealID(c)
	if !ok {
		return
	}

	amounts, err := s.escrow.MilestoneAmounts(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dealId": int64(id), "amounts": slices.Collect(amounts)})
}

func (s *Server) handleEvents(c *gin.Context) {
	id, ok := parseDealID(c)
	if !ok {
		return
	}

	events, err := s.escrow.Events(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSolvency(c *gin.Context) {
	asset, err := ledger.ParseAsset(c.Param("asset"))
	if err != nil {
		badRequest(c, "invalid asset")
		return
	}

	sol, err := s.escrow.Solvency(c.Request.Context(), asset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, solvencyResponse{
		Asset:       sol.Asset.String(),
		Held:        sol.Held,
		Outstanding: sol.Outstanding,
		Solvent:     sol.Solvent(),
	})
}

// respondMilestone answers a successful transition with the milestone's new state.
func (s *Server) respondMilestone(c *gin.Context, id deal.ID, index int) {
	m, err := s.escrow.Milestone(c.Request.Context(), id, index)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleFund(c *gin.Context) {
	id, ok := parseDealID(c)
	if !ok {
		return
	}

	if err := s.escrow.Fund(c.Request.Context(), GetCaller(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	d, err := s.escrow.Deal(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDealResponse(d))
}

func (s *Server) handleSubmit(c *gin.Context) {
	id, index, ok := parseTarget(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if err := s.escrow.Submit(c.Request.Context(), GetCaller(c), id, index, req.DeliverableReference); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondMilestone(c, id, index)
}

func (s *Server) handleApprove(c *gin.Context) {
	id, index, ok := parseTarget(c)
	if !ok {
		return
	}

	if err := s.escrow.Approve(c.Request.Context(), GetCaller(c), id, index); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondMilestone(c, id, index)
}

func (s *Server) handleDispute(c *gin.Context) {
	id, index, ok := parseTarget(c)
	if !ok {
		return
	}

	if err := s.escrow.Dispute(c.Request.Context(), GetCaller(c), id, index); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondMilestone(c, id, index)
}

func (s *Server) handleResolve(c *gin.Context) {
	id, index, ok := parseTarget(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ReleaseToPayee == nil {
		badRequest(c, "releaseToPayee is required")
		return
	}

	if err := s.escrow.Resolve(c.Request.Context(), GetCaller(c), id, index, *req.ReleaseToPayee); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondMilestone(c, id, index)
}

func (s *Server) handleDevMint(c *gin.Context) {
	var req ledgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	asset, err := ledger.ParseAsset(req.Asset)
	if err != nil {
		badRequest(c, "invalid asset")
		return
	}
	to, err := ledger.ParseAccount(req.Account)
	if err != nil {
		badRequest(c, "invalid account")
		return
	}

	if err := s.dev.Mint(asset, to, req.Amount); err != nil {
		badRequest(c, err.Error())
		return
	}
	s.respondBalance(c, asset, to)
}

func (s *Server) handleDevApprove(c *gin.Context) {
	var req ledgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	asset, err := ledger.ParseAsset(req.Asset)
	if err != nil {
		badRequest(c, "invalid asset")
		return
	}
	spender := s.custodian
	if req.Spender != "" {
		if spender, err = ledger.ParseAccount(req.Spender); err != nil {
			badRequest(c, "invalid spender")
			return
		}
	}

	owner := GetCaller(c)
	if err := s.dev.Approve(asset, owner, spender, req.Amount); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":   asset.String(),
		"owner":   owner.String(),
		"spender": spender.String(),
		"amount":  req.Amount,
	})
}

func (s *Server) handleDevBalance(c *gin.Context) {
	asset, err := ledger.ParseAsset(c.Query("asset"))
	if err != nil {
		badRequest(c, "invalid asset")
		return
	}
	account, err := ledger.ParseAccount(c.Query("account"))
	if err != nil {
		badRequest(c, "invalid account")
		return
	}
	s.respondBalance(c, asset, account)
}

func (s *Server) respondBalance(c *gin.Context, asset ledger.Asset, account ledger.Account) {
	balance, err := s.dev.BalanceOf(c.Request.Context(), asset, account)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":   asset.String(),
		"account": account.String(),
		"balance": balance,
	})
}
