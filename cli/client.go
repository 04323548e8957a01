package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// APIError is a non-2xx answer from the escrow API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Client calls the escrow HTTP API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, account, apiKey, label string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"account": account, "api_key": apiKey, "label": label,
	}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, account, apiKey string) (Login, error) {
	var out Login
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"account": account, "api_key": apiKey,
	}, &out)
	return out, err
}

func (c *Client) CreateDeal(ctx context.Context, payee, arbiter, asset string, amounts []int64) (Deal, error) {
	var out Deal
	err := c.do(ctx, http.MethodPost, "/api/deals", map[string]any{
		"payee": payee, "arbiter": arbiter, "asset": asset, "amounts": amounts,
	}, &out)
	return out, err
}

func (c *Client) Fund(ctx context.Context, dealID string) (Deal, error) {
	var out Deal
	err := c.do(ctx, http.MethodPost, "/api/deals/"+url.PathEscape(dealID)+"/fund", nil, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, dealID, index, ref string) (Milestone, error) {
	var out Milestone
	err := c.do(ctx, http.MethodPost, milestonePath(dealID, index)+"/submit", map[string]string{
		"deliverableReference": ref,
	}, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, dealID, index string) (Milestone, error) {
	var out Milestone
	err := c.do(ctx, http.MethodPost, milestonePath(dealID, index)+"/approve", nil, &out)
	return out, err
}

func (c *Client) Dispute(ctx context.Context, dealID, index string) (Milestone, error) {
	var out Milestone
	err := c.do(ctx, http.MethodPost, milestonePath(dealID, index)+"/dispute", nil, &out)
	return out, err
}

func (c *Client) Resolve(ctx context.Context, dealID, index string, releaseToPayee bool) (Milestone, error) {
	var out Milestone
	err := c.do(ctx, http.MethodPost, milestonePath(dealID, index)+"/resolve", map[string]bool{
		"releaseToPayee": releaseToPayee,
	}, &out)
	return out, err
}

func (c *Client) Deal(ctx context.Context, dealID string) (Deal, error) {
	var out Deal
	err := c.do(ctx, http.MethodGet, "/api/deals/"+url.PathEscape(dealID), nil, &out)
	return out, err
}

func (c *Client) Milestone(ctx context.Context, dealID, index string) (Milestone, error) {
	var out Milestone
	err := c.do(ctx, http.MethodGet, milestonePath(dealID, index), nil, &out)
	return out, err
}

func (c *Client) Amounts(ctx context.Context, dealID string) (Amounts, error) {
	var out Amounts
	err := c.do(ctx, http.MethodGet, "/api/deals/"+url.PathEscape(dealID)+"/amounts", nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, dealID string) (Events, error) {
	var out Events
	err := c.do(ctx, http.MethodGet, "/api/deals/"+url.PathEscape(dealID)+"/events", nil, &out)
	return out, err
}

func (c *Client) Solvency(ctx context.Context, asset string) (Solvency, error) {
	var out Solvency
	err := c.do(ctx, http.MethodGet, "/api/custody/"+url.PathEscape(asset)+"/solvency", nil, &out)
	return out, err
}

func (c *Client) Mint(ctx context.Context, asset, account string, amount int64) (Balance, error) {
	var out Balance
	err := c.do(ctx, http.MethodPost, "/api/dev/ledger/mint", map[string]any{
		"asset": asset, "account": account, "amount": amount,
	}, &out)
	return out, err
}

func (c *Client) ApproveSpend(ctx context.Context, asset, spender string, amount int64) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/api/dev/ledger/approve", map[string]any{
		"asset": asset, "spender": spender, "amount": amount,
	}, &out)
	return out, err
}

func (c *Client) Balance(ctx context.Context, asset, account string) (Balance, error) {
	var out Balance
	q := url.Values{"asset": {asset}, "account": {account}}
	err := c.do(ctx, http.MethodGet, "/api/dev/ledger/balance?"+q.Encode(), nil, &out)
	return out, err
}

func milestonePath(dealID, index string) string {
	return "/api/deals/" + url.PathEscape(dealID) + "/milestones/" + url.PathEscape(index)
}
