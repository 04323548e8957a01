package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"milestoneescrow/auth"
	"milestoneescrow/custody"
	"milestoneescrow/escrow"
	"milestoneescrow/ledger"
	"milestoneescrow/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	token     = "0x0000000000000000000000000000000000000001"
	payer     = ledger.MustAccount("0x1000000000000000000000000000000000000001")
	payee     = ledger.MustAccount("0x2000000000000000000000000000000000000002")
	arbiter   = ledger.MustAccount("0x3000000000000000000000000000000000000003")
	stranger  = ledger.MustAccount("0x4000000000000000000000000000000000000004")
	custodian = ledger.MustAccount("0x9000000000000000000000000000000000000009")
)

type testServer struct {
	t      *testing.T
	router *gin.Engine
	ledger *ledger.Memory
	auth   *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.NewMemory()
	svc := escrow.NewService(memory.New(), custody.NewModule(l, custodian, nil)).WithLogger(quiet)
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret", time.Hour)

	srv := NewServer(svc, authSvc, quiet).
		WithDevLedger(l, custodian).
		WithRateLimit(0, 0)
	return &testServer{t: t, router: srv.Router(), ledger: l, auth: authSvc}
}

func (ts *testServer) do(method, path string, as ledger.Account, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		tok, _, err := ts.auth.IssueToken(as)
		if err != nil {
			ts.t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (ts *testServer) createFundedDeal(amounts ...int64) string {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/deals", payer, createDealRequest{
		Payee:   payee.String(),
		Arbiter: arbiter.String(),
		Asset:   token,
		Amounts: amounts,
	})
	expectStatus(ts.t, rec, http.StatusCreated)
	d := decode[dealResponse](ts.t, rec)

	expectStatus(ts.t, ts.do(http.MethodPost, "/api/dev/ledger/mint", "", ledgerRequest{Asset: token, Account: payer.String(), Amount: d.TotalAmount}), http.StatusOK)
	expectStatus(ts.t, ts.do(http.MethodPost, "/api/dev/ledger/approve", payer, ledgerRequest{Asset: token, Amount: d.TotalAmount}), http.StatusOK)

	id := strconv.FormatInt(d.ID, 10)
	rec = ts.do(http.MethodPost, "/api/deals/"+id+"/fund", payer, nil)
	expectStatus(ts.t, rec, http.StatusOK)
	if got := decode[dealResponse](ts.t, rec).Status; got != "funded" {
		ts.t.Fatalf("expected funded, got %s", got)
	}
	return id
}

func (ts *testServer) balance(account ledger.Account) int64 {
	ts.t.Helper()
	rec := ts.do(http.MethodGet, "/api/dev/ledger/balance?asset="+token+"&account="+account.String(), "", nil)
	expectStatus(ts.t, rec, http.StatusOK)
	return int64(decode[map[string]any](ts.t, rec)["balance"].(float64))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestDealLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createFundedDeal(100, 200)

	if got := ts.balance(custodian); got != 300 {
		t.Fatalf("custody holds %d, want 300", got)
	}

	rec := ts.do(http.MethodPost, "/api/deals/"+id+"/milestones/0/submit", payee, submitRequest{DeliverableReference: "ipfs://m0"})
	expectStatus(t, rec, http.StatusOK)
	m := decode[milestoneResponse](t, rec)
	if m.Status != "submitted" || m.DeliverableReference != "ipfs://m0" {
		t.Fatalf("unexpected milestone %+v", m)
	}

	expectStatus(t, ts.do(http.MethodPost, "/api/deals/"+id+"/milestones/0/approve", payer, nil), http.StatusOK)
	if got := ts.balance(payee); got != 100 {
		t.Fatalf("payee holds %d, want 100", got)
	}

	expectStatus(t, ts.do(http.MethodPost, "/api/deals/"+id+"/milestones/1/submit", payee, submitRequest{DeliverableReference: "ipfs://m1"}), http.StatusOK)
	expectStatus(t, ts.do(http.MethodPost, "/api/deals/"+id+"/milestones/1/dispute", payee, nil), http.StatusOK)

	release := false
	rec = ts.do(http.MethodPost, "/api/deals/"+id+"/milestones/1/resolve", arbiter, resolveRequest{ReleaseToPayee: &release})
	expectStatus(t, rec, http.StatusOK)
	m = decode[milestoneResponse](t, rec)
	if m.Status != "resolved" || m.Outcome != "refunded" {
		t.Fatalf("unexpected milestone %+v", m)
	}
	if got := ts.balance(payer); got != 200 {
		t.Fatalf("payer holds %d, want 200", got)
	}

	rec = ts.do(http.MethodGet, "/api/deals/"+id, "", nil)
	expectStatus(t, rec, http.StatusOK)
	d := decode[dealResponse](t, rec)
	if d.Status != "closed" || len(d.Milestones) != 2 {
		t.Fatalf("unexpected deal %+v", d)
	}

	rec = ts.do(http.MethodGet, "/api/deals/"+id+"/amounts", "", nil)
	expectStatus(t, rec, http.StatusOK)
	amounts := decode[struct {
		Amounts []int64 `json:"amounts"`
	}](t, rec)
	if len(amounts.Amounts) != 2 || amounts.Amounts[0] != 100 || amounts.Amounts[1] != 200 {
		t.Fatalf("unexpected amounts %v", amounts.Amounts)
	}

	rec = ts.do(http.MethodGet, "/api/deals/"+id+"/events", "", nil)
	expectStatus(t, rec, http.StatusOK)
	events := decode[[]eventResponse](t, rec)
	want := []string{"DEAL_CREATED", "DEAL_FUNDED", "MILESTONE_SUBMITTED", "MILESTONE_APPROVED", "MILESTONE_SUBMITTED", "MILESTONE_DISPUTED", "MILESTONE_RESOLVED", "DEAL_CLOSED"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Type != want[i] || ev.Seq != int64(i+1) {
			t.Fatalf("event %d: got %s seq %d", i, ev.Type, ev.Seq)
		}
	}

	rec = ts.do(http.MethodGet, "/api/custody/"+token+"/solvency", "", nil)
	expectStatus(t, rec, http.StatusOK)
	sol := decode[solvencyResponse](t, rec)
	if !sol.Solvent || sol.Held != 0 || sol.Outstanding != 0 {
		t.Fatalf("unexpected solvency %+v", sol)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createFundedDeal(50)
	release := true

	tests := []struct {
		name   string
		method string
		path   string
		as     ledger.Account
		body   any
		status int
		code   string
	}{
		{"no token", http.MethodPost, "/api/deals/" + id + "/fund", "", nil, http.StatusUnauthorized, ""},
		{"stranger approves", http.MethodPost, "/api/deals/" + id + "/milestones/0/approve", stranger, nil, http.StatusForbidden, "unauthorized"},
		{"unknown deal", http.MethodGet, "/api/deals/999", "", nil, http.StatusNotFound, "deal_not_found"},
		{"index out of range", http.MethodGet, "/api/deals/" + id + "/milestones/5", "", nil, http.StatusBadRequest, "milestone_index_out_of_range"},
		{"double fund", http.MethodPost, "/api/deals/" + id + "/fund", payer, nil, http.StatusConflict, "invalid_state"},
		{"approve pending", http.MethodPost, "/api/deals/" + id + "/milestones/0/approve", payer, nil, http.StatusConflict, "invalid_state"},
		{"resolve without flag", http.MethodPost, "/api/deals/" + id + "/milestones/0/resolve", arbiter, map[string]any{}, http.StatusBadRequest, ""},
		{"resolve pending", http.MethodPost, "/api/deals/" + id + "/milestones/0/resolve", arbiter, resolveRequest{ReleaseToPayee: &release}, http.StatusConflict, "invalid_state"},
		{"bad deal id", http.MethodGet, "/api/deals/abc", "", nil, http.StatusBadRequest, ""},
		{"empty amounts", http.MethodPost, "/api/deals", payer, createDealRequest{Payee: payee.String(), Arbiter: arbiter.String(), Asset: token}, http.StatusBadRequest, "invalid_deal_parameters"},
		{"arbiter is payer", http.MethodPost, "/api/deals", payer, createDealRequest{Payee: payee.String(), Arbiter: payer.String(), Asset: token, Amounts: []int64{1}}, http.StatusBadRequest, "invalid_deal_parameters"},
		{"malformed payee", http.MethodPost, "/api/deals", payer, createDealRequest{Payee: "bob", Arbiter: arbiter.String(), Asset: token, Amounts: []int64{1}}, http.StatusBadRequest, "invalid_deal_parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.as, tt.body)
			expectStatus(t, rec, tt.status)
			if tt.code == "" {
				return
			}
			if got := decode[map[string]any](t, rec)["code"]; got != tt.code {
				t.Fatalf("expected code %s, got %v", tt.code, got)
			}
		})
	}
}

func TestFundWithoutAllowanceIsTransferFailed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/deals", payer, createDealRequest{
		Payee: payee.String(), Arbiter: arbiter.String(), Asset: token, Amounts: []int64{10},
	})
	expectStatus(t, rec, http.StatusCreated)
	id := strconv.FormatInt(decode[dealResponse](t, rec).ID, 10)

	rec = ts.do(http.MethodPost, "/api/deals/"+id+"/fund", payer, nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = ts.do(http.MethodGet, "/api/deals/"+id, "", nil)
	if got := decode[dealResponse](t, rec).Status; got != "created" {
		t.Fatalf("expected deal to stay created, got %s", got)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	key := "correct-horse-battery"

	rec := ts.do(http.MethodPost, "/api/auth/register", "", auth.RegisterRequest{Account: payer.String(), APIKey: key, Label: "payer"})
	expectStatus(t, rec, http.StatusCreated)

	rec = ts.do(http.MethodPost, "/api/auth/register", "", auth.RegisterRequest{Account: payer.String(), APIKey: key})
	expectStatus(t, rec, http.StatusConflict)

	rec = ts.do(http.MethodPost, "/api/auth/register", "", auth.RegisterRequest{Account: payee.String(), APIKey: "short"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = ts.do(http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Account: payer.String(), APIKey: "wrong-key-wrong-key"})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = ts.do(http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Account: payer.String(), APIKey: key})
	expectStatus(t, rec, http.StatusOK)
	login := decode[loginResponse](t, rec)
	if login.Token == "" || login.Account != payer.String() {
		t.Fatalf("unexpected login response %+v", login)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/deals", bytes.NewReader([]byte(`{"payee":"`+payee.String()+`","arbiter":"`+arbiter.String()+`","asset":"`+token+`","amounts":[5]}`)))
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out := httptest.NewRecorder()
	ts.router.ServeHTTP(out, req)
	expectStatus(t, out, http.StatusCreated)
	if got := decode[dealResponse](t, out).Payer; got != payer.String() {
		t.Fatalf("expected payer %s, got %s", payer, got)
	}
}
