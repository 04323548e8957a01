package deal

import (
	"errors"
	"math"
	"testing"

	"milestoneescrow/ledger"
)

var (
	payer   = ledger.MustAccount("0x1000000000000000000000000000000000000001")
	payee   = ledger.MustAccount("0x2000000000000000000000000000000000000002")
	arbiter = ledger.MustAccount("0x3000000000000000000000000000000000000003")
	token   = ledger.MustAsset("0x0000000000000000000000000000000000000001")
)

func TestNew_ComputesTotal(t *testing.T) {
	d, err := New(CreateParams{Payer: payer, Payee: payee, Arbiter: arbiter, Asset: token, Amounts: []int64{100, 200}})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if d.TotalAmount != 300 {
		t.Errorf("expected total 300, got %d", d.TotalAmount)
	}
	if d.MilestoneCount != 2 {
		t.Errorf("expected 2 milestones, got %d", d.MilestoneCount)
	}
	if d.Status != StatusCreated {
		t.Errorf("expected created, got %s", d.Status)
	}
}

func TestNew_Rejects(t *testing.T) {
	base := CreateParams{Payer: payer, Payee: payee, Arbiter: arbiter, Asset: token, Amounts: []int64{1}}

	cases := map[string]func(p *CreateParams){
		"no milestones":    func(p *CreateParams) { p.Amounts = nil },
		"zero amount":      func(p *CreateParams) { p.Amounts = []int64{50, 0} },
		"negative amount":  func(p *CreateParams) { p.Amounts = []int64{-5} },
		"overflow":         func(p *CreateParams) { p.Amounts = []int64{math.MaxInt64, 1} },
		"arbiter is payer": func(p *CreateParams) { p.Arbiter = payer },
		"arbiter is payee": func(p *CreateParams) { p.Arbiter = payee },
		"payer is payee":   func(p *CreateParams) { p.Payee = payer },
		"zero payee":       func(p *CreateParams) { p.Payee = ledger.ZeroAccount },
		"missing arbiter":  func(p *CreateParams) { p.Arbiter = "" },
		"zero asset":       func(p *CreateParams) { p.Asset = ledger.Asset(ledger.ZeroAccount) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := base
			mutate(&params)
			if _, err := New(params); !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("expected ErrInvalidParameters, got %v", err)
			}
		})
	}
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusFunded, StatusClosed} {
		b, _ := s.MarshalText()
		var got Status
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if got != s {
			t.Errorf("expected %s, got %s", s, got)
		}
	}
	if _, err := ParseStatus("settled"); err == nil {
		t.Errorf("expected unknown status to fail")
	}
}
