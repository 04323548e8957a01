package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

type Login struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Account   string `json:"account"`
}

func (l Login) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "token for %s (expires %s):\n%s\n", l.Account, l.ExpiresAt, l.Token)
	return err
}

type Deal struct {
	ID             int64       `json:"id"`
	Payer          string      `json:"payer"`
	Payee          string      `json:"payee"`
	Arbiter        string      `json:"arbiter"`
	Asset          string      `json:"asset"`
	TotalAmount    int64       `json:"totalAmount"`
	Status         string      `json:"status"`
	MilestoneCount int         `json:"milestoneCount"`
	Milestones     []Milestone `json:"milestones,omitempty"`
	CreatedAt      string      `json:"createdAt"`
	UpdatedAt      string      `json:"updatedAt"`
}

func (d Deal) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "deal\t%d\n", d.ID)
	fmt.Fprintf(tw, "status\t%s\n", d.Status)
	fmt.Fprintf(tw, "payer\t%s\n", d.Payer)
	fmt.Fprintf(tw, "payee\t%s\n", d.Payee)
	fmt.Fprintf(tw, "arbiter\t%s\n", d.Arbiter)
	fmt.Fprintf(tw, "asset\t%s\n", d.Asset)
	fmt.Fprintf(tw, "total\t%d\n", d.TotalAmount)
	fmt.Fprintf(tw, "milestones\t%d\n", d.MilestoneCount)
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(d.Milestones) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return writeMilestones(w, d.Milestones)
}

type Milestone struct {
	Index                int    `json:"index"`
	Amount               int64  `json:"amount"`
	Status               string `json:"status"`
	Outcome              string `json:"outcome"`
	DeliverableReference string `json:"deliverableReference,omitempty"`
	UpdatedAt            string `json:"updatedAt"`
}

func (m Milestone) WriteText(w io.Writer) error {
	return writeMilestones(w, []Milestone{m})
}

func writeMilestones(w io.Writer, ms []Milestone) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tAMOUNT\tSTATUS\tOUTCOME\tDELIVERABLE")
	for _, m := range ms {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", m.Index, m.Amount, m.Status, m.Outcome, m.DeliverableReference)
	}
	return tw.Flush()
}

type Amounts struct {
	DealID  int64   `json:"dealId"`
	Amounts []int64 `json:"amounts"`
}

func (a Amounts) WriteText(w io.Writer) error {
	parts := make([]string, len(a.Amounts))
	for i, v := range a.Amounts {
		parts[i] = fmt.Sprint(v)
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}

type Event struct {
	ID        string         `json:"id"`
	DealID    int64          `json:"dealId"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Milestone *int           `json:"milestone,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

type Events []Event

func (evs Events) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tMILESTONE\tACTOR\tAT")
	for _, ev := range evs {
		index := "-"
		if ev.Milestone != nil {
			index = fmt.Sprint(*ev.Milestone)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Type, index, ev.Actor, ev.CreatedAt)
	}
	return tw.Flush()
}

type Solvency struct {
	Asset       string `json:"asset"`
	Held        int64  `json:"held"`
	Outstanding int64  `json:"outstanding"`
	Solvent     bool   `json:"solvent"`
}

func (s Solvency) WriteText(w io.Writer) error {
	verdict := "solvent"
	if !s.Solvent {
		verdict = "INSOLVENT"
	}
	_, err := fmt.Fprintf(w, "%s: held %d, outstanding %d (%s)\n", s.Asset, s.Held, s.Outstanding, verdict)
	return err
}

type Balance struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

func (b Balance) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s holds %d of %s\n", b.Account, b.Balance, b.Asset)
	return err
}
