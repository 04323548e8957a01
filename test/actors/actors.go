package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"milestoneescrow/deal"
	"milestoneescrow/escrow"
	"milestoneescrow/ledger"
	"milestoneescrow/outbox"
	"milestoneescrow/timeline"
)

// Parties is one payer/payee/arbiter triple. Each Lifecycle actor owns its
// own payer so allowances never collide across actors.
type Parties struct {
	Payer   ledger.Account
	Payee   ledger.Account
	Arbiter ledger.Account
}

// NewParties derives three distinct accounts from n.
func NewParties(n int) Parties {
	return Parties{
		Payer:   ledger.MustAccount(fmt.Sprintf("0x%040x", 0x100000+n)),
		Payee:   ledger.MustAccount(fmt.Sprintf("0x%040x", 0x200000+n)),
		Arbiter: ledger.MustAccount(fmt.Sprintf("0x%040x", 0x300000+n)),
	}
}

// expected reports whether err is one of the taxonomy failures that contention
// legitimately produces. Anything else is a harness failure.
func expected(err error) bool {
	return err == nil || escrow.ErrorClass(err) != "internal"
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Lifecycle creates, funds and settles deals end to end, choosing approve or
// dispute+resolve per milestone at random. Created deal ids are published on
// deals for the racers.
func Lifecycle(ctx context.Context, svc *escrow.Service, l *ledger.Memory, asset ledger.Asset, custodian ledger.Account, p Parties, deals chan<- deal.ID, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		n := 1 + rand.Intn(4)
		amounts := make([]int64, n)
		var total int64
		for i := range amounts {
			amounts[i] = int64(1 + rand.Intn(1000))
			total += amounts[i]
		}

		id, err := svc.CreateDeal(ctx, p.Payer, escrow.CreateDealParams{Payee: p.Payee, Arbiter: p.Arbiter, Asset: asset, Amounts: amounts})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("lifecycle create: %w", err)
		}
		select {
		case deals <- id:
		default:
		}

		if err := l.Mint(asset, p.Payer, total); err != nil {
			return err
		}
		if err := l.Approve(asset, p.Payer, custodian, total); err != nil {
			return err
		}

		retry(ctx, stop, func() error { return svc.Fund(ctx, p.Payer, id) })
		for i := range n {
			retry(ctx, stop, func() error { return svc.Submit(ctx, p.Payee, id, i, fmt.Sprintf("deal-%d/m%d", id, i)) })
			if rand.Intn(3) == 0 {
				retry(ctx, stop, func() error { return svc.Dispute(ctx, p.Payer, id, i) })
				release := rand.Intn(2) == 0
				retry(ctx, stop, func() error { return svc.Resolve(ctx, p.Arbiter, id, i, release) })
			} else {
				retry(ctx, stop, func() error { return svc.Approve(ctx, p.Payer, id, i) })
			}
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
	return nil
}

// retry repeats op while it loses a lock race. Other rejections (a racer got
// there first) end the attempt.
func retry(ctx context.Context, stop <-chan struct{}, op func() error) {
	for !stopped(ctx, stop) {
		err := op()
		if escrow.ErrorClass(err) != "reentrant" {
			return
		}
		time.Sleep(time.Duration(1+rand.Intn(5)) * time.Millisecond)
	}
}

// Racer fires random operations as random principals at deals other actors
// are driving. Every rejection must be a taxonomy error.
func Racer(ctx context.Context, svc *escrow.Service, everyone []Parties, deals <-chan deal.ID, stop <-chan struct{}) error {
	var targets []deal.ID
	for !stopped(ctx, stop) {
		select {
		case id := <-deals:
			targets = append(targets, id)
			if len(targets) > 32 {
				targets = targets[1:]
			}
		default:
		}
		if len(targets) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		id := targets[rand.Intn(len(targets))]
		p := everyone[rand.Intn(len(everyone))]
		callers := []ledger.Account{p.Payer, p.Payee, p.Arbiter}
		caller := callers[rand.Intn(len(callers))]
		index := rand.Intn(5)

		var err error
		switch rand.Intn(6) {
		case 0:
			err = svc.Fund(ctx, caller, id)
		case 1:
			err = svc.Submit(ctx, caller, id, index, "racer")
		case 2:
			err = svc.Approve(ctx, caller, id, index)
		case 3:
			err = svc.Dispute(ctx, caller, id, index)
		case 4:
			err = svc.Resolve(ctx, caller, id, index, rand.Intn(2) == 0)
		default:
			_, err = svc.Milestone(ctx, id, index)
		}
		if !expected(err) && ctx.Err() == nil {
			return fmt.Errorf("racer on deal %d: unclassified error: %w", id, err)
		}
		time.Sleep(time.Duration(1+rand.Intn(10)) * time.Millisecond)
	}
	return nil
}

// CountingPublisher records how many events reached it and fails one publish
// in failEvery to exercise the relay's retry path.
type CountingPublisher struct {
	failEvery int
	calls     atomic.Int64
	Published atomic.Int64
}

func NewCountingPublisher(failEvery int) *CountingPublisher {
	return &CountingPublisher{failEvery: failEvery}
}

func (p *CountingPublisher) Publish(context.Context, timeline.Event) error {
	if n := p.calls.Add(1); p.failEvery > 0 && n%int64(p.failEvery) == 0 {
		return fmt.Errorf("simulated broker outage")
	}
	p.Published.Add(1)
	return nil
}

// OutboxWorker drains committed events through relay until stopped.
// Publish failures are expected and retried on the next pass.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.Drain(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
