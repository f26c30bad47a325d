package ledgercore

import (
	"context"
	"fmt"

	"github.com/mbd888/clearing-core/internal/idgen"
	"github.com/mbd888/clearing-core/internal/money"
)

// PendingTransfer is one directed payment awaiting settlement.
type PendingTransfer struct {
	From   string
	To     string
	Amount money.Money
}

// NetSettlement is a netted payment between two accounts: the result
// of folding every PendingTransfer between a pair down to their single
// net flow.
type NetSettlement struct {
	From   string
	To     string
	Amount money.Money
}

type accountPair struct{ a, b string }

// ComputeNetSettlements folds transfers between the same two accounts
// into a single net flow, e.g. A→B $5 + B→A $3 nets to A→B $2.
// Grounded on the teacher's batch.go ComputeNetSettlements, restated
// over money.Money instead of big.Int-backed USDC strings.
func ComputeNetSettlements(transfers []PendingTransfer) []NetSettlement {
	nets := make(map[accountPair]money.Money)

	for _, t := range transfers {
		if !t.Amount.IsPositive() {
			continue
		}
		a, b, amt := t.From, t.To, t.Amount
		if a > b {
			a, b = b, a
			amt = money.Zero.Sub(amt)
		}
		p := accountPair{a, b}
		if existing, ok := nets[p]; ok {
			nets[p] = existing.Add(amt)
		} else {
			nets[p] = amt
		}
	}

	var settlements []NetSettlement
	for p, net := range nets {
		if net.IsZero() {
			continue
		}
		from, to, amount := p.a, p.b, net
		if amount.IsNegative() {
			from, to = to, from
			amount = money.Zero.Sub(amount)
		}
		settlements = append(settlements, NetSettlement{From: from, To: to, Amount: amount})
	}
	return settlements
}

// ExecuteSettlement applies each net settlement through Transfer, so
// every netted payment still gets its own transaction record, audit
// entry, and account event — reducing N pairwise transfers to their
// net flows without losing the per-transfer observability a direct
// balance mutation would skip. Grounded on the teacher's
// batch.go ExecuteSettlement.
func ExecuteSettlement(ctx context.Context, l *Ledger, settlements []NetSettlement) error {
	for _, s := range settlements {
		ref := "settlement:" + idgen.WithPrefixHexLen("stl_", 16)
		if _, err := l.Transfer(ctx, s.From, s.To, s.Amount, TransferOpts{
			Memo: ref,
			Type: "SETTLEMENT",
		}); err != nil {
			return fmt.Errorf("settlement %s->%s failed: %w", s.From, s.To, err)
		}
	}
	return nil
}
