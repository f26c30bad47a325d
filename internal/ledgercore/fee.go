package ledgercore

import "github.com/mbd888/clearing-core/internal/money"

// FeeCalculator computes the fee owed on a transfer of amount for the
// given transaction type ("TRANSFER", "CREDIT", "DEBIT", …). It is
// injectable per Config so callers can wire flat fees, percentage
// fees, or zero fees without this package knowing the policy.
type FeeCalculator func(amount money.Money, txType string) money.Money

// NoFee always returns zero — the teacher's default: only the
// sender's balance ever moves, nothing is collected.
func NoFee(money.Money, string) money.Money { return money.Zero }

// PercentageFee returns a FeeCalculator that takes rateBps basis
// points of amount, applied only to TRANSFER operations (credit/debit
// administrative adjustments are never feed).
func PercentageFee(rateBps int64) FeeCalculator {
	return func(amount money.Money, txType string) money.Money {
		if txType != "TRANSFER" {
			return money.Zero
		}
		return amount.MulRate(rateBps)
	}
}
