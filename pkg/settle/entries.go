package settle

import (
	"fmt"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// Entry type names used in journal entries.
const (
	EntryHold     = "hold"
	EntryRelease  = "release"
	EntryRefund   = "refund"
	EntryReversal = "reversal"
)

// SplitConfig controls how a released amount is divided after the holdback
// is carved off. Shares are basis points of the post-holdback amount; they
// must sum to 10000. The integer-cent remainder of the split lands on
// RemainderAccount, never silently dropped.
type SplitConfig struct {
	RevenueShareBps  int64  `json:"revenue_share_bps" yaml:"revenue_share_bps"`
	PayoutShareBps   int64  `json:"payout_share_bps" yaml:"payout_share_bps"`
	RemainderAccount string `json:"remainder_account" yaml:"remainder_account"`
}

// DefaultSplit is an 20/80 revenue/payout division with the remainder
// assigned to revenue.
func DefaultSplit() SplitConfig {
	return SplitConfig{
		RevenueShareBps:  2000,
		PayoutShareBps:   8000,
		RemainderAccount: contracts.AccountRevenue,
	}
}

func (c SplitConfig) validate() error {
	if c.RevenueShareBps < 0 || c.PayoutShareBps < 0 {
		return fmt.Errorf("settle: negative split share")
	}
	if c.RevenueShareBps+c.PayoutShareBps != 10000 {
		return fmt.Errorf("settle: split shares must sum to 10000 bps, got %d", c.RevenueShareBps+c.PayoutShareBps)
	}
	switch c.RemainderAccount {
	case contracts.AccountRevenue, contracts.AccountPayoutLiability, contracts.AccountReserve:
		return nil
	default:
		return fmt.Errorf("settle: invalid remainder account %q", c.RemainderAccount)
	}
}

// HoldPostings builds the entry posted when a gate moves to held:
// debit cash-clearing, credit escrow-liability.
func HoldPostings(amountCents int64) []contracts.Posting {
	return []contracts.Posting{
		{AccountID: contracts.AccountCashClearing, AmountCentsSigned: -amountCents},
		{AccountID: contracts.AccountEscrowLiability, AmountCentsSigned: amountCents},
	}
}

// RefundPostings reverses the hold in full: debit escrow-liability,
// credit cash-clearing.
func RefundPostings(amountCents int64) []contracts.Posting {
	return []contracts.Posting{
		{AccountID: contracts.AccountEscrowLiability, AmountCentsSigned: -amountCents},
		{AccountID: contracts.AccountCashClearing, AmountCentsSigned: amountCents},
	}
}

// ReleasePostings builds the release entry: debit escrow-liability for the
// full held amount; credit the reserve with the holdback, then split the
// rest across revenue and payout-liability. All division is integer-cent
// deterministic, with the remainder assigned to the configured account.
func ReleasePostings(amountCents, holdbackBps int64, split SplitConfig) ([]contracts.Posting, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("settle: release amount must be positive, got %d", amountCents)
	}
	if holdbackBps < 0 || holdbackBps > 10000 {
		return nil, fmt.Errorf("settle: holdback_bps out of range: %d", holdbackBps)
	}
	if err := split.validate(); err != nil {
		return nil, err
	}

	reserve := amountCents * holdbackBps / 10000
	distributable := amountCents - reserve
	revenue := distributable * split.RevenueShareBps / 10000
	payout := distributable * split.PayoutShareBps / 10000
	remainder := distributable - revenue - payout

	switch split.RemainderAccount {
	case contracts.AccountRevenue:
		revenue += remainder
	case contracts.AccountPayoutLiability:
		payout += remainder
	case contracts.AccountReserve:
		reserve += remainder
	}

	postings := []contracts.Posting{
		{AccountID: contracts.AccountEscrowLiability, AmountCentsSigned: -amountCents},
	}
	if revenue != 0 {
		postings = append(postings, contracts.Posting{AccountID: contracts.AccountRevenue, AmountCentsSigned: revenue})
	}
	if payout != 0 {
		postings = append(postings, contracts.Posting{AccountID: contracts.AccountPayoutLiability, AmountCentsSigned: payout})
	}
	if reserve != 0 {
		postings = append(postings, contracts.Posting{AccountID: contracts.AccountReserve, AmountCentsSigned: reserve})
	}
	return postings, nil
}

// ReversalPostings builds the compensating entry for a dispute accepted
// against a released settlement. Each account credited by the original
// release is debited pro-rata for the reversal amount, and claims-payable
// is credited with the total. The original entry is never touched.
func ReversalPostings(original *contracts.JournalEntry, amountCents int64) ([]contracts.Posting, error) {
	if original.EntryType != EntryRelease {
		return nil, fmt.Errorf("settle: reversal references %s entry, want release", original.EntryType)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("settle: reversal amount must be positive, got %d", amountCents)
	}

	var released int64
	for _, p := range original.Postings {
		if p.AmountCentsSigned > 0 {
			released += p.AmountCentsSigned
		}
	}
	if released == 0 {
		return nil, fmt.Errorf("settle: original release entry %s has no credits", original.EntryID)
	}
	if amountCents > released {
		return nil, fmt.Errorf("settle: reversal amount %d exceeds released %d", amountCents, released)
	}

	var postings []contracts.Posting
	var debited int64
	var lastIdx = -1
	for _, p := range original.Postings {
		if p.AmountCentsSigned <= 0 {
			continue
		}
		share := amountCents * p.AmountCentsSigned / released
		postings = append(postings, contracts.Posting{
			AccountID:         p.AccountID,
			AmountCentsSigned: -share,
		})
		debited += share
		lastIdx = len(postings) - 1
	}
	// Assign the integer remainder to the largest-index credit so the
	// debits exactly cover the reversal amount.
	if rem := amountCents - debited; rem != 0 && lastIdx >= 0 {
		postings[lastIdx].AmountCentsSigned -= rem
	}

	postings = append(postings, contracts.Posting{
		AccountID:         contracts.AccountClaimsPayable,
		AmountCentsSigned: amountCents,
	})
	return postings, nil
}
