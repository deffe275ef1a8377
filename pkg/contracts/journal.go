package contracts

import "time"

// Well-known ledger accounts used by the standard settlement flows.
const (
	AccountCashClearing    = "cash_clearing"
	AccountEscrowLiability = "escrow_liability"
	AccountRevenue         = "revenue"
	AccountPayoutLiability = "payout_liability"
	AccountReserve         = "reserve"
	AccountClaimsPayable   = "claims_payable"
)

// Posting is one signed-amount line item in a journal entry. Negative
// amounts debit the account, positive amounts credit it; every entry's
// postings must net to exactly zero.
type Posting struct {
	AccountID         string `json:"account_id"`
	AmountCentsSigned int64  `json:"amount_cents_signed"`
}

// JournalEntry is one atomic, balanced set of postings. Entries are
// append-only; the ledger balance per account is the running sum over all
// entries, derived rather than stored.
type JournalEntry struct {
	EntryID   string    `json:"entry_id"`
	TenantID  string    `json:"tenant_id"`
	GateID    string    `json:"gate_id"`
	EntryType string    `json:"entry_type"` // hold | release | refund | reversal
	Postings  []Posting `json:"postings"`
	// Hash chain over the canonical entry, in ledger order per tenant.
	PrevHash    string    `json:"prev_hash"`
	ContentHash string    `json:"content_hash"`
	PostedAt    time.Time `json:"posted_at"`
}

// Net returns the sum of the signed posting amounts. Zero for every valid
// entry.
func (e *JournalEntry) Net() int64 {
	var sum int64
	for _, p := range e.Postings {
		sum += p.AmountCentsSigned
	}
	return sum
}
