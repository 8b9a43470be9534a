// Package ledger maintains the per-tenant double-entry journal. Every
// entry must balance per currency and is applied at most once.
package ledger

import (
	"github.com/nooterra/proxy/pkg/types"
)

// Ledger is the append-only journal for one tenant.
type Ledger struct {
	TenantID string
	Entries  []types.LedgerEntry
	applied  map[string]bool
	// balances[currency][account] in minor units, debit-positive.
	balances map[string]map[string]int64
}

// New creates an empty ledger for the tenant.
func New(tenantID string) *Ledger {
	return &Ledger{
		TenantID: types.NormalizeTenant(tenantID),
		applied:  make(map[string]bool),
		balances: make(map[string]map[string]int64),
	}
}

// Validate checks an entry's shape and balance without applying it.
func Validate(entry *types.LedgerEntry) error {
	if entry.EntryID == "" {
		return types.Validationf("ledger entry id must be non-empty")
	}
	if len(entry.Postings) == 0 {
		return types.Validationf("ledger entry %s has no postings", entry.EntryID)
	}
	sums := make(map[string]int64)
	for i, p := range entry.Postings {
		if p.Account == "" || p.Currency == "" {
			return types.Validationf("ledger entry %s posting %d missing account or currency", entry.EntryID, i)
		}
		if p.Debit < 0 || p.Credit < 0 {
			return types.Validationf("ledger entry %s posting %d has a negative amount", entry.EntryID, i)
		}
		if (p.Debit == 0) == (p.Credit == 0) {
			return types.Validationf("ledger entry %s posting %d must be exactly one of debit or credit", entry.EntryID, i)
		}
		sums[p.Currency] += p.Debit - p.Credit
	}
	for currency, sum := range sums {
		if sum != 0 {
			return types.Conflict(types.CodeLedgerUnbalanced,
				"ledger entry does not balance",
				map[string]any{"entryId": entry.EntryID, "currency": currency, "delta": sum})
		}
	}
	return nil
}

// Apply validates and appends an entry. Re-applying an already applied
// entry id is rejected.
func (l *Ledger) Apply(entry *types.LedgerEntry) error {
	if err := Validate(entry); err != nil {
		return err
	}
	if l.applied[entry.EntryID] {
		return types.Conflict(types.CodeLedgerEntryExists,
			"ledger entry already applied",
			map[string]any{"entryId": entry.EntryID})
	}
	l.Entries = append(l.Entries, *entry)
	l.applied[entry.EntryID] = true
	for _, p := range entry.Postings {
		byAccount := l.balances[p.Currency]
		if byAccount == nil {
			byAccount = make(map[string]int64)
			l.balances[p.Currency] = byAccount
		}
		byAccount[p.Account] += p.Debit - p.Credit
	}
	return nil
}

// Applied reports whether the entry id has been applied.
func (l *Ledger) Applied(entryID string) bool {
	return l.applied[entryID]
}

// Balance returns the debit-positive balance for (currency, account).
func (l *Ledger) Balance(currency, account string) int64 {
	return l.balances[currency][account]
}

// CheckInvariant verifies that the journal still sums to zero per
// currency. It always holds when entries only enter through Apply.
func (l *Ledger) CheckInvariant() error {
	sums := make(map[string]int64)
	for _, e := range l.Entries {
		for _, p := range e.Postings {
			sums[p.Currency] += p.Debit - p.Credit
		}
	}
	for currency, sum := range sums {
		if sum != 0 {
			return types.Conflict(types.CodeLedgerUnbalanced,
				"ledger invariant violated",
				map[string]any{"tenantId": l.TenantID, "currency": currency, "delta": sum})
		}
	}
	return nil
}
