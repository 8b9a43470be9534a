package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/proxy/pkg/types"
)

func balanced(id string) *types.LedgerEntry {
	return &types.LedgerEntry{
		EntryID: id,
		At:      "2026-01-01T00:00:00.000Z",
		Postings: []types.Posting{
			{Account: "agent:a1", Currency: "USD", Debit: 250},
			{Account: "platform:fees", Currency: "USD", Credit: 250},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*types.LedgerEntry)
		wantErr string
	}{
		{"valid", func(*types.LedgerEntry) {}, ""},
		{"empty id", func(e *types.LedgerEntry) { e.EntryID = "" }, "non-empty"},
		{"no postings", func(e *types.LedgerEntry) { e.Postings = nil }, "no postings"},
		{"both sides set", func(e *types.LedgerEntry) { e.Postings[0].Credit = 250 }, "exactly one"},
		{"negative amount", func(e *types.LedgerEntry) {
			e.Postings[0].Debit = -5
			e.Postings[0].Credit = 0
		}, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := balanced("le-1")
			tt.mutate(e)
			err := Validate(e)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateUnbalancedPerCurrency(t *testing.T) {
	e := &types.LedgerEntry{
		EntryID: "le-1",
		Postings: []types.Posting{
			{Account: "a", Currency: "USD", Debit: 100},
			{Account: "b", Currency: "EUR", Credit: 100},
		},
	}
	err := Validate(e)
	require.Error(t, err)
	var pe *types.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.CodeLedgerUnbalanced, pe.Code)
}

func TestApplyTracksBalancesAndDedupes(t *testing.T) {
	l := New("t1")
	require.NoError(t, l.Apply(balanced("le-1")))
	require.NoError(t, l.Apply(balanced("le-2")))

	assert.Equal(t, int64(500), l.Balance("USD", "agent:a1"))
	assert.Equal(t, int64(-500), l.Balance("USD", "platform:fees"))
	assert.True(t, l.Applied("le-1"))
	assert.NoError(t, l.CheckInvariant())

	err := l.Apply(balanced("le-1"))
	require.Error(t, err)
	var pe *types.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.CodeLedgerEntryExists, pe.Code)
	assert.Len(t, l.Entries, 2)
}
